// Package socketio receives run status pushed by the execution backend over
// socket.io. After connecting, the client emits "subscribe" with the run and
// workflow ids and then listens on "run_status".
package socketio

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/petrijr/weft/internal/transport"
	"github.com/petrijr/weft/pkg/api"
)

const (
	EventSubscribe = "subscribe"
	EventRunStatus = "run_status"

	DefaultConnectTimeout = 15 * time.Second
)

// ErrDisconnected is reported on a stream whose socket dropped.
var ErrDisconnected = errors.New("socket.io disconnected")

// Options configures a Subscriber.
type Options struct {
	URL                string
	Namespace          string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
	Logger             *slog.Logger
}

// Subscriber implements api.Subscriber. Every subscription gets its own
// socket so one dropped stream never affects another.
type Subscriber struct {
	baseURL   string
	path      string
	namespace string
	insecure  bool
	timeout   time.Duration
	logger    *slog.Logger
}

var _ api.Subscriber = (*Subscriber)(nil)

// NewSubscriber validates opts.URL and returns a Subscriber. No connection
// is made until Subscribe.
func NewSubscriber(opts Options) (*Subscriber, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported socket.io URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("socket.io URL %q has no host", opts.URL)
	}

	ns := opts.Namespace
	if ns == "" {
		ns = "/"
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Subscriber{
		baseURL:   fmt.Sprintf("%s://%s", u.Scheme, u.Host),
		path:      u.Path,
		namespace: ns,
		insecure:  opts.InsecureSkipVerify,
		timeout:   timeout,
		logger:    logger.With("transport", "socketio", "url", opts.URL),
	}, nil
}

type subscribeRequest struct {
	RunID      string `json:"runId"`
	WorkflowID string `json:"workflowId"`
}

// Subscribe connects, asks the server for runID's status and returns once
// the connection is up. Reconnects re-send the subscribe request.
func (s *Subscriber) Subscribe(ctx context.Context, runID, workflowID string) (api.StatusStream, error) {
	opts := socket.DefaultOptions()
	if s.path != "" {
		opts.SetPath(s.path)
	}
	if s.insecure {
		s.logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(s.baseURL, opts)
	io := manager.Socket(s.namespace, opts)
	logger := s.logger.With("run_id", runID)

	stream := transport.NewStream(func() { io.Disconnect() })
	req := subscribeRequest{RunID: runID, WorkflowID: workflowID}
	connected := make(chan error, 1)

	io.On(types.EventName("connect"), func(...any) {
		logger.Debug("socket connected", "sid", io.Id())
		io.Emit(EventSubscribe, req)
		select {
		case connected <- nil:
		default:
		}
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := errors.New("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		select {
		case connected <- err:
		default:
		}
	})
	io.On(types.EventName(EventRunStatus), func(data ...any) {
		if len(data) == 0 {
			return
		}
		ev, err := decodeStatus(data[0])
		if err != nil {
			logger.Warn("dropping malformed run_status", "error", err)
			return
		}
		if !transport.Matches(ev, runID, workflowID) {
			return
		}
		stream.Push(ev)
	})
	io.On(types.EventName("disconnect"), func(reason ...any) {
		detail := ""
		if len(reason) > 0 {
			detail = fmt.Sprint(reason[0])
		}
		stream.Fail(fmt.Errorf("%w: %s", ErrDisconnected, detail))
	})

	io.Connect()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case err := <-connected:
		if err != nil {
			_ = stream.Close()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		_ = stream.Close()
		return nil, fmt.Errorf("waiting for socket.io connection: %w", ctx.Err())
	case <-timer.C:
		_ = stream.Close()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", s.timeout)
	}

	context.AfterFunc(ctx, func() { _ = stream.Close() })
	return stream, nil
}

// decodeStatus accepts whatever the socket.io parser produced for a JSON
// payload: a decoded object, a JSON string or raw bytes.
func decodeStatus(v any) (api.StatusEvent, error) {
	var raw []byte
	switch t := v.(type) {
	case []byte:
		raw = t
	case string:
		raw = []byte(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return api.StatusEvent{}, err
		}
		raw = b
	}

	var ev api.StatusEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return api.StatusEvent{}, fmt.Errorf("decode run_status: %w", err)
	}
	if ev.RunID == "" && ev.WorkflowID == "" {
		return api.StatusEvent{}, errors.New("run_status without runId or workflowId")
	}
	return ev, nil
}
