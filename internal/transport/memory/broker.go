// Package memory is an in-process status transport. The broker keeps the
// history of every run so a late subscriber sees what it missed.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/weft/internal/transport"
	"github.com/petrijr/weft/pkg/api"
)

// ErrClosed is returned after the broker is closed.
var ErrClosed = errors.New("broker closed")

type subscription struct {
	runID      string
	workflowID string
	stream     *transport.Stream
}

func (s *subscription) matches(ev api.StatusEvent) bool {
	return transport.Matches(ev, s.runID, s.workflowID)
}

// Broker implements both api.Publisher and api.Subscriber.
type Broker struct {
	mu      sync.Mutex
	history map[string][]api.StatusEvent
	subs    map[*subscription]struct{}
	closed  bool
}

var (
	_ api.Publisher  = (*Broker)(nil)
	_ api.Subscriber = (*Broker)(nil)
)

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{
		history: make(map[string][]api.StatusEvent),
		subs:    make(map[*subscription]struct{}),
	}
}

// Publish records ev and delivers it to every matching stream.
func (b *Broker) Publish(ctx context.Context, ev api.StatusEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.history[ev.RunID] = append(b.history[ev.RunID], ev)
	for s := range b.subs {
		if s.matches(ev) {
			s.stream.Push(ev)
		}
	}
	return nil
}

// Subscribe opens a stream for runID, or for every run of workflowID when
// runID is empty. Events published without a run id reach a run stream
// through workflowID. Past events are replayed first.
func (b *Broker) Subscribe(ctx context.Context, runID, workflowID string) (api.StatusStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &subscription{runID: runID, workflowID: workflowID}
	sub.stream = transport.NewStream(func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	})
	for _, evs := range b.history {
		for _, ev := range evs {
			if sub.matches(ev) {
				sub.stream.Push(ev)
			}
		}
	}
	b.subs[sub] = struct{}{}
	context.AfterFunc(ctx, func() { _ = sub.stream.Close() })
	return sub.stream, nil
}

// Interrupt fails every open stream of runID with err, as a dropped
// connection would. It returns the number of streams hit.
func (b *Broker) Interrupt(runID string, err error) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for s := range b.subs {
		if s.runID == runID {
			s.stream.Fail(err)
			n++
		}
	}
	return n
}

// History returns the events published for runID.
func (b *Broker) History(runID string) []api.StatusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]api.StatusEvent(nil), b.history[runID]...)
}

// Close closes every stream and rejects further use.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.stream.Close()
	}
	return nil
}
