// Package redisbus carries run status over Redis pub/sub.
//
// Keys and channels:
//
//	<prefix>run:<runID>            => pub/sub channel, one run
//	<prefix>workflow:<workflowID>  => pub/sub channel, every run of a workflow
//	<prefix>history:<runID>        => LIST of JSON events, replayed on subscribe
//	<prefix>wfhistory:<workflowID> => LIST of events published without a run id
//
// Pub/sub drops messages sent while nobody listens, so every event is also
// appended to a history list. A run subscription listens on the run channel
// and, for events that carry no run id, on the workflow channel.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/weft/internal/transport"
	"github.com/petrijr/weft/pkg/api"
)

// DefaultRetention is how long a run's history list is kept after its last
// event.
const DefaultRetention = 24 * time.Hour

// Bus implements api.Publisher and api.Subscriber on Redis.
type Bus struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

var (
	_ api.Publisher  = (*Bus)(nil)
	_ api.Subscriber = (*Bus)(nil)
)

// New creates a Bus. prefix is optional but recommended (e.g. "weft:").
func New(client *redis.Client, prefix string) *Bus {
	if prefix == "" {
		prefix = "weft:"
	}
	return &Bus{client: client, prefix: prefix, retention: DefaultRetention}
}

func (b *Bus) runChannel(runID string) string     { return b.prefix + "run:" + runID }
func (b *Bus) workflowChannel(wfID string) string { return b.prefix + "workflow:" + wfID }
func (b *Bus) historyKey(runID string) string     { return b.prefix + "history:" + runID }
func (b *Bus) wfHistoryKey(wfID string) string    { return b.prefix + "wfhistory:" + wfID }

// Publish appends ev to the run history and announces it on both the run
// and the workflow channel. An event without a run id goes to the workflow
// channel and history only.
func (b *Bus) Publish(ctx context.Context, ev api.StatusEvent) error {
	if ev.RunID == "" && ev.WorkflowID == "" {
		return errors.New("publish status: event has neither run id nor workflow id")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if ev.RunID != "" {
			pipe.RPush(ctx, b.historyKey(ev.RunID), data)
			pipe.Expire(ctx, b.historyKey(ev.RunID), b.retention)
			pipe.Publish(ctx, b.runChannel(ev.RunID), data)
		} else {
			pipe.RPush(ctx, b.wfHistoryKey(ev.WorkflowID), data)
			pipe.Expire(ctx, b.wfHistoryKey(ev.WorkflowID), b.retention)
		}
		if ev.WorkflowID != "" {
			pipe.Publish(ctx, b.workflowChannel(ev.WorkflowID), data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish status of run %s: %w", ev.RunID, err)
	}
	return nil
}

// Subscribe listens on the run channel, or on the workflow channel when
// runID is empty. A run subscription with a workflowID also takes the
// workflow channel's events that carry no run id. Stored history is
// replayed after the subscription is confirmed, so no event falls in
// between.
func (b *Bus) Subscribe(ctx context.Context, runID, workflowID string) (api.StatusStream, error) {
	var channels []string
	if runID != "" {
		channels = append(channels, b.runChannel(runID))
	}
	if workflowID != "" {
		channels = append(channels, b.workflowChannel(workflowID))
	}
	if len(channels) == 0 {
		return nil, errors.New("subscribe: run id or workflow id required")
	}

	ps := b.client.Subscribe(ctx, channels...)
	for range channels {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("subscribe %v: %w", channels, err)
		}
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream := transport.NewStream(func() {
		cancel()
		_ = ps.Close()
	})
	context.AfterFunc(ctx, func() { _ = stream.Close() })

	var keys []string
	if runID != "" {
		keys = append(keys, b.historyKey(runID))
	}
	if workflowID != "" {
		keys = append(keys, b.wfHistoryKey(workflowID))
	}
	for _, key := range keys {
		history, err := b.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			_ = stream.Close()
			return nil, fmt.Errorf("read history %s: %w", key, err)
		}
		for _, raw := range history {
			if ev, err := decode(raw); err == nil && transport.Matches(ev, runID, workflowID) {
				stream.Push(ev)
			}
		}
	}

	go func() {
		for {
			msg, err := ps.ReceiveMessage(sctx)
			if err != nil {
				if sctx.Err() == nil {
					stream.Fail(err)
				}
				return
			}
			ev, err := decode(msg.Payload)
			if err != nil {
				// A malformed message is skipped; it says nothing about
				// the connection.
				continue
			}
			// Events with both ids arrive on both channels; the run
			// channel's copy is the one kept.
			if runID != "" && msg.Channel != b.runChannel(runID) && ev.RunID != "" {
				continue
			}
			if transport.Matches(ev, runID, workflowID) {
				stream.Push(ev)
			}
		}
	}()
	return stream, nil
}

// History returns the stored events of runID.
func (b *Bus) History(ctx context.Context, runID string) ([]api.StatusEvent, error) {
	raw, err := b.client.LRange(ctx, b.historyKey(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.StatusEvent, 0, len(raw))
	for _, r := range raw {
		ev, err := decode(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func decode(payload string) (api.StatusEvent, error) {
	var ev api.StatusEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return api.StatusEvent{}, fmt.Errorf("decode status event: %w", err)
	}
	return ev, nil
}
