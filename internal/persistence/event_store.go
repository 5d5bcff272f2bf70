package persistence

import (
	"context"

	"github.com/petrijr/weft/pkg/api"
)

// EventStore is an append-only history of run status transitions.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.StatusEvent) error
	ListEvents(ctx context.Context, runID string) ([]api.StatusEvent, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.StatusEvent) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, runID string) ([]api.StatusEvent, error) {
	return nil, nil
}
