// Package transport holds what the status transports share. Each transport
// lives in a sub-package.
package transport

import (
	"sync"

	"github.com/petrijr/weft/pkg/api"
)

// Stream is an api.StatusStream fed by a transport. Push never blocks: events
// are queued and handed to the reader by a pump goroutine.
type Stream struct {
	events chan api.StatusEvent
	errs   chan error

	mu     sync.Mutex
	queue  []api.StatusEvent
	wake   chan struct{}
	done   chan struct{}
	closed bool

	onClose func()
}

var _ api.StatusStream = (*Stream)(nil)

// NewStream starts a Stream. onClose, if set, runs once when the stream is
// closed.
func NewStream(onClose func()) *Stream {
	s := &Stream{
		events:  make(chan api.StatusEvent),
		errs:    make(chan error, 1),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.pump()
	return s
}

// Push queues ev for the reader. It is a no-op after Close.
func (s *Stream) Push(ev api.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Fail reports a transport error. Only the first pending error is kept.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Stream) pump() {
	defer func() {
		s.mu.Lock()
		close(s.events)
		close(s.errs)
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
			continue
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func (s *Stream) Events() <-chan api.StatusEvent { return s.events }
func (s *Stream) Errors() <-chan error           { return s.errs }

// Done is closed once the stream is closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

// Matches reports whether ev belongs to a subscription on runID. Status is
// keyed by run id first; an event that carries no run id is routed by its
// workflow id instead. An empty runID subscribes to every run of workflowID.
func Matches(ev api.StatusEvent, runID, workflowID string) bool {
	if runID == "" {
		return ev.WorkflowID == workflowID
	}
	if ev.RunID != "" {
		return ev.RunID == runID
	}
	return workflowID != "" && ev.WorkflowID == workflowID
}
