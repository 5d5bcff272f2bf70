// Package identity allocates temporary workflow ids and migrates every
// piece of state keyed by them once the workflow gets a persistent id.
//
// Writers keyed by a workflow id hold a shared lease for the duration of a
// write; Migrate holds the exclusive lease. A write that starts while a
// migration is running therefore waits for it and then lands under the
// persistent id, and a write that started before it is moved by it.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/petrijr/weft/pkg/api"
)

var (
	ErrNotTemporary     = errors.New("identity is not temporary")
	ErrAlreadyMigrated  = errors.New("identity already migrated to a different id")
	ErrInvalidPersistID = errors.New("invalid persistent id")
)

// Participant owns state keyed by workflow id.
type Participant interface {
	Name() string
	// Rekey moves everything keyed by from onto to and returns how many
	// entries it moved.
	Rekey(ctx context.Context, from, to string) (int, error)
}

// RekeyFunc adapts a store's rekey method.
type RekeyFunc func(ctx context.Context, from, to string) (int, error)

type funcParticipant struct {
	name string
	fn   RekeyFunc
}

func (p funcParticipant) Name() string { return p.name }
func (p funcParticipant) Rekey(ctx context.Context, from, to string) (int, error) {
	return p.fn(ctx, from, to)
}

// ParticipantFunc wraps fn as a named Participant.
func ParticipantFunc(name string, fn RekeyFunc) Participant {
	return funcParticipant{name: name, fn: fn}
}

// MigrationReport lists how many entries each participant moved.
type MigrationReport struct {
	TempID string
	RealID string
	Moved  map[string]int
}

type record struct {
	identity api.TemporaryIdentity

	readers int
	drained chan struct{} // closed when readers drops to zero during migration
	// migrating is non-nil while Migrate holds the exclusive lease and is
	// closed when it releases it.
	migrating chan struct{}
}

// Manager is safe for concurrent use.
type Manager struct {
	mu           sync.Mutex
	records      map[string]*record
	participants []Participant
	observer     api.Observer
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver sets the observer notified after each migration.
func WithObserver(o api.Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// NewManager creates a Manager with the given participants.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		records:  make(map[string]*record),
		observer: api.NoopObserver{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a participant to every future migration.
func (m *Manager) Register(p Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants = append(m.participants, p)
}

// Allocate mints a new temporary identity.
func (m *Manager) Allocate() api.TemporaryIdentity {
	id := api.TemporaryIdentity{TempID: api.NewTemporaryID()}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id.TempID] = &record{identity: id}
	return id
}

// IsTemporary reports whether id is a temporary identity.
func (m *Manager) IsTemporary(id string) bool {
	return api.IsTemporaryID(id)
}

// Identity returns the tracked state of a temporary id.
func (m *Manager) Identity(tempID string) (api.TemporaryIdentity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[tempID]
	if !ok {
		return api.TemporaryIdentity{}, false
	}
	return r.identity, true
}

// Resolve maps a migrated temporary id to its persistent id. Any other id
// is returned unchanged.
func (m *Manager) Resolve(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok && r.identity.Migrated {
		return r.identity.RealID
	}
	return id
}

func (m *Manager) record(id string) *record {
	r, ok := m.records[id]
	if !ok {
		r = &record{identity: api.TemporaryIdentity{TempID: id}}
		m.records[id] = r
	}
	return r
}

// Acquire takes a shared write lease on id. It blocks while id is being
// migrated and returns the id the write must use. Persistent ids are not
// gated.
func (m *Manager) Acquire(ctx context.Context, id string) (string, func(), error) {
	if !api.IsTemporaryID(id) {
		return id, func() {}, nil
	}

	for {
		m.mu.Lock()
		r := m.record(id)
		if wait := r.migrating; wait != nil {
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return "", nil, ctx.Err()
			case <-wait:
				continue
			}
		}

		if r.identity.Migrated {
			m.mu.Unlock()
			return r.identity.RealID, func() {}, nil
		}
		r.readers++
		m.mu.Unlock()

		var once sync.Once
		return id, func() { once.Do(func() { m.release(r) }) }, nil
	}
}

func (m *Manager) release(r *record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.readers--
	if r.readers == 0 && r.drained != nil {
		close(r.drained)
		r.drained = nil
	}
}

// Migrate moves all state keyed by tempID onto realID. A participant that
// fails does not stop the others; the failures come back as a
// *api.MigrationError alongside a complete report, and the identity is
// marked migrated regardless.
func (m *Manager) Migrate(ctx context.Context, tempID, realID string) (MigrationReport, error) {
	report := MigrationReport{TempID: tempID, RealID: realID, Moved: make(map[string]int)}
	if !api.IsTemporaryID(tempID) {
		return report, fmt.Errorf("%w: %s", ErrNotTemporary, tempID)
	}
	if realID == "" || api.IsTemporaryID(realID) {
		return report, fmt.Errorf("%w: %q", ErrInvalidPersistID, realID)
	}

	r, err := m.lockExclusive(ctx, tempID, realID)
	if err != nil || r == nil {
		return report, err
	}

	m.mu.Lock()
	participants := append([]Participant(nil), m.participants...)
	m.mu.Unlock()

	var failures []api.MigrationFailure
	for _, p := range participants {
		n, err := p.Rekey(ctx, tempID, realID)
		if err != nil {
			failures = append(failures, api.MigrationFailure{Participant: p.Name(), Err: err})
			continue
		}
		report.Moved[p.Name()] = n
	}

	m.mu.Lock()
	r.identity.RealID = realID
	r.identity.Migrated = true
	identity := r.identity
	close(r.migrating)
	r.migrating = nil
	m.mu.Unlock()

	var merr error
	if len(failures) > 0 {
		merr = &api.MigrationError{TempID: tempID, RealID: realID, Failures: failures}
	}
	m.observer.OnMigrated(ctx, identity, merr)
	return report, merr
}

// lockExclusive waits for in-flight writers to finish and blocks new ones.
// It returns nil without error when tempID was already migrated to realID.
func (m *Manager) lockExclusive(ctx context.Context, tempID, realID string) (*record, error) {
	for {
		m.mu.Lock()
		r := m.record(tempID)
		if r.identity.Migrated {
			m.mu.Unlock()
			if r.identity.RealID == realID {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: %s -> %s", ErrAlreadyMigrated, tempID, r.identity.RealID)
		}
		if wait := r.migrating; wait != nil {
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-wait:
				continue
			}
		}

		r.migrating = make(chan struct{})
		if r.readers == 0 {
			m.mu.Unlock()
			return r, nil
		}
		drained := make(chan struct{})
		r.drained = drained
		m.mu.Unlock()

		select {
		case <-drained:
			return r, nil
		case <-ctx.Done():
			m.mu.Lock()
			r.drained = nil
			close(r.migrating)
			r.migrating = nil
			m.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// Forget drops the record of tempID.
func (m *Manager) Forget(tempID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, tempID)
}
