package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedule_DebouncesSameKey(t *testing.T) {
	s := New(context.Background())
	defer s.Close()

	var runs atomic.Int32
	fired := make(chan string, 4)
	key := Key{WorkflowID: "wf", Name: "autosave"}

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Schedule(key, 30*time.Millisecond, func(ctx context.Context, id string) {
			runs.Add(1)
			fired <- id
		}))
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case id := <-fired:
		assert.Equal(t, "wf", id)
	case <-time.After(time.Second):
		t.Fatal("debounced task never fired")
	}
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "a burst must collapse into one run")
}

func TestCancelWorkflow(t *testing.T) {
	s := New(context.Background())
	defer s.Close()

	var runs atomic.Int32
	fn := func(ctx context.Context, id string) { runs.Add(1) }

	require.NoError(t, s.Schedule(Key{"a", "autosave"}, 20*time.Millisecond, fn))
	require.NoError(t, s.Schedule(Key{"a", "recheck:e1"}, 20*time.Millisecond, fn))
	require.NoError(t, s.Schedule(Key{"b", "autosave"}, 20*time.Millisecond, fn))

	assert.Equal(t, 2, s.CancelWorkflow("a"))
	assert.Equal(t, 0, s.Pending("a"))
	assert.Equal(t, 1, s.Pending("b"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestRekey_FiresUnderNewID(t *testing.T) {
	s := New(context.Background())
	defer s.Close()

	fired := make(chan string, 1)
	require.NoError(t, s.Schedule(Key{"temp-1", "autosave"}, 30*time.Millisecond, func(ctx context.Context, id string) {
		fired <- id
	}))

	moved, err := s.Rekey(context.Background(), "temp-1", "real-1")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, 0, s.Pending("temp-1"))
	assert.Equal(t, 1, s.Pending("real-1"))

	select {
	case id := <-fired:
		assert.Equal(t, "real-1", id)
	case <-time.After(time.Second):
		t.Fatal("re-keyed task never fired")
	}
}

func TestClose_CancelsPendingAndRejectsNew(t *testing.T) {
	s := New(context.Background())

	var runs atomic.Int32
	require.NoError(t, s.Schedule(Key{"wf", "x"}, 10*time.Millisecond, func(ctx context.Context, id string) {
		runs.Add(1)
	}))
	s.Close()
	s.Close()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
	assert.ErrorIs(t, s.Schedule(Key{"wf", "y"}, 0, func(context.Context, string) {}), ErrClosed)
}
