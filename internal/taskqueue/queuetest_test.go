package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(workflowID string) Task {
	return Task{ID: uuid.NewString(), WorkflowID: workflowID, RunID: uuid.NewString()}
}

// testQueue runs the shared behaviour checks against an empty queue.
func testQueue(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("fifo", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		var ids []string
		for i := 0; i < 3; i++ {
			tk := newTask("wf")
			tk.EnqueuedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
			tk.NotBefore = tk.EnqueuedAt
			require.NoError(t, q.Enqueue(ctx, tk))
			ids = append(ids, tk.ID)
		}
		assert.Equal(t, 3, q.Len())

		for _, want := range ids {
			got, err := q.Dequeue(ctx, "w1", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, got.ID)
			assert.Equal(t, 1, got.Attempts)
			require.NoError(t, q.Ack(ctx, got.ID, "w1"))
		}
		assert.Equal(t, 0, q.Len())
	})

	t.Run("not before", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		delay := 50 * time.Millisecond
		tk := newTask("wf")
		tk.NotBefore = time.Now().Add(delay)
		require.NoError(t, q.Enqueue(ctx, tk))

		start := time.Now()
		got, err := q.Dequeue(ctx, "w1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, tk.ID, got.ID)
		assert.GreaterOrEqual(t, time.Since(start), delay/2)
	})

	t.Run("honours context", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := q.Dequeue(ctx, "w1", time.Minute)
		assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled), "got %v", err)
	})

	t.Run("lease expiry redelivers", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		tk := newTask("wf")
		require.NoError(t, q.Enqueue(ctx, tk))

		got1, err := q.Dequeue(ctx, "w1", 30*time.Millisecond)
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)

		got2, err := q.Dequeue(ctx, "w2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, got1.ID, got2.ID)
		assert.Equal(t, 2, got2.Attempts)

		assert.ErrorIs(t, q.Ack(ctx, tk.ID, "w1"), ErrLeaseLost)
		require.NoError(t, q.Ack(ctx, tk.ID, "w2"))
	})

	t.Run("nack requeues", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		tk := newTask("wf")
		require.NoError(t, q.Enqueue(ctx, tk))
		got, err := q.Dequeue(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Nack(ctx, got.ID, "w1", time.Now()))

		again, err := q.Dequeue(ctx, "w2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, tk.ID, again.ID)
		require.NoError(t, q.Ack(ctx, again.ID, "w2"))
	})

	t.Run("concurrent dequeue leases once", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		require.NoError(t, q.Enqueue(ctx, newTask("wf")))

		results := make(chan *Task, 2)
		for _, owner := range []string{"w1", "w2"} {
			go func(owner string) {
				got, _ := q.Dequeue(ctx, owner, time.Minute)
				results <- got
			}(owner)
		}

		count := 0
		for i := 0; i < 2; i++ {
			if <-results != nil {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})
}
