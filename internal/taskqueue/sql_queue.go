package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlQueue implements Queue over database/sql for SQLite and PostgreSQL.
// Queries use ? placeholders and are rebound when numbered is set.
type sqlQueue struct {
	db           *sql.DB
	numbered     bool
	lockClause   string
	pollInterval time.Duration
}

func (q *sqlQueue) q(query string) string {
	if !q.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (q *sqlQueue) Enqueue(ctx context.Context, t Task) error {
	enqueuedAt := t.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}
	notBefore := t.NotBefore
	if notBefore.IsZero() {
		notBefore = enqueuedAt
	}

	_, err := q.db.ExecContext(ctx, q.q(`
		INSERT INTO run_tasks (id, workflow_id, run_id, attempts, enqueued_at, not_before, lease_owner, lease_until)
		VALUES (?, ?, ?, ?, ?, ?, '', 0)`),
		t.ID, t.WorkflowID, t.RunID, t.Attempts, enqueuedAt.UnixNano(), notBefore.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	return nil
}

func (q *sqlQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	tmr := time.NewTimer(q.pollInterval)
	defer tmr.Stop()

	for {
		t, err := q.claim(ctx, owner, leaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if t != nil {
			return t, nil
		}

		// Nothing available: sleep a bit and retry.
		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

// claim leases one eligible task, or returns nil when none is eligible or
// another worker won the race for it.
func (q *sqlQueue) claim(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	now := time.Now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		t          Task
		enqueuedAt int64
		notBefore  int64
	)
	err = tx.QueryRowContext(ctx, q.q(`
		SELECT id, workflow_id, run_id, attempts, enqueued_at, not_before
		FROM run_tasks
		WHERE not_before <= ? AND (lease_owner = '' OR lease_until < ?)
		ORDER BY not_before, enqueued_at
		LIMIT 1`+q.lockClause), now.UnixNano(), now.UnixNano(),
	).Scan(&t.ID, &t.WorkflowID, &t.RunID, &t.Attempts, &enqueuedAt, &notBefore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, q.q(`
		UPDATE run_tasks
		SET lease_owner = ?, lease_until = ?, attempts = attempts + 1
		WHERE id = ? AND (lease_owner = '' OR lease_until < ?)`),
		owner, now.Add(leaseTTL).UnixNano(), t.ID, now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Attempts++
	t.EnqueuedAt = time.Unix(0, enqueuedAt)
	t.NotBefore = time.Unix(0, notBefore)
	return &t, nil
}

func (q *sqlQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.db.ExecContext(ctx, q.q(`DELETE FROM run_tasks WHERE id = ? AND lease_owner = ?`), taskID, owner)
	if err != nil {
		return err
	}
	return leaseHeld(res)
}

func (q *sqlQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time) error {
	res, err := q.db.ExecContext(ctx, q.q(`
		UPDATE run_tasks SET lease_owner = '', lease_until = 0, not_before = ?
		WHERE id = ? AND lease_owner = ?`),
		notBefore.UnixNano(), taskID, owner,
	)
	if err != nil {
		return err
	}
	return leaseHeld(res)
}

func (q *sqlQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM run_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func leaseHeld(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
