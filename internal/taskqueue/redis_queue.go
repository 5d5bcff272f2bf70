package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease bookkeeping runs server side so two workers never claim the same
// task. Scores are unix microseconds.
var (
	// KEYS: ready, leases, owners, data, attempts
	// ARGV: now, lease until, owner
	claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('HDEL', KEYS[3], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end

local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', KEYS[3], id, ARGV[3])
local attempts = redis.call('HINCRBY', KEYS[5], id, 1)
return {id, redis.call('HGET', KEYS[4], id), attempts}
`)

	// KEYS: leases, owners, data, attempts
	// ARGV: id, owner
	ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

	// KEYS: ready, leases, owners
	// ARGV: id, owner, not before
	nackScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)
)

// RedisQueue is a Queue shared by every worker connected to the same Redis.
//
// Keys, all under prefix:
//
//	tasks:ready     ZSET id -> not before
//	tasks:leases    ZSET id -> lease expiry
//	tasks:owners    HASH id -> lease owner
//	tasks:data      HASH id -> JSON task
//	tasks:attempts  HASH id -> lease count
type RedisQueue struct {
	client       *redis.Client
	ready        string
	leases       string
	owners       string
	data         string
	attempts     string
	pollInterval time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue constructs a Redis-backed Queue. prefix defaults to "weft:".
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "weft:"
	}
	return &RedisQueue{
		client:       client,
		ready:        prefix + "tasks:ready",
		leases:       prefix + "tasks:leases",
		owners:       prefix + "tasks:owners",
		data:         prefix + "tasks:data",
		attempts:     prefix + "tasks:attempts",
		pollInterval: 50 * time.Millisecond,
	}
}

type redisTask struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflowId"`
	RunID      string    `json:"runId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	NotBefore  time.Time `json:"notBefore"`
}

func score(t time.Time) float64 { return float64(t.UnixMicro()) }

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	payload, err := json.Marshal(redisTask{
		ID:         t.ID,
		WorkflowID: t.WorkflowID,
		RunID:      t.RunID,
		EnqueuedAt: t.EnqueuedAt,
		NotBefore:  t.NotBefore,
	})
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.data, t.ID, payload)
		if t.Attempts > 0 {
			p.HSet(ctx, q.attempts, t.ID, t.Attempts)
		}
		p.ZAdd(ctx, q.ready, redis.Z{Score: score(t.NotBefore), Member: t.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
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

		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	now := time.Now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.ready, q.leases, q.owners, q.data, q.attempts},
		score(now), score(now.Add(leaseTTL)), owner,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("claim: unexpected reply %v", res)
	}

	payload, _ := res[1].(string)
	var rt redisTask
	if err := json.Unmarshal([]byte(payload), &rt); err != nil {
		return nil, fmt.Errorf("decode task %v: %w", res[0], err)
	}
	attempts, _ := res[2].(int64)
	return &Task{
		ID:         rt.ID,
		WorkflowID: rt.WorkflowID,
		RunID:      rt.RunID,
		Attempts:   int(attempts),
		EnqueuedAt: rt.EnqueuedAt,
		NotBefore:  rt.NotBefore,
	}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, taskID, owner string) error {
	n, err := ackScript.Run(ctx, q.client,
		[]string{q.leases, q.owners, q.data, q.attempts},
		taskID, owner,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time) error {
	n, err := nackScript.Run(ctx, q.client,
		[]string{q.ready, q.leases, q.owners},
		taskID, owner, score(notBefore),
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Len returns the number of queued and leased tasks, or 0 if Redis is
// unreachable.
func (q *RedisQueue) Len() int {
	ctx := context.Background()
	var ready, leased *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.ZCard(ctx, q.ready)
		leased = p.ZCard(ctx, q.leases)
		return nil
	})
	if err != nil {
		return 0
	}
	return int(ready.Val() + leased.Val())
}
