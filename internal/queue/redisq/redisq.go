// Package redisq is a durable delayed queue on Redis sorted sets.
//
// Keys, for a queue named N:
//
//	N:ready     zset  idempotency key -> not-before (unix ms)
//	N:inflight  zset  idempotency key -> lease deadline (unix ms)
//	N:tasks     hash  idempotency key -> task JSON
//	N:leases    hash  idempotency key -> lease token
//	N:seen:K    string, set on enqueue and kept for DedupTTL
//
// Delivery is at-least-once: a claimed task stays in inflight until it is
// acknowledged, and returns to ready when its lease expires.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mailsched/internal/queue"
)

var (
	enqueueScript = redis.NewScript(`
		if not redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[4]) then
			return 0
		end
		redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
		redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
		return 1
	`)

	// KEYS: ready, inflight, tasks, leases  ARGV: now, deadline, limit, token
	claimScript = redis.NewScript(`
		local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[3]))
		local out = {}
		for _, id in ipairs(ids) do
			redis.call("ZREM", KEYS[1], id)
			local payload = redis.call("HGET", KEYS[3], id)
			if payload then
				redis.call("ZADD", KEYS[2], ARGV[2], id)
				redis.call("HSET", KEYS[4], id, ARGV[4])
				table.insert(out, id)
				table.insert(out, payload)
			end
		end
		return out
	`)

	// KEYS: inflight, tasks, leases  ARGV: id, token
	ackScript = redis.NewScript(`
		if redis.call("HGET", KEYS[3], ARGV[1]) ~= ARGV[2] then
			return 0
		end
		redis.call("ZREM", KEYS[1], ARGV[1])
		redis.call("HDEL", KEYS[2], ARGV[1])
		redis.call("HDEL", KEYS[3], ARGV[1])
		return 1
	`)

	// KEYS: inflight, ready, leases  ARGV: id, token, not-before
	nackScript = redis.NewScript(`
		if redis.call("HGET", KEYS[3], ARGV[1]) ~= ARGV[2] then
			return 0
		end
		redis.call("ZREM", KEYS[1], ARGV[1])
		redis.call("HDEL", KEYS[3], ARGV[1])
		redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
		return 1
	`)

	// KEYS: inflight, ready, leases  ARGV: now, limit
	requeueScript = redis.NewScript(`
		local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
		for _, id in ipairs(ids) do
			redis.call("ZREM", KEYS[1], id)
			redis.call("HDEL", KEYS[3], id)
			redis.call("ZADD", KEYS[2], ARGV[1], id)
		end
		return #ids
	`)
)

// Queue implements queue.Enqueuer on Redis.
type Queue struct {
	Client *redis.Client
	Name   string
	// DedupTTL is how long an idempotency key is remembered after enqueue.
	DedupTTL time.Duration
	// Visibility is the lease a claimed task holds before it is redelivered.
	Visibility time.Duration

	Now func() time.Time
}

func New(client *redis.Client, name string, dedupTTL, visibility time.Duration) *Queue {
	return &Queue{Client: client, Name: name, DedupTTL: dedupTTL, Visibility: visibility, Now: time.Now}
}

func (q *Queue) key(suffix string) string { return q.Name + ":" + suffix }

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Enqueue stores the task under its idempotency key. A key seen within
// DedupTTL is accepted and ignored.
func (q *Queue) Enqueue(ctx context.Context, t queue.Task) (queue.Handle, error) {
	if t.IdempotencyKey == "" {
		return queue.Handle{}, fmt.Errorf("task %s has no idempotency key", t.DispatchID)
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return queue.Handle{}, err
	}
	ttl := q.DedupTTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	// the dedup key must outlive the delay or a late duplicate would enqueue again
	if wait := t.NotBefore.Sub(q.now()); wait > 0 {
		ttl += wait
	}

	added, err := enqueueScript.Run(ctx, q.Client,
		[]string{q.key("seen:" + t.IdempotencyKey), q.key("tasks"), q.key("ready")},
		t.IdempotencyKey, payload, t.NotBefore.UnixMilli(), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return queue.Handle{}, fmt.Errorf("redis enqueue %s: %w", t.IdempotencyKey, err)
	}
	return queue.Handle{ID: t.IdempotencyKey, Duplicate: added == 0}, nil
}

// Delivery is a claimed task. Ack or Nack must be called with it.
type Delivery struct {
	Task  queue.Task
	key   string
	token string
	raw   string
}

// Claim leases up to limit due tasks. Payloads that fail to decode are
// returned with a zero Task so the caller can drop them.
func (q *Queue) Claim(ctx context.Context, limit int) ([]Delivery, error) {
	now := q.now()
	token := uuid.NewString()
	res, err := claimScript.Run(ctx, q.Client,
		[]string{q.key("ready"), q.key("inflight"), q.key("tasks"), q.key("leases")},
		now.UnixMilli(), now.Add(q.Visibility).UnixMilli(), limit, token,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis claim: %w", err)
	}

	out := make([]Delivery, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		d := Delivery{key: res[i], raw: res[i+1], token: token}
		if err := json.Unmarshal([]byte(d.raw), &d.Task); err != nil {
			d.Task = queue.Task{}
		}
		out = append(out, d)
	}
	return out, nil
}

// Ack removes a delivered task. It reports false when the lease was lost to a
// redelivery.
func (q *Queue) Ack(ctx context.Context, d Delivery) (bool, error) {
	n, err := ackScript.Run(ctx, q.Client,
		[]string{q.key("inflight"), q.key("tasks"), q.key("leases")}, d.key, d.token).Int()
	if err != nil {
		return false, fmt.Errorf("redis ack %s: %w", d.key, err)
	}
	return n == 1, nil
}

// Nack returns a delivered task to ready, due after delay.
func (q *Queue) Nack(ctx context.Context, d Delivery, delay time.Duration) (bool, error) {
	at := q.now().Add(delay).UnixMilli()
	n, err := nackScript.Run(ctx, q.Client,
		[]string{q.key("inflight"), q.key("ready"), q.key("leases")}, d.key, d.token, at).Int()
	if err != nil {
		return false, fmt.Errorf("redis nack %s: %w", d.key, err)
	}
	return n == 1, nil
}

// RequeueExpired moves tasks whose lease ran out back to ready.
func (q *Queue) RequeueExpired(ctx context.Context, limit int) (int, error) {
	n, err := requeueScript.Run(ctx, q.Client,
		[]string{q.key("inflight"), q.key("ready"), q.key("leases")}, q.now().UnixMilli(), limit).Int()
	if err != nil {
		return 0, fmt.Errorf("redis requeue: %w", err)
	}
	return n, nil
}

// Depth returns the number of waiting and leased tasks.
func (q *Queue) Depth(ctx context.Context) (ready, inflight int64, err error) {
	pipe := q.Client.Pipeline()
	r := pipe.ZCard(ctx, q.key("ready"))
	f := pipe.ZCard(ctx, q.key("inflight"))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return r.Val(), f.Val(), nil
}

func (q *Queue) Ping(ctx context.Context) error { return q.Client.Ping(ctx).Err() }
