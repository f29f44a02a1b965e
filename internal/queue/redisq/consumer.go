package redisq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mailsched/internal/observability"
	"mailsched/internal/queue"
)

type Consumer struct {
	Queue *Queue

	// PollInterval is the pause after an empty claim.
	PollInterval time.Duration
	// RetryDelay is used when a handler fails without asking for a delay.
	RetryDelay time.Duration
	// DepthInterval is how often queue depth is sampled into the gauge.
	DepthInterval time.Duration

	lastDepth time.Time
}

// Poll claims due tasks and runs handler on a pool of workers until ctx ends.
// Tasks are acknowledged only after handler returns nil.
func (c *Consumer) Poll(ctx context.Context, workers int, handler queue.Handler) error {
	if workers <= 0 {
		workers = 1
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	jobs := make(chan Delivery, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				c.handle(ctx, d, handler)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.maybeReportDepth(ctx)

		if n, err := c.Queue.RequeueExpired(ctx, 100); err != nil {
			slog.Error("redis requeue expired failed", "err", err)
		} else if n > 0 {
			slog.Warn("redis leases expired, tasks requeued", "count", n)
		}

		batch, err := c.Queue.Claim(ctx, workers)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			slog.Error("redis claim failed", "err", err)
			if !sleep(ctx, 500*time.Millisecond) {
				return ctx.Err()
			}
			continue
		}
		if len(batch) == 0 {
			if !sleep(ctx, interval) {
				return ctx.Err()
			}
			continue
		}

		for _, d := range batch {
			select {
			case jobs <- d:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Consumer) maybeReportDepth(ctx context.Context) {
	every := c.DepthInterval
	if every <= 0 {
		every = 15 * time.Second
	}
	now := time.Now()
	if now.Sub(c.lastDepth) < every {
		return
	}
	c.lastDepth = now
	c.reportDepth(ctx)
}

// reportDepth samples the ready and leased task counts into QueueDepth.
func (c *Consumer) reportDepth(ctx context.Context) {
	ready, inflight, err := c.Queue.Depth(ctx)
	if err != nil {
		slog.Warn("redis depth sample failed", "err", err)
		return
	}
	observability.QueueDepth.WithLabelValues(c.Queue.Name, "ready").Set(float64(ready))
	observability.QueueDepth.WithLabelValues(c.Queue.Name, "inflight").Set(float64(inflight))
}

func (c *Consumer) handle(ctx context.Context, d Delivery, handler queue.Handler) {
	// poison payloads are dropped so they don't loop forever
	if d.Task.DispatchID == "" {
		slog.Error("redis dropping undecodable task", "key", d.key)
		_, _ = c.Queue.Ack(ctx, d)
		return
	}

	err := handler(ctx, d.Task)
	if err == nil {
		if ok, aerr := c.Queue.Ack(ctx, d); aerr != nil {
			slog.Error("redis ack failed", "dispatch_id", d.Task.DispatchID, "err", aerr)
		} else if !ok {
			slog.Warn("redis lease lost before ack", "dispatch_id", d.Task.DispatchID)
		}
		return
	}

	delay, ok := queue.AsRetry(err)
	if !ok {
		delay = c.RetryDelay
		if delay <= 0 {
			delay = 30 * time.Second
		}
		slog.Error("redis handler error", "dispatch_id", d.Task.DispatchID, "err", err)
	}
	if _, nerr := c.Queue.Nack(ctx, d, delay); nerr != nil {
		// the lease expiry will redeliver it
		slog.Error("redis nack failed", "dispatch_id", d.Task.DispatchID, "err", nerr)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
