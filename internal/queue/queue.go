// Package queue defines the delayed task contract shared by the Redis and SQS
// backends.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailsched/internal/domain"
)

// Task asks a send worker to process one dispatch record no earlier than
// NotBefore.
type Task struct {
	DispatchID     string    `json:"dispatchId"`
	CampaignID     string    `json:"campaignId"`
	NotBefore      time.Time `json:"notBefore"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

// Handle identifies an enqueued task. Duplicate is set when the idempotency key
// was already known and nothing new was enqueued.
type Handle struct {
	ID        string
	Duplicate bool
}

type Enqueuer interface {
	Enqueue(ctx context.Context, t Task) (Handle, error)
}

// Handler processes one delivery. A nil error acknowledges the task; a
// *RetryError redelivers it after the given delay; any other error leaves it
// for the backend's own redelivery.
type Handler func(ctx context.Context, t Task) error

// IdempotencyKey is stable for the lifetime of a dispatch record.
func IdempotencyKey(dispatchID string, createdAt time.Time) string {
	return fmt.Sprintf("dispatch-%s-%d", dispatchID, createdAt.Unix())
}

// RecoveryTaskFor builds the task the reconciler enqueues for a record whose
// original task was lost. The key changes only when the record is claimed, so
// repeated sweeps over the same orphan collapse into one task.
func RecoveryTaskFor(r domain.DispatchRecord) Task {
	t := TaskFor(r)
	t.IdempotencyKey = fmt.Sprintf("%s-r%d", t.IdempotencyKey, r.Attempts)
	return t
}

func TaskFor(r domain.DispatchRecord) Task {
	return Task{
		DispatchID:     r.ID,
		CampaignID:     r.CampaignID,
		NotBefore:      r.ScheduledAt,
		IdempotencyKey: IdempotencyKey(r.ID, r.CreatedAt),
	}
}

type RetryError struct {
	After  time.Duration
	Reason string
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry after %s: %s", e.After, e.Reason)
}

func RetryAfter(d time.Duration, reason string) error {
	if d < 0 {
		d = 0
	}
	return &RetryError{After: d, Reason: reason}
}

// AsRetry reports whether err asks for a delayed redelivery.
func AsRetry(err error) (time.Duration, bool) {
	var re *RetryError
	if errors.As(err, &re) {
		return re.After, true
	}
	return 0, false
}
