package worker

import (
	"context"
	"log/slog"
	"time"

	"mailsched/internal/domain"
	"mailsched/internal/observability"
	"mailsched/internal/recipients"
)

type MarkStore interface {
	MarkInSource(ctx context.Context, ids []string, now time.Time) error
}

type mark struct {
	dispatchID string
	row        int
	source     domain.SourceRef
}

// Notifier writes "sent" back to recipient sources off the send path. A
// failed or dropped write-back never affects the record's status.
type Notifier struct {
	Sources recipients.Registry
	Store   MarkStore
	Timeout time.Duration

	jobs chan mark
}

func NewNotifier(sources recipients.Registry, st MarkStore, buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 256
	}
	return &Notifier{Sources: sources, Store: st, Timeout: 15 * time.Second, jobs: make(chan mark, buffer)}
}

// Notify queues a write-back without blocking.
func (n *Notifier) Notify(rec domain.DispatchRecord, src domain.SourceRef) {
	if rec.SourceRow <= 0 {
		return
	}
	select {
	case n.jobs <- mark{dispatchID: rec.ID, row: rec.SourceRow, source: src}:
	default:
		observability.SourceMarks.WithLabelValues("dropped").Inc()
		slog.Warn("source write-back dropped, buffer full", "dispatch_id", rec.ID)
	}
}

// Run drains queued write-backs until ctx ends.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-n.jobs:
			n.apply(ctx, m)
		}
	}
}

func (n *Notifier) apply(ctx context.Context, m mark) {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	src, err := n.Sources.Get(m.source.Kind)
	if err == nil {
		err = src.MarkSent(ctx, m.source.ID, []int{m.row})
	}
	if err != nil {
		observability.SourceMarks.WithLabelValues("error").Inc()
		slog.Error("source write-back failed", "dispatch_id", m.dispatchID, "source_id", m.source.ID, "row", m.row, "err", err)
		return
	}
	if err := n.Store.MarkInSource(ctx, []string{m.dispatchID}, time.Now().UTC()); err != nil {
		observability.SourceMarks.WithLabelValues("error").Inc()
		slog.Error("record source mark", "dispatch_id", m.dispatchID, "err", err)
		return
	}
	observability.SourceMarks.WithLabelValues("ok").Inc()
}
