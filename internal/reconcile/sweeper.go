// Package reconcile finds dispatch work that fell through the cracks: lost
// tasks, exhausted records, campaigns that never progress or never settle.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mailsched/internal/domain"
	"mailsched/internal/observability"
	"mailsched/internal/queue"
	"mailsched/internal/store"
)

type Store interface {
	FindStuckCampaigns(ctx context.Context, startedBefore time.Time) ([]domain.Campaign, error)
	FindSettledSending(ctx context.Context, limit int) ([]string, error)
	FindOrphans(ctx context.Context, q store.OrphanQuery) ([]domain.DispatchRecord, error)
	FailExhausted(ctx context.Context, q store.ExhaustedQuery) (int, []string, error)
	AppendDiagnostics(ctx context.Context, id string, diags []domain.Diagnostic, now time.Time) error
	RefreshStats(ctx context.Context, campaignID string, now time.Time) (store.Stats, error)
}

// Lock keeps concurrent reconcilers from sweeping at the same time.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Sweeper struct {
	Store Store
	Queue queue.Enqueuer
	Lock  Lock

	StaleAfter  time.Duration
	OrphanGrace time.Duration
	ClaimLease  time.Duration
	MaxAttempts int
	BatchSize   int
}

type Report struct {
	LockBusy  bool
	Stuck     int
	Orphans   int
	Requeued  int
	Exhausted int
	Settled   int
}

func (s *Sweeper) batch() int {
	if s.BatchSize <= 0 {
		return 500
	}
	return s.BatchSize
}

// Sweep runs one reconciliation pass. It returns with LockBusy set when
// another process holds the lock.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	if s.Lock != nil {
		ok, err := s.Lock.Acquire(ctx)
		if err != nil {
			return rep, err
		}
		if !ok {
			rep.LockBusy = true
			return rep, nil
		}
		defer func() {
			if err := s.Lock.Release(context.WithoutCancel(ctx)); err != nil {
				slog.Error("release reconcile lock", "err", err)
			}
		}()
	}

	if err := s.exhausted(ctx, now, &rep); err != nil {
		return rep, fmt.Errorf("fail exhausted: %w", err)
	}
	if err := s.orphans(ctx, now, &rep); err != nil {
		return rep, fmt.Errorf("requeue orphans: %w", err)
	}
	if err := s.stuck(ctx, now, &rep); err != nil {
		return rep, fmt.Errorf("find stuck: %w", err)
	}
	if err := s.settle(ctx, now, &rep); err != nil {
		return rep, fmt.Errorf("settle campaigns: %w", err)
	}
	return rep, nil
}

func (s *Sweeper) exhausted(ctx context.Context, now time.Time, rep *Report) error {
	n, campaigns, err := s.Store.FailExhausted(ctx, store.ExhaustedQuery{
		MaxAttempts:   s.MaxAttempts,
		ClaimedBefore: now.Add(-s.ClaimLease),
		Limit:         s.batch(),
		Now:           now,
	})
	if err != nil {
		return err
	}
	rep.Exhausted = n
	if n > 0 {
		observability.Reconciled.WithLabelValues("exhausted").Add(float64(n))
		slog.Warn("failed exhausted dispatch records", "count", n, "campaigns", len(campaigns))
	}
	for _, id := range campaigns {
		if _, err := s.Store.RefreshStats(ctx, id, now); err != nil {
			slog.Error("refresh stats", "campaign_id", id, "err", err)
		}
	}
	return nil
}

func (s *Sweeper) orphans(ctx context.Context, now time.Time, rep *Report) error {
	recs, err := s.Store.FindOrphans(ctx, store.OrphanQuery{
		ScheduledBefore: now.Add(-s.OrphanGrace),
		ClaimedBefore:   now.Add(-s.ClaimLease),
		MaxAttempts:     s.MaxAttempts,
		Limit:           s.batch(),
	})
	if err != nil {
		return err
	}
	rep.Orphans = len(recs)
	for _, r := range recs {
		h, err := s.Queue.Enqueue(ctx, queue.RecoveryTaskFor(r))
		if err != nil {
			slog.Error("requeue orphan", "dispatch_id", r.ID, "campaign_id", r.CampaignID, "err", err)
			continue
		}
		if !h.Duplicate {
			rep.Requeued++
		}
	}
	if rep.Requeued > 0 {
		observability.Reconciled.WithLabelValues("orphan_requeued").Add(float64(rep.Requeued))
		slog.Warn("requeued orphan dispatch records", "found", rep.Orphans, "requeued", rep.Requeued)
	}
	return nil
}

// stuck flags sending campaigns without any progress. It only reports; the
// state is left for an operator.
func (s *Sweeper) stuck(ctx context.Context, now time.Time, rep *Report) error {
	campaigns, err := s.Store.FindStuckCampaigns(ctx, now.Add(-s.StaleAfter))
	if err != nil {
		return err
	}
	rep.Stuck = len(campaigns)
	for _, c := range campaigns {
		observability.Reconciled.WithLabelValues("stuck").Inc()
		slog.Warn("campaign has made no progress",
			"campaign_id", c.ID,
			"started_at", c.StartedAt,
			"pending", c.Counters.Pending,
		)
		if hasDiagnostic(c, domain.DiagStuck) {
			continue
		}
		d := domain.Diagnostic{
			Kind:    domain.DiagStuck,
			Message: fmt.Sprintf("no dispatch progress %s after start", s.StaleAfter),
			At:      now,
		}
		if err := s.Store.AppendDiagnostics(ctx, c.ID, []domain.Diagnostic{d}, now); err != nil {
			slog.Error("append stuck diagnostic", "campaign_id", c.ID, "err", err)
		}
	}
	return nil
}

func (s *Sweeper) settle(ctx context.Context, now time.Time, rep *Report) error {
	ids, err := s.Store.FindSettledSending(ctx, s.batch())
	if err != nil {
		return err
	}
	for _, id := range ids {
		st, err := s.Store.RefreshStats(ctx, id, now)
		if err != nil {
			slog.Error("refresh stats", "campaign_id", id, "err", err)
			continue
		}
		if st.Completed {
			rep.Settled++
			observability.Reconciled.WithLabelValues("settled").Inc()
			slog.Info("campaign completed by reconciler", "campaign_id", id)
		}
	}
	return nil
}

func hasDiagnostic(c domain.Campaign, kind string) bool {
	for _, d := range c.Diagnostics {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// Run sweeps every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		rep, err := s.Sweep(ctx, time.Now().UTC())
		switch {
		case err != nil:
			slog.Error("reconcile sweep failed", "err", err)
		case rep.LockBusy:
			slog.Debug("reconcile lock held elsewhere")
		default:
			slog.Info("reconcile sweep done",
				"stuck", rep.Stuck, "orphans", rep.Orphans, "requeued", rep.Requeued,
				"exhausted", rep.Exhausted, "settled", rep.Settled)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
