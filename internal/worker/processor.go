package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"mailsched/internal/domain"
	"mailsched/internal/logging"
	"mailsched/internal/observability"
	"mailsched/internal/queue"
	"mailsched/internal/store"
	"mailsched/internal/transport"
)

type Store interface {
	GetDispatch(ctx context.Context, id string) (domain.DispatchRecord, error)
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	ClaimDispatch(ctx context.Context, c store.Claim) (bool, error)
	TransitionDispatch(ctx context.Context, t store.Transition) (bool, error)
	RefreshStats(ctx context.Context, campaignID string, now time.Time) (store.Stats, error)
}

type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeFailed           Outcome = "failed"
	OutcomeSkippedCancelled Outcome = "skipped_cancelled"
	OutcomeSkippedProcessed Outcome = "skipped_processed"
	OutcomeSkippedInflight  Outcome = "skipped_inflight"
	OutcomeDeferred         Outcome = "deferred"
)

var (
	// ErrBreakerOpen means the transport is being protected; nothing was claimed.
	ErrBreakerOpen = errors.New("mail transport circuit open")
	// ErrRateLimited means no send token was available in time.
	ErrRateLimited = errors.New("local send rate exceeded")
)

// earlyTolerance absorbs clock skew between the scheduler and workers.
const earlyTolerance = time.Second

type Processor struct {
	Store    Store
	Sender   transport.Sender
	Notifier *Notifier
	Limiter  *rate.Limiter
	Breaker  *gobreaker.CircuitBreaker

	MaxAttempts int
	ClaimLease  time.Duration
	SendTimeout time.Duration
	// BreakerCooldown is the redelivery delay while the breaker is open.
	BreakerCooldown time.Duration

	Now func() time.Time
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Processor) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

func (p *Processor) lease() time.Duration {
	if p.ClaimLease <= 0 {
		return 5 * time.Minute
	}
	return p.ClaimLease
}

// ProcessDispatch delivers one dispatch record at most once. Every exit
// other than a returned error is final for this invocation.
func (p *Processor) ProcessDispatch(ctx context.Context, dispatchID string) (Outcome, error) {
	rec, err := p.Store.GetDispatch(ctx, dispatchID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Warn("dispatch record gone", "dispatch_id", dispatchID)
		return OutcomeSkippedProcessed, nil
	}
	if err != nil {
		return "", err
	}

	// 1) idempotency guard
	if rec.Status != domain.DispatchPending || rec.Attempts >= p.maxAttempts() {
		stale := &domain.StaleStateError{DispatchID: rec.ID, Status: rec.Status, Attempts: rec.Attempts}
		slog.Info("skipping dispatch", "dispatch_id", rec.ID, "reason", stale.Error())
		return OutcomeSkippedProcessed, nil
	}

	// 2) cancellation
	c, err := p.Store.GetCampaign(ctx, rec.CampaignID)
	if err != nil {
		return "", err
	}
	now := p.now()
	if c.Status == domain.CampaignCancelled {
		if _, err := p.Store.TransitionDispatch(ctx, store.Transition{
			ID: rec.ID, To: domain.DispatchSkipped, LastError: "campaign cancelled", Now: now,
		}); err != nil {
			return "", err
		}
		p.refresh(ctx, rec.CampaignID, now)
		return OutcomeSkippedCancelled, nil
	}

	// 3) early redelivery
	if rec.ScheduledAt.Sub(now) > earlyTolerance {
		return OutcomeDeferred, nil
	}

	// 4) transport protection, before an attempt is consumed
	if p.Breaker != nil && p.Breaker.State() == gobreaker.StateOpen {
		return "", ErrBreakerOpen
	}
	if p.Limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			return "", ErrRateLimited
		}
	}

	// 5) claim
	ok, err := p.Store.ClaimDispatch(ctx, store.Claim{ID: rec.ID, MaxAttempts: p.maxAttempts(), Lease: p.lease(), Now: now})
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeSkippedInflight, nil
	}

	// 6) send
	res, err := p.send(ctx, transport.Message{
		DispatchID: rec.ID,
		CampaignID: rec.CampaignID,
		To:         rec.RecipientEmail,
		ToName:     rec.RecipientName,
		Subject:    rec.Subject,
		Body:       rec.Body,
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// the claim lease runs out and a later delivery takes a fresh attempt
		return "", ErrBreakerOpen
	}

	done := p.now()
	outcome := OutcomeSent
	t := store.Transition{ID: rec.ID, To: domain.DispatchSent, ProviderResponse: res.ProviderResponse, Now: done}
	if err != nil {
		outcome = OutcomeFailed
		t = store.Transition{ID: rec.ID, To: domain.DispatchFailed, LastError: err.Error(), Now: done}
		slog.Warn("dispatch send failed",
			"dispatch_id", rec.ID,
			"campaign_id", rec.CampaignID,
			"to", logging.RedactEmail(rec.RecipientEmail),
			"err", err,
		)
	}

	// the send already happened, so the terminal write must not be lost to ctx
	if err := p.transition(context.WithoutCancel(ctx), t); err != nil {
		return "", fmt.Errorf("record %s outcome for %s: %w", outcome, rec.ID, err)
	}
	if outcome == OutcomeSent {
		slog.Info("dispatch sent", "dispatch_id", rec.ID, "campaign_id", rec.CampaignID, "provider_response", res.ProviderResponse)
		if p.Notifier != nil {
			p.Notifier.Notify(rec, c.Source)
		}
	}
	p.refresh(ctx, rec.CampaignID, done)
	return outcome, nil
}

func (p *Processor) send(ctx context.Context, m transport.Message) (transport.Result, error) {
	call := func() (any, error) {
		timeout := p.SendTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return p.Sender.Send(sendCtx, m)
	}

	var out any
	var err error
	if p.Breaker == nil {
		out, err = call()
	} else {
		out, err = p.Breaker.Execute(call)
	}
	res, _ := out.(transport.Result)
	return res, err
}

func (p *Processor) transition(ctx context.Context, t store.Transition) error {
	var err error
	for i := 0; i < 3; i++ {
		var moved bool
		moved, err = p.Store.TransitionDispatch(ctx, t)
		if err == nil {
			if !moved {
				slog.Warn("dispatch left pending concurrently", "dispatch_id", t.ID, "to", t.To)
			}
			return nil
		}
		if i == 2 {
			break
		}
		backoff := time.NewTimer(time.Duration(i+1) * 100 * time.Millisecond)
		select {
		case <-ctx.Done():
			backoff.Stop()
			return err
		case <-backoff.C:
		}
	}
	return err
}

func (p *Processor) refresh(ctx context.Context, campaignID string, now time.Time) {
	st, err := p.Store.RefreshStats(ctx, campaignID, now)
	if err != nil {
		slog.Error("refresh campaign stats", "campaign_id", campaignID, "err", err)
		return
	}
	if st.Completed {
		slog.Info("campaign completed", "campaign_id", campaignID,
			"sent", st.Counters.Sent, "failed", st.Counters.Failed, "skipped", st.Counters.Skipped)
	}
}

// HandleTask adapts ProcessDispatch to the queue contract. Outcomes that may
// still need work later are turned into delayed redeliveries.
func (p *Processor) HandleTask(ctx context.Context, t queue.Task) error {
	outcome, err := p.ProcessDispatch(ctx, t.DispatchID)
	switch {
	case errors.Is(err, ErrBreakerOpen):
		observability.Dispatches.WithLabelValues("breaker_open").Inc()
		cooldown := p.BreakerCooldown
		if cooldown <= 0 {
			cooldown = 30 * time.Second
		}
		return queue.RetryAfter(cooldown, err.Error())
	case errors.Is(err, ErrRateLimited):
		observability.Dispatches.WithLabelValues("rate_limited").Inc()
		return queue.RetryAfter(time.Second, err.Error())
	case err != nil:
		observability.Dispatches.WithLabelValues("error").Inc()
		return err
	}

	observability.Dispatches.WithLabelValues(string(outcome)).Inc()
	switch outcome {
	case OutcomeDeferred:
		wait := max(t.NotBefore.Sub(p.now()), earlyTolerance)
		return queue.RetryAfter(wait, "not before "+t.NotBefore.Format(time.RFC3339))
	case OutcomeSkippedInflight:
		// the holder may have crashed; look again once its lease has run out
		return queue.RetryAfter(p.lease(), "claimed by another worker")
	}
	return nil
}
