package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"mailsched/internal/domain"
	"mailsched/internal/logging"
	"mailsched/internal/observability"
	"mailsched/internal/queue"
	"mailsched/internal/recipients"
	"mailsched/internal/render"
	"mailsched/internal/schedule"
	"mailsched/internal/store"
	"mailsched/internal/util"
)

type Store interface {
	CreateCampaign(ctx context.Context, c domain.Campaign) error
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	MaterializeDispatch(ctx context.Context, campaignID string, records []domain.DispatchRecord, diags []domain.Diagnostic, now time.Time) error
	MarkCampaignFailed(ctx context.Context, id, reason string, now time.Time) error
	AppendDiagnostics(ctx context.Context, id string, diags []domain.Diagnostic, now time.Time) error
	UpdateCampaignStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, now time.Time) error
	ResetCampaign(ctx context.Context, id string, now time.Time) error
	ListCampaigns(ctx context.Context, q store.ListCampaigns) ([]domain.Campaign, error)
	UpdateCampaign(ctx context.Context, c domain.Campaign, from []domain.CampaignStatus) error
	DeleteCampaign(ctx context.Context, id string) error
	ListDispatches(ctx context.Context, q store.ListDispatches) ([]domain.DispatchRecord, error)
	RefreshStats(ctx context.Context, campaignID string, now time.Time) (store.Stats, error)
}

type CampaignService struct {
	Store     Store
	Queue     queue.Enqueuer
	Backend   string
	Sources   recipients.Registry
	Templates *render.Engine
	Sequencer *schedule.Sequencer
	Validate  *validator.Validate

	// DefaultSourceKind fills in requests that name no source kind.
	DefaultSourceKind string
	Now               func() time.Time
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return util.NowUTC()
}

func (s *CampaignService) templates() *render.Engine {
	if s.Templates == nil {
		s.Templates = render.NewEngine()
	}
	return s.Templates
}

func (s *CampaignService) validate() *validator.Validate {
	if s.Validate == nil {
		s.Validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return s.Validate
}

// CreateCampaign stores a draft campaign, or a scheduled one when
// ScheduledAt lies in the future. Templates and policies are checked here so
// a bad campaign never reaches start.
func (s *CampaignService) CreateCampaign(ctx context.Context, req domain.CreateCampaignRequest) (domain.Campaign, error) {
	if err := s.checkRequest(&req); err != nil {
		return domain.Campaign{}, err
	}

	now := s.now()
	c := domain.Campaign{
		ID:        util.NewCampaignID(),
		CreatedAt: now,
	}
	applyRequest(&c, req, now)
	if err := s.Store.CreateCampaign(ctx, c); err != nil {
		return domain.Campaign{}, err
	}
	slog.Info("campaign created", "campaign_id", c.ID, "status", c.Status, "source_kind", c.Source.Kind)
	return c, nil
}

// UpdateCampaign replaces the editable fields of a draft or scheduled
// campaign. The status follows the new ScheduledAt.
func (s *CampaignService) UpdateCampaign(ctx context.Context, id string, req domain.CreateCampaignRequest) (domain.Campaign, error) {
	if err := s.checkRequest(&req); err != nil {
		return domain.Campaign{}, err
	}
	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if !c.Status.Startable() {
		return domain.Campaign{}, fmt.Errorf("%w: campaign %s is %s", domain.ErrInvalidTransition, id, c.Status)
	}

	applyRequest(&c, req, s.now())
	from := []domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled}
	if err := s.Store.UpdateCampaign(ctx, c, from); err != nil {
		return domain.Campaign{}, err
	}
	slog.Info("campaign updated", "campaign_id", c.ID, "status", c.Status)
	return c, nil
}

// DeleteCampaign removes a campaign and its dispatch records. A sending
// campaign must be cancelled first; tasks still queued for its records find
// nothing and are acknowledged.
func (s *CampaignService) DeleteCampaign(ctx context.Context, id string) error {
	if err := s.Store.DeleteCampaign(ctx, id); err != nil {
		return err
	}
	slog.Info("campaign deleted", "campaign_id", id)
	return nil
}

// ListCampaigns pages through campaigns, newest first.
func (s *CampaignService) ListCampaigns(ctx context.Context, q store.ListCampaigns) ([]domain.Campaign, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return s.Store.ListCampaigns(ctx, q)
}

func (s *CampaignService) checkRequest(req *domain.CreateCampaignRequest) error {
	if req.Source.Kind == "" {
		req.Source.Kind = s.DefaultSourceKind
	}
	if err := s.validate().Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &domain.ConfigurationError{
				Field:  verrs[0].Namespace(),
				Detail: fmt.Sprintf("%s failed %q", verrs[0].Namespace(), verrs[0].Tag()),
				Err:    domain.ErrMissingFields,
			}
		}
		return &domain.ConfigurationError{Err: err}
	}
	return s.checkConfig(req.Subject, req.Body, req.Delay, req.BusinessHours, req.Source)
}

func applyRequest(c *domain.Campaign, req domain.CreateCampaignRequest, now time.Time) {
	c.Name = req.Name
	c.Subject = req.Subject
	c.Body = req.Body
	c.Source = req.Source
	c.Delay = req.Delay
	c.BusinessHours = req.BusinessHours
	c.Status = domain.CampaignDraft
	c.ScheduledAt = nil
	c.UpdatedAt = now
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		c.ScheduledAt = &at
		if at.After(now) {
			c.Status = domain.CampaignScheduled
		}
	}
}

func (s *CampaignService) checkConfig(subject, body string, delay domain.DelayPolicy, bh domain.BusinessHoursPolicy, src domain.SourceRef) error {
	if err := delay.Validate(); err != nil {
		return err
	}
	if err := bh.Validate(); err != nil {
		return err
	}
	if _, err := s.templates().Compile(subject, body); err != nil {
		return err
	}
	if _, err := s.Sources.Get(src.Kind); err != nil {
		return &domain.ConfigurationError{Field: "source.kind", Detail: err.Error(), Err: err}
	}
	return nil
}

func (s *CampaignService) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	return s.Store.GetCampaign(ctx, id)
}

// ListDispatches pages through a campaign's records.
func (s *CampaignService) ListDispatches(ctx context.Context, q store.ListDispatches) ([]domain.DispatchRecord, error) {
	if _, err := s.Store.GetCampaign(ctx, q.CampaignID); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return s.Store.ListDispatches(ctx, q)
}

// StartCampaign reads the recipients, writes one pending record per valid
// recipient and enqueues a delayed task for each. Configuration and source
// errors are returned before any record exists. Enqueue failures are
// reported in the result; the campaign fails only if nothing was enqueued.
func (s *CampaignService) StartCampaign(ctx context.Context, id string) (domain.StartResult, error) {
	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return domain.StartResult{}, err
	}
	if !c.Status.Startable() {
		return domain.StartResult{}, fmt.Errorf("%w: campaign %s is %s", domain.ErrInvalidTransition, id, c.Status)
	}

	// 1) configuration, nothing written on failure
	if err := s.checkConfig(c.Subject, c.Body, c.Delay, c.BusinessHours, c.Source); err != nil {
		observability.CampaignStarts.WithLabelValues("config_error").Inc()
		return domain.StartResult{}, err
	}
	tmpl, _ := s.templates().Compile(c.Subject, c.Body)
	src, _ := s.Sources.Get(c.Source.Kind)

	// 2) recipients
	now := s.now()
	rows, err := src.ReadRecipients(ctx, c.Source.ID, c.Source.Range)
	if err != nil {
		serr := &domain.SourceAccessError{SourceID: c.Source.ID, Err: err}
		if ferr := s.Store.MarkCampaignFailed(ctx, id, serr.Error(), now); ferr != nil {
			slog.Error("mark campaign failed", "campaign_id", id, "err", ferr)
		}
		observability.CampaignStarts.WithLabelValues("source_error").Inc()
		return domain.StartResult{}, serr
	}

	// 3) filter and render
	var (
		diags   []domain.Diagnostic
		valid   []recipients.Recipient
		subject []string
		body    []string
	)
	skip := func(r recipients.Recipient, reason string) {
		diags = append(diags, domain.Diagnostic{
			Kind:    domain.DiagRecipientSkipped,
			Row:     r.Row,
			Message: fmt.Sprintf("%s: %s", r.Email, reason),
			At:      now,
		})
	}
	for _, r := range rows {
		if !r.Valid {
			skip(r, r.Reason)
			continue
		}
		subj, b, err := tmpl.Render(render.Recipient{Email: r.Email, Name: r.Name, Extra: r.Extra})
		if err != nil {
			skip(r, err.Error())
			continue
		}
		valid = append(valid, r)
		subject = append(subject, subj)
		body = append(body, b)
	}

	// 4) schedule
	start := now
	if c.ScheduledAt != nil && c.ScheduledAt.After(now) {
		start = *c.ScheduledAt
	}
	sched, err := s.Sequencer.ComputeSchedule(len(valid), c.Delay, c.BusinessHours, start)
	if err != nil {
		return domain.StartResult{}, err
	}
	res := domain.StartResult{CampaignID: id, Skipped: len(rows) - len(valid)}
	for _, w := range sched.Warnings {
		observability.ScheduleDegraded.WithLabelValues(string(w.Kind)).Inc()
		res.Warnings = append(res.Warnings, w.String())
		diags = append(diags, domain.Diagnostic{Kind: domain.DiagScheduleDegraded, Message: w.String(), At: now})
	}
	if sched.Degraded() {
		slog.Warn("schedule degraded", "campaign_id", id, "warnings", len(sched.Warnings))
	}

	// 5) materialize
	records := make([]domain.DispatchRecord, len(valid))
	for i, r := range valid {
		records[i] = domain.DispatchRecord{
			ID:             util.NewDispatchID(),
			CampaignID:     id,
			RecipientEmail: r.Email,
			RecipientName:  r.Name,
			SourceRow:      r.Row,
			Subject:        subject[i],
			Body:           body[i],
			Status:         domain.DispatchPending,
			ScheduledAt:    sched.Times[i].UTC(),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}
	if err := s.Store.MaterializeDispatch(ctx, id, records, diags, now); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			return domain.StartResult{}, err
		}
		if ferr := s.Store.MarkCampaignFailed(ctx, id, "materialize dispatch records: "+err.Error(), now); ferr != nil {
			slog.Error("mark campaign failed", "campaign_id", id, "err", ferr)
		}
		observability.CampaignStarts.WithLabelValues("materialize_error").Inc()
		return domain.StartResult{}, fmt.Errorf("materialize campaign %s: %w", id, err)
	}
	observability.RecordsMaterialized.Add(float64(len(records)))
	res.EmailsScheduled = len(records)
	res.Status = domain.CampaignSending
	if len(records) > 0 {
		first, last := records[0].ScheduledAt, records[len(records)-1].ScheduledAt
		res.FirstDispatchAt, res.LastDispatchAt = &first, &last
	}

	// 6) best-effort fan-out
	res.TasksCreated, res.PartialFailure = s.enqueueAll(ctx, records)
	if pf := res.PartialFailure; pf != nil {
		res.EnqueueFailures = len(pf.Failures)
		failDiags := make([]domain.Diagnostic, 0, len(pf.Failures))
		for _, f := range pf.Failures {
			failDiags = append(failDiags, domain.Diagnostic{
				Kind: domain.DiagEnqueueFailed, Message: f.DispatchID + ": " + f.Err.Error(), At: now,
			})
		}
		if err := s.Store.AppendDiagnostics(ctx, id, failDiags, now); err != nil {
			slog.Error("append enqueue diagnostics", "campaign_id", id, "err", err)
		}
		slog.Warn("partial enqueue failure", "campaign_id", id, "failed", len(pf.Failures), "total", pf.Total)
	}

	// 7) terminal shortcuts
	switch {
	case len(records) > 0 && res.TasksCreated == 0:
		if err := s.Store.MarkCampaignFailed(ctx, id, res.PartialFailure.Error(), now); err != nil {
			slog.Error("mark campaign failed", "campaign_id", id, "err", err)
		}
		res.Status = domain.CampaignFailed
	case len(records) == 0:
		st, err := s.Store.RefreshStats(ctx, id, now)
		if err != nil {
			slog.Error("refresh stats", "campaign_id", id, "err", err)
		} else {
			res.Status = st.Status
		}
	}

	observability.CampaignStarts.WithLabelValues(string(res.Status)).Inc()
	slog.Info("campaign started",
		"campaign_id", id,
		"status", res.Status,
		"emails_scheduled", res.EmailsScheduled,
		"tasks_created", res.TasksCreated,
		"skipped", res.Skipped,
	)
	return res, nil
}

func (s *CampaignService) enqueueAll(ctx context.Context, records []domain.DispatchRecord) (int, *domain.PartialEnqueueError) {
	var (
		created  int
		failures []domain.EnqueueFailure
	)
	for _, r := range records {
		h, err := s.Queue.Enqueue(ctx, queue.TaskFor(r))
		if err != nil {
			observability.Enqueues.WithLabelValues(s.Backend, "error").Inc()
			slog.Error("enqueue dispatch task",
				"dispatch_id", r.ID,
				"campaign_id", r.CampaignID,
				"to", logging.RedactEmail(r.RecipientEmail),
				"err", err,
			)
			failures = append(failures, domain.EnqueueFailure{DispatchID: r.ID, Err: err})
			continue
		}
		result := "ok"
		if h.Duplicate {
			result = "duplicate"
		}
		observability.Enqueues.WithLabelValues(s.Backend, result).Inc()
		created++
	}
	if len(failures) == 0 {
		return created, nil
	}
	return created, &domain.PartialEnqueueError{Total: len(records), Failures: failures}
}

// CancelCampaign stops further sends. Queued tasks stay queued and are
// skipped by the worker.
func (s *CampaignService) CancelCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	from := []domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled, domain.CampaignSending}
	if err := s.Store.UpdateCampaignStatus(ctx, id, from, domain.CampaignCancelled, s.now()); err != nil {
		return domain.Campaign{}, err
	}
	slog.Info("campaign cancelled", "campaign_id", id)
	return s.Store.GetCampaign(ctx, id)
}

// ResetCampaign returns a failed or cancelled campaign without records to draft.
func (s *CampaignService) ResetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	if err := s.Store.ResetCampaign(ctx, id, s.now()); err != nil {
		return domain.Campaign{}, err
	}
	slog.Info("campaign reset", "campaign_id", id)
	return s.Store.GetCampaign(ctx, id)
}

// SourcePreview summarizes a recipient list without creating anything.
type SourcePreview struct {
	Summary recipients.Summary     `json:"summary"`
	Sample  []recipients.Recipient `json:"sample"`
}

func (s *CampaignService) PreviewSource(ctx context.Context, ref domain.SourceRef, sample int) (SourcePreview, error) {
	if ref.Kind == "" {
		ref.Kind = s.DefaultSourceKind
	}
	src, err := s.Sources.Get(ref.Kind)
	if err != nil {
		return SourcePreview{}, &domain.ConfigurationError{Field: "source.kind", Detail: err.Error(), Err: err}
	}
	rows, err := src.ReadRecipients(ctx, ref.ID, ref.Range)
	if err != nil {
		return SourcePreview{}, &domain.SourceAccessError{SourceID: ref.ID, Err: err}
	}
	if sample <= 0 || sample > len(rows) {
		sample = min(len(rows), 10)
	}
	return SourcePreview{Summary: recipients.Summarize(rows), Sample: rows[:sample]}, nil
}
