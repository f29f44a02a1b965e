package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailsched/internal/domain"
	"mailsched/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

const campaignColumns = `
	id, name, subject, body, source_kind, source_id, COALESCE(source_range,''), status,
	total, sent, failed, pending, skipped,
	delay_min_minutes, delay_max_minutes,
	bh_enabled, bh_start_hour, bh_end_hour, bh_weekdays_only, bh_timezone,
	scheduled_at, started_at, completed_at, COALESCE(last_error,''), diagnostics,
	created_at, updated_at`

const dispatchColumns = `
	d.id, d.campaign_id, d.recipient_email, COALESCE(d.recipient_name,''), d.source_row,
	d.subject, d.body, d.status, d.attempts, COALESCE(d.last_error,''), COALESCE(d.provider_response,''),
	d.scheduled_at, d.claimed_at, d.sent_at, d.marked_in_source, d.created_at, d.updated_at`

func scanCampaign(row pgx.Row) (domain.Campaign, error) {
	var (
		c     domain.Campaign
		diags []byte
	)
	err := row.Scan(&c.ID, &c.Name, &c.Subject, &c.Body, &c.Source.Kind, &c.Source.ID, &c.Source.Range, &c.Status,
		&c.Counters.Total, &c.Counters.Sent, &c.Counters.Failed, &c.Counters.Pending, &c.Counters.Skipped,
		&c.Delay.MinMinutes, &c.Delay.MaxMinutes,
		&c.BusinessHours.Enabled, &c.BusinessHours.StartHour, &c.BusinessHours.EndHour,
		&c.BusinessHours.WeekdaysOnly, &c.BusinessHours.Timezone,
		&c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.LastError, &diags,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, domain.ErrNotFound
		}
		return domain.Campaign{}, err
	}
	if len(diags) > 0 {
		if err := json.Unmarshal(diags, &c.Diagnostics); err != nil {
			return domain.Campaign{}, fmt.Errorf("decode diagnostics: %w", err)
		}
	}
	return c, nil
}

func scanDispatch(row pgx.Row) (domain.DispatchRecord, error) {
	var d domain.DispatchRecord
	err := row.Scan(&d.ID, &d.CampaignID, &d.RecipientEmail, &d.RecipientName, &d.SourceRow,
		&d.Subject, &d.Body, &d.Status, &d.Attempts, &d.LastError, &d.ProviderResponse,
		&d.ScheduledAt, &d.ClaimedAt, &d.SentAt, &d.MarkedInSource, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DispatchRecord{}, domain.ErrNotFound
		}
		return domain.DispatchRecord{}, err
	}
	return d, nil
}

func (s *Store) CreateCampaign(ctx context.Context, c domain.Campaign) error {
	diags, err := encodeDiagnostics(c.Diagnostics)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO campaigns (id, name, subject, body, source_kind, source_id, source_range, status,
			delay_min_minutes, delay_max_minutes,
			bh_enabled, bh_start_hour, bh_end_hour, bh_weekdays_only, bh_timezone,
			scheduled_at, diagnostics, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$18)
	`, c.ID, c.Name, c.Subject, c.Body, c.Source.Kind, c.Source.ID, nullIfEmpty(c.Source.Range), string(c.Status),
		c.Delay.MinMinutes, c.Delay.MaxMinutes,
		c.BusinessHours.Enabled, c.BusinessHours.StartHour, c.BusinessHours.EndHour,
		c.BusinessHours.WeekdaysOnly, c.BusinessHours.Timezone,
		c.ScheduledAt, diags, c.CreatedAt)
	return err
}

func (s *Store) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	return scanCampaign(s.DB.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id))
}

func (s *Store) ListCampaigns(ctx context.Context, q store.ListCampaigns) ([]domain.Campaign, error) {
	limit := q.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE ($1 = '' OR status=$1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, string(q.Status), limit, q.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCampaign rewrites the editable fields of a campaign whose status is
// one of `from`. Campaigns that own dispatch records are never edited.
func (s *Store) UpdateCampaign(ctx context.Context, c domain.Campaign, from []domain.CampaignStatus) error {
	allowed := make([]string, len(from))
	for i, f := range from {
		allowed[i] = string(f)
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET name=$2, subject=$3, body=$4, source_kind=$5, source_id=$6, source_range=$7, status=$8,
		    delay_min_minutes=$9, delay_max_minutes=$10,
		    bh_enabled=$11, bh_start_hour=$12, bh_end_hour=$13, bh_weekdays_only=$14, bh_timezone=$15,
		    scheduled_at=$16, updated_at=$17
		WHERE id=$1 AND status = ANY($18)
		  AND NOT EXISTS (SELECT 1 FROM dispatch_records WHERE campaign_id=$1)
	`, c.ID, c.Name, c.Subject, c.Body, c.Source.Kind, c.Source.ID, nullIfEmpty(c.Source.Range), string(c.Status),
		c.Delay.MinMinutes, c.Delay.MaxMinutes,
		c.BusinessHours.Enabled, c.BusinessHours.StartHour, c.BusinessHours.EndHour,
		c.BusinessHours.WeekdaysOnly, c.BusinessHours.Timezone,
		c.ScheduledAt, c.UpdatedAt, allowed)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return s.explainNoop(ctx, c.ID)
	}
	return nil
}

// DeleteCampaign removes a campaign that is not sending. Its dispatch records
// and their events go with it.
func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	ct, err := s.DB.Exec(ctx, `DELETE FROM campaigns WHERE id=$1 AND status <> 'sending'`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return s.explainNoop(ctx, id)
	}
	return nil
}

// MaterializeDispatch writes every dispatch record of a campaign and moves it to
// sending in one transaction. The campaign row is locked and its status checked
// again, so two concurrent starts cannot both insert records.
func (s *Store) MaterializeDispatch(ctx context.Context, campaignID string, records []domain.DispatchRecord, diags []domain.Diagnostic, now time.Time) error {
	diagJSON, err := encodeDiagnostics(diags)
	if err != nil {
		return err
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status domain.CampaignStatus
	err = tx.QueryRow(ctx, `SELECT status FROM campaigns WHERE id=$1 FOR UPDATE`, campaignID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}
	if !status.Startable() {
		return fmt.Errorf("%w: campaign %s is %s", domain.ErrInvalidTransition, campaignID, status)
	}

	if len(records) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"dispatch_records"},
			[]string{"id", "campaign_id", "recipient_email", "recipient_name", "source_row",
				"subject", "body", "status", "attempts", "scheduled_at", "created_at", "updated_at"},
			pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
				r := records[i]
				return []any{r.ID, campaignID, r.RecipientEmail, nullIfEmpty(r.RecipientName), r.SourceRow,
					r.Subject, r.Body, string(domain.DispatchPending), 0, r.ScheduledAt, now, now}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("insert dispatch records: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE campaigns
		SET status='sending', started_at=$2, total=$3, pending=$3, sent=0, failed=0, skipped=0,
		    last_error=NULL, diagnostics = diagnostics || $4::jsonb, updated_at=$2
		WHERE id=$1
	`, campaignID, now, len(records), diagJSON)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkCampaignFailed records a fatal error for a campaign that has not reached a
// terminal status.
func (s *Store) MarkCampaignFailed(ctx context.Context, id, reason string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET status='failed', last_error=$2, completed_at=$3, updated_at=$3
		WHERE id=$1 AND status IN ('draft','scheduled','sending')
	`, id, reason, now)
	return err
}

func (s *Store) AppendDiagnostics(ctx context.Context, id string, diags []domain.Diagnostic, now time.Time) error {
	if len(diags) == 0 {
		return nil
	}
	b, err := encodeDiagnostics(diags)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		UPDATE campaigns SET diagnostics = diagnostics || $2::jsonb, updated_at=$3 WHERE id=$1
	`, id, b, now)
	return err
}

// UpdateCampaignStatus moves a campaign to status `to` if its current status is
// one of `from`.
func (s *Store) UpdateCampaignStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, now time.Time) error {
	allowed := make([]string, len(from))
	for i, f := range from {
		allowed[i] = string(f)
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET status=$2, updated_at=$3,
		    completed_at = CASE WHEN $4 THEN $3 ELSE completed_at END
		WHERE id=$1 AND status = ANY($5)
	`, id, string(to), now, to.Terminal(), allowed)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return s.explainNoop(ctx, id)
	}
	return nil
}

// ResetCampaign returns a failed or cancelled campaign to draft. Campaigns that
// already own dispatch records cannot be reset.
func (s *Store) ResetCampaign(ctx context.Context, id string, now time.Time) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET status='draft', last_error=NULL, diagnostics='[]'::jsonb,
		    started_at=NULL, completed_at=NULL,
		    total=0, sent=0, failed=0, pending=0, skipped=0, updated_at=$2
		WHERE id=$1 AND status IN ('failed','cancelled')
		  AND NOT EXISTS (SELECT 1 FROM dispatch_records WHERE campaign_id=$1)
	`, id, now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return s.explainNoop(ctx, id)
	}
	return nil
}

func (s *Store) explainNoop(ctx context.Context, id string) error {
	var status string
	err := s.DB.QueryRow(ctx, `SELECT status FROM campaigns WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: campaign %s is %s", domain.ErrInvalidTransition, id, status)
}

func (s *Store) GetDispatch(ctx context.Context, id string) (domain.DispatchRecord, error) {
	return scanDispatch(s.DB.QueryRow(ctx, `SELECT `+dispatchColumns+` FROM dispatch_records d WHERE d.id=$1`, id))
}

func (s *Store) ListDispatches(ctx context.Context, q store.ListDispatches) ([]domain.DispatchRecord, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+dispatchColumns+`
		FROM dispatch_records d
		WHERE d.campaign_id=$1 AND ($2 = '' OR d.status=$2)
		ORDER BY d.scheduled_at, d.id
		LIMIT $3 OFFSET $4
	`, q.CampaignID, string(q.Status), limit, q.Offset)
	if err != nil {
		return nil, err
	}
	return collectDispatches(rows)
}

// ClaimDispatch takes the in-flight lease on a record and consumes one attempt.
// A false result means another invocation holds a live lease or the record is
// no longer deliverable.
func (s *Store) ClaimDispatch(ctx context.Context, c store.Claim) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE dispatch_records
		SET attempts = attempts + 1, claimed_at=$2, updated_at=$2
		WHERE id=$1 AND status='pending' AND attempts < $3
		  AND (claimed_at IS NULL OR claimed_at < $4)
	`, c.ID, c.Now, c.MaxAttempts, c.Now.Add(-c.Lease))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// TransitionDispatch moves a pending record to a terminal status. It reports
// false when the record had already left pending.
func (s *Store) TransitionDispatch(ctx context.Context, t store.Transition) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE dispatch_records
		SET status=$2, last_error=$3, provider_response=$4, updated_at=$5,
		    sent_at = CASE WHEN $6 THEN $5 ELSE sent_at END
		WHERE id=$1 AND status='pending'
	`, t.ID, string(t.To), nullIfEmpty(t.LastError), nullIfEmpty(t.ProviderResponse), t.Now, t.To == domain.DispatchSent)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) MarkInSource(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE dispatch_records SET marked_in_source=true, updated_at=$2 WHERE id = ANY($1)
	`, ids, now)
	return err
}

// RefreshStats recomputes campaign counters from its records and completes a
// sending campaign once nothing is pending.
func (s *Store) RefreshStats(ctx context.Context, campaignID string, now time.Time) (store.Stats, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return store.Stats{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status domain.CampaignStatus
	err = tx.QueryRow(ctx, `SELECT status FROM campaigns WHERE id=$1 FOR UPDATE`, campaignID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Stats{}, domain.ErrNotFound
		}
		return store.Stats{}, err
	}

	var out store.Stats
	err = tx.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status='sent'),
		       count(*) FILTER (WHERE status='failed'),
		       count(*) FILTER (WHERE status='pending'),
		       count(*) FILTER (WHERE status='skipped')
		FROM dispatch_records WHERE campaign_id=$1
	`, campaignID).Scan(&out.Counters.Total, &out.Counters.Sent, &out.Counters.Failed,
		&out.Counters.Pending, &out.Counters.Skipped)
	if err != nil {
		return store.Stats{}, err
	}

	out.Status = status
	if status == domain.CampaignSending && out.Counters.Pending == 0 {
		out.Status = domain.CampaignCompleted
		out.Completed = true
	}

	_, err = tx.Exec(ctx, `
		UPDATE campaigns
		SET total=$2, sent=$3, failed=$4, pending=$5, skipped=$6, status=$7, updated_at=$8,
		    completed_at = CASE WHEN $9 THEN $8 ELSE completed_at END
		WHERE id=$1
	`, campaignID, out.Counters.Total, out.Counters.Sent, out.Counters.Failed, out.Counters.Pending,
		out.Counters.Skipped, string(out.Status), now, out.Completed)
	if err != nil {
		return store.Stats{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Stats{}, err
	}
	return out, nil
}

// FindStuckCampaigns lists sending campaigns started before the cutoff whose
// records are all still pending.
func (s *Store) FindStuckCampaigns(ctx context.Context, startedBefore time.Time) ([]domain.Campaign, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns c
		WHERE c.status='sending' AND c.started_at < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM dispatch_records d WHERE d.campaign_id=c.id AND d.status <> 'pending'
		  )
		ORDER BY c.started_at
	`, startedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindSettledSending lists sending campaigns that have no pending record
// left, i.e. whose completion was missed.
func (s *Store) FindSettledSending(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT c.id FROM campaigns c
		WHERE c.status='sending'
		  AND NOT EXISTS (
		      SELECT 1 FROM dispatch_records d WHERE d.campaign_id=c.id AND d.status='pending'
		  )
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindOrphans lists pending records of live or cancelled campaigns whose task
// should already have run and that hold no live lease.
func (s *Store) FindOrphans(ctx context.Context, q store.OrphanQuery) ([]domain.DispatchRecord, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+dispatchColumns+`
		FROM dispatch_records d
		JOIN campaigns c ON c.id = d.campaign_id
		WHERE d.status='pending' AND c.status IN ('sending','cancelled')
		  AND d.scheduled_at < $1 AND d.attempts < $3
		  AND (d.claimed_at IS NULL OR d.claimed_at < $2)
		ORDER BY d.scheduled_at
		LIMIT $4
	`, q.ScheduledBefore, q.ClaimedBefore, q.MaxAttempts, q.Limit)
	if err != nil {
		return nil, err
	}
	return collectDispatches(rows)
}

// FailExhausted fails pending records that used every attempt and returns the
// affected campaign ids.
func (s *Store) FailExhausted(ctx context.Context, q store.ExhaustedQuery) (int, []string, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE dispatch_records
		SET status='failed', last_error='attempts exhausted', updated_at=$3
		WHERE id IN (
		    SELECT id FROM dispatch_records
		    WHERE status='pending' AND attempts >= $1
		      AND (claimed_at IS NULL OR claimed_at < $2)
		    LIMIT $4
		) AND status='pending'
		RETURNING campaign_id
	`, q.MaxAttempts, q.ClaimedBefore, q.Now, q.Limit)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	n := 0
	seen := map[string]bool{}
	var campaigns []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, nil, err
		}
		n++
		if !seen[id] {
			seen[id] = true
			campaigns = append(campaigns, id)
		}
	}
	return n, campaigns, rows.Err()
}

// InsertDeliveryEvent stores a provider event. Events for unknown dispatch
// ids are kept with a NULL dispatch id.
func (s *Store) InsertDeliveryEvent(ctx context.Context, e store.DeliveryEvent) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO dispatch_events
		    (dispatch_id, provider, provider_message_id, event_type, detail, payload, occurred_at, received_at)
		VALUES (
		    (SELECT id FROM dispatch_records WHERE id=$1),
		    $2, $3, $4, $5, $6::jsonb, $7, $8
		)
	`, e.DispatchID, e.Provider, e.ProviderMessageID, e.EventType, nullIfEmpty(e.Detail), payload, e.OccurredAt, e.ReceivedAt)
	return err
}

func collectDispatches(rows pgx.Rows) ([]domain.DispatchRecord, error) {
	defer rows.Close()
	var out []domain.DispatchRecord
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func encodeDiagnostics(diags []domain.Diagnostic) ([]byte, error) {
	if diags == nil {
		diags = []domain.Diagnostic{}
	}
	return json.Marshal(diags)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
