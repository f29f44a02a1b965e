package domain

import (
	"fmt"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Startable reports whether a campaign in this status may be sent.
func (s CampaignStatus) Startable() bool {
	return s == CampaignDraft || s == CampaignScheduled
}

func (s CampaignStatus) Cancellable() bool {
	return s == CampaignDraft || s == CampaignScheduled || s == CampaignSending
}

func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignFailed || s == CampaignCancelled
}

type DispatchStatus string

const (
	DispatchPending DispatchStatus = "pending"
	DispatchSent    DispatchStatus = "sent"
	DispatchFailed  DispatchStatus = "failed"
	DispatchSkipped DispatchStatus = "skipped"
)

// DelayPolicy is the inclusive random spacing between consecutive sends.
type DelayPolicy struct {
	MinMinutes int `json:"minMinutes"`
	MaxMinutes int `json:"maxMinutes"`
}

// MaxDelayMinutes bounds a single gap between sends to one week.
const MaxDelayMinutes = 7 * 24 * 60

func (p DelayPolicy) Validate() error {
	if p.MinMinutes < 0 || p.MaxMinutes < 0 {
		return &ConfigurationError{Field: "delay", Err: ErrInvalidDelayPolicy,
			Detail: fmt.Sprintf("delay minutes must be non-negative (min=%d max=%d)", p.MinMinutes, p.MaxMinutes)}
	}
	if p.MinMinutes > p.MaxMinutes {
		return &ConfigurationError{Field: "delay", Err: ErrInvalidDelayPolicy,
			Detail: fmt.Sprintf("minimum delay %d exceeds maximum %d", p.MinMinutes, p.MaxMinutes)}
	}
	if p.MaxMinutes > MaxDelayMinutes {
		return &ConfigurationError{Field: "delay", Err: ErrInvalidDelayPolicy,
			Detail: fmt.Sprintf("maximum delay %d exceeds %d minutes", p.MaxMinutes, MaxDelayMinutes)}
	}
	return nil
}

// BusinessHoursPolicy restricts dispatch to [StartHour, EndHour) local time.
type BusinessHoursPolicy struct {
	Enabled      bool   `json:"enabled"`
	StartHour    int    `json:"startHour"`
	EndHour      int    `json:"endHour"`
	WeekdaysOnly bool   `json:"weekdaysOnly"`
	Timezone     string `json:"timezone"`
}

func (p BusinessHoursPolicy) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.StartHour < 0 || p.StartHour > 23 || p.EndHour < 1 || p.EndHour > 24 || p.StartHour >= p.EndHour {
		return &ConfigurationError{Field: "businessHours", Err: ErrInvalidBusinessHours,
			Detail: fmt.Sprintf("business hours %d-%d out of range", p.StartHour, p.EndHour)}
	}
	return nil
}

// SourceRef points at the recipient list a campaign reads from.
type SourceRef struct {
	Kind  string `json:"kind" validate:"required,oneof=sheets xlsx"`
	ID    string `json:"id" validate:"required"`
	Range string `json:"range,omitempty"`
}

// Diagnostic is a campaign-level note, used for rows that never became records.
type Diagnostic struct {
	Kind    string    `json:"kind"`
	Row     int       `json:"row,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

const (
	DiagRecipientSkipped = "recipient_skipped"
	DiagEnqueueFailed    = "enqueue_failed"
	DiagScheduleDegraded = "schedule_degraded"
	DiagStuck            = "stuck_sending"
)

// Counters are recomputed from dispatch records; Total = Sent+Failed+Pending+Skipped.
type Counters struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
	Skipped int `json:"skipped"`
}

type Campaign struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Subject       string              `json:"subject"`
	Body          string              `json:"body"`
	Source        SourceRef           `json:"source"`
	Status        CampaignStatus      `json:"status"`
	Counters      Counters            `json:"counters"`
	Delay         DelayPolicy         `json:"delay"`
	BusinessHours BusinessHoursPolicy `json:"businessHours"`
	ScheduledAt   *time.Time          `json:"scheduledAt,omitempty"`
	StartedAt     *time.Time          `json:"startedAt,omitempty"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
	LastError     string              `json:"lastError,omitempty"`
	Diagnostics   []Diagnostic        `json:"diagnostics,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

type DispatchRecord struct {
	ID               string         `json:"id"`
	CampaignID       string         `json:"campaignId"`
	RecipientEmail   string         `json:"recipientEmail"`
	RecipientName    string         `json:"recipientName,omitempty"`
	SourceRow        int            `json:"sourceRow,omitempty"`
	Subject          string         `json:"subject"`
	Body             string         `json:"-"`
	Status           DispatchStatus `json:"status"`
	Attempts         int            `json:"attempts"`
	LastError        string         `json:"lastError,omitempty"`
	ProviderResponse string         `json:"providerResponse,omitempty"`
	ScheduledAt      time.Time      `json:"scheduledAt"`
	ClaimedAt        *time.Time     `json:"claimedAt,omitempty"`
	SentAt           *time.Time     `json:"sentAt,omitempty"`
	MarkedInSource   bool           `json:"markedInSource"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// CreateCampaignRequest is the operator input for a new campaign.
type CreateCampaignRequest struct {
	Name          string              `json:"name" validate:"required,max=255"`
	Subject       string              `json:"subject" validate:"required,max=500"`
	Body          string              `json:"body" validate:"required"`
	Source        SourceRef           `json:"source"`
	Delay         DelayPolicy         `json:"delay"`
	BusinessHours BusinessHoursPolicy `json:"businessHours"`
	ScheduledAt   *time.Time          `json:"scheduledAt,omitempty"`
}

// StartResult is returned by the "start campaign" operation.
type StartResult struct {
	CampaignID      string         `json:"campaignId"`
	Status          CampaignStatus `json:"status"`
	TasksCreated    int            `json:"tasksCreated"`
	EmailsScheduled int            `json:"emailsScheduled"`
	Skipped         int            `json:"skipped"`
	EnqueueFailures int            `json:"enqueueFailures"`
	Warnings        []string       `json:"warnings,omitempty"`
	FirstDispatchAt *time.Time     `json:"firstDispatchAt,omitempty"`
	LastDispatchAt  *time.Time     `json:"lastDispatchAt,omitempty"`

	// PartialFailure is set when some, but not necessarily all, tasks failed
	// to enqueue. It never becomes the error of the start call.
	PartialFailure *PartialEnqueueError `json:"-"`
}
