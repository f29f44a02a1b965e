package store

import (
	"time"

	"mailsched/internal/domain"
)

// Claim is a conditional lease on a pending dispatch record. It succeeds only
// while the record is pending, has attempts left and holds no live lease.
type Claim struct {
	ID          string
	MaxAttempts int
	Lease       time.Duration
	Now         time.Time
}

// Transition moves a record out of pending. It is a no-op for records that are
// already terminal.
type Transition struct {
	ID               string
	To               domain.DispatchStatus
	LastError        string
	ProviderResponse string
	Now              time.Time
}

// Stats is the outcome of recomputing campaign counters from record rows.
type Stats struct {
	Counters  domain.Counters
	Status    domain.CampaignStatus
	Completed bool // this refresh moved the campaign to completed
}

// ListCampaigns pages through campaigns, newest first.
type ListCampaigns struct {
	Status domain.CampaignStatus // empty means all
	Limit  int
	Offset int
}

type ListDispatches struct {
	CampaignID string
	Status     domain.DispatchStatus // empty means all
	Limit      int
	Offset     int
}

// OrphanQuery selects pending records whose task should have fired by now.
type OrphanQuery struct {
	ScheduledBefore time.Time
	ClaimedBefore   time.Time
	MaxAttempts     int
	Limit           int
}

// ExhaustedQuery selects pending records that used every attempt and whose last
// claim is no longer live.
type ExhaustedQuery struct {
	MaxAttempts   int
	ClaimedBefore time.Time
	Limit         int
	Now           time.Time
}

// DeliveryEvent is a provider notification about an already sent message.
type DeliveryEvent struct {
	DispatchID        string // empty when the event carries no dispatch tag
	Provider          string
	ProviderMessageID string
	EventType         string
	Detail            string
	Payload           []byte
	OccurredAt        *time.Time
	ReceivedAt        time.Time
}
