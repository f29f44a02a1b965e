package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mailsched/internal/domain"
	"mailsched/internal/queue"
	"mailsched/internal/recipients"
	"mailsched/internal/store"
)

type memStore struct {
	mu         sync.Mutex
	campaigns  map[string]domain.Campaign
	records    map[string][]domain.DispatchRecord
	materalErr error
}

func newMemStore() *memStore {
	return &memStore{campaigns: map[string]domain.Campaign{}, records: map[string][]domain.DispatchRecord{}}
}

func (m *memStore) CreateCampaign(_ context.Context, c domain.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c
	return nil
}

func (m *memStore) GetCampaign(_ context.Context, id string) (domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return domain.Campaign{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memStore) MaterializeDispatch(_ context.Context, id string, records []domain.DispatchRecord, diags []domain.Diagnostic, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.materalErr != nil {
		return m.materalErr
	}
	c, ok := m.campaigns[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !c.Status.Startable() {
		return fmt.Errorf("%w: %s", domain.ErrInvalidTransition, c.Status)
	}
	m.records[id] = append([]domain.DispatchRecord(nil), records...)
	c.Status = domain.CampaignSending
	c.StartedAt = &now
	c.Counters = domain.Counters{Total: len(records), Pending: len(records)}
	c.Diagnostics = append(c.Diagnostics, diags...)
	m.campaigns[id] = c
	return nil
}

func (m *memStore) MarkCampaignFailed(_ context.Context, id, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	if c.Status.Terminal() {
		return nil
	}
	c.Status = domain.CampaignFailed
	c.LastError = reason
	c.CompletedAt = &now
	m.campaigns[id] = c
	return nil
}

func (m *memStore) AppendDiagnostics(_ context.Context, id string, diags []domain.Diagnostic, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	c.Diagnostics = append(c.Diagnostics, diags...)
	m.campaigns[id] = c
	return nil
}

func (m *memStore) UpdateCampaignStatus(_ context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return domain.ErrNotFound
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			m.campaigns[id] = c
			return nil
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidTransition, c.Status)
}

func (m *memStore) ResetCampaign(_ context.Context, id string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return domain.ErrNotFound
	}
	if (c.Status != domain.CampaignFailed && c.Status != domain.CampaignCancelled) || len(m.records[id]) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidTransition, c.Status)
	}
	c.Status = domain.CampaignDraft
	c.LastError = ""
	c.Diagnostics = nil
	m.campaigns[id] = c
	return nil
}

func (m *memStore) ListCampaigns(_ context.Context, q store.ListCampaigns) ([]domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []domain.Campaign
	for _, c := range m.campaigns {
		if q.Status == "" || c.Status == q.Status {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if q.Offset >= len(all) {
		return nil, nil
	}
	return all[q.Offset:min(len(all), q.Offset+q.Limit)], nil
}

func (m *memStore) UpdateCampaign(_ context.Context, c domain.Campaign, from []domain.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.campaigns[c.ID]
	if !ok {
		return domain.ErrNotFound
	}
	for _, f := range from {
		if cur.Status == f && len(m.records[c.ID]) == 0 {
			m.campaigns[c.ID] = c
			return nil
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidTransition, cur.Status)
}

func (m *memStore) DeleteCampaign(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return domain.ErrNotFound
	}
	if c.Status == domain.CampaignSending {
		return fmt.Errorf("%w: %s", domain.ErrInvalidTransition, c.Status)
	}
	delete(m.campaigns, id)
	delete(m.records, id)
	return nil
}

func (m *memStore) ListDispatches(_ context.Context, q store.ListDispatches) ([]domain.DispatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.records[q.CampaignID]
	if q.Offset >= len(all) {
		return nil, nil
	}
	end := min(len(all), q.Offset+q.Limit)
	return all[q.Offset:end], nil
}

func (m *memStore) RefreshStats(_ context.Context, id string, now time.Time) (store.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	var cnt domain.Counters
	for _, r := range m.records[id] {
		cnt.Total++
		switch r.Status {
		case domain.DispatchSent:
			cnt.Sent++
		case domain.DispatchFailed:
			cnt.Failed++
		case domain.DispatchSkipped:
			cnt.Skipped++
		default:
			cnt.Pending++
		}
	}
	c.Counters = cnt
	st := store.Stats{Counters: cnt}
	if c.Status == domain.CampaignSending && cnt.Pending == 0 {
		c.Status = domain.CampaignCompleted
		c.CompletedAt = &now
		st.Completed = true
	}
	st.Status = c.Status
	m.campaigns[id] = c
	return st, nil
}

// fakeQueue fails the enqueue of every dispatch whose position is in failAt.
type fakeQueue struct {
	mu     sync.Mutex
	tasks  []queue.Task
	failAt map[int]bool
	calls  int
}

func (q *fakeQueue) Enqueue(_ context.Context, t queue.Task) (queue.Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.calls
	q.calls++
	if q.failAt[i] {
		return queue.Handle{}, errors.New("queue unavailable")
	}
	q.tasks = append(q.tasks, t)
	return queue.Handle{ID: t.IdempotencyKey}, nil
}

type fakeSource struct {
	rows  []recipients.Recipient
	err   error
	reads int
	marks map[string][]int
}

func (f *fakeSource) ReadRecipients(context.Context, string, string) ([]recipients.Recipient, error) {
	f.reads++
	return f.rows, f.err
}

func (f *fakeSource) MarkSent(_ context.Context, id string, rows []int) error {
	if f.marks == nil {
		f.marks = map[string][]int{}
	}
	f.marks[id] = append(f.marks[id], rows...)
	sort.Ints(f.marks[id])
	return nil
}

func validRows(n int) []recipients.Recipient {
	out := make([]recipients.Recipient, n)
	for i := range out {
		out[i] = recipients.Recipient{Row: i + 2, Email: fmt.Sprintf("user%d@example.com", i), Name: fmt.Sprintf("User %d", i), Valid: true}
	}
	return out
}
