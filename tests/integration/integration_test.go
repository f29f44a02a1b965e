//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsched/internal/distlock"
	"mailsched/internal/domain"
	"mailsched/internal/queue/redisq"
	"mailsched/internal/recipients"
	"mailsched/internal/reconcile"
	"mailsched/internal/render"
	"mailsched/internal/schedule"
	"mailsched/internal/service"
	"mailsched/internal/store"
	"mailsched/internal/store/pg"
	"mailsched/internal/transport"
	"mailsched/internal/worker"
)

type listSource struct {
	rows [][]string

	mu     sync.Mutex
	marked []int
}

func (s *listSource) ReadRecipients(context.Context, string, string) ([]recipients.Recipient, error) {
	return recipients.Parse(s.rows, recipients.DefaultStatusColumn)
}

func (s *listSource) MarkSent(_ context.Context, _ string, rows []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, rows...)
	return nil
}

type countingSender struct {
	sends atomic.Int32
}

func (c *countingSender) Send(_ context.Context, m transport.Message) (transport.Result, error) {
	c.sends.Add(1)
	return transport.Result{ProviderResponse: "fake:" + m.DispatchID}, nil
}

type env struct {
	st    *pg.Store
	rdb   *redis.Client
	q     *redisq.Queue
	src   *listSource
	svc   *service.CampaignService
	proc  *worker.Processor
	mails *countingSender
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	e := &env{
		st:  pg.New(db),
		rdb: rdb,
		q:   redisq.New(rdb, "it:dispatch", time.Hour, time.Minute),
		src: &listSource{rows: [][]string{
			{"Email", "Name", "Company"},
			{"ana@example.com", "Ana", "Acme"},
			{"bob@example.com", "Bob", "Initech"},
			{"not-an-email", "Nope", ""},
			{"ANA@example.com", "Ana again", ""},
			{"cy@example.com", "Cy", "Hooli"},
		}},
		mails: &countingSender{},
	}
	sources := recipients.Registry{"sheets": e.src}
	e.svc = &service.CampaignService{
		Store:             e.st,
		Queue:             e.q,
		Backend:           "redis",
		Sources:           sources,
		Templates:         render.NewEngine(),
		Sequencer:         schedule.NewSequencer(),
		DefaultSourceKind: "sheets",
	}
	e.proc = &worker.Processor{
		Store:       e.st,
		Sender:      e.mails,
		Notifier:    worker.NewNotifier(sources, e.st, 16),
		MaxAttempts: 3,
		ClaimLease:  time.Minute,
		SendTimeout: 5 * time.Second,
	}
	return e
}

func (e *env) createAndStart(t *testing.T) (domain.Campaign, domain.StartResult) {
	t.Helper()
	ctx := context.Background()
	c, err := e.svc.CreateCampaign(ctx, domain.CreateCampaignRequest{
		Name:    "launch",
		Subject: "Hello {{ name }}",
		Body:    "<p>Hi {{ name }} from {{ company }}</p>",
		Source:  domain.SourceRef{Kind: "sheets", ID: "sheet-1"},
	})
	require.NoError(t, err)
	res, err := e.svc.StartCampaign(ctx, c.ID)
	require.NoError(t, err)
	return c, res
}

func TestCampaignRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	c, res := e.createAndStart(t)
	assert.Equal(t, 3, res.TasksCreated)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, domain.CampaignSending, res.Status)

	batch, err := e.q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for _, d := range batch {
		require.NoError(t, e.proc.HandleTask(ctx, d.Task))
		// a redelivery of the same task must not send again
		require.NoError(t, e.proc.HandleTask(ctx, d.Task))
	}
	assert.EqualValues(t, 3, e.mails.sends.Load())

	got, err := e.st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
	assert.Equal(t, domain.Counters{Total: 3, Sent: 3}, got.Counters)
	assert.NotNil(t, got.CompletedAt)

	recs, err := e.st.ListDispatches(ctx, store.ListDispatches{CampaignID: c.ID, Limit: 10})
	require.NoError(t, err)
	for _, r := range recs {
		assert.Equal(t, domain.DispatchSent, r.Status)
		assert.Equal(t, 1, r.Attempts)
		assert.Equal(t, "fake:"+r.ID, r.ProviderResponse)
	}
}

func TestConcurrentDeliveriesSendOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.createAndStart(t)

	batch, err := e.q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.proc.ProcessDispatch(ctx, batch[0].Task.DispatchID)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, e.mails.sends.Load())
}

func TestStartTwiceIsRejected(t *testing.T) {
	e := newEnv(t)
	c, _ := e.createAndStart(t)
	_, err := e.svc.StartCampaign(context.Background(), c.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestReconcilerRequeuesOrphans(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c, _ := e.createAndStart(t)

	// lose every task
	require.NoError(t, e.rdb.Del(ctx, "it:dispatch:ready", "it:dispatch:tasks").Err())

	sw := &reconcile.Sweeper{
		Store:       e.st,
		Queue:       e.q,
		Lock:        distlock.New(e.rdb, "it:reconcile", time.Minute),
		StaleAfter:  time.Hour,
		OrphanGrace: -time.Minute,
		ClaimLease:  time.Minute,
		MaxAttempts: 3,
	}
	rep, err := sw.Sweep(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Orphans)
	assert.Equal(t, 3, rep.Requeued)

	batch, err := e.q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for _, d := range batch {
		require.NoError(t, e.proc.HandleTask(ctx, d.Task))
	}
	got, err := e.st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
}

func TestCancelSkipsRemaining(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c, _ := e.createAndStart(t)

	_, err := e.svc.CancelCampaign(ctx, c.ID)
	require.NoError(t, err)

	batch, err := e.q.Claim(ctx, 10)
	require.NoError(t, err)
	for _, d := range batch {
		out, err := e.proc.ProcessDispatch(ctx, d.Task.DispatchID)
		require.NoError(t, err)
		assert.Equal(t, worker.OutcomeSkippedCancelled, out)
	}
	assert.Zero(t, e.mails.sends.Load())

	got, err := e.st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCancelled, got.Status)
	assert.Equal(t, 3, got.Counters.Skipped)
}

func TestDeleteCampaignCascades(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c, _ := e.createAndStart(t)

	assert.ErrorIs(t, e.svc.DeleteCampaign(ctx, c.ID), domain.ErrInvalidTransition)
	_, err := e.svc.CancelCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.NoError(t, e.svc.DeleteCampaign(ctx, c.ID))

	var n int
	require.NoError(t, e.st.DB.QueryRow(ctx, `SELECT count(*) FROM dispatch_records WHERE campaign_id=$1`, c.ID).Scan(&n))
	assert.Zero(t, n)

	// tasks still queued for the deleted records are acknowledged without a send
	batch, err := e.q.Claim(ctx, 10)
	require.NoError(t, err)
	for _, d := range batch {
		out, err := e.proc.ProcessDispatch(ctx, d.Task.DispatchID)
		require.NoError(t, err)
		assert.Equal(t, worker.OutcomeSkippedProcessed, out)
	}
	assert.Zero(t, e.mails.sends.Load())
	assert.ErrorIs(t, e.svc.DeleteCampaign(ctx, c.ID), domain.ErrNotFound)
}

func TestUpdateAndListCampaigns(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c, err := e.svc.CreateCampaign(ctx, domain.CreateCampaignRequest{
		Name: "draft", Subject: "s", Body: "b",
		Source: domain.SourceRef{Kind: "sheets", ID: "sheet-1"},
	})
	require.NoError(t, err)

	at := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	up, err := e.svc.UpdateCampaign(ctx, c.ID, domain.CreateCampaignRequest{
		Name: "renamed", Subject: "s2", Body: "b2",
		Source:      domain.SourceRef{Kind: "sheets", ID: "sheet-2"},
		Delay:       domain.DelayPolicy{MinMinutes: 1, MaxMinutes: 2},
		ScheduledAt: &at,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignScheduled, up.Status)

	got, err := e.st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "sheet-2", got.Source.ID)
	require.NotNil(t, got.ScheduledAt)
	assert.True(t, at.Equal(*got.ScheduledAt))

	started, _ := e.createAndStart(t)
	_, err = e.svc.UpdateCampaign(ctx, started.ID, domain.CreateCampaignRequest{
		Name: "late", Subject: "s", Body: "b", Source: domain.SourceRef{ID: "sheet-1"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	sending, err := e.svc.ListCampaigns(ctx, store.ListCampaigns{Status: domain.CampaignSending})
	require.NoError(t, err)
	require.Len(t, sending, 1)
	assert.Equal(t, started.ID, sending[0].ID)

	all, err := e.svc.ListCampaigns(ctx, store.ListCampaigns{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, c.ID, all[0].ID)
}

func TestDeliveryEventsKeepUnknownDispatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	now := time.Now().UTC()

	require.NoError(t, e.st.InsertDeliveryEvent(ctx, store.DeliveryEvent{
		DispatchID: "dsp_unknown", Provider: "ses", ProviderMessageID: "m-1",
		EventType: "bounce", Payload: []byte(`{"eventType":"Bounce"}`), ReceivedAt: now,
	}))

	var n int
	err := e.st.DB.QueryRow(ctx, `SELECT count(*) FROM dispatch_events WHERE dispatch_id IS NULL AND provider_message_id='m-1'`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	_, err = admin.Exec(context.Background(), "CREATE SCHEMA "+schema)
	if err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	if err := pg.Migrate(context.Background(), db); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}

	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
