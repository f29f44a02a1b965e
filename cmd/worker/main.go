package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"mailsched/internal/app"
	"mailsched/internal/config"
	"mailsched/internal/httpserver"
	"mailsched/internal/logging"
	"mailsched/internal/observability"
	"mailsched/internal/queue"
	"mailsched/internal/queue/redisq"
	sqsqueue "mailsched/internal/queue/sqs"
	"mailsched/internal/store/pg"
	"mailsched/internal/transport"
	"mailsched/internal/transport/ses"
	"mailsched/internal/transport/smtp"
	"mailsched/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		app.Fatal("worker db connect failed", err)
	}
	defer db.Close()
	st := pg.New(db)

	rdb, err := app.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		app.Fatal("worker redis connect failed", err)
	}
	defer rdb.Close()

	sources, err := app.Sources(ctx, cfg.Common, cfg.Sources, rdb)
	if err != nil {
		app.Fatal("worker recipient sources init failed", err)
	}
	sender, err := newSender(ctx, cfg)
	if err != nil {
		app.Fatal("worker transport init failed", err)
	}

	observability.Register(prometheus.DefaultRegisterer)

	notifier := worker.NewNotifier(sources, st, 1024)
	processor := &worker.Processor{
		Store:    st,
		Sender:   transport.Instrument(cfg.MailTransport, sender),
		Notifier: notifier,
		Limiter:  rate.NewLimiter(rate.Limit(cfg.SendRPSPerPod), cfg.SendBurst),
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.MailTransport,
			MaxRequests: 3,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		}),
		MaxAttempts:     cfg.MaxSendAttempts,
		ClaimLease:      cfg.ClaimLease,
		SendTimeout:     cfg.SendTimeout,
		BreakerCooldown: 30 * time.Second,
	}
	handler := logged(processor.HandleTask)

	// health server; also accepts pushed tasks when a token is configured
	s := httpserver.New()
	if cfg.TaskToken != "" {
		(&httpserver.Tasks{Handler: handler, Token: cfg.TaskToken}).Register(s.Mux)
	}
	s.HealthRoutes(
		st.Ping,
		func(c context.Context) error { return rdb.Ping(c).Err() },
	)
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	go notifier.Run(ctx)

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting poll", "backend", cfg.QueueBackend, "concurrency", cfg.WorkerConcurrency)
		pollErrCh <- poll(ctx, cfg, rdb, handler)
	}()

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			app.Fatal("worker poll failed", err)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			app.Fatal("worker health server failed", err)
		}
	case <-ctx.Done():
		slog.Info("worker shutdown")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("worker shutdown timeout waiting for poll loop")
	}
}

func poll(ctx context.Context, cfg config.WorkerConfig, rdb *redis.Client, handler queue.Handler) error {
	switch cfg.QueueBackend {
	case "sqs":
		client, err := app.AWS(cfg.Common).SQS(ctx)
		if err != nil {
			return fmt.Errorf("sqs client: %w", err)
		}
		producer := &sqsqueue.Producer{SQS: client, QueueURL: cfg.SQSQueueURL}
		c := &sqsqueue.Consumer{
			SQS:               client,
			QueueURL:          cfg.SQSQueueURL,
			Requeue:           producer,
			WaitTimeSeconds:   cfg.SQSWaitTime,
			MaxMessages:       cfg.SQSMaxMsgs,
			VisibilityTimeout: cfg.SQSVizTimeout,
		}
		return c.PollConcurrent(ctx, cfg.WorkerConcurrency, handler)
	default:
		c := &redisq.Consumer{
			Queue:        redisq.New(rdb, cfg.QueueName, cfg.DedupTTL, cfg.RedisVisibility),
			PollInterval: cfg.RedisPollEvery,
		}
		return c.Poll(ctx, cfg.WorkerConcurrency, handler)
	}
}

func newSender(ctx context.Context, cfg config.WorkerConfig) (transport.Sender, error) {
	switch cfg.MailTransport {
	case "smtp":
		return &smtp.Sender{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		}, nil
	default:
		client, err := app.AWS(cfg.Common).SES(ctx)
		if err != nil {
			return nil, err
		}
		return &ses.Sender{Client: client, From: cfg.MailFrom, ConfigurationSet: cfg.SESConfigurationSet}, nil
	}
}

func logged(next queue.Handler) queue.Handler {
	return func(ctx context.Context, t queue.Task) (err error) {
		start := time.Now()
		defer func() {
			status := "ok"
			if err != nil {
				status = "error"
				if _, retry := queue.AsRetry(err); retry {
					status = "retry"
				}
			}
			slog.Info("worker task finish",
				"dispatch_id", t.DispatchID,
				"campaign_id", t.CampaignID,
				"status", status,
				"duration", time.Since(start),
				"err", err,
			)
		}()
		return next(ctx, t)
	}
}
