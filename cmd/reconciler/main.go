package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mailsched/internal/app"
	"mailsched/internal/config"
	"mailsched/internal/distlock"
	"mailsched/internal/httpserver"
	"mailsched/internal/logging"
	"mailsched/internal/observability"
	"mailsched/internal/reconcile"
	"mailsched/internal/store/pg"
)

func main() {
	cfg := config.LoadReconciler()
	logging.Init("reconciler", cfg.LogFormat, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		app.Fatal("reconciler db connect failed", err)
	}
	defer db.Close()
	st := pg.New(db)

	rdb, err := app.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		app.Fatal("reconciler redis connect failed", err)
	}
	defer rdb.Close()

	enq, err := app.Enqueuer(ctx, cfg.Common, rdb, 0)
	if err != nil {
		app.Fatal("reconciler queue init failed", err)
	}

	observability.Register(prometheus.DefaultRegisterer)

	sw := &reconcile.Sweeper{
		Store:       st,
		Queue:       enq,
		Lock:        distlock.New(rdb, "mailsched:reconcile", cfg.LockTTL),
		StaleAfter:  cfg.StaleAfter,
		OrphanGrace: cfg.OrphanGrace,
		ClaimLease:  cfg.ClaimLease,
		MaxAttempts: cfg.MaxSendAttempts,
		BatchSize:   cfg.BatchSize,
	}

	s := httpserver.New()
	s.HealthRoutes(st.Ping, func(c context.Context) error { return rdb.Ping(c).Err() })
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("reconciler health server failed", "err", err)
			stop()
		}
	}()

	slog.Info("reconciler starting", "interval", cfg.Interval)
	if err := sw.Run(ctx, cfg.Interval); err != nil && err != context.Canceled {
		slog.Error("reconciler stopped", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
