package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"mailsched/internal/app"
	"mailsched/internal/config"
	"mailsched/internal/httpserver"
	"mailsched/internal/logging"
	"mailsched/internal/observability"
	"mailsched/internal/render"
	"mailsched/internal/schedule"
	"mailsched/internal/service"
	"mailsched/internal/store/pg"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogFile)

	ctx := context.Background()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		app.Fatal("api db connect failed", err)
	}
	defer db.Close()
	if err := pg.Migrate(ctx, db); err != nil {
		app.Fatal("api migrate failed", err)
	}

	rdb, err := app.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		app.Fatal("api redis connect failed", err)
	}
	defer rdb.Close()

	enq, err := app.Enqueuer(ctx, cfg.Common, rdb, 0)
	if err != nil {
		app.Fatal("api queue init failed", err)
	}
	sources, err := app.Sources(ctx, cfg.Common, cfg.Sources, rdb)
	if err != nil {
		app.Fatal("api recipient sources init failed", err)
	}

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)
	validate := validator.New(validator.WithRequiredStructEnabled())
	svc := &service.CampaignService{
		Store:             st,
		Queue:             enq,
		Backend:           cfg.QueueBackend,
		Sources:           sources,
		Templates:         render.NewEngine(),
		Sequencer:         schedule.NewSequencer(),
		Validate:          validate,
		DefaultSourceKind: cfg.RecipientSource,
	}

	s := httpserver.New()
	(&httpserver.API{Svc: svc, Validate: validate}).Register(s.Mux)
	if cfg.WebhookToken != "" {
		(&httpserver.Webhook{Store: st, Token: cfg.WebhookToken}).Register(s.Mux)
	}
	s.HealthRoutes(
		st.Ping,
		func(c context.Context) error { return rdb.Ping(c).Err() },
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := app.Serve(ctx, "api", srv); err != nil {
		app.Fatal("api server failed", err)
	}
}
