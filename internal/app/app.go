// Package app holds the wiring shared by the binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"mailsched/internal/awsutil"
	"mailsched/internal/config"
	"mailsched/internal/distlock"
	"mailsched/internal/queue"
	"mailsched/internal/queue/redisq"
	sqsqueue "mailsched/internal/queue/sqs"
	"mailsched/internal/recipients"
	"mailsched/internal/recipients/sheets"
	"mailsched/internal/recipients/xlsx"
)

func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func AWS(c config.Common) awsutil.Loader {
	return awsutil.Loader{Region: c.AWSRegion, Endpoint: c.LocalstackEndpoint}
}

// Enqueuer builds the producer side of the configured queue backend.
func Enqueuer(ctx context.Context, c config.Common, rdb *redis.Client, visibility time.Duration) (queue.Enqueuer, error) {
	switch c.QueueBackend {
	case "sqs":
		client, err := AWS(c).SQS(ctx)
		if err != nil {
			return nil, fmt.Errorf("sqs client: %w", err)
		}
		return &sqsqueue.Producer{
			SQS:      client,
			QueueURL: c.SQSQueueURL,
			Dedup:    &sqsqueue.RedisDedup{Client: rdb, Prefix: c.QueueName, TTL: c.DedupTTL},
		}, nil
	default:
		return redisq.New(rdb, c.QueueName, c.DedupTTL, visibility), nil
	}
}

// Sources builds the recipient source registry. Both kinds share a Redis
// locker for status write-backs.
func Sources(ctx context.Context, c config.Common, s config.Sources, rdb *redis.Client) (recipients.Registry, error) {
	locker := &distlock.Locker{Client: rdb, TTL: 30 * time.Second}
	reg := recipients.Registry{}

	if s.GoogleCredentialsFile != "" {
		client, err := sheets.NewServiceAccountClient(ctx, s.GoogleCredentialsFile, s.SheetsBaseURL)
		if err != nil {
			return nil, err
		}
		client.StatusColumn = s.StatusColumn
		client.Locker = locker
		reg["sheets"] = client
	}
	if s.XLSXBucket != "" {
		client, err := AWS(c).S3(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		reg["xlsx"] = &xlsx.Source{S3: client, Bucket: s.XLSXBucket, StatusColumn: s.StatusColumn, Locker: locker}
	}
	if _, err := reg.Get(s.RecipientSource); err != nil {
		return nil, fmt.Errorf("default recipient source %q is not configured: %w", s.RecipientSource, err)
	}
	return reg, nil
}

// Serve runs srv until ctx ends or a signal arrives, then shuts it down.
func Serve(ctx context.Context, name string, srv *http.Server) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		slog.Info(name + " shutdown")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func Fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
