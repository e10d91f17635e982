// Command retention runs one retention sweep over every audit record kind and
// exits. Schedule it externally (cron, a Kubernetes CronJob).
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"audittrail/internal/audit/models"
	"audittrail/internal/audit/retention"
	"audittrail/internal/audit/store/postgres"
	"audittrail/internal/platform/config"
	"audittrail/internal/platform/logger"
	platformredis "audittrail/internal/platform/redis"
)

func main() {
	cfg, err := config.Load(os.Getenv("AUDIT_CONFIG"))
	if err != nil {
		slog.Error("load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("retention sweep failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.Database.URL == "" {
		return errors.New("AUDIT_DATABASE_URL is required")
	}
	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	opts := []retention.Option{
		retention.WithPolicy(policyFrom(cfg.Retention)),
		retention.WithBatchSize(cfg.Retention.BatchSize),
		retention.WithLogger(log),
	}

	rdb, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		opts = append(opts, retention.WithLocker(retention.NewRedisLocker(rdb.Client), cfg.Retention.LockTTL.Duration))
	}

	sweeper, err := retention.New(postgres.New(db), opts...)
	if err != nil {
		return err
	}

	start := time.Now()
	counts, err := sweeper.SweepAll(ctx)
	if err != nil {
		return err
	}
	log.Info("retention sweep finished",
		"events_deleted", counts[models.KindEvents],
		"requests_deleted", counts[models.KindRequests],
		"outgoing_requests_deleted", counts[models.KindOutgoingRequests],
		"duration", time.Since(start),
	)
	return nil
}

func policyFrom(cfg config.Retention) retention.Policy {
	return retention.Policy{
		models.KindEvents:           cfg.EventsDays,
		models.KindRequests:         cfg.RequestsDays,
		models.KindOutgoingRequests: cfg.OutgoingRequestsDays,
	}
}
