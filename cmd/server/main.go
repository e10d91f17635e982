package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"

	"audittrail/internal/audit/checksum"
	"audittrail/internal/audit/correlation"
	"audittrail/internal/audit/handler"
	"audittrail/internal/audit/httplog"
	auditmetrics "audittrail/internal/audit/metrics"
	"audittrail/internal/audit/outgoing"
	"audittrail/internal/audit/recorder"
	"audittrail/internal/audit/redact"
	"audittrail/internal/audit/store"
	"audittrail/internal/audit/store/memory"
	"audittrail/internal/audit/store/postgres"
	"audittrail/internal/audit/writer"
	"audittrail/internal/platform/config"
	"audittrail/internal/platform/httpserver"
	"audittrail/internal/platform/logger"
	"audittrail/internal/platform/metrics"
	"audittrail/pkg/platform/middleware/metadata"
	"audittrail/pkg/platform/middleware/requesttime"
)

// main wires the audit pipeline into a small host application: the request
// logger and correlation middleware wrap every route, the demo locations API
// records lifecycle events and the /audit routes expose what was stored.
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
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	auditStore, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	router, err := newRouter(cfg, auditStore, metrics.NewRegistry(), log)
	if err != nil {
		return err
	}

	srv := httpserver.New(cfg.Server.Addr, router)
	log.Info("starting audittrail server", "addr", cfg.Server.Addr)

	return httpserver.Run(ctx, srv, cfg.Server.ShutdownTimeout.Duration)
}

// newRouter builds the middleware chain and every route. Correlation runs
// first so the request logger and the audit writer see the reference id.
func newRouter(cfg *config.Config, auditStore store.Store, reg *prometheus.Registry, log *slog.Logger) (http.Handler, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	m := auditmetrics.New(reg)
	redactor := redact.New(redact.WithPatterns(cfg.Audit.SensitiveFields...))

	auditWriter, err := writer.New(auditStore, checksum.New(cfg.Audit.HMACSecret), redactor,
		writer.WithLogger(log),
		writer.WithMetrics(m),
		writer.WithDefaultLevel(cfg.Audit.DefaultLevel),
	)
	if err != nil {
		return nil, err
	}
	rec, err := recorder.New(auditWriter,
		recorder.WithDefaultExclude(cfg.Audit.ExcludeFields...),
		recorder.WithDefaultIgnore(cfg.Audit.IgnoreFields...),
	)
	if err != nil {
		return nil, err
	}

	allocator := correlation.New(correlation.WithHeader(cfg.Audit.CorrelationHeader))
	requestLogger, err := httplog.New(auditStore, redactor,
		httplog.WithLogger(log),
		httplog.WithMetrics(m),
		httplog.WithIgnorePaths(cfg.Audit.IgnorePaths...),
		httplog.WithMaxBodyBytes(cfg.Audit.MaxBodyBytes),
	)
	if err != nil {
		return nil, err
	}
	transport, err := outgoing.New(auditStore, redactor,
		outgoing.WithAllocator(allocator),
		outgoing.WithLogger(log),
		outgoing.WithMetrics(m),
		outgoing.WithMaxBodyBytes(cfg.Audit.MaxBodyBytes),
	)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(allocator.Middleware)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(actorFromHeader)
	r.Use(requestLogger.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", metrics.Handler(reg))
	handler.New(auditStore, auditWriter, log).Register(r)
	newLocationsAPI(rec, transport.Client(5*time.Second), cfg.Server.GeocoderURL, log).Register(r)

	return r, nil
}

// openStore connects to Postgres and applies the schema, or falls back to
// the in-memory store when no database URL is configured.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		log.Warn("no database configured, audit records are kept in memory")
		return memory.NewInMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return postgres.New(db), func() { _ = db.Close() }, nil
}
