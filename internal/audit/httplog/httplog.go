// Package httplog records every inbound HTTP request as an audit request log.
//
// The row is inserted before the handler runs so a crash mid-request still
// leaves a trace, and completed exactly once when the handler returns.
// Request logging fails open: a storage error is logged and counted but the
// request is still served.
package httplog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"audittrail/internal/audit/metrics"
	"audittrail/internal/audit/models"
	"audittrail/internal/audit/redact"
	"audittrail/pkg/platform/middleware/metadata"
	"audittrail/pkg/requestcontext"
)

// DefaultMaxBodyBytes bounds how much of a request or response body is kept.
const DefaultMaxBodyBytes = 64 << 10

// Store is the persistence the middleware needs.
type Store interface {
	InsertRequest(ctx context.Context, log *models.RequestLog) error
	CompleteRequest(ctx context.Context, id uuid.UUID, completion models.RequestCompletion) error
}

type Logger struct {
	store        Store
	redactor     *redact.Registry
	logger       *slog.Logger
	metrics      *metrics.Metrics
	ignorePaths  []string
	maxBodyBytes int64
	newID        func() uuid.UUID
}

// Option configures the Logger.
type Option func(*Logger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Logger) {
		l.metrics = m
	}
}

// WithIgnorePaths skips requests whose path equals or is nested under any of
// the given paths, e.g. "/health" or "/metrics".
func WithIgnorePaths(paths ...string) Option {
	return func(l *Logger) {
		for _, p := range paths {
			if p = strings.TrimRight(strings.TrimSpace(p), "/"); p != "" {
				l.ignorePaths = append(l.ignorePaths, p)
			}
		}
	}
}

// WithMaxBodyBytes sets the body capture limit. Larger bodies are not parsed.
func WithMaxBodyBytes(n int64) Option {
	return func(l *Logger) {
		if n > 0 {
			l.maxBodyBytes = n
		}
	}
}

func New(store Store, redactor *redact.Registry, opts ...Option) (*Logger, error) {
	if store == nil {
		return nil, errors.New("request log store is required")
	}
	if redactor == nil {
		return nil, errors.New("redactor is required")
	}
	l := &Logger{
		store:        store,
		redactor:     redactor,
		logger:       slog.New(slog.DiscardHandler),
		maxBodyBytes: DefaultMaxBodyBytes,
		newID:        uuid.New,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Middleware must run after the correlation middleware and the client
// metadata middleware so the reference id, IP and user agent are in scope.
func (l *Logger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.ignored(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ctx := r.Context()

		refID := requestcontext.ReferenceID(ctx)
		if refID == "" {
			refID = uuid.NewString()
			ctx = requestcontext.WithReferenceID(ctx, refID)
		}
		ann := &annotation{}
		ctx = context.WithValue(ctx, annotationKey{}, ann)
		r = r.WithContext(ctx)

		entry := l.begin(r, refID)
		inserted := true
		if err := l.store.InsertRequest(ctx, entry); err != nil {
			inserted = false
			l.metrics.IncRequestLogError(models.KindRequests)
			l.logger.ErrorContext(ctx, "insert request log failed", "reference_id", refID, "error", err)
		}

		rec := newRecorder(w, l.maxBodyBytes)
		defer func() {
			p := recover()
			if p != nil && rec.status == 0 {
				rec.status = http.StatusInternalServerError
			}
			if inserted {
				l.complete(r, entry, rec, ann, start)
			}
			if p != nil {
				panic(p)
			}
		}()
		next.ServeHTTP(rec, r)
	})
}

func (l *Logger) begin(r *http.Request, refID string) *models.RequestLog {
	ctx := r.Context()
	ip := requestcontext.ClientIP(ctx)
	if ip == "" {
		ip = metadata.ClientIPFromRequest(r)
	}
	userAgent := requestcontext.UserAgent(ctx)
	if userAgent == "" {
		userAgent = r.UserAgent()
	}
	var actorID *string
	if actor, ok := requestcontext.ActorID(ctx); ok {
		actorID = &actor
	}

	return &models.RequestLog{
		ID:             l.newID(),
		Method:         r.Method,
		URL:            r.URL.RequestURI(),
		IP:             models.StringPtr(ip),
		UserAgent:      models.StringPtr(userAgent),
		SessionID:      models.StringPtr(requestcontext.SessionID(ctx)),
		ActorID:        actorID,
		ReferenceID:    refID,
		RequestHeaders: l.redactor.Sanitize(FlattenHeaders(r.Header)),
		RequestQuery:   l.redactor.Sanitize(FlattenValues(r.URL.Query())),
		RequestBody:    l.redactor.Sanitize(l.captureRequestBody(r)),
		CreatedAt:      requestcontext.Now(ctx).UTC().Truncate(time.Microsecond),
	}
}

func (l *Logger) complete(r *http.Request, entry *models.RequestLog, rec *recorder, ann *annotation, start time.Time) {
	ctx := context.WithoutCancel(r.Context())
	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	completion := models.RequestCompletion{
		StatusCode:  status,
		DurationMs:  time.Since(start).Milliseconds(),
		RouteName:   routePattern(r),
		RouteAction: ann.routeAction(),
		ActorID:     ann.actor(),
	}
	if !rec.truncated {
		completion.ResponseBody = l.redactor.Sanitize(ParseBody(rec.Header().Get("Content-Type"), rec.body.Bytes()))
	}
	if err := l.store.CompleteRequest(ctx, entry.ID, completion); err != nil {
		l.metrics.IncRequestLogError(models.KindRequests)
		l.logger.ErrorContext(ctx, "complete request log failed",
			"request_log_id", entry.ID,
			"reference_id", entry.ReferenceID,
			"error", err,
		)
		return
	}
	l.metrics.IncRequestLogged(models.KindRequests)
}

// captureRequestBody reads up to the limit and restores r.Body so the
// handler still sees the whole stream.
func (l *Logger) captureRequestBody(r *http.Request) map[string]any {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, l.maxBodyBytes+1))
	r.Body = readCloser{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil || int64(len(buf)) > l.maxBodyBytes {
		return nil
	}
	return ParseBody(r.Header.Get("Content-Type"), buf)
}

func (l *Logger) ignored(path string) bool {
	for _, p := range l.ignorePaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func routePattern(r *http.Request) *string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	return models.StringPtr(rctx.RoutePattern())
}

type readCloser struct {
	io.Reader
	io.Closer
}
