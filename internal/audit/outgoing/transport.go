// Package outgoing logs HTTP calls the application makes to external
// services and propagates the reference id on them.
package outgoing

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"audittrail/internal/audit/correlation"
	"audittrail/internal/audit/httplog"
	"audittrail/internal/audit/metrics"
	"audittrail/internal/audit/models"
	"audittrail/internal/audit/redact"
)

// Store is the persistence the transport needs.
type Store interface {
	InsertOutgoing(ctx context.Context, log *models.OutgoingRequestLog) error
}

// Transport is an http.RoundTripper that records one log row per call.
// Logging failures never fail the call.
type Transport struct {
	base         http.RoundTripper
	store        Store
	redactor     *redact.Registry
	allocator    *correlation.Allocator
	logger       *slog.Logger
	metrics      *metrics.Metrics
	maxBodyBytes int64
	newID        func() uuid.UUID
	clock        func() time.Time
}

// Option configures the Transport.
type Option func(*Transport)

// WithBase sets the wrapped transport. Defaults to http.DefaultTransport.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) {
		if rt != nil {
			t.base = rt
		}
	}
}

// WithAllocator sets the allocator whose header carries the reference id.
func WithAllocator(a *correlation.Allocator) Option {
	return func(t *Transport) {
		if a != nil {
			t.allocator = a
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxBodyBytes = n
		}
	}
}

func New(store Store, redactor *redact.Registry, opts ...Option) (*Transport, error) {
	if store == nil {
		return nil, errors.New("outgoing request store is required")
	}
	if redactor == nil {
		return nil, errors.New("redactor is required")
	}
	t := &Transport{
		base:         http.DefaultTransport,
		store:        store,
		redactor:     redactor,
		allocator:    correlation.New(),
		logger:       slog.New(slog.DiscardHandler),
		maxBodyBytes: httplog.DefaultMaxBodyBytes,
		newID:        uuid.New,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Client returns an *http.Client using the transport.
func (t *Transport) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: t, Timeout: timeout}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	ctx := req.Context()

	req = req.Clone(ctx)
	refID := t.allocator.Inject(req)

	entry := &models.OutgoingRequestLog{
		ID:             t.newID(),
		Method:         req.Method,
		URL:            t.redactURL(req.URL),
		ReferenceID:    models.StringPtr(refID),
		RequestHeaders: t.redactor.Sanitize(httplog.FlattenHeaders(req.Header)),
		RequestBody:    t.redactor.Sanitize(t.captureRequestBody(req)),
		CreatedAt:      t.clock().UTC().Truncate(time.Microsecond),
	}

	resp, err := t.base.RoundTrip(req)

	duration := time.Since(start).Milliseconds()
	entry.DurationMs = &duration
	if err != nil {
		msg := err.Error()
		entry.ErrorMessage = &msg
	} else {
		status := resp.StatusCode
		entry.StatusCode = &status
		entry.ResponseBody = t.redactor.Sanitize(t.captureResponseBody(resp))
	}

	if insertErr := t.store.InsertOutgoing(context.WithoutCancel(ctx), entry); insertErr != nil {
		t.metrics.IncRequestLogError(models.KindOutgoingRequests)
		t.logger.ErrorContext(ctx, "insert outgoing request log failed",
			"url", entry.URL,
			"reference_id", refID,
			"error", insertErr,
		)
	} else {
		t.metrics.IncRequestLogged(models.KindOutgoingRequests)
	}
	return resp, err
}

func (t *Transport) captureRequestBody(req *http.Request) map[string]any {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	var (
		buf []byte
		err error
	)
	if req.GetBody != nil {
		body, gerr := req.GetBody()
		if gerr != nil {
			return nil
		}
		buf, err = io.ReadAll(io.LimitReader(body, t.maxBodyBytes+1))
		_ = body.Close()
	} else {
		buf, err = io.ReadAll(io.LimitReader(req.Body, t.maxBodyBytes+1))
		req.Body = readCloser{io.MultiReader(bytes.NewReader(buf), req.Body), req.Body}
	}
	if err != nil || int64(len(buf)) > t.maxBodyBytes {
		return nil
	}
	return httplog.ParseBody(req.Header.Get("Content-Type"), buf)
}

// captureResponseBody peeks at the body up to the limit and leaves the full
// stream readable by the caller.
func (t *Transport) captureResponseBody(resp *http.Response) map[string]any {
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodyBytes+1))
	resp.Body = readCloser{io.MultiReader(bytes.NewReader(buf), resp.Body), resp.Body}
	if err != nil || int64(len(buf)) > t.maxBodyBytes {
		return nil
	}
	return httplog.ParseBody(resp.Header.Get("Content-Type"), buf)
}

// redactURL masks sensitive query parameter values.
func (t *Transport) redactURL(u *url.URL) string {
	if u.RawQuery == "" {
		return u.String()
	}
	q := u.Query()
	for k := range q {
		if t.redactor.IsSensitive(k) {
			q[k] = []string{redact.Marker}
		}
	}
	clean := *u
	clean.RawQuery = q.Encode()
	return clean.String()
}

type readCloser struct {
	io.Reader
	io.Closer
}
