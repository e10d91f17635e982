// Package writer persists audit events: it resolves the actor and timestamp,
// redacts the data maps, computes the checksum over the redacted values and
// stores the event with its subjects in one transaction.
package writer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"audittrail/internal/audit/canonical"
	"audittrail/internal/audit/checksum"
	"audittrail/internal/audit/metrics"
	"audittrail/internal/audit/models"
	"audittrail/internal/audit/redact"
	dErrors "audittrail/pkg/domain-errors"
	"audittrail/pkg/platform/sentinel"
	"audittrail/pkg/requestcontext"
)

// Store is the persistence the writer needs.
type Store interface {
	InsertEvent(ctx context.Context, event *models.AuditEvent) error
	FindEvent(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error)
}

// Entry is one event to record. Nil pointers fall back to the request scope
// (actor, reference id), the clock (timestamp) or the configured default
// (level).
type Entry struct {
	Event       string
	Subjects    []models.AuditSubject
	MessageData map[string]any
	Payload     map[string]any
	Diff        map[string]any
	ActorID     *string
	ReferenceID *string
	Timestamp   *time.Time
	Level       *uint8
}

// Writer is stateless between calls and safe for concurrent use.
type Writer struct {
	store        Store
	checksums    *checksum.Engine
	redactor     *redact.Registry
	logger       *slog.Logger
	metrics      *metrics.Metrics
	clock        func() time.Time
	newID        func() uuid.UUID
	defaultLevel uint8
}

// Option configures the Writer.
type Option func(*Writer)

// WithLogger sets a logger for write failures.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Writer) {
		w.metrics = m
	}
}

// WithClock replaces time.Now for events written without a timestamp.
func WithClock(clock func() time.Time) Option {
	return func(w *Writer) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// WithDefaultLevel sets the level of events written without one.
func WithDefaultLevel(level uint8) Option {
	return func(w *Writer) {
		w.defaultLevel = level
	}
}

// WithIDGenerator replaces uuid.New for event ids.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(w *Writer) {
		if fn != nil {
			w.newID = fn
		}
	}
}

func New(store Store, checksums *checksum.Engine, redactor *redact.Registry, opts ...Option) (*Writer, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	if checksums == nil {
		return nil, errors.New("checksum engine is required")
	}
	if redactor == nil {
		return nil, errors.New("redactor is required")
	}
	w := &Writer{
		store:     store,
		checksums: checksums,
		redactor:  redactor,
		logger:    slog.New(slog.DiscardHandler),
		clock:     time.Now,
		newID:     uuid.New,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Write records one event and returns its id. It fails with a configuration
// error when no HMAC secret is set, a validation error for malformed input and
// a persistence error when the store rejects the transaction. Nothing is
// stored on failure and nothing is retried.
func (w *Writer) Write(ctx context.Context, entry Entry) (uuid.UUID, error) {
	start := time.Now()

	if !w.checksums.Configured() {
		w.metrics.IncWriteFailure(metrics.ReasonConfiguration)
		w.logger.ErrorContext(ctx, "audit write refused: hmac secret not configured", "event", entry.Event)
		return uuid.Nil, checksum.ErrMissingSecret
	}

	event, err := w.build(ctx, entry)
	if err != nil {
		w.metrics.IncWriteFailure(failureReason(err))
		return uuid.Nil, err
	}

	if event.Checksum, err = w.checksums.ComputeEvent(event); err != nil {
		err = dErrors.Wrap(err, dErrors.CodeInternal, "compute audit checksum")
		w.metrics.IncWriteFailure(failureReason(err))
		return uuid.Nil, err
	}

	if err := w.store.InsertEvent(ctx, event); err != nil {
		w.metrics.IncWriteFailure(metrics.ReasonPersistence)
		w.logger.ErrorContext(ctx, "audit event persistence failed",
			"event", event.Event,
			"event_id", event.ID,
			"reference_id", requestcontext.ReferenceID(ctx),
			"error", err,
		)
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodePersistence, "persist audit event")
	}

	w.metrics.IncEventsWritten()
	w.metrics.ObserveWriteDuration(time.Since(start).Seconds())
	return event.ID, nil
}

func (w *Writer) build(ctx context.Context, entry Entry) (*models.AuditEvent, error) {
	name := strings.TrimSpace(entry.Event)
	if name == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "event name is required")
	}
	subjects, err := normalizeSubjects(entry.Subjects)
	if err != nil {
		return nil, err
	}

	event := &models.AuditEvent{
		ID:          w.newID(),
		Event:       name,
		Level:       w.defaultLevel,
		ActorID:     resolveActor(ctx, entry.ActorID),
		ReferenceID: resolveReference(ctx, entry.ReferenceID),
		CreatedAt:   w.resolveTime(entry.Timestamp),
		Subjects:    subjects,
	}
	if entry.Level != nil {
		event.Level = *entry.Level
	}

	if event.MessageData, err = w.prepare(entry.MessageData); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "message_data is not serializable")
	}
	if event.Payload, err = w.prepare(entry.Payload); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "payload is not serializable")
	}
	if event.Diff, err = w.prepare(entry.Diff); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "diff is not serializable")
	}
	return event, nil
}

// prepare normalizes then redacts one map. The result is what gets stored and
// what the checksum covers.
func (w *Writer) prepare(m map[string]any) (map[string]any, error) {
	normalized, err := canonical.Normalize(m)
	if err != nil {
		return nil, err
	}
	if normalized == nil {
		return nil, nil
	}
	return w.redactor.Sanitize(normalized), nil
}

// failureReason maps an error code onto the write failure metric label.
func failureReason(err error) string {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeValidation:
		return metrics.ReasonValidation
	case dErrors.CodeConfiguration:
		return metrics.ReasonConfiguration
	case dErrors.CodePersistence:
		return metrics.ReasonPersistence
	default:
		return metrics.ReasonInternal
	}
}

// Verify loads a stored event and checks its checksum. A mismatch is false,
// not an error.
func (w *Writer) Verify(ctx context.Context, id uuid.UUID) (bool, error) {
	event, err := w.store.FindEvent(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return false, dErrors.New(dErrors.CodeNotFound, "audit event not found")
		}
		return false, dErrors.Wrap(err, dErrors.CodePersistence, "load audit event")
	}
	ok, err := w.checksums.VerifyEvent(event)
	if err != nil {
		return false, err
	}
	w.metrics.IncVerification(ok)
	if !ok {
		w.logger.WarnContext(ctx, "audit checksum mismatch", "event_id", id, "event", event.Event)
	}
	return ok, nil
}

func (w *Writer) resolveTime(explicit *time.Time) time.Time {
	t := w.clock()
	if explicit != nil && !explicit.IsZero() {
		t = *explicit
	}
	return t.UTC().Truncate(time.Microsecond)
}

func resolveActor(ctx context.Context, explicit *string) *string {
	if explicit != nil {
		return models.StringPtr(*explicit)
	}
	if actor, ok := requestcontext.ActorID(ctx); ok {
		return &actor
	}
	return nil
}

func resolveReference(ctx context.Context, explicit *string) *string {
	if explicit != nil {
		return models.StringPtr(*explicit)
	}
	return models.StringPtr(requestcontext.ReferenceID(ctx))
}

// normalizeSubjects validates subjects, defaults empty roles to primary and
// drops repeats of the same (type, id, role), keeping first-seen order.
func normalizeSubjects(in []models.AuditSubject) ([]models.AuditSubject, error) {
	out := make([]models.AuditSubject, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s.SubjectType = strings.TrimSpace(s.SubjectType)
		s.SubjectID = strings.TrimSpace(s.SubjectID)
		s.Role = strings.TrimSpace(s.Role)
		if s.SubjectType == "" || s.SubjectID == "" {
			return nil, dErrors.New(dErrors.CodeValidation, "subject type and id are required")
		}
		if s.Role == "" {
			s.Role = models.RolePrimary
		}
		if _, dup := seen[s.Key()]; dup {
			continue
		}
		seen[s.Key()] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}
