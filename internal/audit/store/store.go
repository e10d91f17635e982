// Package store declares the persistence contracts of the audit engine.
//
// Implementations report missing rows with sentinel.ErrNotFound, uniqueness
// violations with sentinel.ErrConflict and a second completion of a request
// log with sentinel.ErrAlreadyCompleted. Callers translate these into domain
// errors.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"audittrail/internal/audit/models"
)

// EventStore persists audit events together with their subjects.
type EventStore interface {
	// InsertEvent stores the event row and every subject row, or nothing.
	InsertEvent(ctx context.Context, event *models.AuditEvent) error
	FindEvent(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error)
	ListEvents(ctx context.Context, filter models.EventFilter) ([]models.AuditEvent, error)
}

// RequestStore persists inbound request logs.
type RequestStore interface {
	InsertRequest(ctx context.Context, log *models.RequestLog) error
	// CompleteRequest fills the response fields of a pending log exactly once.
	CompleteRequest(ctx context.Context, id uuid.UUID, completion models.RequestCompletion) error
	FindRequest(ctx context.Context, id uuid.UUID) (*models.RequestLog, error)
	ListRequests(ctx context.Context, filter models.RequestFilter) ([]models.RequestLog, error)
}

// OutgoingStore persists logs of calls made to external services.
type OutgoingStore interface {
	InsertOutgoing(ctx context.Context, log *models.OutgoingRequestLog) error
	ListOutgoing(ctx context.Context, filter models.RequestFilter) ([]models.OutgoingRequestLog, error)
}

// RetentionStore selects and deletes expired rows in bounded batches.
type RetentionStore interface {
	// ExpiredIDs returns at most limit ids of kind created strictly before
	// the threshold, oldest first.
	ExpiredIDs(ctx context.Context, kind models.Kind, before time.Time, limit int) ([]uuid.UUID, error)
	// DeleteBatch removes the given rows and reports how many were actually
	// deleted. Event batches remove subjects and events in one transaction.
	DeleteBatch(ctx context.Context, kind models.Kind, ids []uuid.UUID) (int64, error)
}

// Store is the full persistence surface. Both adapters implement it.
type Store interface {
	EventStore
	RequestStore
	OutgoingStore
	RetentionStore
}

// DefaultListLimit applies when a filter leaves Limit unset.
const DefaultListLimit = 100

// MaxListLimit caps any requested limit.
const MaxListLimit = 1000

// Limit clamps a requested page size.
func Limit(requested int) int {
	switch {
	case requested <= 0:
		return DefaultListLimit
	case requested > MaxListLimit:
		return MaxListLimit
	default:
		return requested
	}
}
