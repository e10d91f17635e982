// Package memory is an in-process implementation of the audit store
// contracts. It backs tests and single-process demos.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"audittrail/internal/audit/models"
	"audittrail/internal/audit/store"
	"audittrail/pkg/platform/sentinel"
)

var (
	_ store.EventStore     = (*InMemoryStore)(nil)
	_ store.RequestStore   = (*InMemoryStore)(nil)
	_ store.OutgoingStore  = (*InMemoryStore)(nil)
	_ store.RetentionStore = (*InMemoryStore)(nil)
)

type InMemoryStore struct {
	mu       sync.RWMutex
	events   map[uuid.UUID]models.AuditEvent
	requests map[uuid.UUID]models.RequestLog
	outgoing map[uuid.UUID]models.OutgoingRequestLog
}

func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{}
	s.reset()
	return s
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *InMemoryStore) reset() {
	s.events = make(map[uuid.UUID]models.AuditEvent)
	s.requests = make(map[uuid.UUID]models.RequestLog)
	s.outgoing = make(map[uuid.UUID]models.OutgoingRequestLog)
}

// Counts returns the number of stored rows per kind.
func (s *InMemoryStore) Counts() map[models.Kind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[models.Kind]int{
		models.KindEvents:           len(s.events),
		models.KindRequests:         len(s.requests),
		models.KindOutgoingRequests: len(s.outgoing),
	}
}

// SubjectCount returns the number of stored subject rows across all events.
func (s *InMemoryStore) SubjectCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.events {
		n += len(e.Subjects)
	}
	return n
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

func (s *InMemoryStore) InsertEvent(_ context.Context, event *models.AuditEvent) error {
	seen := make(map[string]struct{}, len(event.Subjects))
	for _, subj := range event.Subjects {
		if _, dup := seen[subj.Key()]; dup {
			return fmt.Errorf("insert subject %s/%s: %w", subj.SubjectType, subj.SubjectID, sentinel.ErrConflict)
		}
		seen[subj.Key()] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[event.ID]; exists {
		return fmt.Errorf("insert audit event %s: %w", event.ID, sentinel.ErrConflict)
	}
	stored := *event
	stored.Subjects = slices.Clone(event.Subjects)
	s.events[event.ID] = stored
	return nil
}

func (s *InMemoryStore) FindEvent(_ context.Context, id uuid.UUID) (*models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	event.Subjects = slices.Clone(event.Subjects)
	return &event, nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, filter models.EventFilter) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.AuditEvent
	for _, e := range s.events {
		if !matchesEvent(e, filter) {
			continue
		}
		e.Subjects = slices.Clone(e.Subjects)
		out = append(out, e)
	}
	sortNewestFirst(out, func(e models.AuditEvent) (time.Time, uuid.UUID) { return e.CreatedAt, e.ID })
	return truncate(out, filter.Limit), nil
}

func matchesEvent(e models.AuditEvent, f models.EventFilter) bool {
	if f.Event != "" && e.Event != f.Event {
		return false
	}
	if f.ReferenceID != "" && (e.ReferenceID == nil || *e.ReferenceID != f.ReferenceID) {
		return false
	}
	if f.ActorID != "" && (e.ActorID == nil || *e.ActorID != f.ActorID) {
		return false
	}
	if f.SubjectType == "" && f.SubjectID == "" {
		return true
	}
	for _, subj := range e.Subjects {
		if f.SubjectType != "" && subj.SubjectType != f.SubjectType {
			continue
		}
		if f.SubjectID != "" && subj.SubjectID != f.SubjectID {
			continue
		}
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Inbound requests
// -----------------------------------------------------------------------------

func (s *InMemoryStore) InsertRequest(_ context.Context, log *models.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[log.ID]; exists {
		return fmt.Errorf("insert request log %s: %w", log.ID, sentinel.ErrConflict)
	}
	s.requests[log.ID] = *log
	return nil
}

func (s *InMemoryStore) CompleteRequest(_ context.Context, id uuid.UUID, c models.RequestCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.requests[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if log.StatusCode != nil {
		return sentinel.ErrAlreadyCompleted
	}
	status, duration := c.StatusCode, c.DurationMs
	log.StatusCode = &status
	log.DurationMs = &duration
	log.ResponseBody = c.ResponseBody
	if c.RouteName != nil {
		log.RouteName = c.RouteName
	}
	if c.RouteAction != nil {
		log.RouteAction = c.RouteAction
	}
	if c.ActorID != nil {
		log.ActorID = c.ActorID
	}
	s.requests[id] = log
	return nil
}

func (s *InMemoryStore) FindRequest(_ context.Context, id uuid.UUID) (*models.RequestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.requests[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &log, nil
}

func (s *InMemoryStore) ListRequests(_ context.Context, filter models.RequestFilter) ([]models.RequestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RequestLog
	for _, log := range s.requests {
		if filter.ReferenceID != "" && log.ReferenceID != filter.ReferenceID {
			continue
		}
		out = append(out, log)
	}
	sortNewestFirst(out, func(l models.RequestLog) (time.Time, uuid.UUID) { return l.CreatedAt, l.ID })
	return truncate(out, filter.Limit), nil
}

// -----------------------------------------------------------------------------
// Outgoing requests
// -----------------------------------------------------------------------------

func (s *InMemoryStore) InsertOutgoing(_ context.Context, log *models.OutgoingRequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.outgoing[log.ID]; exists {
		return fmt.Errorf("insert outgoing request log %s: %w", log.ID, sentinel.ErrConflict)
	}
	s.outgoing[log.ID] = *log
	return nil
}

func (s *InMemoryStore) ListOutgoing(_ context.Context, filter models.RequestFilter) ([]models.OutgoingRequestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.OutgoingRequestLog
	for _, log := range s.outgoing {
		if filter.ReferenceID != "" && (log.ReferenceID == nil || *log.ReferenceID != filter.ReferenceID) {
			continue
		}
		out = append(out, log)
	}
	sortNewestFirst(out, func(l models.OutgoingRequestLog) (time.Time, uuid.UUID) { return l.CreatedAt, l.ID })
	return truncate(out, filter.Limit), nil
}

// -----------------------------------------------------------------------------
// Retention
// -----------------------------------------------------------------------------

func (s *InMemoryStore) ExpiredIDs(_ context.Context, kind models.Kind, before time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type row struct {
		id        uuid.UUID
		createdAt time.Time
	}
	var rows []row
	collect := func(id uuid.UUID, createdAt time.Time) {
		if createdAt.Before(before) {
			rows = append(rows, row{id, createdAt})
		}
	}
	switch kind {
	case models.KindEvents:
		for id, e := range s.events {
			collect(id, e.CreatedAt)
		}
	case models.KindRequests:
		for id, l := range s.requests {
			collect(id, l.CreatedAt)
		}
	case models.KindOutgoingRequests:
		for id, l := range s.outgoing {
			collect(id, l.CreatedAt)
		}
	default:
		return nil, fmt.Errorf("unknown retention kind %q", kind)
	}

	slices.SortFunc(rows, func(a, b row) int {
		if c := a.createdAt.Compare(b.createdAt); c != 0 {
			return c
		}
		return slices.Compare(a.id[:], b.id[:])
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	ids := make([]uuid.UUID, len(rows))
	for i, r := range rows {
		ids[i] = r.id
	}
	return ids, nil
}

func (s *InMemoryStore) DeleteBatch(_ context.Context, kind models.Kind, ids []uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, id := range ids {
		switch kind {
		case models.KindEvents:
			if _, ok := s.events[id]; ok {
				delete(s.events, id)
				deleted++
			}
		case models.KindRequests:
			if _, ok := s.requests[id]; ok {
				delete(s.requests, id)
				deleted++
			}
		case models.KindOutgoingRequests:
			if _, ok := s.outgoing[id]; ok {
				delete(s.outgoing, id)
				deleted++
			}
		default:
			return 0, fmt.Errorf("unknown retention kind %q", kind)
		}
	}
	return deleted, nil
}

func sortNewestFirst[T any](rows []T, key func(T) (time.Time, uuid.UUID)) {
	slices.SortFunc(rows, func(a, b T) int {
		ta, ia := key(a)
		tb, ib := key(b)
		if c := tb.Compare(ta); c != 0 {
			return c
		}
		return slices.Compare(ib[:], ia[:])
	})
}

func truncate[T any](rows []T, limit int) []T {
	limit = store.Limit(limit)
	if len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
