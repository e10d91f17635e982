// Package models defines the persisted audit record kinds.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Subject roles. The set is open; these are the conventional values.
const (
	RolePrimary = "primary"
	RoleParent  = "parent"
	RoleRelated = "related"
	RoleActor   = "actor"
	RoleTarget  = "target"
)

// Kind names a retention category. Each kind is configured independently.
type Kind string

const (
	KindEvents           Kind = "events"
	KindRequests         Kind = "requests"
	KindOutgoingRequests Kind = "outgoing_requests"
)

// Kinds lists every retention category in sweep order.
var Kinds = []Kind{KindEvents, KindRequests, KindOutgoingRequests}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindEvents, KindRequests, KindOutgoingRequests:
		return true
	}
	return false
}

// AuditEvent is an immutable record of something that happened.
// MessageData, Payload and Diff hold the redacted values exactly as stored;
// Checksum is computed over those values.
type AuditEvent struct {
	ID          uuid.UUID      `json:"id"`
	Event       string         `json:"event"`
	Level       uint8          `json:"level"`
	MessageData map[string]any `json:"message_data,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Diff        map[string]any `json:"diff,omitempty"`
	ActorID     *string        `json:"actor_id,omitempty"`
	ReferenceID *string        `json:"reference_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Checksum    string         `json:"checksum"`
	Subjects    []AuditSubject `json:"subjects"`
}

// AuditSubject is a participant referenced by an event.
type AuditSubject struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	Role        string `json:"role"`
}

// Key identifies a subject within its event; two subjects with the same key
// cannot be stored for one event.
func (s AuditSubject) Key() string {
	return s.SubjectType + "\x00" + s.SubjectID + "\x00" + s.Role
}

// RequestLog is one inbound HTTP request. It is inserted before the handler
// runs, with StatusCode, DurationMs and ResponseBody nil, and completed once.
type RequestLog struct {
	ID             uuid.UUID      `json:"id"`
	Method         string         `json:"method"`
	URL            string         `json:"url"`
	RouteName      *string        `json:"route_name,omitempty"`
	RouteAction    *string        `json:"route_action,omitempty"`
	StatusCode     *int           `json:"status_code,omitempty"`
	DurationMs     *int64         `json:"duration_ms,omitempty"`
	IP             *string        `json:"ip,omitempty"`
	UserAgent      *string        `json:"user_agent,omitempty"`
	SessionID      *string        `json:"session_id,omitempty"`
	ActorID        *string        `json:"actor_id,omitempty"`
	ReferenceID    string         `json:"reference_id"`
	RequestHeaders map[string]any `json:"request_headers,omitempty"`
	RequestQuery   map[string]any `json:"request_query,omitempty"`
	RequestBody    map[string]any `json:"request_body,omitempty"`
	ResponseBody   map[string]any `json:"response_body,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// RequestCompletion carries the fields filled in when the request finishes.
type RequestCompletion struct {
	StatusCode   int
	DurationMs   int64
	RouteName    *string
	RouteAction  *string
	ActorID      *string
	ResponseBody map[string]any
}

// OutgoingRequestLog is one call the application made to an external service.
// ErrorMessage replaces StatusCode when the connection failed.
type OutgoingRequestLog struct {
	ID             uuid.UUID      `json:"id"`
	Method         string         `json:"method"`
	URL            string         `json:"url"`
	StatusCode     *int           `json:"status_code,omitempty"`
	DurationMs     *int64         `json:"duration_ms,omitempty"`
	ReferenceID    *string        `json:"reference_id,omitempty"`
	RequestHeaders map[string]any `json:"request_headers,omitempty"`
	RequestBody    map[string]any `json:"request_body,omitempty"`
	ResponseBody   map[string]any `json:"response_body,omitempty"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// EventFilter narrows event queries. Zero values do not filter.
type EventFilter struct {
	Event       string
	ReferenceID string
	ActorID     string
	SubjectType string
	SubjectID   string
	Limit       int
}

// RequestFilter narrows request log queries.
type RequestFilter struct {
	ReferenceID string
	Limit       int
}

// StringPtr returns nil for empty strings.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
