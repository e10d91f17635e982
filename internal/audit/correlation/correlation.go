// Package correlation assigns one reference id to every inbound request and
// propagates it to audit records and outgoing calls.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"audittrail/pkg/requestcontext"
)

const (
	// DefaultHeader carries the reference id on requests and responses.
	DefaultHeader = "X-Reference-Id"

	// MaxLength bounds client-supplied ids. Longer values are replaced.
	MaxLength = 128

	spanAttribute = "audit.reference_id"
)

// Allocator resolves the reference id of a request.
type Allocator struct {
	header string
	newID  func() string
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithHeader overrides the header name.
func WithHeader(name string) Option {
	return func(a *Allocator) {
		if name = strings.TrimSpace(name); name != "" {
			a.header = name
		}
	}
}

// WithGenerator replaces the id generator. Tests use it for fixed ids.
func WithGenerator(fn func() string) Option {
	return func(a *Allocator) {
		if fn != nil {
			a.newID = fn
		}
	}
}

func New(opts ...Option) *Allocator {
	a := &Allocator{
		header: DefaultHeader,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Header returns the configured header name.
func (a *Allocator) Header() string {
	return a.header
}

// Ensure returns r with a reference id attached to its context, and the id.
// An id already in the context wins, then an acceptable header value, then a
// fresh random UUID. Calling Ensure again on the returned request is a no-op.
func (a *Allocator) Ensure(r *http.Request) (*http.Request, string) {
	if id := requestcontext.ReferenceID(r.Context()); id != "" {
		return r, id
	}
	id := strings.TrimSpace(r.Header.Get(a.header))
	if !acceptable(id) {
		id = a.newID()
	}
	ctx := requestcontext.WithReferenceID(r.Context(), id)
	return r.WithContext(ctx), id
}

// Middleware attaches the reference id before anything else runs, echoes it
// on the response and tags the active span. Register it first.
func (a *Allocator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, id := a.Ensure(r)
		w.Header().Set(a.header, id)
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String(spanAttribute, id))
		next.ServeHTTP(w, r)
	})
}

// Inject copies the reference id from req's context onto its headers, for
// calls made on behalf of an inbound request. It returns the id, or "" when
// the context carries none.
func (a *Allocator) Inject(req *http.Request) string {
	id := FromContext(req.Context())
	if id != "" && req.Header.Get(a.header) == "" {
		req.Header.Set(a.header, id)
	}
	return id
}

// FromContext returns the reference id of the current request scope.
func FromContext(ctx context.Context) string {
	return requestcontext.ReferenceID(ctx)
}

func acceptable(id string) bool {
	if id == "" || len(id) > MaxLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
