// Package redact replaces sensitive values in nested key/value data.
//
// A key is sensitive when it contains, case-insensitively, any registered
// pattern. Its value is swapped for Marker without descending into it. Other
// mapping values are walked recursively; sequences and scalars are leaves.
package redact

import (
	"sync"
	"sync/atomic"

	pstrings "audittrail/pkg/platform/strings"
)

// Marker is substituted for every sensitive value.
const Marker = "***"

// DefaultMaxDepth bounds recursion on adversarial input.
const DefaultMaxDepth = 32

// DefaultPatterns cover credentials, tokens and PII-like fields.
var DefaultPatterns = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"cookie",
	"private_key",
	"credit_card",
	"card_number",
	"cvv",
	"ssn",
}

// Registry holds the process-wide pattern list. Reads take a snapshot of an
// immutable slice; Register swaps in an extended copy.
type Registry struct {
	mu       sync.Mutex // serializes writers
	patterns atomic.Pointer[[]string]
	maxDepth int
}

// Option configures a Registry.
type Option func(*Registry)

// WithPatterns adds patterns on top of DefaultPatterns.
func WithPatterns(patterns ...string) Option {
	return func(r *Registry) {
		r.store(append(r.Patterns(), patterns...))
	}
}

// WithoutDefaults starts from an empty pattern list.
func WithoutDefaults() Option {
	return func(r *Registry) {
		r.store(nil)
	}
}

// WithMaxDepth overrides the recursion cap. Values below 1 are ignored.
func WithMaxDepth(depth int) Option {
	return func(r *Registry) {
		if depth > 0 {
			r.maxDepth = depth
		}
	}
}

// New builds a registry seeded with DefaultPatterns. Call once at startup and
// share the result.
func New(opts ...Option) *Registry {
	r := &Registry{maxDepth: DefaultMaxDepth}
	r.store(DefaultPatterns)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register appends patterns at runtime. Safe for use while other goroutines
// sanitize; they keep the snapshot they started with.
func (r *Registry) Register(patterns ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store(append(r.Patterns(), patterns...))
}

// Patterns returns a copy of the current pattern list.
func (r *Registry) Patterns() []string {
	current := r.snapshot()
	out := make([]string, len(current))
	copy(out, current)
	return out
}

// IsSensitive reports whether key matches any registered pattern.
func (r *Registry) IsSensitive(key string) bool {
	return pstrings.ContainsAnyFold(key, r.snapshot())
}

// Sanitize returns a redacted copy of m. The input is never modified. A nil
// map stays nil.
func (r *Registry) Sanitize(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return r.sanitizeMap(m, r.snapshot(), 1)
}

// SanitizeValue redacts v when it is a mapping and returns any other value
// unchanged.
func (r *Registry) SanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return r.Sanitize(t)
	case map[string]string:
		return sanitizeStrings(t, r.snapshot())
	default:
		return v
	}
}

func (r *Registry) sanitizeMap(m map[string]any, patterns []string, depth int) map[string]any {
	out := make(map[string]any, len(m))
	for key, value := range m {
		if pstrings.ContainsAnyFold(key, patterns) {
			out[key] = Marker
			continue
		}
		out[key] = r.sanitizeNested(value, patterns, depth)
	}
	return out
}

func (r *Registry) sanitizeNested(value any, patterns []string, depth int) any {
	switch t := value.(type) {
	case map[string]any:
		// past the cap nothing below is inspected, so nothing below is kept
		if depth >= r.maxDepth {
			return Marker
		}
		if t == nil {
			return t
		}
		return r.sanitizeMap(t, patterns, depth+1)
	case map[string]string:
		if depth >= r.maxDepth {
			return Marker
		}
		if t == nil {
			return t
		}
		return sanitizeStrings(t, patterns)
	default:
		return value
	}
}

func sanitizeStrings(m map[string]string, patterns []string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for key, value := range m {
		if pstrings.ContainsAnyFold(key, patterns) {
			value = Marker
		}
		out[key] = value
	}
	return out
}

func (r *Registry) snapshot() []string {
	if p := r.patterns.Load(); p != nil {
		return *p
	}
	return nil
}

func (r *Registry) store(patterns []string) {
	normalized := pstrings.DedupeAndTrimLower(patterns)
	r.patterns.Store(&normalized)
}
