package redact

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize_NestedScenario(t *testing.T) {
	r := New()
	input := map[string]any{
		"password": "abc123",
		"profile": map[string]any{
			"api_key": "xyz",
			"city":    "Paris",
		},
	}

	got := r.Sanitize(input)

	assert.Equal(t, map[string]any{
		"password": Marker,
		"profile": map[string]any{
			"api_key": Marker,
			"city":    "Paris",
		},
	}, got)
	assert.Equal(t, "abc123", input["password"], "input must not be mutated")
}

func TestSanitize_SensitiveKeyStopsRecursion(t *testing.T) {
	r := New()
	got := r.Sanitize(map[string]any{
		"credentials_secret": map[string]any{"nested": "value"},
	})
	assert.Equal(t, Marker, got["credentials_secret"])
}

func TestSanitize_CaseInsensitiveSubstring(t *testing.T) {
	r := New()
	got := r.Sanitize(map[string]any{
		"X-Auth-Token":      "t",
		"UserPassword":      "p",
		"Authorization":     "Bearer abc",
		"description":       "keep",
		"card_number_last4": "4242",
	})
	assert.Equal(t, Marker, got["X-Auth-Token"])
	assert.Equal(t, Marker, got["UserPassword"])
	assert.Equal(t, Marker, got["Authorization"])
	assert.Equal(t, Marker, got["card_number_last4"])
	assert.Equal(t, "keep", got["description"])
}

func TestSanitize_SequencesAreLeaves(t *testing.T) {
	r := New()
	list := []any{map[string]any{"password": "inside-list"}}
	got := r.Sanitize(map[string]any{"items": list})
	assert.Equal(t, list, got["items"])
}

func TestSanitizeValue_ScalarsUnchanged(t *testing.T) {
	r := New()
	for _, v := range []any{nil, "password", 42, 3.14, true, []string{"token"}} {
		assert.Equal(t, v, r.SanitizeValue(v))
	}
}

func TestSanitizeValue_StringMaps(t *testing.T) {
	r := New()
	got := r.SanitizeValue(map[string]string{"Cookie": "sid=1", "Accept": "application/json"})
	assert.Equal(t, map[string]string{"Cookie": Marker, "Accept": "application/json"}, got)
}

func TestSanitize_NilMap(t *testing.T) {
	assert.Nil(t, New().Sanitize(nil))
}

func TestSanitize_Idempotent(t *testing.T) {
	r := New()
	inputs := []map[string]any{
		{},
		{"a": 1},
		{"token": "t", "meta": map[string]any{"secret": map[string]any{"x": 1}, "ok": []any{1, 2}}},
		deepMap(DefaultMaxDepth + 5),
	}
	for i, in := range inputs {
		t.Run(fmt.Sprintf("input_%d", i), func(t *testing.T) {
			once := r.Sanitize(in)
			assert.Equal(t, once, r.Sanitize(once))
		})
	}
}

func TestSanitize_CompletenessAtAnyDepth(t *testing.T) {
	r := New()
	for depth := 1; depth <= DefaultMaxDepth+3; depth++ {
		in := nestWith(depth, map[string]any{"password": "p"})
		out := r.Sanitize(in)

		// Walk down to the sensitive value or to the marker that replaced a subtree.
		var cur any = out
		for i := 1; i < depth; i++ {
			m, ok := cur.(map[string]any)
			if !ok {
				break
			}
			cur = m["child"]
		}
		if m, ok := cur.(map[string]any); ok {
			assert.Equal(t, Marker, m["password"], "depth %d", depth)
		} else {
			assert.Equal(t, Marker, cur, "depth %d", depth)
		}
	}
}

func TestSanitize_DepthCap(t *testing.T) {
	r := New(WithMaxDepth(2))
	out := r.Sanitize(map[string]any{
		"level1": map[string]any{
			"level2": map[string]any{"city": "Paris"},
		},
	})
	level1, ok := out["level1"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, Marker, level1["level2"])
}

func TestRegistry_Register(t *testing.T) {
	r := New(WithoutDefaults())
	assert.False(t, r.IsSensitive("pin_code"))

	r.Register("  PIN ", "pin", "")
	assert.True(t, r.IsSensitive("pin_code"))
	assert.Equal(t, []string{"pin"}, r.Patterns())
}

func TestRegistry_WithPatterns(t *testing.T) {
	r := New(WithPatterns("iban"))
	assert.True(t, r.IsSensitive("IBAN"))
	assert.True(t, r.IsSensitive("password"))
}

func TestRegistry_ConcurrentRegisterAndSanitize(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(fmt.Sprintf("field_%d", i))
		}()
		go func() {
			defer wg.Done()
			out := r.Sanitize(map[string]any{"password": "p", "city": "Oslo"})
			assert.Equal(t, Marker, out["password"])
		}()
	}
	wg.Wait()
	assert.Len(t, r.Patterns(), len(DefaultPatterns)+20)
}

func deepMap(depth int) map[string]any {
	return nestWith(depth, map[string]any{"leaf": "v", "token": "t"})
}

func nestWith(depth int, leaf map[string]any) map[string]any {
	m := leaf
	for i := 1; i < depth; i++ {
		m = map[string]any{"child": m}
	}
	return m
}
