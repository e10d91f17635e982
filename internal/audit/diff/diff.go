// Package diff computes field-level before/after changes between two
// attribute snapshots.
package diff

import (
	"encoding/json"
	"math/big"
	"reflect"
	"sort"
	"time"

	"audittrail/internal/audit/canonical"
)

// Change is the before and after value of one field. Map stores it as the
// two-element array [before, after].
type Change struct {
	Before any
	After  any
}

// Diff maps field name to change.
type Diff map[string]Change

// Map converts the diff into the generic form stored on an audit event.
func (d Diff) Map() map[string]any {
	if len(d) == 0 {
		return nil
	}
	out := make(map[string]any, len(d))
	for k, c := range d {
		out[k] = []any{c.Before, c.After}
	}
	return out
}

// Fields returns the changed field names in sorted order.
func (d Diff) Fields() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Detect compares prior and current over the union of their keys. A key
// missing on one side compares as nil, and nil is distinct from "" and 0.
// Keys in ignore never count as changes; if nothing else changed the second
// return value is false and the update should not be audited. Keys in exclude
// are removed from the result only after that decision.
func Detect(prior, current map[string]any, ignore, exclude []string) (Diff, bool) {
	ignored := toSet(ignore)

	changes := make(Diff)
	for key := range union(prior, current) {
		if _, skip := ignored[key]; skip {
			continue
		}
		before, after := prior[key], current[key]
		if equal(before, after) {
			continue
		}
		changes[key] = Change{Before: before, After: after}
	}
	if len(changes) == 0 {
		return nil, false
	}

	for _, key := range exclude {
		delete(changes, key)
	}
	return changes, true
}

func union(a, b map[string]any) map[string]struct{} {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return keys
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// equal compares values after normalization so that 1, int64(1) and
// json.Number("1") are the same value. Numbers compare by magnitude and
// RFC 3339 timestamps by instant, so a snapshot read back from storage does
// not differ from the live value it was written from.
func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	na, errA := canonical.NormalizeValue(a)
	nb, errB := canonical.NormalizeValue(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return sameValue(na, nb)
}

func sameValue(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case json.Number:
		bv, ok := b.(json.Number)
		return ok && sameNumber(av, bv)
	case string:
		bv, ok := b.(string)
		return ok && (av == bv || sameInstant(av, bv))
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, present := bv[k]
			if !present || !sameValue(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !sameValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

func sameNumber(a, b json.Number) bool {
	if a == b {
		return true
	}
	ra, okA := new(big.Rat).SetString(a.String())
	rb, okB := new(big.Rat).SetString(b.String())
	return okA && okB && ra.Cmp(rb) == 0
}

func sameInstant(a, b string) bool {
	ta, err := time.Parse(time.RFC3339Nano, a)
	if err != nil {
		return false
	}
	tb, err := time.Parse(time.RFC3339Nano, b)
	return err == nil && ta.Equal(tb)
}
