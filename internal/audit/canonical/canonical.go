// Package canonical produces the byte-exact serialization that audit
// checksums are computed over.
//
// The top-level envelope keeps a fixed field order. Nested mappings are
// encoded with sorted keys, UTF-8 left unescaped, no HTML escaping, and
// numbers kept as the literal they were decoded from. Any change here breaks
// verification of every record already stored.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"unicode/utf8"
)

// ErrInvalidKey is returned when a mapping key is not valid UTF-8. Encoding
// would replace the bad bytes with U+FFFD, so two distinct keys could collapse
// into one and lose a value.
var ErrInvalidKey = errors.New("mapping key is not valid UTF-8")

// maxKeyCheckDepth bounds the key walk on cyclic input; the encoder reports
// the cycle itself.
const maxKeyCheckDepth = 1000

// Subject is one {subject_type, subject_id, role} triple. Field order is the
// serialization order.
type Subject struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	Role        string `json:"role"`
}

// Envelope holds the integrity-relevant fields of an audit event.
type Envelope struct {
	Event       string
	MessageData map[string]any
	Payload     map[string]any
	Diff        map[string]any
	ActorID     *string
	Subjects    []Subject
}

type field struct {
	name  string
	value any
}

// Marshal encodes the envelope as
//
//	{"event":…,"message_data":…,"payload":…,"diff":…,"actor_id":…,"subjects":[…]}
//
// Empty mappings encode as null, matching how they are stored.
func Marshal(e Envelope) ([]byte, error) {
	subjects := e.Subjects
	if subjects == nil {
		subjects = []Subject{}
	}
	var actor any
	if e.ActorID != nil {
		actor = *e.ActorID
	}

	fields := []field{
		{"event", e.Event},
		{"message_data", mapOrNil(e.MessageData)},
		{"payload", mapOrNil(e.Payload)},
		{"diff", mapOrNil(e.Diff)},
		{"actor_id", actor},
		{"subjects", subjects},
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(&buf, f.name); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := encode(&buf, f.value); err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.name, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Normalize round-trips m through JSON, decoding numbers as json.Number. The
// writer stores and checksums the normalized form, and the stores decode the
// same way, so a record read back canonicalizes to the same bytes.
// Empty input yields nil.
func Normalize(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	if err := checkKeys(reflect.ValueOf(m), 0); err != nil {
		return nil, err
	}
	raw, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// NormalizeValue is Normalize for an arbitrary value.
func NormalizeValue(v any) (any, error) {
	if err := checkKeys(reflect.ValueOf(v), 0); err != nil {
		return nil, err
	}
	raw, err := Encode(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode normalized value: %w", err)
	}
	return out, nil
}

// Encode serializes v the same way Marshal serializes nested values.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a JSON object keeping numbers as json.Number. A JSON null or
// empty input yields nil.
func Decode(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode json object: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func checkKeys(v reflect.Value, depth int) error {
	if depth > maxKeyCheckDepth {
		return nil
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return checkKeys(v.Elem(), depth+1)
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if k := iter.Key(); k.Kind() == reflect.String && !utf8.ValidString(k.String()) {
				return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
			}
			if err := checkKeys(iter.Value(), depth+1); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := range v.Len() {
			if err := checkKeys(v.Index(i), depth+1); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := range v.NumField() {
			if !v.Type().Field(i).IsExported() {
				continue
			}
			if err := checkKeys(v.Field(i), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func encode(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	// Encoder terminates every value with a newline
	buf.Truncate(buf.Len() - 1)
	return nil
}

func mapOrNil(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}
