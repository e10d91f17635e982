package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestMarshal_FixedEnvelopeOrder(t *testing.T) {
	raw, err := Marshal(Envelope{
		Event:       "product.updated",
		MessageData: map[string]any{"name": "Widget"},
		Payload:     map[string]any{"price": json.Number("9.99"), "name": "Widget"},
		Diff:        map[string]any{"price": []any{"8.99", "9.99"}},
		ActorID:     strPtr("17"),
		Subjects:    []Subject{{SubjectType: "products", SubjectID: "42", Role: "primary"}},
	})
	require.NoError(t, err)

	want := `{"event":"product.updated",` +
		`"message_data":{"name":"Widget"},` +
		`"payload":{"name":"Widget","price":9.99},` +
		`"diff":{"price":["8.99","9.99"]},` +
		`"actor_id":"17",` +
		`"subjects":[{"subject_type":"products","subject_id":"42","role":"primary"}]}`
	assert.Equal(t, want, string(raw))
}

func TestMarshal_EmptyValues(t *testing.T) {
	raw, err := Marshal(Envelope{Event: "order.deleted", Payload: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t,
		`{"event":"order.deleted","message_data":null,"payload":null,"diff":null,"actor_id":null,"subjects":[]}`,
		string(raw))
}

func TestMarshal_SubjectsKeepSuppliedOrder(t *testing.T) {
	a := Subject{SubjectType: "products", SubjectID: "1", Role: "primary"}
	b := Subject{SubjectType: "categories", SubjectID: "9", Role: "parent"}

	ab, err := Marshal(Envelope{Event: "e", Subjects: []Subject{a, b}})
	require.NoError(t, err)
	ba, err := Marshal(Envelope{Event: "e", Subjects: []Subject{b, a}})
	require.NoError(t, err)

	assert.NotEqual(t, string(ab), string(ba))
}

func TestMarshal_UnicodeAndHTMLUnescaped(t *testing.T) {
	raw, err := Marshal(Envelope{Event: "note.created", Payload: map[string]any{"text": "Ünïcødé <b>&</b> 東京"}})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"text":"Ünïcødé <b>&</b> 東京"`)
}

func TestMarshal_Deterministic(t *testing.T) {
	payload := map[string]any{}
	for _, k := range []string{"z", "a", "m", "b", "y", "c"} {
		payload[k] = map[string]any{"inner_" + k: k, "n": 1}
	}
	first, err := Marshal(Envelope{Event: "e", Payload: payload})
	require.NoError(t, err)
	for range 50 {
		again, err := Marshal(Envelope{Event: "e", Payload: payload})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestNormalize_PreservesNumberLiterals(t *testing.T) {
	decoded, err := Decode([]byte(`{"price":1.0,"qty":3,"big":12345678901234567890}`))
	require.NoError(t, err)

	normalized, err := Normalize(decoded)
	require.NoError(t, err)

	raw, err := Encode(normalized)
	require.NoError(t, err)
	assert.Equal(t, `{"big":12345678901234567890,"price":1.0,"qty":3}`, string(raw))
}

func TestNormalize_RoundTripIsStable(t *testing.T) {
	in := map[string]any{
		"price":  9.99,
		"count":  7,
		"tags":   []string{"a", "b"},
		"nested": map[string]any{"ok": true, "nil": nil},
	}
	once, err := Normalize(in)
	require.NoError(t, err)

	stored, err := Encode(once)
	require.NoError(t, err)
	readBack, err := Decode(stored)
	require.NoError(t, err)

	a, err := Marshal(Envelope{Event: "e", Payload: once})
	require.NoError(t, err)
	b, err := Marshal(Envelope{Event: "e", Payload: readBack})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestNormalize_Empty(t *testing.T) {
	out, err := Normalize(map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = Decode([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestNormalize_UnsupportedValue(t *testing.T) {
	_, err := Normalize(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestNormalize_RejectsInvalidUTF8Keys(t *testing.T) {
	cases := map[string]any{
		"top level": map[string]any{"a\xff": "one", "a\xfe": "two"},
		"nested":    map[string]any{"outer": map[string]any{"b\xff": 1}},
		"in a list": map[string]any{"items": []any{map[string]string{"c\xff": "x"}}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize(in.(map[string]any))
			assert.ErrorIs(t, err, ErrInvalidKey)

			_, err = NormalizeValue(in)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}

	out, err := Normalize(map[string]any{"café": "ok", "value": "bad \xff bytes are not keys"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}
