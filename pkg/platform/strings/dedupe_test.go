package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{name: "nil slice", input: nil, expected: nil},
		{name: "empty slice", input: []string{}, expected: []string{}},
		{
			name:     "trims and dedupes field names",
			input:    []string{"  updated_at ", "id", "updated_at", "", "  "},
			expected: []string{"updated_at", "id"},
		},
		{
			name:     "preserves case",
			input:    []string{"CreatedAt", "created_at"},
			expected: []string{"CreatedAt", "created_at"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DedupeAndTrim(tt.input))
		})
	}
}

func TestDedupeAndTrimLower(t *testing.T) {
	assert.Nil(t, DedupeAndTrimLower(nil))
	assert.Equal(t, []string{"api_key", "token"}, DedupeAndTrimLower([]string{"  API_KEY ", "token", "Api_Key", "TOKEN"}))
}

func TestSet(t *testing.T) {
	set := Set([]string{"updated_at", " "}, []string{"created_at", "updated_at"})
	assert.Len(t, set, 2)
	assert.Contains(t, set, "updated_at")
	assert.Contains(t, set, "created_at")
}

func TestContainsAnyFold(t *testing.T) {
	needles := []string{"password", "api_key"}
	assert.True(t, ContainsAnyFold("User_PASSWORD_hash", needles))
	assert.True(t, ContainsAnyFold("X-Api_Key", needles))
	assert.False(t, ContainsAnyFold("city", needles))
	assert.False(t, ContainsAnyFold("password", nil))
}
