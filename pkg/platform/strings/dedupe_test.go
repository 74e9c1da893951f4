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
		{
			name:     "nil slice",
			input:    nil,
			expected: nil,
		},
		{
			name:     "empty slice",
			input:    []string{},
			expected: []string{},
		},
		{
			name:     "trims whitespace",
			input:    []string{"  orders:read  ", "orders:write "},
			expected: []string{"orders:read", "orders:write"},
		},
		{
			name:     "removes duplicates preserving order",
			input:    []string{"orders:read", "admin:access", "orders:read"},
			expected: []string{"orders:read", "admin:access"},
		},
		{
			name:     "removes empty strings",
			input:    []string{"orders:read", "", "  ", "admin:access"},
			expected: []string{"orders:read", "admin:access"},
		},
		{
			name:     "preserves case",
			input:    []string{"Orders:Read", "orders:read"},
			expected: []string{"Orders:Read", "orders:read"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DedupeAndTrim(tt.input))
		})
	}
}
