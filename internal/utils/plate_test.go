package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePlate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ABC123", "ABC123"},
		{"abc-123", "ABC123"},
		{"ABC 123", "ABC123"},
		{" a-b c-1 2 3 ", "ABC123"},
		{"", ""},
		{"--  --", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := NormalizePlate(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, NormalizePlate(got), "normalization must be idempotent")
		})
	}
}

func TestNormalizePlate_SeparatorInsensitive(t *testing.T) {
	assert.Equal(t, NormalizePlate("ABC-123"), NormalizePlate("abc123"))
	assert.Equal(t, NormalizePlate("ABC 123"), NormalizePlate("abc-123"))
}
