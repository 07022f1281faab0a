package logutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "web-01.example.com", "web-01.example.com"},
		{"newline injection", "host\nINFO fake entry", "host INFO fake entry"},
		{"carriage return and tab", "a\rb\tc", "a b c"},
		{"control chars dropped", "a\x00b\x1bc", "abc"},
		{"unicode kept", "sérveur", "sérveur"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeForLog(tt.in))
		})
	}
}

func TestSanitizeForLogCapsLength(t *testing.T) {
	out := SanitizeForLog(strings.Repeat("x", 1000))
	assert.Len(t, []rune(out), maxLogValueLen)
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab...", Truncate("abcdefgh", 5))
	assert.Equal(t, "ab", Truncate("abcdefgh", 2))
	assert.Equal(t, "", Truncate("abc", 0))
}
