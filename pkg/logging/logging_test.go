package logging

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty", input: "", want: ""},
		{name: "plain", input: "TinyLlama/TinyLlama-1.1B", want: "TinyLlama/TinyLlama-1.1B"},
		{name: "newline injection", input: "model\nlevel=error", want: `model\nlevel=error`},
		{name: "carriage return and tab", input: "a\rb\tc", want: `a\rb\tc`},
		{name: "backslash", input: `a\b`, want: `a\\b`},
		{name: "control character", input: "a\x00b", want: "a?b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, SanitizeForLog(tt.input))
		})
	}
}

func TestSanitizeForLogTruncates(t *testing.T) {
	out := SanitizeForLog(strings.Repeat("x", 250))
	require.True(t, strings.HasSuffix(out, "...[truncated]"))
	require.Len(t, out, maxLoggedLength+len("...[truncated]"))
}

func TestNewLevel(t *testing.T) {
	t.Setenv("DEBUG", "")
	require.Equal(t, logrus.WarnLevel, New("warn").GetLevel())
	require.Equal(t, logrus.InfoLevel, New("bogus").GetLevel())

	t.Setenv("DEBUG", "1")
	require.Equal(t, logrus.DebugLevel, New("warn").GetLevel())
}

func BenchmarkSanitizeForLog(b *testing.B) {
	input := strings.Repeat("model\n\tname\x00", 20)
	for i := 0; i < b.N; i++ {
		_ = SanitizeForLog(input)
	}
}
