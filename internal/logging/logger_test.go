package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_ReturnsLogger(t *testing.T) {
	assert.NotNil(t, New("dev"))
	assert.NotNil(t, New("prod"))
	assert.NotNil(t, New(""))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
		{" DEBUG ", slog.LevelDebug},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.raw), "level %q", tt.raw)
	}
}
