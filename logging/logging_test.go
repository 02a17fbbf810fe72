package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultLoggerInitialized(t *testing.T) {
	require.NotNil(t, GetLogger())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"InFo", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			require.Equal(t, tt.want, ParseLevel(tt.level))
		})
	}
}

func TestInitLogger(t *testing.T) {
	InitLogger("debug")
	require.Same(t, GetLogger(), slog.Default())
	require.True(t, GetLogger().Enabled(t.Context(), slog.LevelDebug))

	InitLogger("info")
	require.False(t, GetLogger().Enabled(t.Context(), slog.LevelDebug))
}

func TestMaskDocumentNumber(t *testing.T) {
	require.Equal(t, "******2C3", MaskDocumentNumber("L898902C3"))
	require.Equal(t, "***", MaskDocumentNumber("L89"))
	require.NotNil(t, ForDocument("L898902C3"))
}
