// Package logging configures the process wide slog logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

var logger *slog.Logger

func init() {
	InitLogger("info")
}

// ParseLevel maps a config level name to a slog level. Unknown names are
// INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// InitLogger installs a text handler on stderr as the default logger.
func InitLogger(level string) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(level)})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

func GetLogger() *slog.Logger {
	return logger
}

// ForDocument returns a logger that tags every record with the masked
// document number.
func ForDocument(documentNumber string) *slog.Logger {
	return logger.With("document", MaskDocumentNumber(documentNumber))
}

// MaskDocumentNumber keeps only the last three characters.
func MaskDocumentNumber(n string) string {
	if len(n) <= 3 {
		return "***"
	}
	return "******" + n[len(n)-3:]
}
