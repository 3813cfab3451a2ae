package cadence

import (
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// InitLogger configures the global slog logger to output structured JSON
// to stderr. Call this once at program startup before connecting.
func InitLogger(level slog.Level) {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

// ParseLogLevel maps a settings log level name to a slog level. The proxy
// level names ("warning", "fatal") are accepted as well.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "fatal", "critical":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errors.Errorf("unknown log level %q", s)
}
