package observability

import (
	"log/slog"
	"os"
	"strings"

	"github.com/tangleworks/vidimport/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields.
// LOG_LEVEL wins when set; otherwise dev gets debug and everything
// else info.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel, cfg.IsDev())}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}

func parseLevel(level string, dev bool) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if dev {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
