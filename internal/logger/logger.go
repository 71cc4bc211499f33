// Package logger builds the JSON slog logger shared by the binaries.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	Output    io.Writer
	Level     slog.Level
	AddSource bool
}

func DefaultConfig() *Config {
	return &Config{
		Level:  slog.LevelInfo,
		Output: os.Stdout,
	}
}

func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}))
}

// ParseLevel понимает debug/info/warn/error, всё остальное считается info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs the logger as slog's default and tags every record with the service name.
func Setup(service, level string) *slog.Logger {
	l := New(&Config{Level: ParseLevel(level), Output: os.Stdout}).With("service", service)
	slog.SetDefault(l)
	return l
}
