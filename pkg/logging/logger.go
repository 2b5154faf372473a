package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"dns-firewall/pkg/config"
)

// Logger is the structured logger shared by every component of the firewall.
// It embeds *slog.Logger so call sites use the familiar Info/Warn/Error API.
type Logger struct {
	*slog.Logger
	cfg    *config.LoggingConfig
	closer io.Closer
}

// New builds a logger from the logging section of the config
func New(cfg *config.LoggingConfig) (*Logger, error) {
	var (
		output io.Writer
		closer io.Closer
	)

	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		closer = f
	default:
		output = os.Stdout
	}

	l := NewWithWriter(output, cfg)
	l.closer = closer
	return l, nil
}

// NewWithWriter builds a logger that writes to w using the format and level from cfg
func NewWithWriter(w io.Writer, cfg *config.LoggingConfig) *Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		cfg:    cfg,
	}
}

// NewDefault creates a logger with info level, text format, stdout
func NewDefault() *Logger {
	return NewWithWriter(os.Stdout, &config.LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	})
}

// NewDiscard returns a logger that drops everything. Used by tests.
func NewDiscard() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:    &config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"},
	}
}

// WithComponent returns a child logger tagged with the component name
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
		cfg:    l.cfg,
	}
}

// WithField creates a new logger with an additional field
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{
		Logger: l.Logger.With(key, value),
		cfg:    l.cfg,
	}
}

// Close releases the log file when output is "file"
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var global = NewDefault()

// SetGlobal sets the process-wide logger and routes slog's default through it
func SetGlobal(logger *Logger) {
	global = logger
	slog.SetDefault(logger.Logger)
}

// Global returns the process-wide logger
func Global() *Logger {
	return global
}
