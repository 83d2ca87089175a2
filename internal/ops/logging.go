package ops

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dtonon/volare/internal/config"
)

// Logger is a structured logger wrapper
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// NewLogger creates a structured logger writing to stderr
func NewLogger(cfg *config.Logging) *Logger {
	return NewLoggerWithWriter(cfg, os.Stderr)
}

// NewLoggerWithWriter creates a logger with a custom writer
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard)
}

// WithComponent adds a component field to all log messages
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// WithFields adds custom fields to the logger
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// Component-specific logger helpers

// LogRelayConnection logs a relay connection event
func (l *Logger) LogRelayConnection(relay string, connected bool, err error) {
	if err != nil {
		l.Warn("relay connection failed",
			"relay", relay,
			"error", err)
	} else if connected {
		l.Info("relay connected",
			"relay", relay)
	} else {
		l.Info("relay disconnected",
			"relay", relay)
	}
}

// LogSubscription logs an outgoing subscription
func (l *Logger) LogSubscription(relay string, filters int, err error) {
	if err != nil {
		l.Warn("subscription failed",
			"relay", relay,
			"filters", filters,
			"error", err)
		return
	}
	l.Debug("subscribed",
		"relay", relay,
		"filters", filters)
}

// LogPublish logs the outcome of publishing one event
func (l *Logger) LogPublish(kind int, eventID string, ok, failed int, err error) {
	if err != nil {
		l.Warn("publish failed",
			"kind", kind,
			"event_id", eventID,
			"failed", failed,
			"error", err)
		return
	}
	l.Info("event published",
		"kind", kind,
		"event_id", eventID,
		"relays_ok", ok,
		"relays_failed", failed)
}

// LogSweep logs a storage sweep
func (l *Logger) LogSweep(deleted int64, threshold int, duration time.Duration, err error) {
	if err != nil {
		l.Error("sweep failed",
			"threshold", threshold,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Info("sweep completed",
			"deleted", deleted,
			"threshold", threshold,
			"duration_ms", duration.Milliseconds())
	}
}

// LogSwitch logs an identity switch
func (l *Logger) LogSwitch(pubkey string, duration time.Duration, err error) {
	if err != nil {
		l.Error("identity switch failed",
			"pubkey", pubkey,
			"error", err)
		return
	}
	l.Info("identity switched",
		"pubkey", pubkey,
		"duration_ms", duration.Milliseconds())
}

// LogStartup logs application startup information
func (l *Logger) LogStartup(version, commit string, fields ...any) {
	l.Info("volare starting",
		append([]any{"version", version, "commit", commit}, fields...)...)
}

// LogShutdown logs application shutdown
func (l *Logger) LogShutdown(reason string) {
	l.Info("volare shutting down",
		"reason", reason)
}

// LogPanic logs a recovered panic
func (l *Logger) LogPanic(recovered any, stack string) {
	l.Error("panic recovered",
		"panic", fmt.Sprintf("%v", recovered),
		"stack", stack)
}

// Default logger configuration
var defaultLogger = NewLogger(&config.Logging{
	Level:  "info",
	Format: "text",
})

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}
