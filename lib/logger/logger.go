// Package logger provides the slog plumbing shared by every manager:
// a per-subsystem logger factory and context propagation.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

type contextKey struct{}

// Subsystem names attached to every log line as "subsystem".
const (
	SubsystemAPI          = "api"
	SubsystemCLI          = "cli"
	SubsystemProject      = "project"
	SubsystemImages       = "images"
	SubsystemNetwork      = "network"
	SubsystemInstances    = "instances"
	SubsystemOrchestrator = "orchestrator"
)

// Config controls logger construction.
type Config struct {
	Level  slog.Level
	Format string // "json" or "text"; empty picks text on a terminal, json otherwise
	Output io.Writer
}

// NewConfig builds a Config from LOG_LEVEL and LOG_FORMAT.
func NewConfig() Config {
	return Config{
		Level:  ParseLevel(os.Getenv("LOG_LEVEL")),
		Format: strings.ToLower(os.Getenv("LOG_FORMAT")),
		Output: os.Stderr,
	}
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// NewSubsystemLogger creates a logger for one subsystem. When otelHandler is
// non-nil every record is also forwarded to it.
func NewSubsystemLogger(subsystem string, cfg Config, otelHandler slog.Handler) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var h slog.Handler
	switch cfg.Format {
	case "json":
		h = slog.NewJSONHandler(out, opts)
	case "text":
		h = slog.NewTextHandler(out, opts)
	default:
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			h = slog.NewTextHandler(out, opts)
		} else {
			h = slog.NewJSONHandler(out, opts)
		}
	}

	if otelHandler != nil {
		h = &fanoutHandler{handlers: []slog.Handler{h, otelHandler}}
	}

	return slog.New(h).With("subsystem", subsystem)
}

// AddToContext returns a copy of ctx carrying log.
func AddToContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, log)
}

// FromContext returns the logger stored in ctx, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if log, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && log != nil {
			return log
		}
	}
	return slog.Default()
}

// With adds attributes to the context logger and stores the result back in ctx.
func With(ctx context.Context, args ...any) context.Context {
	return AddToContext(ctx, FromContext(ctx).With(args...))
}

// fanoutHandler forwards records to several handlers.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}
