// Package logging provides structured logging for the perocube services.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("server")
//	log.Info("listening", "address", addr)
//
//	// Log with context
//	log.Error("write failed", "error", err, "kind", kind)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// global is the logger component loggers resolve to. It is nil until Init
// or the first log call.
var global atomic.Pointer[slog.Logger]

// Logger returns the global logger, installing the text default at info
// level when none was set.
func Logger() *slog.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	global.CompareAndSwap(nil, slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	return global.Load()
}

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	install(slog.New(handler))
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	install(slog.New(handler))
}

func install(l *slog.Logger) {
	global.Store(l)
	slog.SetDefault(l)
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// The returned logger resolves the global logger on every call, so
// package-level component loggers pick up a later Init.
func Component(name string) *slog.Logger {
	return slog.New(&componentHandler{name: name})
}

// componentHandler defers to the current global handler.
type componentHandler struct {
	name  string
	attrs []slog.Attr
	group string
}

func (h *componentHandler) base() slog.Handler {
	hd := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.name)})
	if len(h.attrs) > 0 {
		hd = hd.WithAttrs(h.attrs)
	}
	if h.group != "" {
		hd = hd.WithGroup(h.group)
	}
	return hd
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base().Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.base().Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.group = name
	return &next
}

// WithContext returns a logger that includes context values.
// Sessions put their ID and remote address into the context.
func WithContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	logger := base

	if sessionID, ok := ctx.Value(contextKeySessionID).(string); ok {
		logger = logger.With("session_id", sessionID)
	}
	if remote, ok := ctx.Value(contextKeyRemote).(string); ok {
		logger = logger.With("remote", remote)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeySessionID contextKey = iota
	contextKeyRemote
)

// ContextWithSessionID adds a session ID to the context for logging.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, contextKeySessionID, sessionID)
}

// ContextWithRemote adds the peer address to the context for logging.
func ContextWithRemote(ctx context.Context, remote string) context.Context {
	return context.WithValue(ctx, contextKeyRemote, remote)
}
