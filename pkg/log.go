package pkg

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Component identifies the subsystem a log record came from. It is emitted
// as the "component" attribute.
type Component string

// Engine components.
const (
	ComponentController Component = "controller"
	ComponentRing       Component = "ring"
	ComponentCommand    Component = "command"
	ComponentEvent      Component = "event"
	ComponentTransfer   Component = "transfer"
	ComponentEndpoint   Component = "endpoint"
	ComponentPlatform   Component = "platform"
	ComponentHost       Component = "host"
)

var (
	level  = new(slog.LevelVar)
	logger atomic.Pointer[slog.Logger]
)

func init() {
	level.Set(slog.LevelWarn)
	logger.Store(NewTextLogger(os.Stderr, nil))
}

// SetLogLevel sets the minimum level of loggers built with default options.
func SetLogLevel(l slog.Level) { level.Set(l) }

// GetLogLevel returns the shared minimum level.
func GetLogLevel() slog.Level { return level.Level() }

// SetLogger replaces the logger used by the Log functions. A nil logger
// restores the default text logger on stderr.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = NewTextLogger(os.Stderr, nil)
	}
	logger.Store(l)
}

// Logger returns the current logger.
func Logger() *slog.Logger { return logger.Load() }

// NewTextLogger returns a text logger writing to w. Nil opts use the shared
// level.
func NewTextLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, handlerOptions(opts)))
}

// NewJSONLogger returns a JSON logger writing to w. Nil opts use the shared
// level.
func NewJSONLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, handlerOptions(opts)))
}

func handlerOptions(opts *slog.HandlerOptions) *slog.HandlerOptions {
	if opts == nil {
		return &slog.HandlerOptions{Level: level}
	}
	return opts
}

// LogDebug logs msg at debug level, tagged with component c. args are
// alternating keys and values as for [slog.Logger.Log].
func LogDebug(c Component, msg string, args ...any) {
	logAt(slog.LevelDebug, c, msg, args)
}

// LogInfo logs msg at info level, tagged with component c.
func LogInfo(c Component, msg string, args ...any) {
	logAt(slog.LevelInfo, c, msg, args)
}

// LogWarn logs msg at warn level, tagged with component c.
func LogWarn(c Component, msg string, args ...any) {
	logAt(slog.LevelWarn, c, msg, args)
}

// LogError logs msg at error level, tagged with component c.
func LogError(c Component, msg string, args ...any) {
	logAt(slog.LevelError, c, msg, args)
}

// logAt skips building the attribute list when the record would be dropped.
// The event handler logs from the interrupt path.
func logAt(l slog.Level, c Component, msg string, args []any) {
	lg := logger.Load()
	ctx := context.Background()
	if !lg.Enabled(ctx, l) {
		return
	}
	lg.Log(ctx, l, msg, append([]any{slog.String("component", string(c))}, args...)...)
}
