package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the service logger. Records logged with a context pick up the
// execution and rule ids stored there by WithExecution and WithRule.
type Logger struct {
	*slog.Logger
}

// New returns a logger writing to stdout. format is "json" or "text";
// anything else means json.
func New(level slog.Level, format string) *Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level slog.Level, format string) *Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return &Logger{Logger: slog.New(runHandler{h})}
}

// Default wraps the process-wide slog logger.
func Default() *Logger {
	h := slog.Default().Handler()
	if _, ok := h.(runHandler); !ok {
		h = runHandler{h}
	}
	return &Logger{Logger: slog.New(h)}
}

// With returns a logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithGroup returns a logger that nests later attributes under name.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{Logger: l.Logger.WithGroup(name)}
}

// ParseLevel maps a configured level name to a slog level. Unknown names
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// SetDefault installs l as the slog default.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}

// runHandler adds the run ids found on the record's context unless the
// record already sets them.
type runHandler struct {
	slog.Handler
}

func (h runHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		return h.Handler.Handle(ctx, r)
	}
	execID, ruleID := ExecutionIDFrom(ctx), RuleIDFrom(ctx)
	if execID == "" && ruleID == "" {
		return h.Handler.Handle(ctx, r)
	}

	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case FieldExecutionID:
			execID = ""
		case FieldRuleID:
			ruleID = ""
		}
		return true
	})
	r = r.Clone()
	if execID != "" {
		r.AddAttrs(slog.String(FieldExecutionID, execID))
	}
	if ruleID != "" {
		r.AddAttrs(slog.String(FieldRuleID, ruleID))
	}
	return h.Handler.Handle(ctx, r)
}

func (h runHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return runHandler{h.Handler.WithAttrs(attrs)}
}

func (h runHandler) WithGroup(name string) slog.Handler {
	return runHandler{h.Handler.WithGroup(name)}
}
