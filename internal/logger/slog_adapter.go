package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// NewSlogHandler returns a slog.Handler that forwards records to l. The CLI
// installs it as the slog default so SDK log output lands in the log file
// instead of the terminal. Returns nil when l is nil.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &slogAdapter{log: l}
}

type slogAdapter struct {
	log    *Logger
	groups []string
	attrs  []string
}

func (h *slogAdapter) Enabled(_ context.Context, level slog.Level) bool {
	return h.log.Enabled(fromSlogLevel(level))
}

func (h *slogAdapter) Handle(_ context.Context, record slog.Record) error {
	parts := make([]string, 0, 1+len(h.attrs)+record.NumAttrs())
	if record.Message != "" {
		parts = append(parts, record.Message)
	}
	parts = append(parts, h.attrs...)
	record.Attrs(func(attr slog.Attr) bool {
		parts = appendAttr(parts, h.groups, attr)
		return true
	})

	h.log.log(fromSlogLevel(record.Level), "%s", strings.Join(parts, " "))
	return nil
}

func (h *slogAdapter) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &slogAdapter{
		log:    h.log,
		groups: h.groups,
		attrs:  append([]string(nil), h.attrs...),
	}
	for _, attr := range attrs {
		next.attrs = appendAttr(next.attrs, h.groups, attr)
	}
	return next
}

func (h *slogAdapter) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogAdapter{
		log:    h.log,
		groups: append(append([]string(nil), h.groups...), name),
		attrs:  h.attrs,
	}
}

func fromSlogLevel(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

func appendAttr(parts []string, groups []string, attr slog.Attr) []string {
	if attr.Equal(slog.Attr{}) {
		return parts
	}
	if attr.Value.Kind() == slog.KindGroup {
		nested := append(append([]string(nil), groups...), attr.Key)
		for _, child := range attr.Value.Group() {
			parts = appendAttr(parts, nested, child)
		}
		return parts
	}

	key := attr.Key
	if key == "" {
		key = "attr"
	}
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	return append(parts, fmt.Sprintf("%s=%v", key, attr.Value))
}
