package logadapter

import (
	"context"
	"log"
	"log/slog"
	"strings"
)

// New returns a *log.Logger that writes each line through base. A leading
// "error:" or "warn:" tag selects the slog level and is stripped from the
// message.
func New(base *slog.Logger) *log.Logger {
	return log.New(&writer{logger: base}, "", 0)
}

// NewComponent is New with a component attribute attached to every record.
func NewComponent(base *slog.Logger, component string) *log.Logger {
	return New(base.With(slog.String("component", component)))
}

type writer struct {
	logger *slog.Logger
}

func (w *writer) Write(p []byte) (int, error) {
	msg := strings.TrimSuffix(string(p), "\n")
	level, msg := splitLevel(msg)
	w.logger.Log(context.Background(), level, msg)
	return len(p), nil
}

func splitLevel(msg string) (slog.Level, string) {
	switch {
	case strings.HasPrefix(msg, "error:"):
		return slog.LevelError, strings.TrimSpace(msg[len("error:"):])
	case strings.HasPrefix(msg, "warn:"):
		return slog.LevelWarn, strings.TrimSpace(msg[len("warn:"):])
	case strings.HasPrefix(msg, "debug:"):
		return slog.LevelDebug, strings.TrimSpace(msg[len("debug:"):])
	}
	return slog.LevelInfo, msg
}
