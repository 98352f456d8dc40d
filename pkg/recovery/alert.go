package recovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// Alert is a session-impacting event surfaced to the operator.
type Alert struct {
	Time    time.Time
	Level   Level
	Episode string
	Tokens  int64
	Message string
	// Severity is slog.LevelWarn for level 3 and slog.LevelError for
	// level 4.
	Severity slog.Level
}

// Alerter delivers alerts synchronously.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// LogAlerter logs alerts and echoes them as one line to a writer.
type LogAlerter struct {
	Logger *slog.Logger
	Out    io.Writer
}

// NewLogAlerter returns an alerter writing to the default logger and stderr.
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{Logger: logger, Out: os.Stderr}
}

// Alert implements Alerter.
func (l *LogAlerter) Alert(ctx context.Context, a Alert) {
	l.Logger.Log(ctx, a.Severity, a.Message,
		"component", "recovery",
		"episode", a.Episode,
		"level", int(a.Level),
		"tokens", a.Tokens,
	)
	if l.Out != nil {
		label := "WARNING"
		if a.Severity >= slog.LevelError {
			label = "CRITICAL"
		}
		_, _ = fmt.Fprintf(l.Out, "contextguard %s: %s (level %d, %d tokens)\n", label, a.Message, a.Level, a.Tokens)
	}
}
