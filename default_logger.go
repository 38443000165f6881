package carbridge

import (
	"os"

	"github.com/charmbracelet/log"
)

// DefaultLogger returns a Logger backed by charmbracelet/log writing to
// stderr, for callers that don't want to wire up their own (the teacher
// calls stdlib log.Printf directly throughout; carbridge generalizes that
// into an injected interface and fills the default slot with a structured
// logger instead — see DESIGN.md).
func DefaultLogger() Logger {
	return &charmLogger{l: log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "carbridge",
		ReportTimestamp: true,
	})}
}

type charmLogger struct {
	l *log.Logger
}

func (c *charmLogger) Debug(msg string, keyvals ...any) { c.l.Debug(msg, keyvals...) }
func (c *charmLogger) Info(msg string, keyvals ...any)  { c.l.Info(msg, keyvals...) }
func (c *charmLogger) Warn(msg string, keyvals ...any)  { c.l.Warn(msg, keyvals...) }
func (c *charmLogger) Error(msg string, keyvals ...any) { c.l.Error(msg, keyvals...) }
