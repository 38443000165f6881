package carbridge

import (
	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"carbridge/internal/audio"
)

// tracedLogger prepends every log call with the owning Session's trace ID
// and forwards the level and message (without the key/value pairs) to the
// OnLog callback, if one is set, in addition to the underlying Logger.
type tracedLogger struct {
	inner   Logger
	traceID string
	session *Session
}

func (l *tracedLogger) Debug(msg string, keyvals ...any) { l.emit("debug", msg, keyvals) }
func (l *tracedLogger) Info(msg string, keyvals ...any)  { l.emit("info", msg, keyvals) }
func (l *tracedLogger) Warn(msg string, keyvals ...any)  { l.emit("warn", msg, keyvals) }
func (l *tracedLogger) Error(msg string, keyvals ...any) { l.emit("error", msg, keyvals) }

func (l *tracedLogger) emit(level, msg string, keyvals []any) {
	tagged := append([]any{"trace_id", l.traceID}, keyvals...)
	switch level {
	case "debug":
		l.inner.Debug(msg, tagged...)
	case "warn":
		l.inner.Warn(msg, tagged...)
	case "error":
		l.inner.Error(msg, tagged...)
	default:
		l.inner.Info(msg, tagged...)
	}
	l.session.cbMu.RLock()
	onLog := l.session.cb.onLog
	l.session.cbMu.RUnlock()
	if onLog != nil {
		l.safeCall(onLog, level, msg)
	}
}

func (l *tracedLogger) safeCall(fn func(level, msg string), level, msg string) {
	defer func() {
		if r := recover(); r != nil {
			l.inner.Error("OnLog callback panicked", "recovered", r)
		}
	}()
	fn(level, msg)
}

// logAudioStats writes one human-readable line summarizing the audio
// engine's counters, called every statsLogInterval by the statsLoop
// goroutine Session.Start launches.
func (s *Session) logAudioStats() {
	st := s.audioEngine.StatsSnapshot()
	playing := lo.Map(st.PlayingContexts, func(c audio.Context, _ int) string { return c.String() })
	s.logger.Info("audio stats",
		"zero_packets_dropped", humanize.Comma(int64(st.ZeroPacketsDropped)),
		"playing_contexts", playing,
	)
}

// logMicrophoneStats writes one human-readable line summarizing the
// microphone uplink's counters.
func (s *Session) logMicrophoneStats() {
	st := s.MicrophoneStats()
	s.logger.Info("microphone stats",
		"state", st.State.String(),
		"read_failures", humanize.Comma(int64(st.ReadFailures)),
	)
}
