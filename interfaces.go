package carbridge

import (
	"carbridge/internal/audio"
	"carbridge/internal/mic"
	"carbridge/internal/session"
	"carbridge/internal/video"
)

// Transport is the USB bulk transport collaborator (§6.1): open/close/reset
// the device and send framed bytes out. usbtransport.Transport is the
// production implementation; tests inject a fake.
type Transport = session.Transport

// TransportSource is the framed byte source a Transport's connection reads
// from, typically Transport.(*usbtransport.Transport).ByteSource().
type TransportSource = session.ByteSource

// AudioSink is the external playback collaborator for one audio context
// (§6.3). platform/portaudio provides a reference implementation.
type AudioSink = audio.Sink

// MicSource is the external microphone capture collaborator (§6.3).
type MicSource = mic.Source

// VideoDecoder is the external H.264 consumer (§6.3).
type VideoDecoder = video.Decoder

// Preferences is a narrow key/value persistence collaborator (§6.3, C11).
// carbridge never implements persistence itself — Non-goals exclude it —
// but every call site goes through this interface rather than a global.
type Preferences interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// Logger is the structured logging collaborator every component writes
// through instead of a package-level logger (Design Notes §9: "global
// singletons become session-scoped"). DefaultLogger wraps
// github.com/charmbracelet/log for callers that don't want to provide
// their own.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// noopLogger discards everything; used when Dependencies.Logger is nil and
// the caller hasn't opted into DefaultLogger.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// noopPreferences answers every Get with not-found and every Set with nil.
type noopPreferences struct{}

func (noopPreferences) Get(string) (string, bool) { return "", false }
func (noopPreferences) Set(string, string) error  { return nil }

// noopSink discards every write; used as the default AudioSinkFactory
// result when a Session is built without a real playback collaborator.
type noopSink struct{}

func (noopSink) SetFormat(audio.Format) error { return nil }
func (noopSink) Write(pcm []byte) (int, error) { return len(pcm), nil }
func (noopSink) SetVolume(float32)             {}
func (noopSink) Pause()                        {}
func (noopSink) Resume()                       {}
func (noopSink) UnderrunCount() uint64         { return 0 }
func (noopSink) Close() error                  { return nil }

// noopMicSource never authorizes capture, so the microphone uplink simply
// never arms when no real Source is injected.
type noopMicSource struct{}

func (noopMicSource) Read([]byte) (int, error) { return 0, nil }
func (noopMicSource) HasPermission() bool      { return false }
func (noopMicSource) Close() error             { return nil }

// noopDecoder discards every frame; used when a Session is built without a
// real video decoder.
type noopDecoder struct{}

func (noopDecoder) Decode(video.Frame) error { return nil }
