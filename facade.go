// Package carbridge is the host-side driver for a wireless CarPlay/Android
// Auto USB adapter: USB bulk transport framing, the typed message protocol,
// H.264 video forwarding, multi-context PCM audio, a microphone uplink,
// touch/key input, and the adapter connection state machine.
//
// Session is the only type outer application code touches (C9 Adapter
// Facade); every other exported symbol exists to configure or observe it.
package carbridge

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"carbridge/internal/audio"
	"carbridge/internal/message"
	"carbridge/internal/mic"
	"carbridge/internal/session"
	"carbridge/internal/usbtransport"
	"carbridge/internal/video"
)

// Dependencies are the external collaborators a Session needs. Every field
// is optional: a nil Transport falls back to the real USB transport, and the
// other nil collaborators fall back to inert defaults so a Session can be
// constructed and driven in tests without a real adapter attached.
type Dependencies struct {
	// Transport is the USB bulk transport. If nil, usbtransport.New() gives
	// the real implementation. Tests inject a fake satisfying the narrow
	// Transport interface instead of a real USB device.
	Transport Transport

	// Source is the framed byte source Transport's connection reads from.
	// If nil alongside a nil Transport, it defaults to the real transport's
	// own ByteSource(); a fake Transport must supply its own Source too.
	Source TransportSource

	// AudioSinkFactory builds the playback collaborator for one audio
	// context, created lazily on first write to that context.
	AudioSinkFactory func(audio.Context) AudioSink

	// MicSource is the microphone capture collaborator. If nil, the
	// microphone uplink is disabled entirely (HasMicrophonePermission
	// always reports false).
	MicSource MicSource

	// VideoDecoder receives forwarded H.264 frames.
	VideoDecoder VideoDecoder

	Preferences Preferences
	Logger      Logger
}

// Session drives one adapter connection end to end. It mirrors the
// teacher's App/Transporter split: a thin struct delegating to
// session.Controller, audio.Engine, mic.Uplink, video.Forwarder, and
// usbtransport.Transport, with callback setters instead of exported fields.
type Session struct {
	cfg  Config
	deps Dependencies

	// traceID tags every log line this Session emits, so logs from several
	// concurrently-open Sessions in the same process can be told apart.
	traceID string

	logger      Logger
	preferences Preferences

	transport   Transport
	source      TransportSource
	controller  *session.Controller
	audioEngine *audio.Engine
	micUplink   *mic.Uplink
	videoFwd    *video.Forwarder
	status      *StatusMonitor
	media       mediaRetention

	cbMu sync.RWMutex
	cb   callbacks

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New constructs a Session wired per cfg and deps. The adapter connection is
// not started; call Start.
func New(cfg Config, deps Dependencies) *Session {
	s := &Session{cfg: cfg, deps: deps, traceID: uuid.NewString()}

	base := deps.Logger
	if base == nil {
		base = noopLogger{}
	}
	s.logger = &tracedLogger{inner: base, traceID: s.traceID, session: s}
	s.preferences = deps.Preferences
	if s.preferences == nil {
		s.preferences = noopPreferences{}
	}

	s.transport = deps.Transport
	s.source = deps.Source
	if s.transport == nil {
		real := usbtransport.New()
		s.transport = real
		if s.source == nil {
			s.source = real.ByteSource()
		}
	}

	sinkFactory := deps.AudioSinkFactory
	if sinkFactory == nil {
		sinkFactory = func(audio.Context) AudioSink { return noopSink{} }
	}
	s.audioEngine = audio.NewEngine(sinkFactory, audio.EngineConfig{
		PreFill: audio.PreFillConfig{
			DefaultMs:       cfg.PreFillMsDefault,
			NavigationMs:    cfg.PreFillMsNavigation,
			MediaHighRateMs: cfg.PreFillMsMediaHighRate,
		},
		MinPlayMs:         cfg.MinPlayMs,
		UnderrunThreshold: uint64(cfg.UnderrunRecoveryThreshold),
	})

	micSource := deps.MicSource
	if micSource == nil {
		micSource = noopMicSource{}
	}
	s.micUplink = mic.New(micSource)
	s.micUplink.Send = s.sendMicChunk
	s.micUplink.OnLog = func(m string) { s.logger.Warn(m) }

	decoder := deps.VideoDecoder
	if decoder == nil {
		decoder = noopDecoder{}
	}
	s.videoFwd = video.New(decoder, video.Config{
		BackpressureThreshold: cfg.VideoBackpressureThreshold,
		TargetQueueDepth:      cfg.VideoTargetQueueDepth,
	})

	s.status = NewStatusMonitor(time.Duration(cfg.RecentAudioActivityWindowMs) * time.Millisecond)

	s.controller = session.New(session.Dependencies{
		Transport:       s.transport,
		Source:          s.source,
		OpenPayload:     encodeOpenPayload(cfg),
		PairTimeout:     time.Duration(cfg.PairTimeoutMs) * time.Millisecond,
		HeartbeatPeriod: time.Duration(cfg.HeartbeatPeriodMs) * time.Millisecond,
		FrameInterval:   frameInterval(cfg),
		MaxRetries:      cfg.MaxRetries,
		Classify:        usbtransport.Classify,
		OnStateChanged: func(st session.State, err error) {
			if st == session.StateConnected {
				s.status.SetConnectionType(ConnectionWired)
				s.audioEngine.ResumeAll()
			}
			s.dispatchStateChanged(st, classifyTransportErr(err))
		},
		OnMessage: s.onInboundMessage,
	})
	s.videoFwd.OnFirstFrame = s.controller.NotifyFirstFrame

	if v, ok := s.preferences.Get(prefAudioEnabled); ok && v == "false" {
		s.audioEngine.SuspendAll()
	}

	return s
}

// prefAudioEnabled is the Preferences key SetAudioEnabled persists under, so
// a muted adapter stays muted across process restarts.
const prefAudioEnabled = "carbridge.audio_enabled"

// frameInterval derives the session's frame-trigger cadence: an explicit
// FrameIntervalMs wins, otherwise it's derived from FPS, otherwise the
// session controller falls back to its own default.
func frameInterval(cfg Config) time.Duration {
	if cfg.FrameIntervalMs > 0 {
		return time.Duration(cfg.FrameIntervalMs) * time.Millisecond
	}
	if cfg.FPS > 0 {
		return time.Second / time.Duration(cfg.FPS)
	}
	return 0
}

// classifyTransportErr turns the session controller's route-tagged
// TransportError into a *SessionError with a §7 Kind, so OnStateChanged
// observers can branch on errors.As instead of string matching. Errors the
// controller didn't wrap (e.g. nil) pass through unchanged.
func classifyTransportErr(err error) error {
	if err == nil {
		return nil
	}
	var te *session.TransportError
	if !errors.As(err, &te) {
		return err
	}
	switch te.Route {
	case usbtransport.RouteFatal:
		return newSessionError(KindPermissionDenied, te.Err)
	case usbtransport.RouteDeviceGone:
		return newSessionError(KindTransportClosed, te.Err)
	default:
		return newSessionError(KindTransportTimeout, te.Err)
	}
}

func encodeOpenPayload(cfg Config) []byte {
	buf := make([]byte, 28)
	binary.LittleEndian.PutUint32(buf[0:], cfg.ScreenWidth)
	binary.LittleEndian.PutUint32(buf[4:], cfg.ScreenHeight)
	binary.LittleEndian.PutUint32(buf[8:], cfg.FPS)
	binary.LittleEndian.PutUint32(buf[12:], 5) // format: fixed H.264 decode format
	binary.LittleEndian.PutUint32(buf[16:], 65536)
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint32(buf[24:], uint32(cfg.PhoneType))
	return buf
}

// onInboundMessage is the session controller's single dispatch point for
// every parsed adapter message (§4.3): audio/video fan out to their
// engines, status-bearing messages update the StatusMonitor, and everything
// reaches the intercepted-message callback regardless.
func (s *Session) onInboundMessage(msg message.Message) {
	s.status.Observe(msg)

	switch m := msg.(type) {
	case message.AudioData:
		if !m.IsCommand && !m.IsDuckingSignal {
			_ = s.audioEngine.Write(audio.Context(m.AudioType), m.DecodeType, m.Volume, m.Rest)
		} else if m.IsDuckingSignal {
			s.audioEngine.SetDucking(clamp01(m.Volume))
		} else {
			s.handleAudioCommand(audio.Context(m.AudioType), m.Command)
		}
	case message.VideoData:
		s.videoFwd.Push(video.Frame{Width: m.Width, Height: m.Height, Flags: m.Flags, H264: m.H264})
	case message.MediaData:
		s.dispatchMediaInfo(s.media.merge(m))
	case message.Unplugged:
		// A logical unplug suspends every context immediately (§4.5
		// Scenario 3); ResumeAll happens once the reconnect completes, in
		// OnStateChanged's StateConnected case above.
		s.audioEngine.SuspendAll()
	}

	s.dispatchMessageIntercepted(msg)
}

func clamp01(f float32) float32 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// handleAudioCommand maps the adapter's AudioCmd* stream-lifecycle commands
// onto the engine and microphone uplink (§3 MicrophoneUplink, §4.6).
func (s *Session) handleAudioCommand(ctx audio.Context, cmd message.AudioCommand) {
	switch cmd {
	case message.AudioCmdOutputStop, message.AudioCmdMediaStop, message.AudioCmdNaviStop,
		message.AudioCmdAlertStop:
		s.audioEngine.StopStream(ctx)
	case message.AudioCmdSiriStart, message.AudioCmdPhoneCallStart:
		s.micUplink.Start()
	case message.AudioCmdSiriStop, message.AudioCmdPhoneCallStop:
		if cmd == message.AudioCmdPhoneCallStop {
			s.audioEngine.StopStream(ctx)
		}
		s.micUplink.Stop()
	}
}

// sendMicChunk frames one captured PCM chunk as an outbound AudioData
// payload using the microphone's fixed validated parameters (§4.6).
func (s *Session) sendMicChunk(pcm []byte) error {
	payload := make([]byte, 12+len(pcm))
	binary.LittleEndian.PutUint32(payload[0:], mic.Params.DecodeType)
	binary.LittleEndian.PutUint32(payload[4:], math.Float32bits(mic.Params.Volume))
	binary.LittleEndian.PutUint32(payload[8:], mic.Params.AudioType)
	copy(payload[12:], pcm)
	return s.controller.Send(uint32(message.TypeSendAudio), payload)
}

// statsLogInterval is how often Start's background goroutine writes a
// summary line for the audio and microphone counters.
const statsLogInterval = 30 * time.Second

// Start begins device discovery and the connection lifecycle. Idempotent.
func (s *Session) Start() {
	if s.runCancel != nil {
		s.runCancel() // a repeated Start must not leave a second statsLoop running
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.controller.Start(s.runCtx)
	go s.statsLoop(s.runCtx)
}

func (s *Session) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logAudioStats()
			s.logMicrophoneStats()
		}
	}
}

// Stop tears down the connection, audio engine underrun loop unaffected
// (call Dispose to release that too).
func (s *Session) Stop() {
	s.micUplink.Stop()
	s.controller.Stop()
	if s.runCancel != nil {
		s.runCancel()
	}
}

// Restart stops and immediately starts a fresh connection attempt.
func (s *Session) Restart() {
	s.Stop()
	s.Start()
}

// Dispose releases every owned resource: the connection, the audio engine's
// background goroutine, and the video forwarder's drain loop. The Session
// must not be used afterward.
func (s *Session) Dispose() {
	s.Stop()
	s.audioEngine.Release()
	s.videoFwd.Close()
}

// SendTouch sends a single-point touch event.
func (s *Session) SendTouch(action, x, y, flags uint32) error {
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint32(payload[0:], action)
	binary.LittleEndian.PutUint32(payload[4:], x)
	binary.LittleEndian.PutUint32(payload[8:], y)
	binary.LittleEndian.PutUint32(payload[12:], flags)
	return s.controller.Send(uint32(message.TypeTouch), payload)
}

// MultiTouchPoint is one point in a SendMultiTouch call.
type MultiTouchPoint struct {
	Action uint32
	X, Y   float32 // 0..1
	ID     uint32
}

// SendMultiTouch sends zero or more simultaneous touch points.
func (s *Session) SendMultiTouch(points []MultiTouchPoint) error {
	payload := make([]byte, 16*len(points))
	for i, p := range points {
		off := i * 16
		binary.LittleEndian.PutUint32(payload[off:], p.Action)
		binary.LittleEndian.PutUint32(payload[off+4:], math.Float32bits(p.X))
		binary.LittleEndian.PutUint32(payload[off+8:], math.Float32bits(p.Y))
		binary.LittleEndian.PutUint32(payload[off+12:], p.ID)
	}
	return s.controller.Send(uint32(message.TypeMultiTouch), payload)
}

// SendKey sends a key command (a 4-byte command ID, §6.2 TypeCommand).
func (s *Session) SendKey(command uint32) error {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, command)
	return s.controller.Send(uint32(message.TypeCommand), payload)
}

// SendMessage sends a raw message of msgType with an arbitrary payload, for
// callers that need direct protocol access beyond the typed helpers.
func (s *Session) SendMessage(msgType uint32, payload []byte) error {
	return s.controller.Send(msgType, payload)
}

// State returns the connection's current lifecycle state.
func (s *Session) State() session.State { return s.controller.State() }

// Status returns a snapshot of passively observed adapter status.
func (s *Session) Status() StatusSnapshot { return s.status.Snapshot() }

// SetAudioEnabled suspends or resumes every audio stream without releasing
// buffered audio or sinks.
func (s *Session) SetAudioEnabled(enabled bool) {
	if enabled {
		s.audioEngine.ResumeAll()
	} else {
		s.audioEngine.SuspendAll()
	}
	if err := s.preferences.Set(prefAudioEnabled, strconv.FormatBool(enabled)); err != nil {
		s.logger.Warn("persist audio_enabled preference failed", "err", err.Error())
	}
}

// SetAudioVolume sets ctx's standing volume (§4.9 C9). Per-context volume
// also arrives from the adapter in every AudioData payload, so a call here
// is visible immediately but gets superseded the next time that context
// receives one.
func (s *Session) SetAudioVolume(ctx audio.Context, volume float32) {
	s.audioEngine.SetVolume(ctx, volume)
}

// SetAudioDucking sets the Media stream's ducking multiplier (§3 Ducking).
func (s *Session) SetAudioDucking(level float32) { s.audioEngine.SetDucking(level) }

// IsAudioPlaying reports whether any context is currently playing.
func (s *Session) IsAudioPlaying() bool { return s.audioEngine.IsPlaying() }

// AudioStats returns the audio engine's current counters.
func (s *Session) AudioStats() audio.Stats { return s.audioEngine.StatsSnapshot() }

// StopAudioStream requests the given context's stream pause, subject to the
// premature-stop suppression window (P5).
func (s *Session) StopAudioStream(ctx audio.Context) { s.audioEngine.StopStream(ctx) }

// SetMicrophoneEnabled starts or stops the microphone uplink.
func (s *Session) SetMicrophoneEnabled(enabled bool) {
	if enabled {
		s.micUplink.Start()
	} else {
		s.micUplink.Stop()
	}
}

// HasMicrophonePermission reports whether the injected MicSource currently
// authorizes capture.
func (s *Session) HasMicrophonePermission() bool {
	return s.deps.MicSource != nil && s.deps.MicSource.HasPermission()
}

// MicrophoneStats reports the uplink's current state and transient read
// failure count.
type MicrophoneStats struct {
	State        mic.State
	ReadFailures uint64
}

// MicrophoneStats returns the microphone uplink's current state.
func (s *Session) MicrophoneStats() MicrophoneStats {
	return MicrophoneStats{State: s.micUplink.State(), ReadFailures: s.micUplink.ReadFailures()}
}

