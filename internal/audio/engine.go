// Package audio implements the per-context playback engine (§3 AudioStream,
// §4.5, §4.6) plus the zero-packet filter and header-view slicing discipline
// (§4.5/§4.6 C10 tie-ins). One Engine owns up to four Streams, one per
// Context, created lazily on first write.
package audio

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// underrunTickInterval is how often the recovery goroutine polls each
// stream's sink for new underruns, grounded on the teacher's 20 ms playback
// cadence.
const underrunTickInterval = 20 * time.Millisecond

// defaultUnderrunThreshold is how many new underruns within one low-fill
// window force a pre-fill reset (P8).
const defaultUnderrunThreshold = 10

// EngineConfig holds every Engine tunable threaded in from carbridge.Config
// rather than hardcoded, so a caller can retune pre-fill/underrun/suppression
// behavior without editing this package.
type EngineConfig struct {
	PreFill           PreFillConfig
	MinPlayMs         map[Context]int
	UnderrunThreshold uint64
}

// DefaultEngineConfig mirrors the values this package used before EngineConfig
// existed.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PreFill:           DefaultPreFillConfig,
		MinPlayMs:         DefaultMinPlayMs,
		UnderrunThreshold: defaultUnderrunThreshold,
	}
}

// Stats is a point-in-time snapshot of the engine's counters.
type Stats struct {
	ZeroPacketsDropped uint64
	PlayingContexts     []Context
}

// Engine owns every per-context audio stream and the ducking level applied
// to Media.
type Engine struct {
	mu      sync.Mutex
	streams map[Context]*Stream
	newSink func(Context) Sink

	duckLevel atomic.Uint32 // float32 bits; 1.0 = no ducking

	zeroDropped       atomic.Uint64
	zeroDropLogEvery  uint64
	underrunThreshold uint64

	minPlayMs map[Context]int
	preFill   PreFillConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine returns an Engine whose streams are built lazily via newSink
// when first written to, tuned by cfg.
func NewEngine(newSink func(Context) Sink, cfg EngineConfig) *Engine {
	if cfg.MinPlayMs == nil {
		cfg.MinPlayMs = DefaultMinPlayMs
	}
	if cfg.UnderrunThreshold == 0 {
		cfg.UnderrunThreshold = defaultUnderrunThreshold
	}
	if cfg.PreFill == (PreFillConfig{}) {
		cfg.PreFill = DefaultPreFillConfig
	}
	e := &Engine{
		streams:           make(map[Context]*Stream),
		newSink:           newSink,
		zeroDropLogEvery:  50,
		underrunThreshold: cfg.UnderrunThreshold,
		minPlayMs:         cfg.MinPlayMs,
		preFill:           cfg.PreFill,
		stopCh:            make(chan struct{}),
	}
	e.duckLevel.Store(math.Float32bits(1.0))
	e.wg.Add(1)
	go e.underrunLoop()
	return e
}

func (e *Engine) streamFor(ctx Context) *Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[ctx]
	if !ok {
		s = newStream(ctx, e.newSink, e.preFill)
		e.streams[ctx] = s
	}
	return s
}

// SetVolume sets ctx's standing volume, applied immediately if a sink
// already exists for it (§4.9 C9 set_audio_volume).
func (e *Engine) SetVolume(ctx Context, volume float32) {
	e.streamFor(ctx).setVolume(volume)
}

// Write implements the audio ingestion contract. pcm must be the exact
// payload[12:] view from the parsed AudioData message — the header-view
// discipline is the caller's responsibility (message.AudioData already
// returns it that way); Write never copies pcm before the zero-packet
// check, and only copies it into the ring's backing array, never back out
// with header bytes attached.
func (e *Engine) Write(ctx Context, decodeType uint32, volume float32, pcm []byte) error {
	if isZeroPacket(pcm) {
		n := e.zeroDropped.Add(1)
		if n%e.zeroDropLogEvery == 0 {
			// This package has no logger or log callback, so nothing is
			// emitted on every 50th drop; the running count is exposed only
			// through StatsSnapshot.
		}
		return nil
	}

	duck := float32(1.0)
	if ctx == ContextMedia {
		duck = math.Float32frombits(e.duckLevel.Load())
	}

	return e.streamFor(ctx).write(decodeType, volume, duck, pcm)
}

// StopStream requests the stream for ctx pause, subject to the premature-
// stop suppression window for that context.
func (e *Engine) StopStream(ctx Context) {
	e.streamFor(ctx).stop(e.minPlayMs[ctx])
}

// SetDucking sets the Media stream's ducking multiplier in [0.0, 1.0].
// Every other context is unaffected.
func (e *Engine) SetDucking(level float32) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	e.duckLevel.Store(math.Float32bits(level))
}

// SuspendAll pauses every stream's sink without releasing buffered audio.
func (e *Engine) SuspendAll() {
	e.mu.Lock()
	streams := make([]*Stream, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	e.mu.Unlock()
	for _, s := range streams {
		s.suspend()
	}
}

// ResumeAll resumes every paused stream.
func (e *Engine) ResumeAll() {
	e.mu.Lock()
	streams := make([]*Stream, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	e.mu.Unlock()
	for _, s := range streams {
		s.resume()
	}
}

// IsPlaying reports whether any context is currently in the Playing state.
func (e *Engine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.streams {
		if s.isPlaying() {
			return true
		}
	}
	return false
}

// StatsSnapshot returns the engine's current counters.
func (e *Engine) StatsSnapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{ZeroPacketsDropped: e.zeroDropped.Load()}
	for ctx, s := range e.streams {
		if s.isPlaying() {
			st.PlayingContexts = append(st.PlayingContexts, ctx)
		}
	}
	return st
}

// Release tears down every stream and its sink. Used only from Session
// teardown or an explicit reset; not part of the ordinary pause/resume
// cycle.
func (e *Engine) Release() {
	close(e.stopCh)
	e.wg.Wait()

	e.mu.Lock()
	streams := e.streams
	e.streams = make(map[Context]*Stream)
	e.mu.Unlock()

	for _, s := range streams {
		s.release()
	}
}

func (e *Engine) underrunLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(underrunTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.mu.Lock()
			streams := make([]*Stream, 0, len(e.streams))
			for _, s := range e.streams {
				streams = append(streams, s)
			}
			e.mu.Unlock()
			for _, s := range streams {
				s.checkUnderrun(e.underrunThreshold)
			}
		}
	}
}
