package audio

import (
	"sync"
	"time"

	"carbridge/internal/ringbuf"
)

// State is a Stream's playback lifecycle position (§3 AudioStream).
type State int

const (
	StateIdle State = iota
	StatePreFill
	StatePlaying
	StatePaused
	StateReleaseScheduled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreFill:
		return "pre_fill"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateReleaseScheduled:
		return "release_scheduled"
	default:
		return "unknown"
	}
}

// ringCapacityMs bounds how much audio a stream's ring buffer holds before
// it starts overwriting the oldest bytes.
const ringCapacityMs = 1000

// Stream is one of the engine's per-context playback pipelines.
type Stream struct {
	mu sync.Mutex

	ctx     Context
	newSink func(Context) Sink
	sink    Sink
	preFill PreFillConfig

	format    Format
	hasFormat bool
	ring      *ringbuf.Ring

	state       State
	preFilled   bool
	playStarted time.Time

	volume        float32
	lastUnderruns uint64

	// wake and drainLoop keep sink.Write off the producer's goroutine (the
	// USB read loop, via Engine.Write). A blocking platform sink (e.g.
	// PortAudio) must never stall frame decoding; only the ring buffer is
	// touched synchronously, mirroring video.Forwarder's drainLoop split.
	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newStream(ctx Context, newSink func(Context) Sink, preFill PreFillConfig) *Stream {
	s := &Stream{
		ctx:     ctx,
		newSink: newSink,
		preFill: preFill,
		state:   StateIdle,
		volume:  1.0,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.drainLoop()
	return s
}

// write implements the five-step contract (§4.5): format compare -> rebuild
// sink, resume from Paused, append to ring (overwrite-oldest), pre-fill
// gate. duckMultiplier is 1.0 for every context except Media.
func (s *Stream) write(decodeType uint32, volume, duckMultiplier float32, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	format, ok := FormatForDecodeType(decodeType)
	if !ok {
		format = Format{SampleRateHz: 16000, Channels: 1, BitsPerSample: 16}
	}

	if !s.hasFormat || format != s.format {
		if err := s.rebuildLocked(format); err != nil {
			return err
		}
	}

	if s.state == StatePaused {
		s.sink.Resume()
		s.state = StatePlaying
	}
	if s.state == StateIdle || s.state == StateReleaseScheduled {
		s.state = StatePreFill
		s.preFilled = false
	}

	s.ring.Write(pcm)
	s.volume = volume
	s.sink.SetVolume(volume * duckMultiplier)

	thresholdMs := preFillMsFor(s.ctx, format, s.preFill)
	fillMs := s.ring.FillLevelMs(format.SampleRateHz, format.Channels, format.BitsPerSample)

	if !s.preFilled {
		if fillMs < float64(thresholdMs) {
			return nil
		}
		s.preFilled = true
		s.playStarted = time.Now()
	}

	s.state = StatePlaying
	s.signalWake()
	return nil
}

// signalWake prods drainLoop to pull whatever is now buffered. The channel
// is a 1-deep coalescing signal, not a work queue: drainLoop always drains
// the ring down to empty once woken, so duplicate signals are harmless.
func (s *Stream) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drainLoop owns every call into the external sink for this stream's
// lifetime, so a sink that blocks (PortAudio's Write does) never stalls
// whichever goroutine called write().
func (s *Stream) drainLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		}
		for {
			sink, buf, ok := s.takeReady()
			if !ok {
				break
			}
			sink.Write(buf)
		}
	}
}

// takeReady returns the current sink and whatever PCM is buffered, if the
// stream is actively playing. Locks internally so drainLoop never holds the
// stream mutex across the blocking sink.Write call.
func (s *Stream) takeReady() (Sink, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePlaying || s.sink == nil || s.ring == nil {
		return nil, nil, false
	}
	n := s.ring.FillLevel()
	if n == 0 {
		return nil, nil, false
	}
	buf := make([]byte, n)
	got := s.ring.Read(buf)
	if got == 0 {
		return nil, nil, false
	}
	return s.sink, buf[:got], true
}

func (s *Stream) rebuildLocked(format Format) error {
	if s.sink != nil {
		s.sink.Close()
	}
	s.sink = s.newSink(s.ctx)
	if err := s.sink.SetFormat(format); err != nil {
		return err
	}
	s.sink.SetVolume(s.volume)
	s.format = format
	s.hasFormat = true
	s.ring = ringbuf.New(format.BytesPerMs() * ringCapacityMs)
	s.preFilled = false
	s.state = StateIdle
	return nil
}

// setVolume records ctx's standing volume and, if a sink already exists,
// applies it immediately. The next AudioData write still overrides it with
// the adapter-supplied per-packet volume (§3) — this only matters for a
// context with no sink yet, or one that's gone quiet.
func (s *Stream) setVolume(volume float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = volume
	if s.sink != nil {
		s.sink.SetVolume(volume)
	}
}

// stop implements the premature-stop suppression table: a stop arriving
// before minPlayMs has elapsed since playback began is ignored unless the
// ring has already dropped below 50 ms of buffered audio.
func (s *Stream) stop(minPlayMs int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePlaying && s.state != StatePreFill {
		return
	}

	var fillMs float64
	if s.ring != nil {
		fillMs = s.ring.FillLevelMs(s.format.SampleRateHz, s.format.Channels, s.format.BitsPerSample)
	}

	if time.Since(s.playStarted) < time.Duration(minPlayMs)*time.Millisecond && fillMs > 50 {
		return
	}

	if s.sink != nil {
		s.sink.Pause()
	}
	s.state = StatePaused
}

// checkUnderrun implements the underrun recovery rule (P8): if the sink's
// underrun count grows by at least threshold while the ring is running low,
// the pre-fill gate reopens, forcing a fresh pre-fill window.
func (s *Stream) checkUnderrun(threshold uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sink == nil {
		return
	}
	cur := s.sink.UnderrunCount()
	delta := cur - s.lastUnderruns
	s.lastUnderruns = cur
	if delta < threshold {
		return
	}

	var fillMs float64
	if s.ring != nil {
		fillMs = s.ring.FillLevelMs(s.format.SampleRateHz, s.format.Channels, s.format.BitsPerSample)
	}
	if fillMs < 50 {
		s.preFilled = false
	}
}

func (s *Stream) suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != nil {
		s.sink.Pause()
	}
	if s.state == StatePlaying || s.state == StatePreFill {
		s.state = StatePaused
	}
}

func (s *Stream) resume() {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return
	}
	if s.sink != nil {
		s.sink.Resume()
	}
	s.state = StatePlaying
	s.mu.Unlock()

	// Audio buffered while paused is still sitting in the ring; wake the
	// drain loop so it resumes flushing instead of waiting for the next
	// write() call.
	s.signalWake()
}

func (s *Stream) release() {
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != nil {
		s.sink.Close()
		s.sink = nil
	}
	s.ring = nil
	s.hasFormat = false
	s.preFilled = false
	s.state = StateReleaseScheduled
}

func (s *Stream) isPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StatePlaying
}

func (s *Stream) fillLevelMs() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring == nil {
		return 0
	}
	return s.ring.FillLevelMs(s.format.SampleRateHz, s.format.Channels, s.format.BitsPerSample)
}

func (s *Stream) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
