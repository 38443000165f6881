// Package mic implements the microphone uplink state machine: arming,
// warm-up suppression, 20ms-cadence capture draining, and framing captured
// PCM back out as SendAudio messages (§3, §4.6).
package mic

import (
	"sync"
	"sync/atomic"
	"time"

	"carbridge/internal/audio"
	"carbridge/internal/ringbuf"
)

// State is the uplink's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateArming
	StateCapturing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArming:
		return "arming"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Source is the external microphone collaborator (§6.3 MicSource).
type Source interface {
	// Read fills p with captured PCM samples, returning the number of bytes
	// read. A transient read failure should return (0, err); the uplink
	// counts and logs it without tearing down the session.
	Read(p []byte) (int, error)
	// HasPermission reports whether capture is currently authorized.
	HasPermission() bool
	Close() error
}

// Params are the fixed, validated microphone parameters (§4.6, Open
// Questions): decode_type=5, audio_type=3, volume=0.0. The older
// decode_type=3/audio_type=2 pair from Open Questions is not implemented.
var Params = struct {
	DecodeType uint32
	AudioType  uint32
	Volume     float32
}{DecodeType: 5, AudioType: 3, Volume: 0.0}

// warmupChunks is how many captured chunks are discarded immediately after
// arming, before the uplink starts forwarding audio (§4.6).
const warmupChunks = 5

// sendInterval is the cadence at which buffered capture is drained and
// framed as SendAudio (20 ms, 50 Hz — grounded on the teacher's playback
// tick cadence).
const sendInterval = 20 * time.Millisecond

// minRingMs is the minimum capture ring capacity (>= 500 ms, §4.6).
const minRingMs = 500

// Uplink drives one capture session against a Source, emitting framed audio
// via Send.
type Uplink struct {
	mu     sync.Mutex
	source Source
	ring   *ringbuf.Ring
	format audio.Format

	state         atomic.Int32
	warmupCounter int

	readFailures atomic.Uint64

	// Send is called with raw PCM chunks ready to frame as a SendAudio
	// message. The uplink itself never touches the wire protocol.
	Send func(pcm []byte) error
	// OnLog, if set, receives diagnostic messages (read failures, permission
	// denial). Never called with a panic-propagating closure.
	OnLog func(msg string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns an Uplink capturing via source, sized for minRingMs of audio
// at the fixed capture format (16kHz mono 16-bit, decode_type 5).
func New(source Source) *Uplink {
	format, _ := audio.FormatForDecodeType(Params.DecodeType)
	u := &Uplink{
		source: source,
		format: format,
		ring:   ringbuf.New(format.BytesPerMs() * minRingMs),
	}
	u.state.Store(int32(StateIdle))
	return u
}

// State returns the uplink's current lifecycle state.
func (u *Uplink) State() State {
	return State(u.state.Load())
}

// Start arms the uplink. It is idempotent: calling Start while already
// armed or capturing is a no-op.
func (u *Uplink) Start() {
	if !u.source.HasPermission() {
		u.logf("microphone: permission denied, capture refused")
		return
	}
	if State(u.state.Load()) != StateIdle {
		return
	}

	u.mu.Lock()
	u.warmupCounter = warmupChunks
	u.ring.Reset()
	u.mu.Unlock()

	u.state.Store(int32(StateArming))
	u.stopCh = make(chan struct{})
	u.wg.Add(2)
	go u.captureLoop()
	go u.sendLoop()
}

// Stop ends capture. Safe to call even if not currently capturing.
func (u *Uplink) Stop() {
	if State(u.state.Load()) == StateIdle {
		return
	}
	u.state.Store(int32(StateStopping))
	close(u.stopCh)
	u.wg.Wait()
	u.state.Store(int32(StateIdle))
}

// ReadFailures returns the count of transient Source.Read errors seen so
// far.
func (u *Uplink) ReadFailures() uint64 {
	return u.readFailures.Load()
}

func (u *Uplink) logf(msg string) {
	if u.OnLog != nil {
		u.OnLog(msg)
	}
}

func (u *Uplink) captureLoop() {
	defer u.wg.Done()
	chunk := make([]byte, u.format.BytesPerMs()*20) // one 20ms chunk

	for {
		select {
		case <-u.stopCh:
			return
		default:
		}

		n, err := u.source.Read(chunk)
		if err != nil {
			u.readFailures.Add(1)
			u.logf("microphone: read failed: " + err.Error())
			continue
		}
		if n == 0 {
			continue
		}

		u.mu.Lock()
		if u.warmupCounter > 0 {
			u.warmupCounter--
			if u.warmupCounter == 0 {
				u.state.Store(int32(StateCapturing))
			}
			u.mu.Unlock()
			continue
		}
		u.ring.Write(chunk[:n])
		u.mu.Unlock()
	}
}

func (u *Uplink) sendLoop() {
	defer u.wg.Done()
	ticker := time.NewTicker(sendInterval)
	defer ticker.Stop()

	chunkBytes := u.format.BytesPerMs() * 20

	for {
		select {
		case <-u.stopCh:
			return
		case <-ticker.C:
			if State(u.state.Load()) != StateCapturing {
				continue
			}
			u.mu.Lock()
			if u.ring.FillLevel() < chunkBytes {
				u.mu.Unlock()
				continue
			}
			buf := make([]byte, chunkBytes)
			u.ring.Read(buf)
			u.mu.Unlock()

			if u.Send != nil {
				if err := u.Send(buf); err != nil {
					u.logf("microphone: send failed: " + err.Error())
				}
			}
		}
	}
}
