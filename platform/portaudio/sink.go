// Package portaudio provides a reference AudioSink/MicSource binding over
// github.com/gordonklaus/portaudio, for callers that don't bring their own
// platform audio layer.
package portaudio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"carbridge/internal/audio"
)

// frameMs is the fixed PortAudio buffer size, in milliseconds of audio, used
// for every opened stream regardless of context.
const frameMs = 20

// Sink is an audio.Sink backed by one PortAudio output stream, reopened
// whenever SetFormat negotiates a new sample rate/channel count.
type Sink struct {
	deviceID int

	mu      sync.Mutex
	stream  *portaudio.Stream
	buf     []float32
	format  audio.Format
	pending []byte // bytes carried over between Write calls, not yet a full frame

	volume  atomic.Uint32 // float32 bits
	started atomic.Bool

	underruns atomic.Uint64
}

// NewSink returns a Sink targeting deviceID, or the system default output
// device if deviceID is negative.
func NewSink(deviceID int) *Sink {
	s := &Sink{deviceID: deviceID}
	s.volume.Store(math.Float32bits(1.0))
	return s
}

// SetFormat (re)opens the underlying PortAudio stream at f's sample rate and
// channel count. Safe to call while already playing; the old stream is
// closed first (grounded on the teacher's Start/Stop open-then-close
// ordering in client/audio.go).
func (s *Sink) SetFormat(f audio.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		s.stream.Stop()
		s.stream.Close()
		s.stream = nil
	}

	dev, err := resolveOutputDevice(s.deviceID)
	if err != nil {
		return fmt.Errorf("portaudio: resolve output device: %w", err)
	}

	framesPerBuffer := int(f.SampleRateHz) * frameMs / 1000
	s.buf = make([]float32, framesPerBuffer*int(f.Channels))
	s.pending = nil

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: int(f.Channels),
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(f.SampleRateHz),
		FramesPerBuffer: framesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, s.buf)
	if err != nil {
		return fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("portaudio: start output stream: %w", err)
	}

	s.stream = stream
	s.format = f
	s.started.Store(true)
	return nil
}

// Write converts pcm (raw little-endian 16-bit samples) to float32 and
// writes full PortAudio frames, carrying any partial trailing frame over to
// the next call.
func (s *Sink) Write(pcm []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return 0, fmt.Errorf("portaudio: sink has no format negotiated yet")
	}

	data := pcm
	if len(s.pending) > 0 {
		data = append(append([]byte(nil), s.pending...), pcm...)
	}

	frameBytes := len(s.buf) * 2 // int16 = 2 bytes/sample
	vol := math.Float32frombits(s.volume.Load())

	for len(data) >= frameBytes {
		pcm16LEToFloat32(data[:frameBytes], s.buf, vol)
		if err := s.stream.Write(); err != nil {
			s.underruns.Add(1)
		}
		data = data[frameBytes:]
	}
	s.pending = append([]byte(nil), data...)
	return len(pcm), nil
}

// SetVolume applies a linear gain multiplier to every subsequent Write.
func (s *Sink) SetVolume(v float32) {
	if v < 0 {
		v = 0
	}
	s.volume.Store(math.Float32bits(v))
}

// Pause stops the PortAudio stream without closing it, so Resume can
// restart quickly (grounded on the teacher's Stop()'s "stop before close"
// sequencing, applied to a pause rather than a full teardown).
func (s *Sink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil && s.started.CompareAndSwap(true, false) {
		s.stream.Stop()
	}
}

// Resume restarts a paused stream.
func (s *Sink) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil && s.started.CompareAndSwap(false, true) {
		s.stream.Start()
	}
}

// UnderrunCount returns the number of PortAudio stream writes (one per
// buffered frame, so possibly several per Write call) that failed, an
// approximation of buffer underruns.
func (s *Sink) UnderrunCount() uint64 {
	return s.underruns.Load()
}

// Close stops and releases the PortAudio stream.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	s.stream.Stop()
	err := s.stream.Close()
	s.stream = nil
	return err
}

func resolveOutputDevice(id int) (*portaudio.DeviceInfo, error) {
	if id < 0 {
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if id >= len(devices) {
		return nil, fmt.Errorf("portaudio: device index %d out of range", id)
	}
	return devices[id], nil
}

func pcm16LEToFloat32(src []byte, dst []float32, vol float32) {
	for i := range dst {
		sample := int16(binary.LittleEndian.Uint16(src[i*2:]))
		dst[i] = (float32(sample) / 32768.0) * vol
	}
}
