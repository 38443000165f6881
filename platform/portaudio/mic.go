package portaudio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"carbridge/internal/audio"
)

// Source is a mic.Source backed by one PortAudio input stream, opened at
// construction time using the adapter's fixed microphone capture format
// (16kHz mono 16-bit, decode_type 5 — see carbridge/internal/mic).
type Source struct {
	deviceID int

	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []float32

	permission atomic.Bool
}

// NewSource opens a PortAudio input stream at deviceID (or the system
// default input device if deviceID is negative) using format. Permission is
// assumed granted once the stream opens successfully; callers on platforms
// with an explicit OS permission prompt should gate construction on that
// check themselves before calling NewSource.
func NewSource(deviceID int, format audio.Format) (*Source, error) {
	dev, err := resolveInputDevice(deviceID)
	if err != nil {
		return nil, fmt.Errorf("portaudio: resolve input device: %w", err)
	}

	framesPerBuffer := int(format.SampleRateHz) * frameMs / 1000
	buf := make([]float32, framesPerBuffer*int(format.Channels))

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: int(format.Channels),
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRateHz),
		FramesPerBuffer: framesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}

	s := &Source{deviceID: deviceID, stream: stream, buf: buf}
	s.permission.Store(true)
	return s, nil
}

// Read fills p with one stream's worth of captured PCM (int16 little-endian
// samples); len(p) must be at least len(buf)*2 bytes.
func (s *Source) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return 0, fmt.Errorf("portaudio: source is closed")
	}
	if err := s.stream.Read(); err != nil {
		return 0, err
	}

	need := len(s.buf) * 2
	if len(p) < need {
		return 0, fmt.Errorf("portaudio: read buffer too small: need %d, have %d", need, len(p))
	}
	for i, f := range s.buf {
		sample := int16(f * 32767.0)
		binary.LittleEndian.PutUint16(p[i*2:], uint16(sample))
	}
	return need, nil
}

// HasPermission reports whether the stream opened successfully.
func (s *Source) HasPermission() bool { return s.permission.Load() }

// Close stops and releases the PortAudio input stream.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	s.stream.Stop()
	err := s.stream.Close()
	s.stream = nil
	s.permission.Store(false)
	return err
}

func resolveInputDevice(id int) (*portaudio.DeviceInfo, error) {
	if id < 0 {
		return portaudio.DefaultInputDevice()
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
