// Package video implements the H.264 forwarder: a bounded queue between the
// USB read loop and an external decoder, with drop-oldest backpressure and a
// throttle signal the transport can consult (§4.7).
package video

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Frame is one decoded VideoData payload (§6.2).
type Frame struct {
	Width, Height, Flags uint32
	H264                 []byte
}

// Decoder is the external collaborator frames are forwarded to (§6.3
// VideoDecoder).
type Decoder interface {
	Decode(f Frame) error
}

const (
	// defaultTargetQueueDepth is the depth the queue drains back down to
	// once backpressure triggers.
	defaultTargetQueueDepth = 4
	// defaultBackpressureThreshold is the depth at which dropping begins.
	defaultBackpressureThreshold = 16
)

// Forwarder queues frames for an external Decoder, applying drop-oldest
// backpressure when the decoder falls behind.
type Forwarder struct {
	mu    sync.Mutex
	queue []Frame

	decoder Decoder

	backpressureThreshold int
	targetQueueDepth      int

	framesDropped atomic.Uint64
	firstFrame    atomic.Bool

	// Limiter is set to 50 events/s while backpressure is active and back to
	// unlimited once the queue drains, a token-bucket signal for "slow down
	// while the consumer is behind." Nothing in this module waits on it; a
	// read loop is throttled only if it calls Limiter.Wait itself.
	Limiter *rate.Limiter

	backpressureActive atomic.Bool

	// OnFirstFrame, if set, is called exactly once when the first frame is
	// delivered to the decoder — the session uses this to transition to
	// Streaming.
	OnFirstFrame func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config holds the Forwarder tunables carbridge.Config threads through.
type Config struct {
	BackpressureThreshold int
	TargetQueueDepth      int
}

// DefaultConfig mirrors the values this package used before Config existed.
func DefaultConfig() Config {
	return Config{BackpressureThreshold: defaultBackpressureThreshold, TargetQueueDepth: defaultTargetQueueDepth}
}

// New returns a Forwarder delivering to decoder, tuned by cfg.
func New(decoder Decoder, cfg Config) *Forwarder {
	if cfg.BackpressureThreshold == 0 {
		cfg.BackpressureThreshold = defaultBackpressureThreshold
	}
	if cfg.TargetQueueDepth == 0 {
		cfg.TargetQueueDepth = defaultTargetQueueDepth
	}
	f := &Forwarder{
		decoder:               decoder,
		backpressureThreshold: cfg.BackpressureThreshold,
		targetQueueDepth:      cfg.TargetQueueDepth,
		// Unlimited by default; a Wait on it only blocks once backpressure
		// sets a tighter limit.
		Limiter: rate.NewLimiter(rate.Inf, 1),
		stopCh:  make(chan struct{}),
	}
	f.wg.Add(1)
	go f.drainLoop()
	return f
}

// Push enqueues a frame for delivery, applying drop-oldest backpressure if
// the queue has grown past backpressureThreshold.
func (f *Forwarder) Push(frame Frame) {
	f.mu.Lock()
	f.queue = append(f.queue, frame)

	if len(f.queue) > f.backpressureThreshold {
		f.backpressureActive.Store(true)
		f.Limiter.SetLimit(rate.Limit(50)) // throttle reads to ~50/s while behind
		for len(f.queue) > f.targetQueueDepth {
			f.queue = f.queue[1:]
			f.framesDropped.Add(1)
		}
	} else if f.backpressureActive.Load() && len(f.queue) <= f.targetQueueDepth {
		f.backpressureActive.Store(false)
		f.Limiter.SetLimit(rate.Inf)
	}
	f.mu.Unlock()
}

// FramesDropped returns the total number of frames ever discarded under
// backpressure.
func (f *Forwarder) FramesDropped() uint64 {
	return f.framesDropped.Load()
}

// BackpressureActive reports whether the queue is currently over threshold.
func (f *Forwarder) BackpressureActive() bool {
	return f.backpressureActive.Load()
}

// QueueDepth returns the number of frames currently queued.
func (f *Forwarder) QueueDepth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

func (f *Forwarder) drainLoop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			time.Sleep(time.Millisecond)
			continue
		}
		frame := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()

		if err := f.decoder.Decode(frame); err == nil {
			if f.firstFrame.CompareAndSwap(false, true) && f.OnFirstFrame != nil {
				f.OnFirstFrame()
			}
		}
	}
}

// Close stops the forwarder's drain loop.
func (f *Forwarder) Close() {
	close(f.stopCh)
	f.wg.Wait()
}
