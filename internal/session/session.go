// Package session implements the adapter connection state machine and its
// timers (§4.8): discovery, handshake, heartbeat, and the three-route error
// policy that decides between graceful reconnect, retry-with-backoff, and a
// fatal stop.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"carbridge/internal/frame"
	"carbridge/internal/message"
	"carbridge/internal/usbtransport"
)

// State is the controller's position in the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateSearching
	StateDeviceOpened
	StateHandshaking
	StateConnected
	StateStreaming
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSearching:
		return "searching"
	case StateDeviceOpened:
		return "device_opened"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	defaultPairTimeout     = 15 * time.Second
	defaultHeartbeatPeriod = 2 * time.Second
	defaultFrameInterval   = 33 * time.Millisecond
	defaultMaxRetries      = 3

	// retryBackoff is the fixed wait before retrying a retriable error
	// (§4.8 Timers); unlike the tunables above it is a protocol constant,
	// not something callers retune via Dependencies.
	retryBackoff = 1 * time.Second
	// deviceReappearWindow is how long a USB port reset, or a detected
	// device-gone condition, is given to resolve before rediscovery is
	// attempted (§4.1, §4.8: "close + wait + rediscover").
	deviceReappearWindow = 3 * time.Second
)

// Transport is the minimal collaborator the controller needs from the USB
// layer: open/close/reset the device and send framed bytes out.
type Transport interface {
	Open() error
	Close() error
	// Reset issues a port-level reset on an already-open device, used to
	// recover from a logical unplug reported by the adapter while the USB
	// connection itself is still present (§4.1).
	Reset() error
	BulkOut(p []byte) (int, error)
}

// TransportError wraps a transport failure with the route handleError chose
// for it, so callers outside this package can derive a user-facing error
// classification (§7) without this package needing to know about theirs.
type TransportError struct {
	Route usbtransport.ErrorRoute
	Err   error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// ByteSource is satisfied by Transport.ByteSource(); kept separate so tests
// can supply an in-memory source without a real Transport.
type ByteSource interface {
	Read(p []byte) (int, error)
}

// Dependencies the controller needs beyond the transport itself.
type Dependencies struct {
	Transport   Transport
	Source      ByteSource
	OpenPayload []byte // the Open handshake payload to send once DeviceOpened

	// PairTimeout, HeartbeatPeriod, FrameInterval and MaxRetries override
	// this package's defaults when positive; carbridge.Config threads its
	// own values through here rather than this package hardcoding them.
	PairTimeout     time.Duration
	HeartbeatPeriod time.Duration
	FrameInterval   time.Duration
	MaxRetries      int

	// Classify maps a transport error to its handling route (§4.8). A nil
	// Classify treats every error as retriable, which is what the tests in
	// this package want without pulling in usbtransport's concrete rules.
	Classify func(error) usbtransport.ErrorRoute

	// OnStateChanged reports every state transition. The error is nil except
	// on transitions caused by a transport failure: the Error state, and
	// Searching when handleError schedules a retry or rediscovery.
	OnStateChanged func(State, error)
	// OnMessage is called for every parsed inbound message. The session
	// dispatches via an exhaustive type switch itself only for messages it
	// needs for its own state transitions (Plugged/Unplugged/Phase);
	// everything else — including Opaque — is simply forwarded here.
	OnMessage func(message.Message)
}

// Controller drives one adapter connection's lifecycle.
type Controller struct {
	deps Dependencies

	state   atomic.Int32
	retries atomic.Int32

	mu          sync.Mutex
	pairTimer   *time.Timer
	heartbeat   *time.Ticker
	frameTicker *time.Ticker

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a Controller that has not yet been started.
func New(deps Dependencies) *Controller {
	c := &Controller{deps: deps}
	c.state.Store(int32(StateDisconnected))
	return c
}

func (c *Controller) pairTimeoutDur() time.Duration {
	if c.deps.PairTimeout > 0 {
		return c.deps.PairTimeout
	}
	return defaultPairTimeout
}

func (c *Controller) heartbeatPeriodDur() time.Duration {
	if c.deps.HeartbeatPeriod > 0 {
		return c.deps.HeartbeatPeriod
	}
	return defaultHeartbeatPeriod
}

func (c *Controller) frameIntervalDur() time.Duration {
	if c.deps.FrameInterval > 0 {
		return c.deps.FrameInterval
	}
	return defaultFrameInterval
}

func (c *Controller) maxRetries() int32 {
	if c.deps.MaxRetries > 0 {
		return int32(c.deps.MaxRetries)
	}
	return defaultMaxRetries
}

func (c *Controller) classify(err error) usbtransport.ErrorRoute {
	if c.deps.Classify == nil {
		return usbtransport.RouteRetriable
	}
	return c.deps.Classify(err)
}

// State returns the controller's current state.
func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State, err error) {
	c.state.Store(int32(s))
	if c.deps.OnStateChanged != nil {
		c.deps.OnStateChanged(s, err)
	}
}

// Start begins discovery. Idempotent: calling Start while the device is
// opened, handshaking, connected or streaming is a no-op (§4.8 handshake
// idempotence, P9). From Disconnected or Error it begins a fresh attempt with
// the retry count reset; from Searching (a scheduled retry or rediscovery)
// it tries again without resetting the count.
func (c *Controller) Start(ctx context.Context) {
	switch State(c.state.Load()) {
	case StateDeviceOpened, StateHandshaking, StateConnected, StateStreaming:
		// Already mid-connection or connected; a duplicate Start is a no-op.
		return
	case StateDisconnected, StateError:
		c.retries.Store(0)
	}
	c.stopCh = make(chan struct{})
	c.setState(StateSearching, nil)

	if err := c.deps.Transport.Open(); err != nil {
		c.handleError(ctx, err)
		return
	}
	c.setState(StateDeviceOpened, nil)

	if _, err := c.deps.Transport.BulkOut(encodeOpen(c.deps.OpenPayload)); err != nil {
		c.handleError(ctx, err)
		return
	}
	c.setState(StateHandshaking, nil)
	c.armPairTimer(ctx)

	c.wg.Add(1)
	go c.readLoop(ctx)
}

func encodeOpen(payload []byte) []byte {
	buf, _ := frame.Encode(nil, uint32(message.TypeOpen), payload)
	return buf
}

func (c *Controller) armPairTimer(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pairTimer != nil {
		c.pairTimer.Stop()
	}
	c.pairTimer = time.AfterFunc(c.pairTimeoutDur(), func() {
		if State(c.state.Load()) == StateHandshaking {
			c.handleError(ctx, errPairTimeout)
		}
	})
}

var errPairTimeout = pairTimeoutError{}

type pairTimeoutError struct{}

func (pairTimeoutError) Error() string { return "session: pairing timed out" }

// Stop tears down timers and goroutines and closes the transport, leaving
// the controller in Disconnected.
func (c *Controller) Stop() {
	if State(c.state.Load()) == StateDisconnected {
		return
	}
	if c.stopCh != nil {
		close(c.stopCh)
	}
	c.mu.Lock()
	if c.pairTimer != nil {
		c.pairTimer.Stop()
	}
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	if c.frameTicker != nil {
		c.frameTicker.Stop()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.deps.Transport.Close()
	c.setState(StateDisconnected, nil)
}

// SendTouch, SendKey, etc. are thin helpers the facade uses; the controller
// itself only knows how to frame and send bytes.
func (c *Controller) Send(msgType uint32, payload []byte) error {
	buf, err := frame.Encode(nil, msgType, payload)
	if err != nil {
		return err
	}
	_, err = c.deps.Transport.BulkOut(buf)
	return err
}

func (c *Controller) readLoop(ctx context.Context) {
	defer c.wg.Done()
	dec := frame.NewDecoder(c.deps.Source)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		f, err := dec.Next()
		if err != nil {
			if errors.Is(err, frame.ErrRetry) {
				continue
			}
			c.handleError(ctx, err)
			return
		}

		msg := message.Parse(message.Type(f.Type), f.Payload)
		c.onInboundMessage(ctx, msg)

		if _, unplugged := msg.(message.Unplugged); unplugged {
			// reconnect() has already scheduled a fresh Start, whose own
			// readLoop will read from the same source; this goroutine must
			// not keep reading alongside it.
			return
		}
	}
}

func (c *Controller) onInboundMessage(ctx context.Context, msg message.Message) {
	switch m := msg.(type) {
	case message.Plugged:
		c.completeHandshake(ctx)
	case message.Unplugged:
		c.reconnect(ctx)
	case message.Phase:
		_ = m // phase transitions are observational; forwarded below.
	}
	if c.deps.OnMessage != nil {
		c.deps.OnMessage(msg)
	}
}

func (c *Controller) completeHandshake(ctx context.Context) {
	c.mu.Lock()
	if c.pairTimer != nil {
		c.pairTimer.Stop()
	}
	c.mu.Unlock()

	if State(c.state.Load()) != StateHandshaking {
		// Idempotence (P9): a duplicate Plugged while already Connected is
		// ignored rather than restarting the handshake.
		return
	}

	c.setState(StateConnected, nil)
	c.startHeartbeat(ctx)
	c.startFrameTimer(ctx)
}

// NotifyFirstFrame transitions Connected -> Streaming. Called by the video
// forwarder's OnFirstFrame hook.
func (c *Controller) NotifyFirstFrame() {
	if State(c.state.Load()) == StateConnected {
		c.setState(StateStreaming, nil)
	}
}

func (c *Controller) startHeartbeat(ctx context.Context) {
	c.mu.Lock()
	c.heartbeat = time.NewTicker(c.heartbeatPeriodDur())
	hb := c.heartbeat
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stopCh:
				return
			case <-hb.C:
				if err := c.Send(uint32(message.TypeHeartbeat), nil); err != nil {
					c.handleError(ctx, err)
					return
				}
			}
		}
	}()
}

// startFrameTimer sends the periodic frame-trigger command (§4.8 Timers)
// while Connected/Streaming, alongside the heartbeat.
func (c *Controller) startFrameTimer(ctx context.Context) {
	c.mu.Lock()
	c.frameTicker = time.NewTicker(c.frameIntervalDur())
	ft := c.frameTicker
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ft.C:
				if err := c.Send(uint32(message.TypeFrame), nil); err != nil {
					c.handleError(ctx, err)
					return
				}
			}
		}
	}()
}

// reconnect implements the graceful-reconnect route (P10): an Unplugged
// message is the adapter reporting a logical disconnect while the USB link
// itself may still be present, so this resets the port and gives the
// device its reappear window before rediscovering, rather than treating the
// unplug as fatal.
func (c *Controller) reconnect(ctx context.Context) {
	c.mu.Lock()
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	if c.frameTicker != nil {
		c.frameTicker.Stop()
	}
	c.mu.Unlock()

	c.setState(StateSearching, nil)
	c.retries.Store(0)

	go func() {
		_ = c.deps.Transport.Reset()
		time.Sleep(deviceReappearWindow)
		if State(c.state.Load()) != StateSearching {
			return // Stop (or a fresh Start) ran while this was waiting
		}
		c.deps.Transport.Close()
		c.Start(ctx)
	}()
}

// handleError implements the three-route error policy (§4.8): graceful
// rediscovery for a vanished device, retry-with-backoff up to maxRetries for
// a transient failure, or a fatal stop into Error for permission denial.
// Every route wraps err in a TransportError so callers can classify it
// without this package depending on theirs.
func (c *Controller) handleError(ctx context.Context, err error) {
	route := c.classify(err)
	werr := &TransportError{Route: route, Err: err}

	switch route {
	case usbtransport.RouteFatal:
		c.setState(StateError, werr)
		return
	case usbtransport.RouteDeviceGone:
		c.setState(StateSearching, werr)
		c.deps.Transport.Close()
		c.retries.Store(0)
		time.AfterFunc(deviceReappearWindow, func() {
			if State(c.state.Load()) == StateSearching {
				c.Start(ctx)
			}
		})
		return
	default: // RouteRetriable
		n := c.retries.Add(1)
		if n > c.maxRetries() {
			c.setState(StateError, werr)
			return
		}
		c.setState(StateSearching, werr)
		time.AfterFunc(retryBackoff, func() {
			if State(c.state.Load()) == StateSearching {
				c.Start(ctx)
			}
		})
	}
}
