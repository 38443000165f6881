// Package usbtransport implements the bulk USB transport to the adapter
// (§4.1, §6.1): device enumeration against the known VID/PID table,
// open/reset/close, bulk reads/writes (a transfer takes no context or
// deadline), and the three-route error classifier.
package usbtransport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"
	"github.com/samber/lo"
)

// VidPid identifies one matching adapter by USB vendor/product ID.
type VidPid struct {
	Vendor, Product gousb.ID
}

// KnownDevices is the adapter VID/PID table (§6.1).
var KnownDevices = []VidPid{
	{Vendor: 0x1314, Product: 0x1520},
	{Vendor: 0x1314, Product: 0x1521},
	{Vendor: 0x08E4, Product: 0x01C0},
}

// Endpoint numbers the adapter exposes on its single bulk interface
// (gousb's InEndpoint/OutEndpoint take the bare endpoint number; direction
// is implied by which method is called).
const (
	bulkInEndpoint  = 1
	bulkOutEndpoint = 2
)

// ErrorRoute classifies a transport failure for the session controller's
// error policy (§4.1, §4.8).
type ErrorRoute int

const (
	// RouteRetriable means the caller should retry the same operation
	// (timeouts, short reads).
	RouteRetriable ErrorRoute = iota
	// RouteDeviceGone means the device vanished; wait and rediscover.
	RouteDeviceGone
	// RouteFatal means a permission error; no amount of retrying helps.
	RouteFatal
)

// Classify maps a transport error to its handling route. gousb surfaces
// libusb failures as plain errors (LIBUSB_ERROR_* in the message), so
// classification is done by substring match rather than type assertion.
func Classify(err error) ErrorRoute {
	if err == nil {
		return RouteRetriable
	}
	if errors.Is(err, ErrNoDevice) {
		return RouteDeviceGone
	}
	msg := err.Error()
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return RouteRetriable
	case containsAny(msg, "permission denied", "access denied", "LIBUSB_ERROR_ACCESS"):
		return RouteFatal
	case containsAny(msg, "no such device", "LIBUSB_ERROR_NO_DEVICE", "device not found"):
		return RouteDeviceGone
	default:
		return RouteRetriable
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// inEndpoint/outEndpoint are the minimal bulk transfer surfaces Transport
// needs, satisfied by *gousb.InEndpoint/*gousb.OutEndpoint and by test
// doubles.
type inEndpoint interface {
	Read(p []byte) (int, error)
}

type outEndpoint interface {
	Write(p []byte) (int, error)
}

// device is the minimal device surface Transport needs; *gousb.Device
// satisfies it once wrapped by openGousbDevice.
type device interface {
	Reset() error
	Close() error
	In() inEndpoint
	Out() outEndpoint
}

// Transport owns one open adapter connection and its bulk endpoints.
type Transport struct {
	mu     sync.Mutex
	ctx    *gousb.Context
	dev    device
	opened bool
}

// New returns an unopened Transport.
func New() *Transport {
	return &Transport{}
}

// newWithDevice returns a Transport already "opened" against dev, for
// testing the bulk I/O logic without real hardware.
func newWithDevice(dev device) *Transport {
	return &Transport{dev: dev, opened: true}
}

// Open enumerates attached devices against KnownDevices, opens the first
// match, and claims its bulk interface. It does not reset the device; Reset
// is a separate call.
func (t *Transport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.opened {
		return nil
	}

	ctx := gousb.NewContext()
	var found *gousb.Device
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return lo.ContainsBy(KnownDevices, func(vp VidPid) bool {
			return desc.Vendor == vp.Vendor && desc.Product == vp.Product
		})
	})
	for i, d := range devs {
		if found == nil {
			found = d
		} else if i > 0 {
			d.Close() // only the first match is kept open
		}
	}
	if err != nil && found == nil {
		ctx.Close()
		return fmt.Errorf("usbtransport: enumerate: %w", err)
	}
	if found == nil {
		ctx.Close()
		return fmt.Errorf("usbtransport: %w", ErrNoDevice)
	}

	gd, err := openGousbDevice(found)
	if err != nil {
		found.Close()
		ctx.Close()
		return fmt.Errorf("usbtransport: claim interface: %w", err)
	}

	t.ctx = ctx
	t.dev = gd
	t.opened = true
	return nil
}

// ErrNoDevice is returned by Open when no known adapter is attached.
var ErrNoDevice = errors.New("no matching adapter found")

// Reset issues a USB port reset; per §4.1 the device is expected to vanish
// and reappear within roughly 3 seconds.
func (t *Transport) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.opened {
		return fmt.Errorf("usbtransport: not open")
	}
	return t.dev.Reset()
}

// Close releases the device and USB context.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.opened {
		return nil
	}
	t.opened = false
	err := t.dev.Close()
	if t.ctx != nil {
		t.ctx.Close()
	}
	return err
}

// BulkOut writes a single chunk to the adapter's bulk-out endpoint.
func (t *Transport) BulkOut(p []byte) (int, error) {
	t.mu.Lock()
	dev := t.dev
	opened := t.opened
	t.mu.Unlock()
	if !opened {
		return 0, fmt.Errorf("usbtransport: %w", ErrNotOpen)
	}
	return dev.Out().Write(p)
}

// ErrNotOpen is returned by transfer methods called before Open.
var ErrNotOpen = errors.New("transport not open")

// byteSource adapts Transport to frame.ByteSource for the decoder.
type byteSource struct{ t *Transport }

// ByteSource returns a frame.ByteSource reading from the adapter's bulk-in
// endpoint. Each Read is one bulk transfer.
func (t *Transport) ByteSource() *byteSource { return &byteSource{t: t} }

func (s *byteSource) Read(p []byte) (int, error) {
	s.t.mu.Lock()
	dev := s.t.dev
	opened := s.t.opened
	s.t.mu.Unlock()
	if !opened {
		return 0, fmt.Errorf("usbtransport: %w", ErrNotOpen)
	}
	n, err := dev.In().Read(p)
	if err != nil {
		route := Classify(err)
		if route == RouteRetriable {
			return 0, nil // signal "try again" to frame.Decoder
		}
		return 0, err
	}
	return n, nil
}
