package usbtransport

import "github.com/google/gousb"

// gousbDevice adapts a claimed *gousb.Device + its interface/endpoints to
// the package's device interface, keeping gousb's config/interface/endpoint
// lifecycle (Close order matters: endpoints implicitly close with their
// interface, the interface with its config, the config with the device)
// out of Transport itself.
type gousbDevice struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// openGousbDevice claims configuration 1, interface 0/alt 0, and resolves
// the adapter's bulk in/out endpoints.
func openGousbDevice(dev *gousb.Device) (*gousbDevice, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		// Not fatal on platforms where detach isn't needed/supported.
		_ = err
	}

	cfg, err := dev.Config(1)
	if err != nil {
		return nil, err
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		return nil, err
	}
	in, err := intf.InEndpoint(bulkInEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, err
	}
	out, err := intf.OutEndpoint(bulkOutEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, err
	}

	return &gousbDevice{dev: dev, cfg: cfg, intf: intf, in: in, out: out}, nil
}

func (g *gousbDevice) Reset() error { return g.dev.Reset() }

func (g *gousbDevice) Close() error {
	g.intf.Close()
	g.cfg.Close()
	return g.dev.Close()
}

func (g *gousbDevice) In() inEndpoint   { return g.in }
func (g *gousbDevice) Out() outEndpoint { return g.out }
