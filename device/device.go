// Package device is the host-side transport: it opens the real USB device
// through libusb (gousb) and performs transfers on the proxy's behalf.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/AristoChen/usb-proxy/usb"
)

const (
	// bulkAttempts bounds retries of a bulk transfer that stalled or timed out.
	bulkAttempts = 5

	defaultControlTimeout  = time.Second
	defaultTransferTimeout = time.Second
)

// Options selects and prepares the device to proxy.
type Options struct {
	// VendorID and ProductID filter the device; zero matches any.
	VendorID  uint16
	ProductID uint16
	// Reset performs a port reset after opening.
	Reset           bool
	ControlTimeout  time.Duration
	TransferTimeout time.Duration
}

// Device is an opened USB device. Transfers may run concurrently; selection
// calls (configuration, interface, reset) come from a single goroutine.
type Device struct {
	logger *slog.Logger
	opts   Options
	usbCtx *gousb.Context
	dev    *gousb.Device
	tree   *usb.Device

	mu    sync.Mutex
	cfg   *gousb.Config
	intfs map[uint8]*gousb.Interface

	epMu   sync.RWMutex
	inEps  map[uint8]*gousb.InEndpoint
	outEps map[uint8]*gousb.OutEndpoint
}

// Open enumerates attached devices and opens the first non-hub device that
// matches opts. It returns ErrNotFound when nothing matches so callers can
// poll until the device shows up.
func Open(opts Options, logger *slog.Logger) (*Device, error) {
	if opts.ControlTimeout <= 0 {
		opts.ControlTimeout = defaultControlTimeout
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = defaultTransferTimeout
	}

	usbCtx := gousb.NewContext()
	var picked bool
	devs, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if picked || !matches(opts, desc) {
			return false
		}
		picked = true
		return true
	})
	if err != nil && len(devs) == 0 {
		_ = usbCtx.Close()
		return nil, mapErr("open devices", err)
	}
	if len(devs) == 0 {
		_ = usbCtx.Close()
		return nil, ErrNotFound
	}
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}
	gdev := devs[0]
	gdev.ControlTimeout = opts.ControlTimeout

	d := &Device{
		logger: logger,
		opts:   opts,
		usbCtx: usbCtx,
		dev:    gdev,
		intfs:  map[uint8]*gousb.Interface{},
		inEps:  map[uint8]*gousb.InEndpoint{},
		outEps: map[uint8]*gousb.OutEndpoint{},
	}
	if err := d.prepare(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func matches(opts Options, desc *gousb.DeviceDesc) bool {
	if desc.Class == gousb.ClassHub {
		return false
	}
	if opts.VendorID != 0 && uint16(desc.Vendor) != opts.VendorID {
		return false
	}
	if opts.ProductID != 0 && uint16(desc.Product) != opts.ProductID {
		return false
	}
	return true
}

func (d *Device) prepare() error {
	if err := d.dev.SetAutoDetach(true); err != nil {
		return mapErr("set auto detach", err)
	}
	if d.opts.Reset {
		if err := d.dev.Reset(); err != nil {
			return mapErr("reset device", err)
		}
	}
	// A string descriptor 0 read proves the device answers on EP0.
	probe := make([]byte, 4)
	if _, err := d.dev.Control(usb.ReqTypeStandardFromDevice, usb.ReqGetDescriptor, usb.StringDescType<<8, 0, probe); err != nil {
		if !errors.Is(mapErr("", err), usb.ErrStall) {
			return fmt.Errorf("device unresponsive: %w", mapErr("probe", err))
		}
	}
	tree, err := readDescriptors(d.dev)
	if err != nil {
		return err
	}
	d.tree = tree
	d.logger.Info("Opened USB device",
		"vid", fmt.Sprintf("%04x", tree.Descriptor.IDVendor),
		"pid", fmt.Sprintf("%04x", tree.Descriptor.IDProduct),
		"bus", d.dev.Desc.Bus,
		"addr", d.dev.Desc.Address,
		"speed", d.dev.Desc.Speed.String(),
		"configs", len(tree.Configs))
	return nil
}

// Descriptors returns the descriptor tree read when the device was opened.
func (d *Device) Descriptors() *usb.Device { return d.tree }

// Control performs a control transfer. For IN requests data receives the
// response; for OUT requests data is sent.
func (d *Device) Control(ctx context.Context, setup usb.SetupPacket, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, mapErr("control", err)
	}
	n, err := d.dev.Control(setup.BmRequestType, setup.BRequest, setup.WValue, setup.WIndex, data)
	if err != nil {
		return n, mapErr("control", err)
	}
	return n, nil
}

// Read performs one IN transfer on ep. Isochronous endpoints read a single
// packet. A bulk endpoint that stalls is cleared and retried.
func (d *Device) Read(ctx context.Context, ep usb.EndpointDescriptor, buf []byte) (int, error) {
	in, err := d.inEndpoint(ep)
	if err != nil {
		return 0, err
	}
	if ep.TransferType() == usb.TransferIsochronous && len(buf) > ep.MaxPacket() {
		buf = buf[:ep.MaxPacket()]
	}
	return d.transfer(ctx, ep, func(tctx context.Context) (int, error) {
		return in.ReadContext(tctx, buf)
	})
}

// Write performs one OUT transfer on ep, retrying bulk stalls and timeouts.
func (d *Device) Write(ctx context.Context, ep usb.EndpointDescriptor, data []byte) (int, error) {
	out, err := d.outEndpoint(ep)
	if err != nil {
		return 0, err
	}
	return d.transfer(ctx, ep, func(tctx context.Context) (int, error) {
		return out.WriteContext(tctx, data)
	})
}

func (d *Device) transfer(ctx context.Context, ep usb.EndpointDescriptor, fn func(context.Context) (int, error)) (int, error) {
	op := fmt.Sprintf("%s ep 0x%02x", ep.TransferType(), ep.BEndpointAddress)
	attempts := 1
	if ep.TransferType() == usb.TransferBulk {
		attempts = bulkAttempts
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		tctx, cancel := context.WithTimeout(ctx, d.opts.TransferTimeout)
		var n int
		n, err = fn(tctx)
		cancel()
		if ctx.Err() != nil {
			return n, mapErr(op, ctx.Err())
		}
		if err == nil {
			return n, nil
		}
		err = mapErr(op, err)
		retry := errors.Is(err, usb.ErrStall) || (!ep.In() && errors.Is(err, usb.ErrTimeout))
		if !retry || attempt == attempts-1 {
			return n, err
		}
		d.logger.Debug("Retrying bulk transfer", "ep", fmt.Sprintf("0x%02x", ep.BEndpointAddress), "attempt", attempt+1, "error", err)
		if cerr := clearHalt(d.dev, ep.BEndpointAddress); cerr != nil {
			d.logger.Debug("Clear halt failed", "ep", fmt.Sprintf("0x%02x", ep.BEndpointAddress), "error", cerr)
		}
	}
	return 0, err
}

// SetConfiguration selects a configuration, releasing any claimed interface
// of the previous one first.
//
// Selecting the active configuration does not reach the device. libusb turns
// it into a lightweight reset, which fails with the interface claimed and
// would otherwise reset the endpoints the workers are using.
func (d *Device) SetConfiguration(value uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg != nil && d.cfg.Desc.Number == int(value) {
		return nil
	}
	d.releaseAllLocked()
	if d.cfg != nil {
		if err := d.cfg.Close(); err != nil {
			return mapErr("close configuration", err)
		}
		d.cfg = nil
	}
	cfg, err := d.dev.Config(int(value))
	if err != nil {
		return mapErr(fmt.Sprintf("set configuration %d", value), err)
	}
	d.cfg = cfg
	return nil
}

// ClaimInterface claims an interface of the active configuration and selects
// its altsetting.
func (d *Device) ClaimInterface(number, alt uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.claimLocked(number, alt)
}

func (d *Device) claimLocked(number, alt uint8) error {
	if d.cfg == nil {
		return errors.New("claim interface: no active configuration")
	}
	if old, ok := d.intfs[number]; ok {
		if old.Setting.Alternate == int(alt) {
			return nil
		}
		d.dropEndpoints(old)
		old.Close()
		delete(d.intfs, number)
	}
	intf, err := d.cfg.Interface(int(number), int(alt))
	if err != nil {
		return mapErr(fmt.Sprintf("claim interface %d alt %d", number, alt), err)
	}
	d.intfs[number] = intf
	return nil
}

// SetAltSetting changes the altsetting of a claimed interface. gousb binds the
// altsetting to the claim, so the interface is claimed again unless the
// altsetting is already selected.
func (d *Device) SetAltSetting(number, alt uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.claimLocked(number, alt)
}

// ReleaseInterface releases a claimed interface. Releasing an unclaimed
// interface is a no-op.
func (d *Device) ReleaseInterface(number uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	intf, ok := d.intfs[number]
	if !ok {
		return nil
	}
	d.dropEndpoints(intf)
	intf.Close()
	delete(d.intfs, number)
	return nil
}

func (d *Device) releaseAllLocked() {
	for number, intf := range d.intfs {
		d.dropEndpoints(intf)
		intf.Close()
		delete(d.intfs, number)
	}
}

// Reset releases every interface and the configuration, then resets the port.
// Transfers still in flight fail once the reset completes.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releaseAllLocked()
	if d.cfg != nil {
		if err := d.cfg.Close(); err != nil {
			d.logger.Warn("Close configuration before reset failed", "error", err)
		}
		d.cfg = nil
	}
	if err := d.dev.Reset(); err != nil {
		return mapErr("reset device", err)
	}
	return nil
}

// Close releases every resource held on the device.
func (d *Device) Close() error {
	d.mu.Lock()
	d.releaseAllLocked()
	if d.cfg != nil {
		_ = d.cfg.Close()
		d.cfg = nil
	}
	d.mu.Unlock()

	var errs []error
	if d.dev != nil {
		errs = append(errs, d.dev.Close())
	}
	if d.usbCtx != nil {
		errs = append(errs, d.usbCtx.Close())
	}
	return errors.Join(errs...)
}

func (d *Device) inEndpoint(ep usb.EndpointDescriptor) (*gousb.InEndpoint, error) {
	d.epMu.RLock()
	in, ok := d.inEps[ep.BEndpointAddress]
	d.epMu.RUnlock()
	if ok {
		return in, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, intf := range d.intfs {
		if e, err := intf.InEndpoint(int(ep.Number())); err == nil {
			d.epMu.Lock()
			d.inEps[ep.BEndpointAddress] = e
			d.epMu.Unlock()
			return e, nil
		}
	}
	return nil, fmt.Errorf("endpoint 0x%02x not in any claimed interface", ep.BEndpointAddress)
}

func (d *Device) outEndpoint(ep usb.EndpointDescriptor) (*gousb.OutEndpoint, error) {
	d.epMu.RLock()
	out, ok := d.outEps[ep.BEndpointAddress]
	d.epMu.RUnlock()
	if ok {
		return out, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, intf := range d.intfs {
		if e, err := intf.OutEndpoint(int(ep.Number())); err == nil {
			d.epMu.Lock()
			d.outEps[ep.BEndpointAddress] = e
			d.epMu.Unlock()
			return e, nil
		}
	}
	return nil, fmt.Errorf("endpoint 0x%02x not in any claimed interface", ep.BEndpointAddress)
}

// dropEndpoints forgets cached endpoints belonging to intf. Callers hold mu.
func (d *Device) dropEndpoints(intf *gousb.Interface) {
	d.epMu.Lock()
	defer d.epMu.Unlock()
	for addr := range intf.Setting.Endpoints {
		delete(d.inEps, uint8(addr))
		delete(d.outEps, uint8(addr))
	}
}
