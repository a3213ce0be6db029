//go:build linux

package gadget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/AristoChen/usb-proxy/usb"
)

// Gadget is an open raw-gadget instance. Endpoint calls may run concurrently
// from different goroutines; Close must only be called once every blocking
// call has returned.
type Gadget struct {
	path string
	mu   sync.RWMutex
	fd   int
}

// Open opens the raw-gadget device node.
func Open(path string) (*Gadget, error) {
	if path == "" {
		path = DefaultPath
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Gadget{path: path, fd: fd}, nil
}

// Close releases the file descriptor, which unbinds the gadget from the UDC.
func (g *Gadget) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fd < 0 {
		return nil
	}
	err := unix.Close(g.fd)
	g.fd = -1
	return err
}

func (g *Gadget) descriptor() (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.fd < 0 {
		return 0, ErrClosed
	}
	return g.fd, nil
}

func (g *Gadget) ioctl(op string, req uintptr, arg uintptr) (int, error) {
	fd, err := g.descriptor()
	if err != nil {
		return 0, err
	}
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, classify(op, errno)
	}
	return int(r), nil
}

func (g *Gadget) ioctlPtr(op string, req uintptr, buf []byte) (int, error) {
	fd, err := g.descriptor()
	if err != nil {
		return 0, err
	}
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return 0, classify(op, errno)
	}
	return int(r), nil
}

// classify maps errno values onto the usb sentinels callers branch on.
func classify(op string, errno unix.Errno) error {
	switch errno {
	case unix.EINTR, unix.ECONNRESET, unix.ESHUTDOWN:
		return fmt.Errorf("%s: %w (%w)", op, usb.ErrInterrupted, errno)
	case unix.EBUSY, unix.EINPROGRESS, unix.EAGAIN:
		return fmt.Errorf("%s: %w (%w)", op, usb.ErrBusy, errno)
	case unix.ENODEV:
		return fmt.Errorf("%s: %w (%w)", op, usb.ErrNoDevice, errno)
	}
	return fmt.Errorf("%s: %w", op, errno)
}

// Init binds the gadget to a UDC driver/device pair at the given speed.
func (g *Gadget) Init(driver, device string, speed Speed) error {
	buf, err := encodeInit(driver, device, speed)
	if err != nil {
		return err
	}
	_, err = g.ioctlPtr("USB_RAW_IOCTL_INIT", ioctlInit, buf)
	return err
}

// Run starts the gadget; the host sees a connect after this returns.
func (g *Gadget) Run() error {
	_, err := g.ioctl("USB_RAW_IOCTL_RUN", ioctlRun, 0)
	return err
}

// FetchEvent blocks until the next event arrives or ctx is done.
func (g *Gadget) FetchEvent(ctx context.Context) (Event, error) {
	buf := newEventBuffer()
	_, err := interruptible(ctx, func() (int, error) {
		return g.ioctlPtr("USB_RAW_IOCTL_EVENT_FETCH", ioctlEventFetch, buf)
	})
	if err != nil {
		return Event{}, err
	}
	return decodeEvent(buf)
}

// EP0Read reads the data stage of an OUT control request into buf and
// acknowledges it. A zero-length buf acknowledges a request without data.
func (g *Gadget) EP0Read(ctx context.Context, buf []byte) (int, error) {
	io := newEpIO(0, nil, len(buf))
	n, err := interruptible(ctx, func() (int, error) {
		return g.ioctlPtr("USB_RAW_IOCTL_EP0_READ", ioctlEP0Read, io)
	})
	if err != nil {
		return 0, err
	}
	return copy(buf, io[epIOHeaderSize:epIOHeaderSize+clamp(n, len(buf))]), nil
}

// EP0Write sends the data stage of an IN control request.
func (g *Gadget) EP0Write(ctx context.Context, data []byte) (int, error) {
	io := newEpIO(0, data, len(data))
	return interruptible(ctx, func() (int, error) {
		return g.ioctlPtr("USB_RAW_IOCTL_EP0_WRITE", ioctlEP0Write, io)
	})
}

// EP0Stall stalls the pending control request.
func (g *Gadget) EP0Stall() error {
	_, err := g.ioctl("USB_RAW_IOCTL_EP0_STALL", ioctlEP0Stall, 0)
	return err
}

// Configure acknowledges SET_CONFIGURATION towards the UDC.
func (g *Gadget) Configure() error {
	_, err := g.ioctl("USB_RAW_IOCTL_CONFIGURE", ioctlConfigure, 0)
	return err
}

// VbusDraw reports the configuration's bMaxPower (2mA units) to the UDC.
func (g *Gadget) VbusDraw(power uint8) error {
	_, err := g.ioctl("USB_RAW_IOCTL_VBUS_DRAW", ioctlVbusDraw, uintptr(power))
	return err
}

// EndpointsInfo lists the endpoints the UDC offers.
func (g *Gadget) EndpointsInfo() ([]EndpointInfo, error) {
	buf := make([]byte, epsInfoSize)
	n, err := g.ioctlPtr("USB_RAW_IOCTL_EPS_INFO", ioctlEPsInfo, buf)
	if err != nil {
		return nil, err
	}
	return decodeEpsInfo(buf, n), nil
}

// EndpointEnable enables an endpoint and returns its runtime handle.
func (g *Gadget) EndpointEnable(desc usb.EndpointDescriptor) (int, error) {
	return g.ioctlPtr("USB_RAW_IOCTL_EP_ENABLE", ioctlEPEnable, desc.Bytes())
}

// EndpointDisable disables an endpoint handle. Disabling makes pending I/O on
// the handle fail with ESHUTDOWN.
func (g *Gadget) EndpointDisable(handle int) error {
	_, err := g.ioctl("USB_RAW_IOCTL_EP_DISABLE", ioctlEPDisable, uintptr(handle))
	return err
}

// EndpointClearHalt clears a halt condition on an endpoint handle.
func (g *Gadget) EndpointClearHalt(handle int) error {
	_, err := g.ioctl("USB_RAW_IOCTL_EP_CLEAR_HALT", ioctlEPClearHalt, uintptr(handle))
	return err
}

// EndpointRead receives one OUT transfer from the host.
func (g *Gadget) EndpointRead(ctx context.Context, handle int, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, errors.New("endpoint read: empty buffer")
	}
	io := newEpIO(uint16(handle), nil, len(buf))
	n, err := interruptible(ctx, func() (int, error) {
		return g.ioctlPtr("USB_RAW_IOCTL_EP_READ", ioctlEPRead, io)
	})
	if err != nil {
		return 0, err
	}
	return copy(buf, io[epIOHeaderSize:epIOHeaderSize+clamp(n, len(buf))]), nil
}

// EndpointWrite sends one IN transfer to the host.
func (g *Gadget) EndpointWrite(ctx context.Context, handle int, data []byte) (int, error) {
	io := newEpIO(uint16(handle), data, len(data))
	return interruptible(ctx, func() (int, error) {
		return g.ioctlPtr("USB_RAW_IOCTL_EP_WRITE", ioctlEPWrite, io)
	})
}

func clamp(n, max int) int {
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}
