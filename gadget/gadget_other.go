//go:build !linux

package gadget

import (
	"context"
	"errors"

	"github.com/AristoChen/usb-proxy/usb"
)

var errUnsupported = errors.New("raw-gadget is only available on linux")

// Gadget is unavailable outside linux; every method fails.
type Gadget struct{}

func Open(path string) (*Gadget, error) { return nil, errUnsupported }

func (g *Gadget) Close() error { return nil }

func (g *Gadget) Init(driver, device string, speed Speed) error { return errUnsupported }

func (g *Gadget) Run() error { return errUnsupported }

func (g *Gadget) FetchEvent(ctx context.Context) (Event, error) { return Event{}, errUnsupported }

func (g *Gadget) EP0Read(ctx context.Context, buf []byte) (int, error) { return 0, errUnsupported }

func (g *Gadget) EP0Write(ctx context.Context, data []byte) (int, error) { return 0, errUnsupported }

func (g *Gadget) EP0Stall() error { return errUnsupported }

func (g *Gadget) Configure() error { return errUnsupported }

func (g *Gadget) VbusDraw(power uint8) error { return errUnsupported }

func (g *Gadget) EndpointsInfo() ([]EndpointInfo, error) { return nil, errUnsupported }

func (g *Gadget) EndpointEnable(desc usb.EndpointDescriptor) (int, error) {
	return 0, errUnsupported
}

func (g *Gadget) EndpointDisable(handle int) error { return errUnsupported }

func (g *Gadget) EndpointClearHalt(handle int) error { return errUnsupported }

func (g *Gadget) EndpointRead(ctx context.Context, handle int, buf []byte) (int, error) {
	return 0, errUnsupported
}

func (g *Gadget) EndpointWrite(ctx context.Context, handle int, data []byte) (int, error) {
	return 0, errUnsupported
}
