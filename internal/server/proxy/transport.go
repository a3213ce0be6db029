package proxy

import (
	"context"

	"github.com/AristoChen/usb-proxy/gadget"
	"github.com/AristoChen/usb-proxy/usb"
)

// DeviceTransport talks to the real device. *device.Device implements it.
type DeviceTransport interface {
	Control(ctx context.Context, setup usb.SetupPacket, data []byte) (int, error)
	Read(ctx context.Context, ep usb.EndpointDescriptor, buf []byte) (int, error)
	Write(ctx context.Context, ep usb.EndpointDescriptor, data []byte) (int, error)
	SetConfiguration(value uint8) error
	ClaimInterface(number, alt uint8) error
	SetAltSetting(number, alt uint8) error
	ReleaseInterface(number uint8) error
	Reset() error
}

// GadgetTransport talks to the downstream host. *gadget.Gadget implements it.
type GadgetTransport interface {
	FetchEvent(ctx context.Context) (gadget.Event, error)
	EP0Read(ctx context.Context, buf []byte) (int, error)
	EP0Write(ctx context.Context, data []byte) (int, error)
	EP0Stall() error
	Configure() error
	VbusDraw(power uint8) error
	EndpointEnable(desc usb.EndpointDescriptor) (int, error)
	EndpointDisable(handle int) error
	EndpointClearHalt(handle int) error
	EndpointRead(ctx context.Context, handle int, buf []byte) (int, error)
	EndpointWrite(ctx context.Context, handle int, data []byte) (int, error)
}
