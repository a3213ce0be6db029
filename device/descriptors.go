package device

import (
	"encoding/binary"
	"fmt"

	"github.com/AristoChen/usb-proxy/usb"
)

// controller is the slice of *gousb.Device used to talk over EP0.
type controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// readDescriptors fetches the raw device and configuration descriptors over
// EP0 and decodes them. Raw bytes keep class-specific descriptors that the
// parsed gousb view drops.
func readDescriptors(c controller) (*usb.Device, error) {
	buf := make([]byte, usb.DeviceDescLen)
	n, err := c.Control(usb.ReqTypeStandardFromDevice, usb.ReqGetDescriptor, usb.DeviceDescType<<8, 0, buf)
	if err != nil {
		return nil, mapErr("get device descriptor", err)
	}
	desc, err := usb.DecodeDevice(buf[:n])
	if err != nil {
		return nil, err
	}

	dev := &usb.Device{Descriptor: desc}
	for i := 0; i < int(desc.BNumConfigurations); i++ {
		raw, err := readConfig(c, uint8(i))
		if err != nil {
			return nil, fmt.Errorf("configuration index %d: %w", i, err)
		}
		cfg, err := usb.DecodeConfig(raw)
		if err != nil {
			return nil, fmt.Errorf("configuration index %d: %w", i, err)
		}
		dev.Configs = append(dev.Configs, cfg)
	}
	return dev, nil
}

func readConfig(c controller, index uint8) ([]byte, error) {
	val := uint16(usb.ConfigDescType)<<8 | uint16(index)
	hdr := make([]byte, usb.ConfigDescLen)
	n, err := c.Control(usb.ReqTypeStandardFromDevice, usb.ReqGetDescriptor, val, 0, hdr)
	if err != nil {
		return nil, mapErr("get config descriptor header", err)
	}
	if n < 4 {
		return nil, fmt.Errorf("config descriptor header: %w (%d bytes)", usb.ErrShortDescriptor, n)
	}
	total := binary.LittleEndian.Uint16(hdr[2:4])
	full := make([]byte, total)
	n, err = c.Control(usb.ReqTypeStandardFromDevice, usb.ReqGetDescriptor, val, 0, full)
	if err != nil {
		return nil, mapErr("get config descriptor", err)
	}
	return full[:n], nil
}

// clearHalt sends CLEAR_FEATURE(ENDPOINT_HALT) to an endpoint.
func clearHalt(c controller, address uint8) error {
	_, err := c.Control(usb.ReqTypeStandardToEndpoint, usb.ReqClearFeature, usb.FeatureEndpointHalt, uint16(address), nil)
	return mapErr("clear halt", err)
}
