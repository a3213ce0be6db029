package usb

import (
	"encoding/binary"
	"fmt"
)

const (
	// USB standard request codes
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetDescriptor    = 0x07
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
	ReqGetInterface     = 0x0a
	ReqSetInterface     = 0x0b
	ReqSynchFrame       = 0x0c

	// USB request types (bmRequestType)
	ReqTypeStandardToDevice    = 0x00
	ReqTypeStandardToInterface = 0x01
	ReqTypeStandardToEndpoint  = 0x02
	ReqTypeStandardFromDevice  = 0x80

	ReqDirIn        = 0x80
	ReqTypeMask     = 0x60
	ReqTypeStandard = 0x00
	ReqTypeClass    = 0x20
	ReqTypeVendor   = 0x40

	// FeatureEndpointHalt is the CLEAR_FEATURE selector for a halted endpoint.
	FeatureEndpointHalt = 0x00

	SetupPacketLen = 8
)

// SetupPacket is the 8-byte header of a control transfer.
type SetupPacket struct {
	BmRequestType uint8
	BRequest      uint8
	WValue        uint16
	WIndex        uint16
	WLength       uint16
}

// ParseSetupPacket decodes the little-endian wire form.
func ParseSetupPacket(data []byte) (SetupPacket, error) {
	if len(data) < SetupPacketLen {
		return SetupPacket{}, fmt.Errorf("setup packet: %w (%d bytes)", ErrShortDescriptor, len(data))
	}
	return SetupPacket{
		BmRequestType: data[0],
		BRequest:      data[1],
		WValue:        binary.LittleEndian.Uint16(data[2:4]),
		WIndex:        binary.LittleEndian.Uint16(data[4:6]),
		WLength:       binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

// Bytes returns the wire form of the setup packet.
func (s SetupPacket) Bytes() []byte {
	out := make([]byte, SetupPacketLen)
	out[0] = s.BmRequestType
	out[1] = s.BRequest
	binary.LittleEndian.PutUint16(out[2:4], s.WValue)
	binary.LittleEndian.PutUint16(out[4:6], s.WIndex)
	binary.LittleEndian.PutUint16(out[6:8], s.WLength)
	return out
}

// In reports whether the data stage flows from device to host.
func (s SetupPacket) In() bool { return s.BmRequestType&ReqDirIn != 0 }

// IsSetConfiguration reports a standard SET_CONFIGURATION addressed to the device.
func (s SetupPacket) IsSetConfiguration() bool {
	return s.BmRequestType == ReqTypeStandardToDevice && s.BRequest == ReqSetConfiguration
}

// IsSetInterface reports a standard SET_INTERFACE addressed to an interface.
func (s SetupPacket) IsSetInterface() bool {
	return s.BmRequestType == ReqTypeStandardToInterface && s.BRequest == ReqSetInterface
}

// DescriptorType returns the descriptor type requested by GET_DESCRIPTOR.
func (s SetupPacket) DescriptorType() uint8 { return uint8(s.WValue >> 8) }

// IsGetDeviceDescriptor reports a GET_DESCRIPTOR(DEVICE) request.
func (s SetupPacket) IsGetDeviceDescriptor() bool {
	return s.BmRequestType == ReqTypeStandardFromDevice &&
		s.BRequest == ReqGetDescriptor &&
		s.DescriptorType() == DeviceDescType
}

func (s SetupPacket) String() string {
	return fmt.Sprintf("bmRequestType=0x%02x bRequest=0x%02x wValue=0x%04x wIndex=0x%04x wLength=%d",
		s.BmRequestType, s.BRequest, s.WValue, s.WIndex, s.WLength)
}
