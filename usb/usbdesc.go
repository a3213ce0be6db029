// Package usb contains the descriptor model shared by the device and gadget
// sides of the proxy, plus helpers for decoding and encoding it.
package usb

import (
	"bytes"
	"encoding/binary"
)

// USB descriptor type constants
const (
	DeviceDescType    = 0x01
	ConfigDescType    = 0x02
	StringDescType    = 0x03
	InterfaceDescType = 0x04
	EndpointDescType  = 0x05
)

// Descriptor lengths in bytes (fixed by USB 2.0)
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
	// AudioEndpointDescLen is the audio-class endpoint layout carrying
	// bRefresh and bSynchAddress.
	AudioEndpointDescLen = 9
)

// Endpoint attribute and address masks.
const (
	EndpointDirIn        = 0x80
	EndpointNumberMask   = 0x0f
	TransferTypeMask     = 0x03
	MaxPacketSizeMask    = 0x07ff
	bMaxPacketSize0Index = 7
)

// TransferType is the endpoint transfer type encoded in bmAttributes.
type TransferType uint8

const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isoc"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	}
	return "unknown"
}

// DeviceDescriptor represents the standard USB device descriptor.
// BLength and BDescriptorType are implied.
type DeviceDescriptor struct {
	BcdUSB             uint16 // LE
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16 // LE
	IDProduct          uint16 // LE
	BcdDevice          uint16 // LE
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
}

// Bytes returns the 18-byte wire form of the device descriptor.
func (d DeviceDescriptor) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(DeviceDescLen)
	b.WriteByte(DeviceDescType)
	_ = binary.Write(&b, binary.LittleEndian, d.BcdUSB)
	b.WriteByte(d.BDeviceClass)
	b.WriteByte(d.BDeviceSubClass)
	b.WriteByte(d.BDeviceProtocol)
	b.WriteByte(d.BMaxPacketSize0)
	_ = binary.Write(&b, binary.LittleEndian, d.IDVendor)
	_ = binary.Write(&b, binary.LittleEndian, d.IDProduct)
	_ = binary.Write(&b, binary.LittleEndian, d.BcdDevice)
	b.WriteByte(d.IManufacturer)
	b.WriteByte(d.IProduct)
	b.WriteByte(d.ISerialNumber)
	b.WriteByte(d.BNumConfigurations)
	return b.Bytes()
}

// IsHub reports whether the descriptor belongs to a USB hub.
func (d DeviceDescriptor) IsHub() bool { return d.BDeviceClass == 0x09 }

// ConfigDescriptor represents the USB configuration descriptor header (9 bytes).
type ConfigDescriptor struct {
	WTotalLength        uint16 // LE
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8 // in units of 2mA
}

func (h ConfigDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(ConfigDescLen)
	b.WriteByte(ConfigDescType)
	_ = binary.Write(b, binary.LittleEndian, h.WTotalLength)
	b.WriteByte(h.BNumInterfaces)
	b.WriteByte(h.BConfigurationValue)
	b.WriteByte(h.IConfiguration)
	b.WriteByte(h.BMAttributes)
	b.WriteByte(h.BMaxPower)
}

// InterfaceDescriptor (9 bytes) for each interface altsetting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(InterfaceDescLen)
	b.WriteByte(InterfaceDescType)
	b.WriteByte(i.BInterfaceNumber)
	b.WriteByte(i.BAlternateSetting)
	b.WriteByte(i.BNumEndpoints)
	b.WriteByte(i.BInterfaceClass)
	b.WriteByte(i.BInterfaceSubClass)
	b.WriteByte(i.BInterfaceProtocol)
	b.WriteByte(i.IInterface)
}

// EndpointDescriptor describes a non-control endpoint. BLength is 7 for the
// standard layout or 9 for the audio layout with BRefresh and BSynchAddress.
type EndpointDescriptor struct {
	BLength          uint8
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16 // LE
	BInterval        uint8
	BRefresh         uint8
	BSynchAddress    uint8
}

// Write emits the descriptor as it appears inside a configuration descriptor.
func (e EndpointDescriptor) Write(b *bytes.Buffer) {
	length := e.BLength
	if length != AudioEndpointDescLen {
		length = EndpointDescLen
	}
	b.WriteByte(length)
	b.WriteByte(EndpointDescType)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BMAttributes)
	_ = binary.Write(b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
	if length == AudioEndpointDescLen {
		b.WriteByte(e.BRefresh)
		b.WriteByte(e.BSynchAddress)
	}
}

// Bytes returns the fixed 9-byte kernel usb_endpoint_descriptor layout, which
// always carries the audio fields regardless of BLength.
func (e EndpointDescriptor) Bytes() []byte {
	length := e.BLength
	if length == 0 {
		length = EndpointDescLen
	}
	out := make([]byte, AudioEndpointDescLen)
	out[0] = length
	out[1] = EndpointDescType
	out[2] = e.BEndpointAddress
	out[3] = e.BMAttributes
	binary.LittleEndian.PutUint16(out[4:6], e.WMaxPacketSize)
	out[6] = e.BInterval
	out[7] = e.BRefresh
	out[8] = e.BSynchAddress
	return out
}

// Number returns the endpoint number without the direction bit.
func (e EndpointDescriptor) Number() uint8 { return e.BEndpointAddress & EndpointNumberMask }

// In reports whether data flows from the device to the host.
func (e EndpointDescriptor) In() bool { return e.BEndpointAddress&EndpointDirIn != 0 }

// TransferType returns the transfer type from bmAttributes.
func (e EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.BMAttributes & TransferTypeMask)
}

// MaxPacket returns the max packet size without the high-bandwidth bits.
func (e EndpointDescriptor) MaxPacket() int { return int(e.WMaxPacketSize & MaxPacketSizeMask) }

// EncodeStringDescriptor converts a UTF-8 string to a USB string descriptor byte array.
// The resulting descriptor has the format:
//
//	Byte 0: bLength (total descriptor length)
//	Byte 1: bDescriptorType (0x03 for string)
//	Bytes 2+: UTF-16LE encoded string
func EncodeStringDescriptor(s string) []byte {
	runes := []rune(s)
	buf := make([]byte, 2+len(runes)*2)
	buf[0] = uint8(len(buf))
	buf[1] = StringDescType
	for i, r := range runes {
		buf[2+i*2] = uint8(r)
		buf[2+i*2+1] = uint8(r >> 8)
	}
	return buf
}

// ForceMaxPacketSize0 raises bMaxPacketSize0 of a raw device descriptor to at
// least min. It returns false if data is not a device descriptor.
func ForceMaxPacketSize0(data []byte, min uint8) bool {
	if len(data) <= bMaxPacketSize0Index || data[1] != DeviceDescType {
		return false
	}
	if data[bMaxPacketSize0Index] < min {
		data[bMaxPacketSize0Index] = min
	}
	return true
}
