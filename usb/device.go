package usb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Device is the descriptor tree of a USB device: configurations, interfaces
// grouped by number, altsettings and their non-control endpoints.
type Device struct {
	Descriptor DeviceDescriptor
	Configs    []Config
}

// Config is one configuration with its interfaces in declared order.
type Config struct {
	Descriptor ConfigDescriptor
	Interfaces []Interface
	// Extra holds class-specific descriptors that precede the first interface.
	Extra []byte
}

// Interface groups every altsetting sharing one bInterfaceNumber.
type Interface struct {
	AltSettings []AltSetting
}

// AltSetting is a single interface descriptor and the endpoints that follow it.
type AltSetting struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor
	// Extra holds class-specific descriptors attached to this altsetting.
	Extra []byte
}

// Number returns the interface number shared by all altsettings.
func (i Interface) Number() uint8 {
	if len(i.AltSettings) == 0 {
		return 0
	}
	return i.AltSettings[0].Descriptor.BInterfaceNumber
}

// FindAlt returns the index of the altsetting with the given bAlternateSetting.
func (i Interface) FindAlt(value uint8) (int, bool) {
	for idx, alt := range i.AltSettings {
		if alt.Descriptor.BAlternateSetting == value {
			return idx, true
		}
	}
	return -1, false
}

// FindInterface returns the index of the interface with the given number.
func (c Config) FindInterface(number uint8) (int, bool) {
	for idx, intf := range c.Interfaces {
		if intf.Number() == number {
			return idx, true
		}
	}
	return -1, false
}

// FindConfig returns the index of the configuration with the given
// bConfigurationValue.
func (d *Device) FindConfig(value uint8) (int, bool) {
	for idx, c := range d.Configs {
		if c.Descriptor.BConfigurationValue == value {
			return idx, true
		}
	}
	return -1, false
}

var (
	ErrNoConfigurations = errors.New("device has no configurations")
	ErrNoInterfaces     = errors.New("configuration has no interfaces")
	ErrShortDescriptor  = errors.New("descriptor too short")
)

// DecodeDevice parses a raw 18-byte device descriptor.
func DecodeDevice(data []byte) (DeviceDescriptor, error) {
	if len(data) < DeviceDescLen {
		return DeviceDescriptor{}, fmt.Errorf("device descriptor: %w (%d bytes)", ErrShortDescriptor, len(data))
	}
	if data[1] != DeviceDescType {
		return DeviceDescriptor{}, fmt.Errorf("device descriptor: unexpected type 0x%02x", data[1])
	}
	return DeviceDescriptor{
		BcdUSB:             binary.LittleEndian.Uint16(data[2:4]),
		BDeviceClass:       data[4],
		BDeviceSubClass:    data[5],
		BDeviceProtocol:    data[6],
		BMaxPacketSize0:    data[7],
		IDVendor:           binary.LittleEndian.Uint16(data[8:10]),
		IDProduct:          binary.LittleEndian.Uint16(data[10:12]),
		BcdDevice:          binary.LittleEndian.Uint16(data[12:14]),
		IManufacturer:      data[14],
		IProduct:           data[15],
		ISerialNumber:      data[16],
		BNumConfigurations: data[17],
	}, nil
}

// DecodeConfig walks a full configuration descriptor (wTotalLength bytes).
// Interface descriptors are grouped by bInterfaceNumber in declared order and
// endpoint descriptors attach to the interface descriptor preceding them.
func DecodeConfig(data []byte) (Config, error) {
	if len(data) < ConfigDescLen {
		return Config{}, fmt.Errorf("config descriptor: %w (%d bytes)", ErrShortDescriptor, len(data))
	}
	if data[1] != ConfigDescType {
		return Config{}, fmt.Errorf("config descriptor: unexpected type 0x%02x", data[1])
	}
	cfg := Config{Descriptor: ConfigDescriptor{
		WTotalLength:        binary.LittleEndian.Uint16(data[2:4]),
		BNumInterfaces:      data[4],
		BConfigurationValue: data[5],
		IConfiguration:      data[6],
		BMAttributes:        data[7],
		BMaxPower:           data[8],
	}}
	total := int(cfg.Descriptor.WTotalLength)
	if total > len(data) {
		return Config{}, fmt.Errorf("config descriptor: %w (wTotalLength %d, have %d)", ErrShortDescriptor, total, len(data))
	}

	var alt *AltSetting
	for pos := int(data[0]); pos < total; {
		if pos+2 > total {
			return Config{}, fmt.Errorf("config descriptor: truncated header at offset %d", pos)
		}
		l := int(data[pos])
		if l < 2 || pos+l > total {
			return Config{}, fmt.Errorf("config descriptor: bad length %d at offset %d", l, pos)
		}
		d := data[pos : pos+l]
		switch d[1] {
		case InterfaceDescType:
			if l < InterfaceDescLen {
				return Config{}, fmt.Errorf("interface descriptor: %w at offset %d", ErrShortDescriptor, pos)
			}
			desc := InterfaceDescriptor{
				BInterfaceNumber:   d[2],
				BAlternateSetting:  d[3],
				BNumEndpoints:      d[4],
				BInterfaceClass:    d[5],
				BInterfaceSubClass: d[6],
				BInterfaceProtocol: d[7],
				IInterface:         d[8],
			}
			idx, ok := cfg.FindInterface(desc.BInterfaceNumber)
			if !ok {
				cfg.Interfaces = append(cfg.Interfaces, Interface{})
				idx = len(cfg.Interfaces) - 1
			}
			intf := &cfg.Interfaces[idx]
			intf.AltSettings = append(intf.AltSettings, AltSetting{Descriptor: desc})
			alt = &intf.AltSettings[len(intf.AltSettings)-1]
		case EndpointDescType:
			if l < EndpointDescLen {
				return Config{}, fmt.Errorf("endpoint descriptor: %w at offset %d", ErrShortDescriptor, pos)
			}
			if alt == nil {
				return Config{}, fmt.Errorf("endpoint descriptor at offset %d precedes any interface", pos)
			}
			ep := EndpointDescriptor{
				BLength:          uint8(l),
				BEndpointAddress: d[2],
				BMAttributes:     d[3],
				WMaxPacketSize:   binary.LittleEndian.Uint16(d[4:6]),
				BInterval:        d[6],
			}
			if l >= AudioEndpointDescLen {
				ep.BRefresh = d[7]
				ep.BSynchAddress = d[8]
			}
			alt.Endpoints = append(alt.Endpoints, ep)
		default:
			if alt == nil {
				cfg.Extra = append(cfg.Extra, d...)
			} else {
				alt.Extra = append(alt.Extra, d...)
			}
		}
		pos += l
	}
	return cfg, nil
}

// Bytes encodes the configuration back into its wire form with wTotalLength
// recomputed.
func (c Config) Bytes() []byte {
	var body bytes.Buffer
	body.Write(c.Extra)
	for _, intf := range c.Interfaces {
		for _, alt := range intf.AltSettings {
			desc := alt.Descriptor
			desc.BNumEndpoints = uint8(len(alt.Endpoints))
			desc.Write(&body)
			body.Write(alt.Extra)
			for _, ep := range alt.Endpoints {
				ep.Write(&body)
			}
		}
	}
	hdr := c.Descriptor
	hdr.WTotalLength = uint16(ConfigDescLen + body.Len())
	hdr.BNumInterfaces = uint8(len(c.Interfaces))
	var out bytes.Buffer
	hdr.Write(&out)
	out.Write(body.Bytes())
	return out.Bytes()
}

// Mirror produces an independent deep copy of src that the gadget side can
// own. It rejects trees the proxy cannot present to a host.
func Mirror(src *Device) (*Device, error) {
	if src == nil || len(src.Configs) == 0 {
		return nil, ErrNoConfigurations
	}
	dst := &Device{Descriptor: src.Descriptor, Configs: make([]Config, len(src.Configs))}
	for ci, c := range src.Configs {
		if len(c.Interfaces) == 0 {
			return nil, fmt.Errorf("configuration %d: %w", c.Descriptor.BConfigurationValue, ErrNoInterfaces)
		}
		dc := Config{
			Descriptor: c.Descriptor,
			Interfaces: make([]Interface, len(c.Interfaces)),
			Extra:      bytes.Clone(c.Extra),
		}
		for ii, intf := range c.Interfaces {
			di := Interface{AltSettings: make([]AltSetting, len(intf.AltSettings))}
			for ai, alt := range intf.AltSettings {
				da := AltSetting{
					Descriptor: alt.Descriptor,
					Extra:      bytes.Clone(alt.Extra),
				}
				if len(alt.Endpoints) > 0 {
					da.Endpoints = make([]EndpointDescriptor, 0, len(alt.Endpoints))
				}
				for _, ep := range alt.Endpoints {
					if ep.Number() == 0 {
						return nil, fmt.Errorf("configuration %d interface %d alt %d: endpoint 0 in altsetting",
							c.Descriptor.BConfigurationValue, alt.Descriptor.BInterfaceNumber, alt.Descriptor.BAlternateSetting)
					}
					da.Endpoints = append(da.Endpoints, ep)
				}
				di.AltSettings[ai] = da
			}
			dc.Interfaces[ii] = di
		}
		dst.Configs[ci] = dc
	}
	return dst, nil
}
