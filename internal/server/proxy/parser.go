package proxy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AristoChen/usb-proxy/gadget"
	"github.com/AristoChen/usb-proxy/internal/log"
	"github.com/AristoChen/usb-proxy/usb"
)

const traceLevel = log.LevelTrace

// Parser describes gadget events and control requests for structured logging.
type Parser struct {
	logger *slog.Logger
}

func NewParser(logger *slog.Logger) *Parser {
	return &Parser{
		logger: logger,
	}
}

// Event logs a fetched gadget event. Control events are logged by Control.
func (p *Parser) Event(ev gadget.Event) {
	if ev.Type == gadget.EventControl {
		p.Control(ev.Setup)
		return
	}
	p.logger.Debug("Gadget event", "event", ev.Type.String(), "len", len(ev.Data))
}

// Control logs one setup packet with its request decoded.
func (p *Parser) Control(s usb.SetupPacket) {
	if !p.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	args := []any{
		"dir", dirString(s.In()),
		"type", requestTypeString(s.BmRequestType),
		"recipient", recipientString(s.BmRequestType),
		"request", requestString(s),
		"wValue", fmt.Sprintf("0x%04x", s.WValue),
		"wIndex", fmt.Sprintf("0x%04x", s.WIndex),
		"wLength", s.WLength,
	}
	if s.BmRequestType&usb.ReqTypeMask == usb.ReqTypeStandard && s.BRequest == usb.ReqGetDescriptor {
		args = append(args,
			"descriptor", descriptorString(s.DescriptorType()),
			"index", s.WValue&0xff)
	}
	p.logger.Debug("Control request", args...)
}

func requestTypeString(bmRequestType uint8) string {
	switch bmRequestType & usb.ReqTypeMask {
	case usb.ReqTypeStandard:
		return "standard"
	case usb.ReqTypeClass:
		return "class"
	case usb.ReqTypeVendor:
		return "vendor"
	}
	return "reserved"
}

func recipientString(bmRequestType uint8) string {
	switch bmRequestType & 0x1f {
	case 0:
		return "device"
	case 1:
		return "interface"
	case 2:
		return "endpoint"
	}
	return "other"
}

func requestString(s usb.SetupPacket) string {
	if s.BmRequestType&usb.ReqTypeMask != usb.ReqTypeStandard {
		return fmt.Sprintf("0x%02x", s.BRequest)
	}
	switch s.BRequest {
	case usb.ReqGetStatus:
		return "GET_STATUS"
	case usb.ReqClearFeature:
		return "CLEAR_FEATURE"
	case usb.ReqSetFeature:
		return "SET_FEATURE"
	case usb.ReqSetAddress:
		return "SET_ADDRESS"
	case usb.ReqGetDescriptor:
		return "GET_DESCRIPTOR"
	case usb.ReqSetDescriptor:
		return "SET_DESCRIPTOR"
	case usb.ReqGetConfiguration:
		return "GET_CONFIGURATION"
	case usb.ReqSetConfiguration:
		return "SET_CONFIGURATION"
	case usb.ReqGetInterface:
		return "GET_INTERFACE"
	case usb.ReqSetInterface:
		return "SET_INTERFACE"
	case usb.ReqSynchFrame:
		return "SYNCH_FRAME"
	}
	return fmt.Sprintf("0x%02x", s.BRequest)
}

func descriptorString(t uint8) string {
	switch t {
	case usb.DeviceDescType:
		return "DEVICE"
	case usb.ConfigDescType:
		return "CONFIGURATION"
	case usb.StringDescType:
		return "STRING"
	case usb.InterfaceDescType:
		return "INTERFACE"
	case usb.EndpointDescType:
		return "ENDPOINT"
	case 0x06:
		return "DEVICE_QUALIFIER"
	case 0x07:
		return "OTHER_SPEED_CONFIGURATION"
	case 0x0f:
		return "BOS"
	case 0x21:
		return "HID"
	case 0x22:
		return "REPORT"
	}
	return fmt.Sprintf("0x%02x", t)
}

func dirString(in bool) string {
	if in {
		return "D→H"
	}
	return "H→D"
}
