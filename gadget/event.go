// Package gadget drives the Linux raw-gadget interface (/dev/raw-gadget),
// which lets user space act as a USB peripheral towards a host.
package gadget

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AristoChen/usb-proxy/usb"
)

// DefaultPath is the raw-gadget character device.
const DefaultPath = "/dev/raw-gadget"

// Speed values accepted by Init, matching enum usb_device_speed.
type Speed uint8

const (
	SpeedUnknown Speed = 0
	SpeedLow     Speed = 1
	SpeedFull    Speed = 2
	SpeedHigh    Speed = 3
	SpeedSuper   Speed = 5
)

// EventType is the raw-gadget event discriminator.
type EventType uint32

const (
	EventInvalid    EventType = 0
	EventConnect    EventType = 1
	EventControl    EventType = 2
	EventSuspend    EventType = 3
	EventResume     EventType = 4
	EventReset      EventType = 5
	EventDisconnect EventType = 6
)

func (t EventType) String() string {
	switch t {
	case EventInvalid:
		return "invalid"
	case EventConnect:
		return "connect"
	case EventControl:
		return "control"
	case EventSuspend:
		return "suspend"
	case EventResume:
		return "resume"
	case EventReset:
		return "reset"
	case EventDisconnect:
		return "disconnect"
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// Event is one fetched gadget event. Setup is only valid for EventControl.
type Event struct {
	Type  EventType
	Setup usb.SetupPacket
	Data  []byte
}

// EndpointInfo describes one UDC endpoint as reported by EPS_INFO.
type EndpointInfo struct {
	Name       string
	Addr       uint32
	Control    bool
	Iso        bool
	Bulk       bool
	Int        bool
	In         bool
	Out        bool
	MaxPacket  uint16
	MaxStreams uint16
}

// AddrAny is the address reported for endpoints usable at any number.
const AddrAny = 0xff

func (e EndpointInfo) String() string {
	var types []string
	for _, t := range []struct {
		ok   bool
		name string
	}{{e.Control, "ctrl"}, {e.Iso, "iso"}, {e.Bulk, "blk"}, {e.Int, "int"}} {
		if t.ok {
			types = append(types, t.name)
		}
	}
	dir := ""
	if e.In {
		dir += "in"
	}
	if e.Out {
		if dir != "" {
			dir += "/"
		}
		dir += "out"
	}
	return fmt.Sprintf("%s addr=%d type=%s dir=%s maxpacket=%d", e.Name, e.Addr, strings.Join(types, ","), dir, e.MaxPacket)
}

// ErrClosed is returned for calls on a closed gadget.
var ErrClosed = errors.New("gadget: closed")
