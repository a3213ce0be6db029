package gadget

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/AristoChen/usb-proxy/usb"
)

// Kernel structure sizes from include/uapi/linux/usb/raw_gadget.h.
const (
	udcNameLengthMax = 128
	initSize         = udcNameLengthMax*2 + 1
	eventHeaderSize  = 8
	epIOHeaderSize   = 8
	epsNumMax        = 30
	epNameMax        = 16
	epInfoSize       = epNameMax + 4 + 4 + 8
	epsInfoSize      = epsNumMax * epInfoSize
	epDescSize       = usb.AudioEndpointDescLen
)

// ioctl request numbers, _IOC(dir, 'U', nr, size).
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | 'U'<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

var (
	ioctlInit        = ioc(iocWrite, 0, initSize)
	ioctlRun         = ioc(iocNone, 1, 0)
	ioctlEventFetch  = ioc(iocRead, 2, eventHeaderSize)
	ioctlEP0Write    = ioc(iocWrite, 3, epIOHeaderSize)
	ioctlEP0Read     = ioc(iocRead|iocWrite, 4, epIOHeaderSize)
	ioctlEPEnable    = ioc(iocWrite, 5, epDescSize)
	ioctlEPDisable   = ioc(iocWrite, 6, 4)
	ioctlEPWrite     = ioc(iocWrite, 7, epIOHeaderSize)
	ioctlEPRead      = ioc(iocRead|iocWrite, 8, epIOHeaderSize)
	ioctlConfigure   = ioc(iocNone, 9, 0)
	ioctlVbusDraw    = ioc(iocWrite, 10, 4)
	ioctlEPsInfo     = ioc(iocRead, 11, epsInfoSize)
	ioctlEP0Stall    = ioc(iocNone, 12, 0)
	ioctlEPClearHalt = ioc(iocWrite, 14, 4)
)

func encodeInit(driver, device string, speed Speed) ([]byte, error) {
	if len(driver) >= udcNameLengthMax || len(device) >= udcNameLengthMax {
		return nil, fmt.Errorf("udc name too long (max %d bytes)", udcNameLengthMax-1)
	}
	buf := make([]byte, initSize)
	copy(buf[0:udcNameLengthMax], driver)
	copy(buf[udcNameLengthMax:2*udcNameLengthMax], device)
	buf[2*udcNameLengthMax] = byte(speed)
	return buf, nil
}

// newEventBuffer returns a usb_raw_event with room for a setup packet.
func newEventBuffer() []byte {
	buf := make([]byte, eventHeaderSize+usb.SetupPacketLen)
	binary.NativeEndian.PutUint32(buf[4:8], usb.SetupPacketLen)
	return buf
}

func decodeEvent(buf []byte) (Event, error) {
	if len(buf) < eventHeaderSize {
		return Event{}, fmt.Errorf("event: short buffer (%d bytes)", len(buf))
	}
	ev := Event{Type: EventType(binary.NativeEndian.Uint32(buf[0:4]))}
	length := int(binary.NativeEndian.Uint32(buf[4:8]))
	if length > len(buf)-eventHeaderSize {
		return Event{}, fmt.Errorf("event: length %d exceeds buffer", length)
	}
	ev.Data = bytes.Clone(buf[eventHeaderSize : eventHeaderSize+length])
	if ev.Type == EventControl {
		setup, err := usb.ParseSetupPacket(ev.Data)
		if err != nil {
			return Event{}, err
		}
		ev.Setup = setup
	}
	return ev, nil
}

// newEpIO returns a usb_raw_ep_io header followed by length data bytes.
func newEpIO(ep uint16, data []byte, length int) []byte {
	buf := make([]byte, epIOHeaderSize+length)
	binary.NativeEndian.PutUint16(buf[0:2], ep)
	binary.NativeEndian.PutUint32(buf[4:8], uint32(length))
	copy(buf[epIOHeaderSize:], data)
	return buf
}

const (
	capControl = 1 << iota
	capIso
	capBulk
	capInt
	capDirIn
	capDirOut
)

func decodeEpsInfo(buf []byte, num int) []EndpointInfo {
	if num > epsNumMax {
		num = epsNumMax
	}
	out := make([]EndpointInfo, 0, num)
	for i := 0; i < num && (i+1)*epInfoSize <= len(buf); i++ {
		rec := buf[i*epInfoSize : (i+1)*epInfoSize]
		name := rec[:epNameMax]
		if n := bytes.IndexByte(name, 0); n >= 0 {
			name = name[:n]
		}
		caps := binary.NativeEndian.Uint32(rec[20:24])
		out = append(out, EndpointInfo{
			Name:       string(name),
			Addr:       binary.NativeEndian.Uint32(rec[16:20]),
			Control:    caps&capControl != 0,
			Iso:        caps&capIso != 0,
			Bulk:       caps&capBulk != 0,
			Int:        caps&capInt != 0,
			In:         caps&capDirIn != 0,
			Out:        caps&capDirOut != 0,
			MaxPacket:  binary.NativeEndian.Uint16(rec[24:26]),
			MaxStreams: binary.NativeEndian.Uint16(rec[26:28]),
		})
	}
	return out
}
