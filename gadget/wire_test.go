package gadget

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AristoChen/usb-proxy/usb"
)

func TestIoctlNumbers(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"INIT", ioctlInit, 0x41015500},
		{"RUN", ioctlRun, 0x00005501},
		{"EVENT_FETCH", ioctlEventFetch, 0x80085502},
		{"EP0_WRITE", ioctlEP0Write, 0x40085503},
		{"EP0_READ", ioctlEP0Read, 0xc0085504},
		{"EP_ENABLE", ioctlEPEnable, 0x40095505},
		{"EP_DISABLE", ioctlEPDisable, 0x40045506},
		{"EP_WRITE", ioctlEPWrite, 0x40085507},
		{"EP_READ", ioctlEPRead, 0xc0085508},
		{"CONFIGURE", ioctlConfigure, 0x00005509},
		{"VBUS_DRAW", ioctlVbusDraw, 0x4004550a},
		{"EPS_INFO", ioctlEPsInfo, 0x83c0550b},
		{"EP0_STALL", ioctlEP0Stall, 0x0000550c},
		{"EP_CLEAR_HALT", ioctlEPClearHalt, 0x4004550e},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestEncodeInit(t *testing.T) {
	buf, err := encodeInit("dummy_udc", "dummy_udc.0", SpeedHigh)
	require.NoError(t, err)
	require.Len(t, buf, initSize)
	assert.Equal(t, "dummy_udc", string(buf[:9]))
	assert.Equal(t, byte(0), buf[9])
	assert.Equal(t, "dummy_udc.0", string(buf[128:139]))
	assert.Equal(t, byte(SpeedHigh), buf[256])

	long := make([]byte, udcNameLengthMax)
	for i := range long {
		long[i] = 'a'
	}
	_, err = encodeInit(string(long), "x", SpeedHigh)
	assert.Error(t, err)
}

func TestDecodeEvent(t *testing.T) {
	buf := newEventBuffer()
	binary.NativeEndian.PutUint32(buf[0:4], uint32(EventControl))
	copy(buf[8:], []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x40, 0x00})

	ev, err := decodeEvent(buf)
	require.NoError(t, err)
	assert.Equal(t, EventControl, ev.Type)
	assert.Equal(t, usb.SetupPacket{BmRequestType: 0x80, BRequest: 0x06, WValue: 0x0100, WLength: 64}, ev.Setup)

	buf = newEventBuffer()
	binary.NativeEndian.PutUint32(buf[0:4], uint32(EventReset))
	binary.NativeEndian.PutUint32(buf[4:8], 0)
	ev, err = decodeEvent(buf)
	require.NoError(t, err)
	assert.Equal(t, EventReset, ev.Type)
	assert.Empty(t, ev.Data)

	binary.NativeEndian.PutUint32(buf[4:8], 64)
	_, err = decodeEvent(buf)
	assert.Error(t, err)
}

func TestNewEpIO(t *testing.T) {
	io := newEpIO(3, []byte{1, 2}, 4)
	require.Len(t, io, epIOHeaderSize+4)
	assert.Equal(t, uint16(3), binary.NativeEndian.Uint16(io[0:2]))
	assert.Equal(t, uint32(4), binary.NativeEndian.Uint32(io[4:8]))
	assert.Equal(t, []byte{1, 2, 0, 0}, io[8:])
}

func TestDecodeEpsInfo(t *testing.T) {
	buf := make([]byte, epsInfoSize)
	rec := buf[epInfoSize : 2*epInfoSize]
	copy(rec, "ep1in-bulk")
	binary.NativeEndian.PutUint32(rec[16:20], 1)
	binary.NativeEndian.PutUint32(rec[20:24], capBulk|capDirIn)
	binary.NativeEndian.PutUint16(rec[24:26], 512)

	eps := decodeEpsInfo(buf, 2)
	require.Len(t, eps, 2)
	assert.Equal(t, EndpointInfo{Name: "ep1in-bulk", Addr: 1, Bulk: true, In: true, MaxPacket: 512}, eps[1])
	assert.Contains(t, eps[1].String(), "type=blk dir=in")
	assert.Equal(t, "reset", EventReset.String())
}
