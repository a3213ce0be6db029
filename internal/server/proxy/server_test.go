package proxy_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AristoChen/usb-proxy/gadget"
	"github.com/AristoChen/usb-proxy/injection"
	"github.com/AristoChen/usb-proxy/internal/log"
	"github.com/AristoChen/usb-proxy/internal/server/proxy"
	th "github.com/AristoChen/usb-proxy/internal/testing"
	"github.com/AristoChen/usb-proxy/usb"
)

func bulk(addr uint8) usb.EndpointDescriptor {
	return usb.EndpointDescriptor{BLength: 7, BEndpointAddress: addr, BMAttributes: 0x02, WMaxPacketSize: 512}
}

func intr(addr uint8) usb.EndpointDescriptor {
	return usb.EndpointDescriptor{BLength: 7, BEndpointAddress: addr, BMAttributes: 0x03, WMaxPacketSize: 64, BInterval: 1}
}

func isoc(addr uint8) usb.EndpointDescriptor {
	return usb.EndpointDescriptor{BLength: 7, BEndpointAddress: addr, BMAttributes: 0x05, WMaxPacketSize: 192, BInterval: 1}
}

func alt(number, value uint8, eps ...usb.EndpointDescriptor) usb.AltSetting {
	return usb.AltSetting{
		Descriptor: usb.InterfaceDescriptor{BInterfaceNumber: number, BAlternateSetting: value, BNumEndpoints: uint8(len(eps))},
		Endpoints:  eps,
	}
}

// testTree has two configurations. Configuration 1: interface 0 with alt 0
// (bulk 0x81, bulk 0x02) and alt 1 (interrupt 0x83); interface 1 with alt 0
// (isoc 0x84). Configuration 2: interface 0 with alt 0 (interrupt 0x85).
func testTree() *usb.Device {
	return &usb.Device{
		Descriptor: usb.DeviceDescriptor{BcdUSB: 0x0200, BMaxPacketSize0: 64, IDVendor: 0x1234, IDProduct: 0x5678, BNumConfigurations: 2},
		Configs: []usb.Config{
			{
				Descriptor: usb.ConfigDescriptor{BNumInterfaces: 2, BConfigurationValue: 1, BMAttributes: 0x80, BMaxPower: 50},
				Interfaces: []usb.Interface{
					{AltSettings: []usb.AltSetting{alt(0, 0, bulk(0x81), bulk(0x02)), alt(0, 1, intr(0x83))}},
					{AltSettings: []usb.AltSetting{alt(1, 0, isoc(0x84))}},
				},
			},
			{
				Descriptor: usb.ConfigDescriptor{BNumInterfaces: 1, BConfigurationValue: 2, BMAttributes: 0x80, BMaxPower: 100},
				Interfaces: []usb.Interface{
					{AltSettings: []usb.AltSetting{alt(0, 0, intr(0x85))}},
				},
			},
		},
	}
}

type harness struct {
	srv    *proxy.Server
	dev    *th.FakeDevice
	gadget *th.FakeGadget
	done   chan error
	cancel context.CancelFunc
}

func newHarness(t *testing.T, cfg proxy.ServerConfig, engine *injection.Engine) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		dev:    th.NewFakeDevice(),
		gadget: th.NewFakeGadget(),
		done:   make(chan error, 1),
	}
	srv, err := proxy.New(cfg, testTree(), h.dev, h.gadget, engine, logger, log.NewRaw(nil))
	require.NoError(t, err)
	h.srv = srv
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return h
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	return nil
}

func setConfiguration(value uint16) usb.SetupPacket {
	return usb.SetupPacket{BmRequestType: usb.ReqTypeStandardToDevice, BRequest: usb.ReqSetConfiguration, WValue: value}
}

func setInterface(number, value uint16) usb.SetupPacket {
	return usb.SetupPacket{BmRequestType: usb.ReqTypeStandardToInterface, BRequest: usb.ReqSetInterface, WValue: value, WIndex: number}
}

func liveAddresses(srv *proxy.Server) []uint8 {
	var out []uint8
	for _, ep := range srv.Status().Endpoints {
		out = append(out, ep.Address)
	}
	return out
}

func sorted(in []uint8) []uint8 {
	out := append([]uint8(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func lookupEndpoint(srv *proxy.Server, addr uint8) (proxy.EndpointStatus, bool) {
	for _, ep := range srv.Status().Endpoints {
		if ep.Address == addr {
			return ep, true
		}
	}
	return proxy.EndpointStatus{}, false
}

func endpointStatus(t *testing.T, srv *proxy.Server, addr uint8) proxy.EndpointStatus {
	t.Helper()
	ep, ok := lookupEndpoint(srv, addr)
	require.True(t, ok, "endpoint 0x%02x is not live", addr)
	return ep
}

func count(list []string, item string) int {
	n := 0
	for _, s := range list {
		if s == item {
			n++
		}
	}
	return n
}

func TestSetConfiguration(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	h.gadget.Send(t, gadget.Event{Type: gadget.EventConnect})
	assert.Equal(t, proxy.StateIdle, h.srv.Status().State)

	h.gadget.Control(t, setConfiguration(1))

	st := h.srv.Status()
	assert.Equal(t, proxy.StateConfigured, st.State)
	assert.Equal(t, uint8(1), st.Configuration)
	assert.Equal(t, 0, st.Interface)
	assert.Equal(t, []uint8{0x02, 0x81}, liveAddresses(h.srv))
	assert.Equal(t, 2, h.srv.Pool().Live())
	assert.Equal(t, []string{"set_configuration 1", "claim 0 0"}, h.dev.Calls())

	// The status stage comes only after both endpoints are enabled.
	ops := h.gadget.Ops()
	assert.Equal(t, []string{"configure", "vbus 50", "enable 0x81", "enable 0x02", "ack"}, ops)
}

func TestSetConfiguration_SameValueNoChurn(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	h.gadget.Control(t, setConfiguration(1))
	before := h.gadget.Ops()

	h.gadget.Control(t, setConfiguration(1))

	after := h.gadget.Ops()
	assert.Equal(t, append(before, "ack"), after)
	assert.Equal(t, 2, count(h.dev.Calls(), "set_configuration 1"))
	assert.Equal(t, 2, h.srv.Pool().Live())
}

func TestSetConfiguration_Unknown(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	h.gadget.Control(t, setConfiguration(1))

	h.gadget.Control(t, setConfiguration(7))

	ops := h.gadget.Ops()
	assert.Equal(t, "stall", ops[len(ops)-1])
	assert.Equal(t, uint8(1), h.srv.Status().Configuration)
	assert.Equal(t, 2, h.srv.Pool().Live())
}

func TestSetConfiguration_Switch(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	h.gadget.Control(t, setConfiguration(1))
	h.gadget.Control(t, setConfiguration(2))

	assert.Equal(t, uint8(2), h.srv.Status().Configuration)
	assert.Equal(t, []uint8{0x85}, liveAddresses(h.srv))
	assert.Equal(t, []uint8{0x85}, h.gadget.Enabled())
	assert.Equal(t, []string{
		"set_configuration 1", "claim 0 0",
		"release 0",
		"set_configuration 2", "claim 0 0",
	}, h.dev.Calls())
}

func TestSetConfiguration_Zero(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	h.gadget.Control(t, setConfiguration(1))
	h.gadget.Control(t, setConfiguration(0))

	st := h.srv.Status()
	assert.Equal(t, proxy.StateIdle, st.State)
	assert.Equal(t, uint8(0), st.Configuration)
	assert.Equal(t, 0, h.srv.Pool().Live())
	assert.Empty(t, h.gadget.Enabled())
}

func TestSetInterface(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	h.gadget.Control(t, setConfiguration(1))

	tests := []struct {
		name     string
		setup    usb.SetupPacket
		live     []uint8
		lastOp   string
		lastCall string
		intf     int
		alt      uint8
	}{
		{name: "alt 1", setup: setInterface(0, 1), live: []uint8{0x83}, lastOp: "ack", lastCall: "set_alt 0 1", intf: 0, alt: 1},
		{name: "unchanged", setup: setInterface(0, 1), live: []uint8{0x83}, lastOp: "ack", lastCall: "set_alt 0 1", intf: 0, alt: 1},
		{name: "other interface", setup: setInterface(1, 0), live: []uint8{0x84}, lastOp: "ack", lastCall: "claim 1 0", intf: 1, alt: 0},
		{name: "unknown interface", setup: setInterface(5, 0), live: []uint8{0x84}, lastOp: "stall", lastCall: "claim 1 0", intf: 1, alt: 0},
		{name: "unknown alt", setup: setInterface(0, 9), live: []uint8{0x84}, lastOp: "stall", lastCall: "claim 1 0", intf: 1, alt: 0},
		{name: "back to interface 0", setup: setInterface(0, 0), live: []uint8{0x02, 0x81}, lastOp: "ack", lastCall: "claim 0 0", intf: 0, alt: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.gadget.Control(t, tt.setup)

			assert.Equal(t, tt.live, liveAddresses(h.srv))
			assert.Equal(t, tt.live, sorted(h.gadget.Enabled()))
			ops := h.gadget.Ops()
			assert.Equal(t, tt.lastOp, ops[len(ops)-1])
			calls := h.dev.Calls()
			assert.Equal(t, tt.lastCall, calls[len(calls)-1])
			st := h.srv.Status()
			assert.Equal(t, tt.intf, st.Interface)
			assert.Equal(t, tt.alt, st.AltSetting)
		})
	}

	// Switching interfaces releases the previous one on the device.
	assert.Contains(t, h.dev.Calls(), "release 0")
	assert.Contains(t, h.dev.Calls(), "release 1")
}

func TestSetInterface_Unconfigured(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	h.gadget.Control(t, setInterface(0, 1))
	assert.Equal(t, []string{"stall"}, h.gadget.Ops())
	assert.Empty(t, h.dev.Calls())
}

func TestReset(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	h.gadget.Control(t, setConfiguration(1))
	require.Equal(t, 2, h.srv.Pool().Live())

	h.gadget.Send(t, gadget.Event{Type: gadget.EventReset})

	st := h.srv.Status()
	assert.Equal(t, proxy.StateIdle, st.State)
	assert.Equal(t, uint8(0), st.Configuration)
	assert.Equal(t, 0, h.srv.Pool().Live())
	assert.Empty(t, h.gadget.Enabled())
	assert.Equal(t, []string{"set_configuration 1", "claim 0 0", "reset"}, h.dev.Calls())

	// A second reset while idle does nothing.
	h.gadget.Send(t, gadget.Event{Type: gadget.EventReset})
	assert.Equal(t, 1, count(h.dev.Calls(), "reset"))

	// The host can configure again from scratch.
	h.gadget.Control(t, setConfiguration(1))
	assert.Equal(t, 2, h.srv.Pool().Live())
	assert.Equal(t, []string{"set_configuration 1", "claim 0 0", "reset", "set_configuration 1", "claim 0 0"}, h.dev.Calls())
}

func TestDisconnectAndSuspend(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	h.gadget.Control(t, setConfiguration(1))

	h.gadget.Send(t, gadget.Event{Type: gadget.EventSuspend})
	assert.Equal(t, proxy.StateSuspended, h.srv.Status().State)
	h.gadget.Send(t, gadget.Event{Type: gadget.EventResume})
	assert.Equal(t, proxy.StateConfigured, h.srv.Status().State)

	h.gadget.Send(t, gadget.Event{Type: gadget.EventDisconnect})
	assert.Equal(t, proxy.StateDisconnected, h.srv.Status().State)
	assert.Equal(t, 0, h.srv.Pool().Live())
}

func TestRelay_RoundTrip(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	h.gadget.Control(t, setConfiguration(1))

	in := []byte{0xde, 0xad, 0xbe, 0xef, 0x00}
	h.dev.Feed(0x81, in)
	select {
	case p := <-h.gadget.Written:
		assert.Equal(t, uint8(0x81), p.Addr)
		assert.Equal(t, in, p.Data)
	case <-time.After(time.Second):
		t.Fatal("IN payload not relayed to the host")
	}

	out := []byte{0x01, 0x02, 0x03}
	h.gadget.HostSend(0x02, out)
	select {
	case p := <-h.dev.Written:
		assert.Equal(t, uint8(0x02), p.Addr)
		assert.Equal(t, out, p.Data)
	case <-time.After(time.Second):
		t.Fatal("OUT payload not relayed to the device")
	}

	require.Eventually(t, func() bool {
		for _, ep := range h.srv.Status().Endpoints {
			if ep.Packets != 1 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestRelay_PreservesOrder(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	h.gadget.Control(t, setConfiguration(1))

	for i := 0; i < 50; i++ {
		h.dev.Feed(0x81, []byte{byte(i)})
	}
	for i := 0; i < 50; i++ {
		select {
		case p := <-h.gadget.Written:
			require.Equal(t, []byte{byte(i)}, p.Data)
		case <-time.After(time.Second):
			t.Fatalf("payload %d not relayed", i)
		}
	}
}

func TestRelay_Injection(t *testing.T) {
	engine, err := injection.New(&injection.Rules{
		Bulk: []injection.StreamRule{{
			Enable:         true,
			EPAddress:      0x81,
			ContentPattern: []string{`\x41\x42`},
			Replacement:    `\x58`,
		}},
	})
	require.NoError(t, err)
	h := newHarness(t, proxy.ServerConfig{}, engine)
	h.gadget.Control(t, setConfiguration(1))

	h.dev.Feed(0x81, []byte{0x41, 0x42, 0x43})
	select {
	case p := <-h.gadget.Written:
		assert.Equal(t, []byte{0x58, 0x43}, p.Data)
	case <-time.After(time.Second):
		t.Fatal("payload not relayed")
	}

	// Rules are keyed by endpoint address: OUT 0x02 is untouched.
	h.gadget.HostSend(0x02, []byte{0x41, 0x42, 0x43})
	select {
	case p := <-h.dev.Written:
		assert.Equal(t, []byte{0x41, 0x42, 0x43}, p.Data)
	case <-time.After(time.Second):
		t.Fatal("payload not relayed")
	}
}

func TestRelay_Backpressure(t *testing.T) {
	const depth = 4
	h := newHarness(t, proxy.ServerConfig{QueueDepth: depth}, nil)
	h.gadget.WriteGate = make(chan struct{})

	reads := make(chan struct{}, 100)
	h.dev.ReadFunc = func(ctx context.Context, ep usb.EndpointDescriptor, buf []byte) (int, error) {
		if ep.BEndpointAddress != 0x81 {
			<-ctx.Done()
			return 0, usb.ErrInterrupted
		}
		reads <- struct{}{}
		buf[0] = 0xaa
		return 1, nil
	}
	h.gadget.Control(t, setConfiguration(1))

	// depth queued plus the one the blocked writer holds.
	require.Eventually(t, func() bool { return len(reads) == depth+1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, depth+1, len(reads))

	h.gadget.WriteGate <- struct{}{}
	require.Eventually(t, func() bool { return len(reads) == depth+2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, depth+2, len(reads))
}

func TestControlIn_Forward(t *testing.T) {
	rawDevice := []byte{0x12, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 0x08, 0x34, 0x12, 0x78, 0x56, 0x00, 0x01, 0x01, 0x02, 0x03, 0x01}
	h := newHarness(t, proxy.ServerConfig{EP0MaxPacketSize: 64}, nil)
	h.dev.ControlFunc = func(setup usb.SetupPacket, data []byte) (int, error) {
		return copy(data, rawDevice), nil
	}

	getDevice := usb.SetupPacket{BmRequestType: usb.ReqTypeStandardFromDevice, BRequest: usb.ReqGetDescriptor, WValue: 0x0100, WLength: 18}
	h.gadget.Control(t, getDevice)

	replies := h.gadget.EP0Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, byte(64), replies[0][7])
	assert.Equal(t, rawDevice[8:], replies[0][8:])
	assert.Equal(t, []usb.SetupPacket{getDevice}, h.dev.Controls())

	// Other descriptors are not patched and are cut to wLength.
	getString := usb.SetupPacket{BmRequestType: usb.ReqTypeStandardFromDevice, BRequest: usb.ReqGetDescriptor, WValue: 0x0300, WLength: 4}
	h.gadget.Control(t, getString)
	replies = h.gadget.EP0Replies()
	require.Len(t, replies, 2)
	assert.Equal(t, rawDevice[:4], replies[1])
}

func TestControlIn_DeviceErrorStalls(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	h.dev.ControlFunc = func(usb.SetupPacket, []byte) (int, error) { return 0, usb.ErrStall }

	h.gadget.Control(t, usb.SetupPacket{BmRequestType: 0xc0, BRequest: 0x42, WLength: 8})
	assert.Equal(t, []string{"stall"}, h.gadget.Ops())
}

func TestControl_InjectedStall(t *testing.T) {
	rules := &injection.Rules{}
	rules.Control.Stall = []injection.ControlRule{{
		Enable:       true,
		ControlMatch: injection.ControlMatch{BRequestType: 0x00, BRequest: 0x01},
	}}
	engine, err := injection.New(rules)
	require.NoError(t, err)
	h := newHarness(t, proxy.ServerConfig{}, engine)

	h.gadget.Control(t, usb.SetupPacket{BmRequestType: 0x00, BRequest: 0x01})

	assert.Equal(t, []string{"stall"}, h.gadget.Ops())
	assert.Empty(t, h.dev.Controls())
}

func TestControl_InjectedIgnore(t *testing.T) {
	rules := &injection.Rules{}
	rules.Control.Ignore = []injection.ControlRule{{
		Enable:       true,
		ControlMatch: injection.ControlMatch{BRequestType: 0x40, BRequest: 0x10, WLength: 2},
	}}
	engine, err := injection.New(rules)
	require.NoError(t, err)
	h := newHarness(t, proxy.ServerConfig{}, engine)
	h.gadget.EP0Data = []byte{0x01, 0x02}

	h.gadget.Control(t, usb.SetupPacket{BmRequestType: 0x40, BRequest: 0x10, WLength: 2})

	assert.Equal(t, []string{"read"}, h.gadget.Ops())
	assert.Empty(t, h.dev.Controls())
}

func TestControlOut_WithData(t *testing.T) {
	rules := &injection.Rules{}
	rules.Control.Modify = []injection.ControlRule{{
		Enable:         true,
		ControlMatch:   injection.ControlMatch{BRequestType: 0x21, BRequest: 0x09, WValue: 0x0200, WLength: 3},
		ContentPattern: []string{`\x02`},
		Replacement:    `\x07`,
	}}
	engine, err := injection.New(rules)
	require.NoError(t, err)
	h := newHarness(t, proxy.ServerConfig{}, engine)
	h.gadget.EP0Data = []byte{0x01, 0x02, 0x03}

	var got []byte
	h.dev.ControlFunc = func(setup usb.SetupPacket, data []byte) (int, error) {
		got = append([]byte(nil), data...)
		// The host already saw the data stage acknowledged.
		return 0, usb.ErrStall
	}
	h.gadget.Control(t, usb.SetupPacket{BmRequestType: 0x21, BRequest: 0x09, WValue: 0x0200, WLength: 3})

	assert.Equal(t, []byte{0x01, 0x07, 0x03}, got)
	assert.Equal(t, []string{"read"}, h.gadget.Ops())
}

func TestControlOut_ZeroLength(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	h.gadget.Control(t, setConfiguration(1))

	clearHalt := usb.SetupPacket{BmRequestType: usb.ReqTypeStandardToEndpoint, BRequest: usb.ReqClearFeature, WIndex: 0x81}
	h.gadget.Control(t, clearHalt)
	ops := h.gadget.Ops()
	assert.Equal(t, []string{"clear_halt 0x81", "ack"}, ops[len(ops)-2:])

	h.dev.ControlFunc = func(usb.SetupPacket, []byte) (int, error) { return 0, usb.ErrStall }
	h.gadget.Control(t, usb.SetupPacket{BmRequestType: 0x40, BRequest: 0x01})
	ops = h.gadget.Ops()
	assert.Equal(t, "stall", ops[len(ops)-1])
}

func TestRun_DeviceRemoved(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	removed := make(chan struct{})
	h.dev.ReadFunc = func(ctx context.Context, ep usb.EndpointDescriptor, buf []byte) (int, error) {
		if ep.BEndpointAddress == 0x81 {
			select {
			case <-removed:
				return 0, usb.ErrNoDevice
			case <-ctx.Done():
			}
		}
		<-ctx.Done()
		return 0, usb.ErrInterrupted
	}
	h.gadget.Control(t, setConfiguration(1))
	close(removed)

	select {
	case err := <-h.done:
		h.done <- err
		assert.ErrorIs(t, err, usb.ErrNoDevice)
	case <-time.After(2 * time.Second):
		t.Fatal("server kept running after device removal")
	}
	assert.Empty(t, h.gadget.Enabled())
	assert.Contains(t, h.dev.Calls(), "release 0")
}

func TestRun_Shutdown(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	h.gadget.Control(t, setConfiguration(1))

	err := h.stop(t)
	assert.NoError(t, err)
	assert.False(t, errors.Is(err, usb.ErrNoDevice))
	assert.Equal(t, 0, h.srv.Pool().Live())
	assert.Empty(t, h.gadget.Enabled())
}

func TestNew_RejectsMalformedTree(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name    string
		tree    *usb.Device
		wantErr error
	}{
		{name: "nil", tree: nil, wantErr: usb.ErrNoConfigurations},
		{name: "no configurations", tree: &usb.Device{}, wantErr: usb.ErrNoConfigurations},
		{
			name:    "no interfaces",
			tree:    &usb.Device{Configs: []usb.Config{{Descriptor: usb.ConfigDescriptor{BConfigurationValue: 1}}}},
			wantErr: usb.ErrNoInterfaces,
		},
		{
			name: "endpoint zero",
			tree: &usb.Device{Configs: []usb.Config{{
				Descriptor: usb.ConfigDescriptor{BConfigurationValue: 1},
				Interfaces: []usb.Interface{{AltSettings: []usb.AltSetting{alt(0, 0, bulk(0x80))}}},
			}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := proxy.New(proxy.ServerConfig{}, tt.tree, th.NewFakeDevice(), th.NewFakeGadget(), nil, logger, log.NewRaw(nil))
			require.Error(t, err)
			assert.Nil(t, srv)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestNew_OwnsMirror(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tree := testTree()
	srv, err := proxy.New(proxy.ServerConfig{}, tree, th.NewFakeDevice(), th.NewFakeGadget(), nil, logger, log.NewRaw(nil))
	require.NoError(t, err)

	tree.Configs[0].Interfaces = nil
	assert.Len(t, srv.Descriptors().Configs[0].Interfaces, 2)
}

func TestWorker_DeviceReadErrors(t *testing.T) {
	tests := []struct {
		name       string
		setups     []usb.SetupPacket
		addr       uint8
		err        error
		wantErrors uint64
	}{
		{name: "bulk stall", addr: 0x81, err: usb.ErrStall, wantErrors: 1},
		{name: "bulk failure", addr: 0x81, err: errors.New("overflow"), wantErrors: 1},
		{name: "idle timeout", addr: 0x81, err: fmt.Errorf("bulk ep 0x81: %w", usb.ErrTimeout), wantErrors: 0},
		{name: "isochronous failure", setups: []usb.SetupPacket{setInterface(1, 0)}, addr: 0x84, err: errors.New("overflow"), wantErrors: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, proxy.ServerConfig{}, nil)
			payload := []byte{0x10, 0x20}
			var calls atomic.Int32
			h.dev.ReadFunc = func(ctx context.Context, ep usb.EndpointDescriptor, buf []byte) (int, error) {
				if ep.BEndpointAddress == tt.addr {
					switch calls.Add(1) {
					case 1:
						return 0, tt.err
					case 2:
						return copy(buf, payload), nil
					}
				}
				<-ctx.Done()
				return 0, usb.ErrInterrupted
			}
			h.gadget.Control(t, setConfiguration(1))
			for _, setup := range tt.setups {
				h.gadget.Control(t, setup)
			}

			// The failed read is dropped and the next one still flows.
			select {
			case p := <-h.gadget.Written:
				assert.Equal(t, tt.addr, p.Addr)
				assert.Equal(t, payload, p.Data)
			case <-time.After(time.Second):
				t.Fatal("reader stopped after a device error")
			}
			require.Eventually(t, func() bool {
				ep, ok := lookupEndpoint(h.srv, tt.addr)
				return ok && ep.Packets == 1
			}, time.Second, 5*time.Millisecond)
			assert.Equal(t, tt.wantErrors, endpointStatus(t, h.srv, tt.addr).Errors)

			select {
			case err := <-h.done:
				h.done <- err
				t.Fatalf("server stopped: %v", err)
			default:
			}
		})
	}
}

func TestWorker_DeviceWriteErrorDropsTransfer(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	written := make(chan []byte, 4)
	var calls atomic.Int32
	h.dev.WriteFunc = func(ctx context.Context, ep usb.EndpointDescriptor, data []byte) (int, error) {
		if calls.Add(1) == 1 {
			return 0, usb.ErrStall
		}
		written <- append([]byte(nil), data...)
		return len(data), nil
	}
	h.gadget.Control(t, setConfiguration(1))

	h.gadget.HostSend(0x02, []byte{0x01})
	h.gadget.HostSend(0x02, []byte{0x02})

	select {
	case got := <-written:
		assert.Equal(t, []byte{0x02}, got)
	case <-time.After(time.Second):
		t.Fatal("writer stopped after a device error")
	}
	assert.Equal(t, uint64(1), endpointStatus(t, h.srv, 0x02).Errors)
	assert.Equal(t, 2, h.srv.Pool().Live())
}

func TestWorker_GadgetBusyRetries(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	var (
		mu       sync.Mutex
		attempts [][]byte
	)
	h.gadget.WriteFunc = func(addr uint8, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, data)
		if len(attempts) == 1 {
			return fmt.Errorf("ep write: %w", usb.ErrBusy)
		}
		return nil
	}
	h.gadget.Control(t, setConfiguration(1))

	h.dev.Feed(0x81, []byte{0xaa, 0xbb})
	select {
	case p := <-h.gadget.Written:
		assert.Equal(t, []byte{0xaa, 0xbb}, p.Data)
	case <-time.After(time.Second):
		t.Fatal("busy write was not retried")
	}
	select {
	case p := <-h.gadget.Written:
		t.Fatalf("transfer delivered twice: %x", p.Data)
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	assert.Equal(t, [][]byte{{0xaa, 0xbb}, {0xaa, 0xbb}}, attempts)
	mu.Unlock()
	assert.Equal(t, uint64(0), endpointStatus(t, h.srv, 0x81).Errors)
}

func TestWorker_GadgetFailureEndsRun(t *testing.T) {
	h := newHarness(t, proxy.ServerConfig{}, nil)
	broken := errors.New("ep write: input/output error")
	h.gadget.WriteFunc = func(uint8, []byte) error { return broken }
	h.gadget.Control(t, setConfiguration(1))

	h.dev.Feed(0x81, []byte{0x01})

	select {
	case err := <-h.done:
		h.done <- err
		assert.ErrorIs(t, err, broken)
		assert.False(t, errors.Is(err, usb.ErrNoDevice))
	case <-time.After(2 * time.Second):
		t.Fatal("server kept running after a fatal gadget error")
	}
	assert.Equal(t, 0, h.srv.Pool().Live())
	assert.Empty(t, h.gadget.Enabled())
}
