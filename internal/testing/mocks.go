// Package testing provides in-memory device and gadget transports for
// exercising the proxy without hardware.
package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AristoChen/usb-proxy/gadget"
	"github.com/AristoChen/usb-proxy/usb"
)

// Packet is a payload observed on an endpoint.
type Packet struct {
	Addr uint8
	Data []byte
}

func interrupted(op string) error { return fmt.Errorf("%s: %w", op, usb.ErrInterrupted) }

func clone(b []byte) []byte { return append([]byte(nil), b...) }

// FakeDevice is a scripted device transport. IN endpoints are fed through
// Feed; OUT writes arrive on Written.
type FakeDevice struct {
	// ControlFunc answers control transfers; nil answers every request with
	// zero bytes.
	ControlFunc func(setup usb.SetupPacket, data []byte) (int, error)
	// ReadFunc overrides Feed-based IN reads when set.
	ReadFunc func(ctx context.Context, ep usb.EndpointDescriptor, buf []byte) (int, error)
	// WriteFunc overrides OUT writes when set; nothing reaches Written then.
	WriteFunc func(ctx context.Context, ep usb.EndpointDescriptor, data []byte) (int, error)
	// Errors makes the named selection call fail ("set_configuration",
	// "claim", "set_alt", "release", "reset").
	Errors map[string]error

	Written chan Packet

	mu       sync.Mutex
	calls    []string
	controls []usb.SetupPacket
	feeds    map[uint8]chan []byte
}

func NewFakeDevice() *FakeDevice {
	return &FakeDevice{
		Written: make(chan Packet, 256),
		feeds:   map[uint8]chan []byte{},
	}
}

func (d *FakeDevice) feed(addr uint8) chan []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.feeds[addr]
	if !ok {
		ch = make(chan []byte, 256)
		d.feeds[addr] = ch
	}
	return ch
}

// Feed queues data to be returned by the next read of IN endpoint addr.
func (d *FakeDevice) Feed(addr uint8, data []byte) { d.feed(addr) <- clone(data) }

func (d *FakeDevice) record(call string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	for op, err := range d.Errors {
		if len(call) >= len(op) && call[:len(op)] == op {
			return err
		}
	}
	return nil
}

// Calls returns the selection calls made so far, e.g. "claim 0 0".
func (d *FakeDevice) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Controls returns the control requests forwarded so far.
func (d *FakeDevice) Controls() []usb.SetupPacket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]usb.SetupPacket(nil), d.controls...)
}

func (d *FakeDevice) Control(ctx context.Context, setup usb.SetupPacket, data []byte) (int, error) {
	d.mu.Lock()
	d.controls = append(d.controls, setup)
	fn := d.ControlFunc
	d.mu.Unlock()
	if fn == nil {
		return 0, nil
	}
	return fn(setup, data)
}

func (d *FakeDevice) Read(ctx context.Context, ep usb.EndpointDescriptor, buf []byte) (int, error) {
	if d.ReadFunc != nil {
		return d.ReadFunc(ctx, ep, buf)
	}
	select {
	case data := <-d.feed(ep.BEndpointAddress):
		return copy(buf, data), nil
	case <-ctx.Done():
		return 0, interrupted("read")
	}
}

func (d *FakeDevice) Write(ctx context.Context, ep usb.EndpointDescriptor, data []byte) (int, error) {
	if d.WriteFunc != nil {
		return d.WriteFunc(ctx, ep, data)
	}
	select {
	case d.Written <- Packet{Addr: ep.BEndpointAddress, Data: clone(data)}:
		return len(data), nil
	case <-ctx.Done():
		return 0, interrupted("write")
	}
}

func (d *FakeDevice) SetConfiguration(value uint8) error {
	return d.record(fmt.Sprintf("set_configuration %d", value))
}

func (d *FakeDevice) ClaimInterface(number, alt uint8) error {
	return d.record(fmt.Sprintf("claim %d %d", number, alt))
}

func (d *FakeDevice) SetAltSetting(number, alt uint8) error {
	return d.record(fmt.Sprintf("set_alt %d %d", number, alt))
}

func (d *FakeDevice) ReleaseInterface(number uint8) error {
	return d.record(fmt.Sprintf("release %d", number))
}

func (d *FakeDevice) Reset() error { return d.record("reset") }

// FakeGadget is a scripted gadget transport. Tests push events with Send,
// which returns once the server has finished handling the event.
type FakeGadget struct {
	// EP0Data is returned by the next EP0 data-stage read.
	EP0Data []byte
	// WriteGate, when set, must yield once per IN endpoint write.
	WriteGate chan struct{}
	// WriteFunc, when set, is consulted before each IN endpoint write. A non-nil
	// error fails the write and nothing reaches Written.
	WriteFunc func(addr uint8, data []byte) error

	Written chan Packet

	events  chan gadget.Event
	handled chan struct{}

	mu        sync.Mutex
	delivered bool
	ops       []string
	ep0       [][]byte
	nextEP    int
	enabled   map[int]usb.EndpointDescriptor
	hostOut   map[uint8]chan []byte
}

func NewFakeGadget() *FakeGadget {
	return &FakeGadget{
		Written: make(chan Packet, 256),
		events:  make(chan gadget.Event),
		handled: make(chan struct{}, 1),
		enabled: map[int]usb.EndpointDescriptor{},
		hostOut: map[uint8]chan []byte{},
	}
}

// Send delivers ev and waits until the server asks for the next event.
func (g *FakeGadget) Send(t testing.TB, ev gadget.Event) {
	t.Helper()
	select {
	case g.events <- ev:
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not fetch event %s", ev.Type)
	}
	select {
	case <-g.handled:
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not finish handling event %s", ev.Type)
	}
}

// Control sends a control event carrying setup.
func (g *FakeGadget) Control(t testing.TB, setup usb.SetupPacket) {
	t.Helper()
	g.Send(t, gadget.Event{Type: gadget.EventControl, Setup: setup})
}

// HostSend queues data written by the host to OUT endpoint addr.
func (g *FakeGadget) HostSend(addr uint8, data []byte) { g.out(addr) <- clone(data) }

func (g *FakeGadget) out(addr uint8) chan []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.hostOut[addr]
	if !ok {
		ch = make(chan []byte, 256)
		g.hostOut[addr] = ch
	}
	return ch
}

func (g *FakeGadget) op(s string) {
	g.mu.Lock()
	g.ops = append(g.ops, s)
	g.mu.Unlock()
}

// Ops returns the EP0 and endpoint operations so far: "ack", "stall",
// "write", "read", "configure", "vbus 50", "enable 0x81", "disable 0x81",
// "clear_halt 0x81".
func (g *FakeGadget) Ops() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.ops...)
}

// EP0Replies returns the payloads written to EP0.
func (g *FakeGadget) EP0Replies() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]byte(nil), g.ep0...)
}

// Enabled returns the addresses of enabled endpoints.
func (g *FakeGadget) Enabled() []uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []uint8
	for _, d := range g.enabled {
		out = append(out, d.BEndpointAddress)
	}
	return out
}

func (g *FakeGadget) FetchEvent(ctx context.Context) (gadget.Event, error) {
	g.mu.Lock()
	pending := g.delivered
	g.delivered = false
	g.mu.Unlock()
	if pending {
		g.handled <- struct{}{}
	}
	select {
	case ev := <-g.events:
		g.mu.Lock()
		g.delivered = true
		g.mu.Unlock()
		return ev, nil
	case <-ctx.Done():
		return gadget.Event{}, interrupted("fetch event")
	}
}

func (g *FakeGadget) EP0Read(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		g.op("ack")
		return 0, nil
	}
	g.op("read")
	g.mu.Lock()
	defer g.mu.Unlock()
	return copy(buf, g.EP0Data), nil
}

func (g *FakeGadget) EP0Write(ctx context.Context, data []byte) (int, error) {
	g.op("write")
	g.mu.Lock()
	g.ep0 = append(g.ep0, clone(data))
	g.mu.Unlock()
	return len(data), nil
}

func (g *FakeGadget) EP0Stall() error {
	g.op("stall")
	return nil
}

func (g *FakeGadget) Configure() error {
	g.op("configure")
	return nil
}

func (g *FakeGadget) VbusDraw(power uint8) error {
	g.op(fmt.Sprintf("vbus %d", power))
	return nil
}

func (g *FakeGadget) EndpointEnable(desc usb.EndpointDescriptor) (int, error) {
	g.op(fmt.Sprintf("enable 0x%02x", desc.BEndpointAddress))
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextEP++
	g.enabled[g.nextEP] = desc
	return g.nextEP, nil
}

func (g *FakeGadget) EndpointDisable(handle int) error {
	g.mu.Lock()
	desc, ok := g.enabled[handle]
	delete(g.enabled, handle)
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("disable: unknown handle %d", handle)
	}
	g.op(fmt.Sprintf("disable 0x%02x", desc.BEndpointAddress))
	return nil
}

func (g *FakeGadget) EndpointClearHalt(handle int) error {
	g.mu.Lock()
	desc := g.enabled[handle]
	g.mu.Unlock()
	g.op(fmt.Sprintf("clear_halt 0x%02x", desc.BEndpointAddress))
	return nil
}

func (g *FakeGadget) address(handle int) uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled[handle].BEndpointAddress
}

func (g *FakeGadget) EndpointRead(ctx context.Context, handle int, buf []byte) (int, error) {
	select {
	case data := <-g.out(g.address(handle)):
		return copy(buf, data), nil
	case <-ctx.Done():
		return 0, interrupted("ep read")
	}
}

func (g *FakeGadget) EndpointWrite(ctx context.Context, handle int, data []byte) (int, error) {
	if g.WriteGate != nil {
		select {
		case <-g.WriteGate:
		case <-ctx.Done():
			return 0, interrupted("ep write")
		}
	}
	addr := g.address(handle)
	if g.WriteFunc != nil {
		if err := g.WriteFunc(addr, clone(data)); err != nil {
			return 0, err
		}
	}
	select {
	case g.Written <- Packet{Addr: addr, Data: clone(data)}:
		return len(data), nil
	case <-ctx.Done():
		return 0, interrupted("ep write")
	}
}
