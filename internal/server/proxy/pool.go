package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/AristoChen/usb-proxy/injection"
	"github.com/AristoChen/usb-proxy/internal/log"
	"github.com/AristoChen/usb-proxy/usb"
)

// endpoint is the pool's handle on one relayed endpoint: its gadget handle,
// queue and the reader/writer pair moving data through it.
type endpoint struct {
	desc   usb.EndpointDescriptor
	handle int
	queue  *queue
	cancel context.CancelFunc
	wg     sync.WaitGroup

	packets atomic.Uint64
	bytes   atomic.Uint64
	errors  atomic.Uint64
}

// EndpointStatus reports counters of one live endpoint.
type EndpointStatus struct {
	Address uint8
	Type    usb.TransferType
	In      bool
	Handle  int
	Pending int
	Packets uint64
	Bytes   uint64
	Errors  uint64
}

// Pool owns the relay workers of the active altsettings. Activate and
// Deactivate are called from the EP0 goroutine only; Endpoints and HandleFor
// may be called from anywhere.
type Pool struct {
	cfg       ServerConfig
	dev       DeviceTransport
	gadget    GadgetTransport
	engine    *injection.Engine
	logger    *slog.Logger
	rawLogger log.RawLogger
	// fail is invoked by workers on device removal or a fatal gadget error.
	fail func(error)

	mu     sync.Mutex
	groups map[uint8][]*endpoint
}

// NewPool creates an empty pool.
func NewPool(cfg ServerConfig, dev DeviceTransport, g GadgetTransport, engine *injection.Engine, fail func(error), logger *slog.Logger, rawLogger log.RawLogger) *Pool {
	if fail == nil {
		fail = func(error) {}
	}
	return &Pool{
		cfg:       cfg.withDefaults(),
		dev:       dev,
		gadget:    g,
		engine:    engine,
		logger:    logger,
		rawLogger: rawLogger,
		fail:      fail,
		groups:    map[uint8][]*endpoint{},
	}
}

// Activate enables every endpoint of alt on the gadget and starts its reader
// and writer. On failure everything started so far is torn down again.
func (p *Pool) Activate(ctx context.Context, alt usb.AltSetting) error {
	number := alt.Descriptor.BInterfaceNumber
	p.mu.Lock()
	_, exists := p.groups[number]
	p.mu.Unlock()
	if exists {
		return fmt.Errorf("interface %d already has live workers", number)
	}

	var started []*endpoint
	for _, desc := range alt.Endpoints {
		ep, err := p.start(ctx, desc)
		if err != nil {
			p.stop(started)
			return err
		}
		started = append(started, ep)
	}

	p.mu.Lock()
	p.groups[number] = started
	p.mu.Unlock()
	p.logger.Debug("Activated altsetting",
		"interface", number,
		"alt", alt.Descriptor.BAlternateSetting,
		"endpoints", len(started))
	return nil
}

func (p *Pool) start(ctx context.Context, desc usb.EndpointDescriptor) (*endpoint, error) {
	if desc.Number() == 0 {
		return nil, fmt.Errorf("endpoint 0x%02x: control endpoint cannot be relayed", desc.BEndpointAddress)
	}
	handle, err := p.gadget.EndpointEnable(desc)
	if err != nil {
		return nil, fmt.Errorf("enable gadget endpoint 0x%02x: %w", desc.BEndpointAddress, err)
	}
	wctx, cancel := context.WithCancel(ctx)
	ep := &endpoint{
		desc:   desc,
		handle: handle,
		queue:  newQueue(p.cfg.QueueDepth),
		cancel: cancel,
	}
	w := &worker{pool: p, ep: ep, logger: p.logger.With("ep", fmt.Sprintf("0x%02x", desc.BEndpointAddress), "type", desc.TransferType().String())}
	ep.wg.Add(2)
	go func() {
		defer ep.wg.Done()
		w.readLoop(wctx)
	}()
	go func() {
		defer ep.wg.Done()
		w.writeLoop(wctx)
	}()
	p.logger.Info("Relaying endpoint",
		"ep", fmt.Sprintf("0x%02x", desc.BEndpointAddress),
		"type", desc.TransferType().String(),
		"dir", dirString(desc.In()),
		"maxPacket", desc.MaxPacket(),
		"handle", handle)
	return ep, nil
}

// stop cancels, joins and disables eps.
func (p *Pool) stop(eps []*endpoint) {
	for _, ep := range eps {
		ep.cancel()
	}
	for _, ep := range eps {
		ep.wg.Wait()
		if err := p.gadget.EndpointDisable(ep.handle); err != nil {
			p.logger.Debug("Disable gadget endpoint failed", "ep", fmt.Sprintf("0x%02x", ep.desc.BEndpointAddress), "error", err)
		}
		if n := ep.queue.Len(); n > 0 {
			p.logger.Debug("Dropped pending transfers", "ep", fmt.Sprintf("0x%02x", ep.desc.BEndpointAddress), "count", n)
		}
	}
}

// Deactivate stops the workers of interface number and disables its gadget
// endpoints. It returns once every worker has exited.
func (p *Pool) Deactivate(number uint8) {
	p.mu.Lock()
	eps, ok := p.groups[number]
	delete(p.groups, number)
	p.mu.Unlock()
	if !ok {
		return
	}
	p.stop(eps)
	p.logger.Debug("Deactivated interface", "interface", number, "endpoints", len(eps))
}

// DeactivateAll stops every worker in the pool.
func (p *Pool) DeactivateAll() {
	p.mu.Lock()
	groups := p.groups
	p.groups = map[uint8][]*endpoint{}
	p.mu.Unlock()
	for number, eps := range groups {
		p.stop(eps)
		p.logger.Debug("Deactivated interface", "interface", number, "endpoints", len(eps))
	}
}

// Live returns the number of endpoints with a running worker pair.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, eps := range p.groups {
		n += len(eps)
	}
	return n
}

// HandleFor returns the gadget handle of a live endpoint address.
func (p *Pool) HandleFor(address uint8) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, eps := range p.groups {
		for _, ep := range eps {
			if ep.desc.BEndpointAddress == address {
				return ep.handle, true
			}
		}
	}
	return 0, false
}

// Endpoints reports every live endpoint ordered by address.
func (p *Pool) Endpoints() []EndpointStatus {
	p.mu.Lock()
	var out []EndpointStatus
	for _, eps := range p.groups {
		for _, ep := range eps {
			out = append(out, EndpointStatus{
				Address: ep.desc.BEndpointAddress,
				Type:    ep.desc.TransferType(),
				In:      ep.desc.In(),
				Handle:  ep.handle,
				Pending: ep.queue.Len(),
				Packets: ep.packets.Load(),
				Bytes:   ep.bytes.Load(),
				Errors:  ep.errors.Load(),
			})
		}
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
