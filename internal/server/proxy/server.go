// Package proxy is the relay core: the EP0 state machine driven by gadget
// events and the pool of per-endpoint workers moving data between the real
// device and the downstream host.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AristoChen/usb-proxy/gadget"
	"github.com/AristoChen/usb-proxy/injection"
	"github.com/AristoChen/usb-proxy/internal/log"
	"github.com/AristoChen/usb-proxy/usb"
)

// Server drives one proxied session. Run is the only goroutine touching the
// transports' selection state; Status may be called concurrently.
type Server struct {
	cfg    ServerConfig
	tree   *usb.Device
	dev    DeviceTransport
	gadget GadgetTransport
	engine *injection.Engine
	logger *slog.Logger
	parser *Parser
	pool   *Pool
	sess   *session

	failMu  sync.Mutex
	failErr error
	cancel  context.CancelFunc
}

// New creates a server relaying between dev and g. tree is the descriptor
// tree read from dev; the server keeps its own mirror of it and fails when the
// tree cannot be presented to a host. A nil engine disables injection.
func New(cfg ServerConfig, tree *usb.Device, dev DeviceTransport, g GadgetTransport, engine *injection.Engine, logger *slog.Logger, rawLogger log.RawLogger) (*Server, error) {
	mirror, err := usb.Mirror(tree)
	if err != nil {
		return nil, fmt.Errorf("mirror descriptors: %w", err)
	}
	s := &Server{
		cfg:    cfg.withDefaults(),
		tree:   mirror,
		dev:    dev,
		gadget: g,
		engine: engine,
		logger: logger,
		parser: NewParser(logger),
		sess:   newSession(),
	}
	s.pool = NewPool(s.cfg, dev, g, engine, s.fail, logger, rawLogger)
	return s, nil
}

// Pool returns the endpoint pool of the server.
func (s *Server) Pool() *Pool { return s.pool }

// Descriptors returns the mirrored descriptor tree.
func (s *Server) Descriptors() *usb.Device { return s.tree }

// Rules returns the injection rules in force, nil when injection is disabled.
func (s *Server) Rules() *injection.Rules { return s.engine.Rules() }

// Status returns a snapshot of the session and its live endpoints.
func (s *Server) Status() Status {
	st := s.sess.status(s.tree)
	st.Endpoints = s.pool.Endpoints()
	return st
}

// Run processes gadget events until ctx is cancelled, the device goes away or
// a fatal gadget error occurs. Every worker has exited when Run returns. The
// error wraps usb.ErrNoDevice when the device was removed.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.failMu.Lock()
	s.cancel = cancel
	s.failMu.Unlock()

	s.logger.Info("EP0 loop started")
	err := s.loop(runCtx)
	s.teardown()
	s.logger.Info("EP0 loop stopped")

	if ferr := s.failure(); ferr != nil {
		return ferr
	}
	return err
}

func (s *Server) loop(ctx context.Context) error {
	for {
		ev, err := s.gadget.FetchEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, usb.ErrInterrupted) || errors.Is(err, usb.ErrBusy) {
				continue
			}
			return fmt.Errorf("fetch event: %w", err)
		}
		s.parser.Event(ev)
		if err := s.handle(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, ev gadget.Event) error {
	switch ev.Type {
	case gadget.EventConnect:
		s.sess.connect()
		s.logger.Info("Host connected")
	case gadget.EventSuspend:
		s.sess.suspend()
		s.logger.Info("Bus suspended")
	case gadget.EventResume:
		s.sess.resume()
		s.logger.Info("Bus resumed")
	case gadget.EventReset, gadget.EventDisconnect:
		s.reset(ev.Type)
	case gadget.EventControl:
		return s.control(ctx, ev.Setup)
	default:
		s.logger.Debug("Ignoring gadget event", "event", ev.Type.String())
	}
	return nil
}

// reset drops the active configuration after a bus reset or disconnect. It is
// a no-op while unconfigured.
func (s *Server) reset(ev gadget.EventType) {
	defer func() {
		if ev == gadget.EventDisconnect {
			s.sess.setState(StateDisconnected)
		}
	}()
	config, _, _ := s.sess.get()
	if config < 0 {
		s.sess.connect()
		return
	}
	s.logger.Info("Dropping configuration", "event", ev.String())
	s.pool.DeactivateAll()
	if err := s.dev.Reset(); err != nil {
		s.logger.Warn("Device reset failed", "error", err)
		if errors.Is(err, usb.ErrNoDevice) {
			s.fail(err)
		}
	}
	s.sess.clear()
}

// teardown stops every worker and releases the claimed interface.
func (s *Server) teardown() {
	config, intf, _ := s.sess.get()
	s.pool.DeactivateAll()
	if config >= 0 && intf >= 0 {
		number := s.tree.Configs[config].Interfaces[intf].Number()
		if err := s.dev.ReleaseInterface(number); err != nil {
			s.logger.Debug("Release interface failed", "interface", number, "error", err)
		}
	}
	s.sess.clear()
}

// fail records the first fatal worker error and stops Run.
func (s *Server) fail(err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.failErr == nil {
		s.failErr = err
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Server) failure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failErr
}

// activate claims interface intf at altsetting alt on the device, then starts
// its workers.
func (s *Server) activate(ctx context.Context, config, intf, alt int, claimed bool) error {
	interfaces := s.tree.Configs[config].Interfaces
	if intf < 0 || intf >= len(interfaces) || alt < 0 || alt >= len(interfaces[intf].AltSettings) {
		return fmt.Errorf("interface index %d alt index %d: %w", intf, alt, usb.ErrNoInterfaces)
	}
	iface := interfaces[intf]
	setting := iface.AltSettings[alt]
	number := iface.Number()
	value := setting.Descriptor.BAlternateSetting

	var err error
	if claimed {
		err = s.dev.SetAltSetting(number, value)
	} else {
		err = s.dev.ClaimInterface(number, value)
	}
	if err != nil {
		return fmt.Errorf("select interface %d alt %d: %w", number, value, err)
	}
	if err := s.pool.Activate(ctx, setting); err != nil {
		if rerr := s.dev.ReleaseInterface(number); rerr != nil {
			s.logger.Debug("Release interface failed", "interface", number, "error", rerr)
		}
		return err
	}
	s.sess.selectAlt(intf, alt)
	return nil
}

// deconfigure stops the workers of the active configuration and releases its
// interface.
func (s *Server) deconfigure() {
	config, intf, _ := s.sess.get()
	if config < 0 {
		return
	}
	s.pool.DeactivateAll()
	if intf >= 0 {
		number := s.tree.Configs[config].Interfaces[intf].Number()
		if err := s.dev.ReleaseInterface(number); err != nil {
			s.logger.Debug("Release interface failed", "interface", number, "error", err)
		}
	}
	s.sess.clear()
}
