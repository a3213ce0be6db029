package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/AristoChen/usb-proxy/injection"
	"github.com/AristoChen/usb-proxy/usb"
)

func (s *Server) control(ctx context.Context, setup usb.SetupPacket) error {
	switch {
	case setup.IsSetConfiguration():
		return s.setConfiguration(ctx, setup)
	case setup.IsSetInterface():
		return s.setInterface(ctx, setup)
	case setup.In():
		return s.controlIn(ctx, setup)
	default:
		return s.controlOut(ctx, setup)
	}
}

func (s *Server) setConfiguration(ctx context.Context, setup usb.SetupPacket) error {
	value := uint8(setup.WValue)
	if value == 0 {
		s.logger.Info("Host deconfigured the device")
		s.deconfigure()
		return s.ack(ctx)
	}
	idx, ok := s.tree.FindConfig(value)
	if !ok {
		s.logger.Warn("Ignoring SET_CONFIGURATION with unknown value", "value", value)
		return s.stall()
	}

	cfg := s.tree.Configs[idx]
	if len(cfg.Interfaces) == 0 {
		s.logger.Warn("Ignoring SET_CONFIGURATION of a configuration without interfaces", "value", value)
		return s.stall()
	}

	current, _, _ := s.sess.get()
	if current == idx {
		// The device transport keeps the current selection, so the claimed
		// interface and the workers stay valid.
		s.logger.Debug("Configuration already active", "value", value)
		if err := s.dev.SetConfiguration(value); err != nil {
			s.logger.Warn("Device rejected SET_CONFIGURATION", "value", value, "error", err)
		}
		return s.ack(ctx)
	}

	if current >= 0 {
		s.logger.Info("Changing configuration", "value", value)
	}
	s.deconfigure()

	if err := s.ep0Err("configure gadget", s.gadget.Configure()); err != nil {
		return err
	}
	if err := s.ep0Err("vbus draw", s.gadget.VbusDraw(cfg.Descriptor.BMaxPower)); err != nil {
		return err
	}
	if err := s.dev.SetConfiguration(value); err != nil {
		s.logger.Warn("Device rejected SET_CONFIGURATION", "value", value, "error", err)
		s.deviceGone(err)
		return s.stall()
	}
	s.sess.configure(idx, len(cfg.Interfaces))
	if err := s.activate(ctx, idx, 0, 0, false); err != nil {
		s.logger.Warn("Activating first interface failed", "value", value, "error", err)
		s.deviceGone(err)
		return s.stall()
	}
	s.logger.Info("Configuration active", "value", value, "interfaces", len(cfg.Interfaces), "endpoints", s.pool.Live())
	return s.ack(ctx)
}

func (s *Server) setInterface(ctx context.Context, setup usb.SetupPacket) error {
	config, current, alts := s.sess.get()
	if config < 0 {
		s.logger.Warn("Ignoring SET_INTERFACE while unconfigured")
		return s.stall()
	}
	cfg := s.tree.Configs[config]
	number, value := uint8(setup.WIndex), uint8(setup.WValue)
	intf, ok := cfg.FindInterface(number)
	if !ok {
		s.logger.Warn("Ignoring SET_INTERFACE with unknown interface", "interface", number)
		return s.stall()
	}
	alt, ok := cfg.Interfaces[intf].FindAlt(value)
	if !ok {
		s.logger.Warn("Ignoring SET_INTERFACE with unknown altsetting", "interface", number, "alt", value)
		return s.stall()
	}

	if intf == current && alt == alts[intf] {
		if err := s.dev.SetAltSetting(number, value); err != nil {
			s.logger.Warn("Device rejected SET_INTERFACE", "interface", number, "alt", value, "error", err)
		}
		return s.ack(ctx)
	}

	if current >= 0 {
		prev := cfg.Interfaces[current].Number()
		s.pool.Deactivate(prev)
		if current != intf {
			s.logger.Info("Changing interface", "from", prev, "to", number)
			if err := s.dev.ReleaseInterface(prev); err != nil {
				s.logger.Debug("Release interface failed", "interface", prev, "error", err)
			}
		}
	}
	s.sess.selectAlt(-1, 0)
	if err := s.activate(ctx, config, intf, alt, current == intf); err != nil {
		s.logger.Warn("Activating altsetting failed", "interface", number, "alt", value, "error", err)
		s.deviceGone(err)
		return s.stall()
	}
	s.logger.Info("Altsetting active", "interface", number, "alt", value, "endpoints", s.pool.Live())
	return s.ack(ctx)
}

// controlIn forwards a device-to-host request and relays the response.
func (s *Server) controlIn(ctx context.Context, setup usb.SetupPacket) error {
	switch _, action := s.engine.Control(setup, nil); action {
	case injection.ActionStall:
		s.logger.Info("Injected stall", "setup", setup.String())
		return s.stall()
	case injection.ActionIgnore:
		s.logger.Info("Ignored control request", "setup", setup.String())
		return s.reply(ctx, nil)
	}

	buf := make([]byte, setup.WLength)
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ControlTimeout)
	n, err := s.dev.Control(cctx, setup, buf)
	cancel()
	if err != nil {
		s.logger.Debug("Device failed control request", "setup", setup.String(), "error", err)
		s.deviceGone(err)
		return s.stall()
	}

	resp, _ := s.engine.Control(setup, buf[:n])
	if len(resp) > int(setup.WLength) {
		resp = resp[:setup.WLength]
	}
	if s.cfg.EP0MaxPacketSize > 0 && setup.IsGetDeviceDescriptor() {
		usb.ForceMaxPacketSize0(resp, s.cfg.EP0MaxPacketSize)
	}
	return s.reply(ctx, resp)
}

// controlOut forwards a host-to-device request. A data stage is read from
// the gadget first, which acknowledges it to the host; a device failure after
// that can only be logged. Zero-length requests go to the device first so a
// device stall is reflected.
func (s *Server) controlOut(ctx context.Context, setup usb.SetupPacket) error {
	_, action := s.engine.Control(setup, nil)
	if action == injection.ActionStall {
		s.logger.Info("Injected stall", "setup", setup.String())
		return s.stall()
	}

	if setup.WLength == 0 {
		if action == injection.ActionIgnore {
			s.logger.Info("Ignored control request", "setup", setup.String())
			return s.ack(ctx)
		}
		if err := s.forwardOut(ctx, setup, nil); err != nil {
			s.logger.Debug("Device failed control request", "setup", setup.String(), "error", err)
			s.deviceGone(err)
			return s.stall()
		}
		if isClearHalt(setup) {
			s.clearGadgetHalt(uint8(setup.WIndex))
		}
		return s.ack(ctx)
	}

	buf := make([]byte, setup.WLength)
	n, err := s.gadget.EP0Read(ctx, buf)
	if err != nil {
		return s.ep0Err("ep0 read", err)
	}
	if action == injection.ActionIgnore {
		s.logger.Info("Ignored control request", "setup", setup.String())
		return nil
	}
	payload, _ := s.engine.Control(setup, buf[:n])
	if err := s.forwardOut(ctx, setup, payload); err != nil {
		s.logger.Warn("Device failed acknowledged control request", "setup", setup.String(), "error", err)
		s.deviceGone(err)
	}
	return nil
}

func (s *Server) forwardOut(ctx context.Context, setup usb.SetupPacket, payload []byte) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ControlTimeout)
	defer cancel()
	_, err := s.dev.Control(cctx, setup, payload)
	return err
}

func isClearHalt(setup usb.SetupPacket) bool {
	return setup.BmRequestType == usb.ReqTypeStandardToEndpoint &&
		setup.BRequest == usb.ReqClearFeature &&
		setup.WValue == usb.FeatureEndpointHalt
}

func (s *Server) clearGadgetHalt(address uint8) {
	handle, ok := s.pool.HandleFor(address)
	if !ok {
		return
	}
	if err := s.gadget.EndpointClearHalt(handle); err != nil {
		s.logger.Debug("Clear gadget halt failed", "ep", fmt.Sprintf("0x%02x", address), "error", err)
	}
}

// deviceGone ends the session when err reports device removal.
func (s *Server) deviceGone(err error) {
	if errors.Is(err, usb.ErrNoDevice) {
		s.fail(err)
	}
}

// ack completes the status stage of a request without data.
func (s *Server) ack(ctx context.Context) error {
	_, err := s.gadget.EP0Read(ctx, nil)
	return s.ep0Err("ep0 ack", err)
}

func (s *Server) reply(ctx context.Context, data []byte) error {
	n, err := s.gadget.EP0Write(ctx, data)
	if err != nil {
		return s.ep0Err("ep0 write", err)
	}
	s.logger.Log(ctx, traceLevel, "EP0 reply", "len", n)
	return nil
}

func (s *Server) stall() error {
	return s.ep0Err("ep0 stall", s.gadget.EP0Stall())
}

// ep0Err filters gadget errors: transient conditions are logged and the
// caller carries on; anything else is fatal to the session.
func (s *Server) ep0Err(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, usb.ErrBusy) || errors.Is(err, usb.ErrInterrupted) || errors.Is(err, usb.ErrNoDevice) {
		s.logger.Debug("Transient gadget error", "op", op, "error", err)
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
