package proxy

import (
	"sync"

	"github.com/AristoChen/usb-proxy/usb"
)

// State is the protocol state of the proxied session.
type State int

const (
	StateDisconnected State = iota
	StateIdle
	StateConfigured
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateSuspended:
		return "suspended"
	}
	return "unknown"
}

// session tracks the selection made by the downstream host. Only the EP0
// goroutine writes it; the mutex lets status readers take a consistent copy.
type session struct {
	mu        sync.RWMutex
	state     State
	suspended State
	// config indexes tree.Configs, -1 when unconfigured.
	config int
	// intf indexes Config.Interfaces of the interface with live workers.
	intf int
	// alts holds the selected altsetting index per interface index.
	alts []int
}

func newSession() *session {
	return &session{state: StateDisconnected, config: -1, intf: -1}
}

func (s *session) get() (config, intf int, alts []int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config, s.intf, append([]int(nil), s.alts...)
}

func (s *session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) connect() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

func (s *session) suspend() {
	s.mu.Lock()
	if s.state != StateSuspended {
		s.suspended = s.state
		s.state = StateSuspended
	}
	s.mu.Unlock()
}

func (s *session) resume() {
	s.mu.Lock()
	if s.state == StateSuspended {
		s.state = s.suspended
	}
	s.mu.Unlock()
}

// configure marks config active with every interface at altsetting 0.
func (s *session) configure(config int, interfaces int) {
	s.mu.Lock()
	s.state = StateConfigured
	s.config = config
	s.intf = -1
	s.alts = make([]int, interfaces)
	s.mu.Unlock()
}

func (s *session) selectAlt(intf, alt int) {
	s.mu.Lock()
	s.intf = intf
	if intf >= 0 && intf < len(s.alts) {
		s.alts[intf] = alt
	}
	s.mu.Unlock()
}

// clear drops the configuration and returns to idle.
func (s *session) clear() {
	s.mu.Lock()
	s.state = StateIdle
	s.config = -1
	s.intf = -1
	s.alts = nil
	s.mu.Unlock()
}

// Status is a point-in-time view of the proxy session.
type Status struct {
	State State
	// Configuration is the active bConfigurationValue, 0 when unconfigured.
	Configuration uint8
	// Interface is the bInterfaceNumber with live workers, -1 when none.
	Interface  int
	AltSetting uint8
	Endpoints  []EndpointStatus
}

func (s *session) status(tree *usb.Device) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{State: s.state, Interface: -1}
	if s.config < 0 || s.config >= len(tree.Configs) {
		return st
	}
	cfg := tree.Configs[s.config]
	st.Configuration = cfg.Descriptor.BConfigurationValue
	if s.intf >= 0 && s.intf < len(cfg.Interfaces) {
		intf := cfg.Interfaces[s.intf]
		st.Interface = int(intf.Number())
		if alt := s.alts[s.intf]; alt < len(intf.AltSettings) {
			st.AltSetting = intf.AltSettings[alt].Descriptor.BAlternateSetting
		}
	}
	return st
}
