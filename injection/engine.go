package injection

import (
	"bytes"

	"github.com/AristoChen/usb-proxy/usb"
)

// MaxPayload is the relay buffer capacity. A substitution that would grow a
// payload past it is skipped.
const MaxPayload = 1024

// Action is what the caller must do with a control transfer after evaluation.
type Action int

const (
	ActionPass Action = iota
	ActionIgnore
	ActionStall
)

func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "ignore"
	case ActionStall:
		return "stall"
	}
	return "pass"
}

// Class selects the stream rule list.
type Class int

const (
	ClassBulk Class = iota
	ClassInterrupt
	ClassIsoc
)

// ClassOf maps an endpoint transfer type to its rule class.
func ClassOf(t usb.TransferType) (Class, bool) {
	switch t {
	case usb.TransferBulk:
		return ClassBulk, true
	case usb.TransferInterrupt:
		return ClassInterrupt, true
	case usb.TransferIsochronous:
		return ClassIsoc, true
	}
	return 0, false
}

// Engine evaluates an immutable rule set. A nil *Engine passes everything
// through unchanged, which is the behaviour with injection disabled. It is
// safe for concurrent use.
type Engine struct {
	rules *Rules
}

// New compiles rules into an engine.
func New(rules *Rules) (*Engine, error) {
	if rules == nil {
		rules = &Rules{}
	}
	if err := rules.compile(); err != nil {
		return nil, err
	}
	return &Engine{rules: rules}, nil
}

// Rules returns the rule document the engine was built from.
func (e *Engine) Rules() *Rules {
	if e == nil {
		return nil
	}
	return e.rules
}

// Control evaluates the control rules for one request. Stall rules are
// checked first, then ignore rules; the first match of either decides the
// action. Otherwise every matching modify rule is applied in order. The
// returned slice may alias payload when nothing changed.
func (e *Engine) Control(setup usb.SetupPacket, payload []byte) ([]byte, Action) {
	if e == nil {
		return payload, ActionPass
	}
	c := &e.rules.Control
	for i := range c.Stall {
		if c.Stall[i].matches(setup) {
			return payload, ActionStall
		}
	}
	for i := range c.Ignore {
		if c.Ignore[i].matches(setup) {
			return payload, ActionIgnore
		}
	}
	out := payload
	for i := range c.Modify {
		r := &c.Modify[i]
		if !r.matches(setup) {
			continue
		}
		if next, changed := substitute(out, r.patterns, r.replacement); changed {
			out = next
		}
	}
	return out, ActionPass
}

// Stream evaluates the rules of class for the endpoint address. Rules apply in
// declared order and the first rule that changes the payload ends evaluation.
func (e *Engine) Stream(class Class, epAddress uint8, payload []byte) []byte {
	if e == nil {
		return payload
	}
	var list []StreamRule
	switch class {
	case ClassBulk:
		list = e.rules.Bulk
	case ClassInterrupt:
		list = e.rules.Interrupt
	case ClassIsoc:
		list = e.rules.Isoc
	}
	for i := range list {
		r := &list[i]
		if !r.Enable || uint8(r.EPAddress) != epAddress {
			continue
		}
		if out, changed := substitute(payload, r.patterns, r.replacement); changed {
			return out
		}
	}
	return payload
}

func (r *ControlRule) matches(s usb.SetupPacket) bool {
	return r.Enable &&
		r.BRequestType == s.BmRequestType &&
		r.BRequest == s.BRequest &&
		r.WValue == s.WValue &&
		r.WIndex == s.WIndex &&
		r.WLength == s.WLength
}

// substitute replaces every occurrence of each pattern, in pattern order.
// Scanning resumes after the inserted replacement so a replacement containing
// its own pattern terminates.
func substitute(data []byte, patterns [][]byte, replacement []byte) ([]byte, bool) {
	changed := false
	for _, pattern := range patterns {
		grow := len(replacement) - len(pattern)
		for pos := 0; pos <= len(data); {
			idx := bytes.Index(data[pos:], pattern)
			if idx < 0 {
				break
			}
			at := pos + idx
			if len(data)+grow > MaxPayload {
				pos = at + len(pattern)
				continue
			}
			next := make([]byte, 0, len(data)+grow)
			next = append(next, data[:at]...)
			next = append(next, replacement...)
			next = append(next, data[at+len(pattern):]...)
			data = next
			changed = true
			pos = at + len(replacement)
		}
	}
	return data, changed
}
