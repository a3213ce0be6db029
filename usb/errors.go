package usb

import "errors"

// Transport errors shared by the device and gadget sides. Implementations wrap
// their native errors so callers can classify them with errors.Is.
var (
	// ErrNoDevice means the peer disappeared; workers exit and the session ends.
	ErrNoDevice = errors.New("usb: no device")
	// ErrTimeout means a bounded transfer expired without data.
	ErrTimeout = errors.New("usb: timeout")
	// ErrStall means the endpoint answered with a STALL handshake.
	ErrStall = errors.New("usb: stall")
	// ErrInterrupted means a blocking call was aborted on request.
	ErrInterrupted = errors.New("usb: interrupted")
	// ErrBusy covers transient gadget conditions that are retried.
	ErrBusy = errors.New("usb: busy")
)
