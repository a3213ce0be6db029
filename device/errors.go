package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"

	"github.com/AristoChen/usb-proxy/usb"
)

// ErrNotFound is returned by Open when no matching device is attached.
var ErrNotFound = errors.New("device: no matching device found")

// mapErr wraps gousb errors so callers can test them against the usb sentinels.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	// Per-transfer timeouts are context deadlines; shutdown is a cancel.
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w (%w)", op, usb.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w (%w)", op, usb.ErrInterrupted, err)
	}
	var ue gousb.Error
	if errors.As(err, &ue) {
		switch ue {
		case gousb.ErrorNoDevice:
			return fmt.Errorf("%s: %w (%w)", op, usb.ErrNoDevice, err)
		case gousb.ErrorTimeout:
			return fmt.Errorf("%s: %w (%w)", op, usb.ErrTimeout, err)
		case gousb.ErrorPipe:
			return fmt.Errorf("%s: %w (%w)", op, usb.ErrStall, err)
		case gousb.ErrorInterrupted:
			return fmt.Errorf("%s: %w (%w)", op, usb.ErrInterrupted, err)
		case gousb.ErrorBusy:
			return fmt.Errorf("%s: %w (%w)", op, usb.ErrBusy, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var ts gousb.TransferStatus
	if errors.As(err, &ts) {
		switch ts {
		case gousb.TransferNoDevice:
			return fmt.Errorf("%s: %w (%w)", op, usb.ErrNoDevice, err)
		case gousb.TransferTimedOut:
			return fmt.Errorf("%s: %w (%w)", op, usb.ErrTimeout, err)
		case gousb.TransferStall:
			return fmt.Errorf("%s: %w (%w)", op, usb.ErrStall, err)
		case gousb.TransferCancelled:
			return fmt.Errorf("%s: %w (%w)", op, usb.ErrInterrupted, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
