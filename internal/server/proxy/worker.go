package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AristoChen/usb-proxy/injection"
	"github.com/AristoChen/usb-proxy/usb"
)

// worker is the reader/writer pair of one endpoint. For an IN endpoint the
// device is the source and the gadget the sink; OUT is the reverse.
type worker struct {
	pool   *Pool
	ep     *endpoint
	logger *slog.Logger
}

// step tells a loop how to continue after an error.
type step int

const (
	stepRetry step = iota
	stepDrop
	stepExit
)

func (w *worker) readLoop(ctx context.Context) {
	w.logger.Debug("Reader started")
	defer w.logger.Debug("Reader stopped")
	for {
		// Reserve room first so nothing is read from the source while the
		// queue is full.
		if err := w.ep.queue.reserve(ctx); err != nil {
			return
		}
		t, err := w.receive(ctx)
		if err != nil {
			w.ep.queue.unreserve()
			if w.classify(ctx, err, true) == stepExit {
				return
			}
			continue
		}
		if t == nil {
			w.ep.queue.unreserve()
			continue
		}
		w.ep.queue.push(t)
		w.logger.Log(ctx, traceLevel, "Enqueued transfer", "len", t.Len(), "pending", w.ep.queue.Len())
	}
}

// receive reads one transfer from the source side and applies injection.
// It returns nil without error when there is nothing to enqueue.
func (w *worker) receive(ctx context.Context) (*Transfer, error) {
	t := &Transfer{}
	desc := w.ep.desc
	var err error
	if desc.In() {
		size := desc.MaxPacket()
		if size <= 0 || size > len(t.buf) {
			size = len(t.buf)
		}
		t.n, err = w.pool.dev.Read(ctx, desc, t.buf[:size])
		if err != nil {
			return nil, err
		}
		// Zero-length device reads are not relayed.
		if t.n == 0 {
			return nil, nil
		}
	} else {
		t.n, err = w.pool.gadget.EndpointRead(ctx, w.ep.handle, t.buf[:])
		if err != nil {
			return nil, err
		}
	}
	if class, ok := injection.ClassOf(desc.TransferType()); ok {
		out := w.pool.engine.Stream(class, desc.BEndpointAddress, t.Bytes())
		if len(out) > len(t.buf) {
			out = out[:len(t.buf)]
		}
		if n := copy(t.buf[:], out); n != t.n {
			w.logger.Debug("Payload rewritten", "from", t.n, "to", n)
			t.n = n
		}
	}
	return t, nil
}

func (w *worker) writeLoop(ctx context.Context) {
	w.logger.Debug("Writer started")
	defer w.logger.Debug("Writer stopped")
	for {
		t, err := w.ep.queue.pop(ctx)
		if err != nil {
			return
		}
		if !w.forward(ctx, t) {
			return
		}
	}
}

// forward sends t to the sink side, retrying while the sink is busy. It
// returns false when the loop must exit.
func (w *worker) forward(ctx context.Context, t *Transfer) bool {
	desc := w.ep.desc
	w.pool.rawLogger.Log(desc.BEndpointAddress, desc.In(), t.Bytes())
	for {
		var n int
		var err error
		if desc.In() {
			n, err = w.pool.gadget.EndpointWrite(ctx, w.ep.handle, t.Bytes())
		} else {
			n, err = w.pool.dev.Write(ctx, desc, t.Bytes())
		}
		if err == nil {
			w.ep.packets.Add(1)
			w.ep.bytes.Add(uint64(n))
			w.logger.Log(ctx, traceLevel, "Forwarded transfer", "len", n)
			return true
		}
		switch w.classify(ctx, err, false) {
		case stepExit:
			return false
		case stepDrop:
			return true
		}
	}
}

// classify decides what a loop does after err. Device removal and fatal
// gadget errors are reported to the pool owner.
func (w *worker) classify(ctx context.Context, err error, reading bool) step {
	if ctx.Err() != nil || errors.Is(err, usb.ErrInterrupted) {
		return stepExit
	}
	// The side that failed: IN reads and OUT writes touch the device.
	deviceSide := w.ep.desc.In() == reading
	if deviceSide {
		return w.deviceError(ctx, err)
	}
	return w.gadgetError(ctx, err)
}

func (w *worker) deviceError(ctx context.Context, err error) step {
	switch {
	case errors.Is(err, usb.ErrNoDevice):
		w.logger.Warn("Device removed", "error", err)
		w.pool.fail(fmt.Errorf("endpoint 0x%02x: %w", w.ep.desc.BEndpointAddress, err))
		return stepExit
	case errors.Is(err, usb.ErrTimeout):
		// An idle IN endpoint times out routinely.
		if w.ep.desc.In() {
			return stepDrop
		}
	}
	w.ep.errors.Add(1)
	if w.ep.desc.TransferType() == usb.TransferIsochronous {
		w.logger.Debug("Dropped isochronous transfer", "error", err)
		return stepDrop
	}
	w.logger.Warn("Device transfer failed", "error", err)
	w.pause(ctx)
	return stepDrop
}

func (w *worker) gadgetError(ctx context.Context, err error) step {
	switch {
	case errors.Is(err, usb.ErrBusy):
		w.pause(ctx)
		return stepRetry
	case errors.Is(err, usb.ErrNoDevice):
		// The gadget endpoint went away with a bus reset; EP0 tears us down.
		w.logger.Debug("Gadget endpoint gone", "error", err)
		return stepExit
	}
	w.ep.errors.Add(1)
	w.logger.Error("Gadget transfer failed", "error", err)
	w.pool.fail(fmt.Errorf("endpoint 0x%02x: %w", w.ep.desc.BEndpointAddress, err))
	return stepExit
}

func (w *worker) pause(ctx context.Context) {
	timer := time.NewTimer(w.pool.cfg.BusyBackoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
