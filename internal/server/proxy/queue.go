package proxy

import (
	"context"

	"github.com/AristoChen/usb-proxy/injection"
)

// Transfer is one relayed payload. The reader fills it and pushes it; after
// the push only the writer touches it.
type Transfer struct {
	buf [injection.MaxPayload]byte
	n   int
}

func newTransfer(payload []byte) *Transfer {
	t := &Transfer{}
	t.n = copy(t.buf[:], payload)
	return t
}

// Bytes returns the payload.
func (t *Transfer) Bytes() []byte { return t.buf[:t.n] }

// Len returns the payload length.
func (t *Transfer) Len() int { return t.n }

// queue is the bounded FIFO between the reader and the writer of one
// endpoint. A reader reserves a slot before it reads from its source, so at
// most depth transfers are ever pending and nothing read is dropped for lack
// of room.
type queue struct {
	slots chan struct{}
	items chan *Transfer
}

func newQueue(depth int) *queue {
	return &queue{
		slots: make(chan struct{}, depth),
		items: make(chan *Transfer, depth),
	}
}

// reserve blocks until a slot is free or ctx is done.
func (q *queue) reserve(ctx context.Context) error {
	select {
	case q.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// unreserve returns a slot that was reserved but not used.
func (q *queue) unreserve() { <-q.slots }

// push enqueues t into a reserved slot. It never blocks.
func (q *queue) push(t *Transfer) { q.items <- t }

// pop blocks until a transfer is available or ctx is done, then frees its slot.
func (q *queue) pop(ctx context.Context) (*Transfer, error) {
	select {
	case t := <-q.items:
		<-q.slots
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of pending transfers.
func (q *queue) Len() int { return len(q.items) }
