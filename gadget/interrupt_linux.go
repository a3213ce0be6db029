//go:build linux

package gadget

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/AristoChen/usb-proxy/usb"
)

// interruptRetry is how often a blocked thread is signalled until it returns.
// A signal delivered just before the thread enters the kernel wait is lost, so
// one is not enough.
const interruptRetry = time.Millisecond

// interruptible runs a blocking ioctl that returns early when ctx is done.
//
// raw-gadget waits interruptibly, so a signal aimed at the blocked thread makes
// the call fail with EINTR (event fetch) or ECONNRESET (endpoint I/O, after the
// kernel dequeues the request). SIGURG is used because the Go runtime already
// installs a handler for it and ignores spurious deliveries.
func interruptible(ctx context.Context, call func() (int, error)) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", usb.ErrInterrupted, err)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pid, tid := unix.Getpid(), unix.Gettid()

	// finished is set under mu before the thread is unlocked, so no signal
	// reaches a thread that has moved on to another goroutine.
	var (
		mu       sync.Mutex
		finished bool
	)
	stop := context.AfterFunc(ctx, func() {
		t := time.NewTicker(interruptRetry)
		defer t.Stop()
		for {
			mu.Lock()
			if finished {
				mu.Unlock()
				return
			}
			_ = unix.Tgkill(pid, tid, unix.SIGURG)
			mu.Unlock()
			<-t.C
		}
	})
	defer func() {
		stop()
		mu.Lock()
		finished = true
		mu.Unlock()
	}()

	for {
		n, err := call()
		// EINTR without cancellation is a stray signal; the fetch has no side
		// effects so it is simply repeated.
		if err != nil && errors.Is(err, unix.EINTR) && ctx.Err() == nil {
			continue
		}
		return n, err
	}
}
