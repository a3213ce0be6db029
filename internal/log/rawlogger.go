package log

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// RawLogger dumps relayed endpoint payloads.
type RawLogger interface {
	// Log records data moved on endpoint ep. in is true for device to host.
	Log(ep uint8, in bool, data []byte)
}

type rawLogger struct {
	w  io.Writer
	mu sync.Mutex
}

// NewRaw creates a RawLogger writing to w. A nil w discards everything.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w}
}

// Log emits one line with timestamp, endpoint, direction and hex dump.
func (r *rawLogger) Log(ep uint8, in bool, data []byte) {
	if r.w == nil || len(data) == 0 {
		return
	}
	dir := "H->D"
	if in {
		dir = "D->H"
	}
	line := fmt.Sprintf("%s EP%02x %s %d bytes, hex: % x\n",
		time.Now().Format("2006/01/02 15:04:05.000"),
		ep,
		dir,
		len(data),
		data)

	r.mu.Lock()
	_, _ = io.WriteString(r.w, line)
	r.mu.Unlock()
}
