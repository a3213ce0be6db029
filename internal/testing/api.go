package testing

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/AristoChen/usb-proxy/injection"
	"github.com/AristoChen/usb-proxy/internal/server/api"
	"github.com/AristoChen/usb-proxy/internal/server/proxy"
	"github.com/AristoChen/usb-proxy/usb"
)

// FakeSource is a static api.Source.
type FakeSource struct {
	State proxy.Status
	Tree  *usb.Device
	Set   *injection.Rules
}

func (s *FakeSource) Status() proxy.Status { return s.State }

func (s *FakeSource) Descriptors() *usb.Device { return s.Tree }

func (s *FakeSource) Rules() *injection.Rules { return s.Set }

// StartAPIServer starts an API server on a free port and calls register to allow
// the caller to register the handlers needed for the test. Returns the address
// and a function to call when done.
func StartAPIServer(t *testing.T, register func(r *api.Router, apiSrv *api.Server)) (addr string, apiSrv *api.Server, done func()) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	apiSrv = api.New("127.0.0.1:0", api.ServerConfig{ConnectionTimeout: 2 * time.Second}, logger)
	if register != nil {
		register(apiSrv.Router(), apiSrv)
	}
	if err := apiSrv.Start(); err != nil {
		t.Fatalf("api start failed: %v", err)
	}
	done = func() {
		apiSrv.Close()
		time.Sleep(10 * time.Millisecond)
	}
	return apiSrv.Addr(), apiSrv, done
}

// ExecCmd dials the API server, sends cmd and reads the full response.
// The command should not include a trailing newline. Returns the response
// without the trailing newline.
func ExecCmd(t *testing.T, addr string, cmd string) string {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	_, _ = fmt.Fprintf(c, "%s\x00", cmd)

	r := bufio.NewReader(c)
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		t.Fatalf("read failed: %v", err)
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
}
