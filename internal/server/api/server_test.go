package api_test

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AristoChen/usb-proxy/apitypes"
	"github.com/AristoChen/usb-proxy/internal/server/api"
	th "github.com/AristoChen/usb-proxy/internal/testing"
)

func TestAPIServer_Framing(t *testing.T) {
	addr, _, done := th.StartAPIServer(t, func(r *api.Router, _ *api.Server) {
		r.Register("echo/{word}", func(req *api.Request, res *api.Response, _ *slog.Logger) error {
			res.JSON = fmt.Sprintf(`{"word":%q,"payload":%q}`, req.Params["word"], req.Payload)
			return nil
		})
		r.Register("fail", func(*api.Request, *api.Response, *slog.Logger) error {
			return errors.New("boom")
		})
		r.Register("missing", func(*api.Request, *api.Response, *slog.Logger) error {
			return fmt.Errorf("lookup: %w", api.ErrNotFound("nothing here"))
		})
	})
	defer done()

	tests := []struct {
		name string
		cmd  string
		want string
	}{
		{"params and payload", "ECHO/Hi some\npayload", `{"word":"hi","payload":"some\npayload"}`},
		{"no payload", "echo/x", `{"word":"x","payload":""}`},
		{"unknown", "nope", `{"status":404,"title":"Not Found","detail":"unknown path: nope"}`},
		{"empty", "", `{"status":400,"title":"Bad Request","detail":"empty request"}`},
		{"empty path", " payload", `{"status":400,"title":"Bad Request","detail":"empty path"}`},
		{"plain error", "fail", `{"status":500,"title":"Internal Server Error","detail":"boom"}`},
		{"wrapped api error", "missing", `{"status":404,"title":"Not Found","detail":"nothing here"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, th.ExecCmd(t, addr, tt.cmd))
		})
	}
}

func TestAPIServer_NoTerminator(t *testing.T) {
	addr, _, done := th.StartAPIServer(t, nil)
	defer done()

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("session"))
	require.NoError(t, err)
	require.NoError(t, c.(*net.TCPConn).CloseWrite())

	buf := make([]byte, 1)
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	_, readErr := c.Read(buf)
	assert.Error(t, readErr)
}

func TestWrapError(t *testing.T) {
	assert.Nil(t, api.WrapError(nil))
	assert.Equal(t, &apitypes.ApiError{Status: 500, Title: "Internal Server Error", Detail: "x"}, api.WrapError(errors.New("x")))
	ae := api.ErrBadRequest("bad")
	assert.Same(t, ae, api.WrapError(ae))
}
