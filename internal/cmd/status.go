package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/AristoChen/usb-proxy/apiclient"
)

// Status queries the status API of a running proxy and prints the reply.
type Status struct {
	What    string        `arg:"" optional:"" default:"session" enum:"ping,session,endpoints,rules" help:"What to show"`
	Addr    string        `help:"Status API address of the running proxy" default:"127.0.0.1:3242" env:"USB_PROXY_API_ADDR"`
	Timeout time.Duration `help:"Request timeout" default:"3s"`
}

// Run is called by Kong when the status command is executed.
func (s *Status) Run() error {
	return s.print(os.Stdout)
}

func (s *Status) print(w io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	c := apiclient.New(s.Addr)
	var (
		out any
		err error
	)
	switch s.What {
	case "ping":
		out, err = c.PingCtx(ctx)
	case "endpoints":
		out, err = c.EndpointsListCtx(ctx)
	case "rules":
		out, err = c.RulesListCtx(ctx)
	default:
		out, err = c.SessionCtx(ctx)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", s.What, err)
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
