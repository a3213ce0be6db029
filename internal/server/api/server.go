// Package api serves the read-only status protocol of a running proxy.
//
// A request is `<path>[ SP <payload>] \x00`; the reply is one JSON line,
// either the handler's response or a problem+json apitypes.ApiError.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/AristoChen/usb-proxy/injection"
	"github.com/AristoChen/usb-proxy/internal/server/proxy"
	"github.com/AristoChen/usb-proxy/usb"
)

// Source is the proxied session reported on by the API.
type Source interface {
	Status() proxy.Status
	Descriptors() *usb.Device
	Rules() *injection.Rules
}

var wsRegex = regexp.MustCompile(`\s`)

// Server implements a small TCP API for inspecting the proxy.
type Server struct {
	addr   string
	ln     net.Listener
	logger *slog.Logger
	router *Router
	config ServerConfig

	mu  sync.RWMutex
	src Source
}

// New creates an API server listening on addr once started.
func New(addr string, config ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		addr:   addr,
		logger: logger,
		config: config,
		router: NewRouter(),
	}
}

// Router returns the router used by the API server so callers can register handlers.
func (a *Server) Router() *Router { return a.router }

// Config returns the server configuration.
func (a *Server) Config() ServerConfig { return a.config }

// Attach sets the session handlers report on. A nil src detaches it.
func (a *Server) Attach(src Source) {
	a.mu.Lock()
	a.src = src
	a.mu.Unlock()
}

// Source returns the attached session, nil while waiting for a device.
func (a *Server) Source() Source {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.src
}

// Addr returns the bound listen address, or the configured one before Start.
func (a *Server) Addr() string {
	if a.ln != nil {
		return a.ln.Addr().String()
	}
	return a.addr
}

// Start listens on the configured address and serves incoming API commands.
func (a *Server) Start() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.ln = ln
	a.logger.Info("API listening", "addr", ln.Addr().String())
	go a.serve()
	return nil
}

// Close stops the API server.
func (a *Server) Close() {
	if a.ln != nil {
		_ = a.ln.Close()
	}
}

func (a *Server) serve() {
	for {
		c, err := a.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				a.logger.Info("API server stopped")
				return
			}
			a.logger.Info("API accept error", "error", err)
			return
		}
		go a.handleConn(c)
	}
}

func (a *Server) writeError(w io.Writer, err error) {
	problemJSON, _ := json.Marshal(WrapError(err))
	fmt.Fprintf(w, "%s\n", string(problemJSON))
}

func (a *Server) writeOK(w io.Writer, rest string) {
	if rest == "" {
		fmt.Fprintln(w)
	} else {
		fmt.Fprintf(w, "%s\n", rest)
	}
}

func (a *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	connLogger := a.logger.With("remote", conn.RemoteAddr().String())
	if a.config.ConnectionTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(a.config.ConnectionTimeout))
	}
	r := bufio.NewReader(conn)

	reqData, err := r.ReadString('\x00')
	if err != nil {
		if err == io.EOF {
			connLogger.Error("api incomplete request (no null terminator)")
		} else {
			connLogger.Error("read api data", "error", err)
		}
		return
	}
	reqData = strings.TrimSuffix(reqData, "\x00")
	if reqData == "" {
		connLogger.Error("api empty command")
		a.writeError(conn, ErrBadRequest("empty request"))
		return
	}

	path, payload := reqData, ""
	if loc := wsRegex.FindStringIndex(reqData); loc != nil {
		path, payload = reqData[:loc[0]], reqData[loc[1]:]
	}
	if path == "" {
		connLogger.Error("api empty path")
		a.writeError(conn, ErrBadRequest("empty path"))
		return
	}

	path = strings.ToLower(path)
	connLogger.Debug("api cmd", "path", path)

	h, params := a.router.Match(path)
	if h == nil {
		connLogger.Error("api unknown path", "path", path)
		a.writeError(conn, ErrNotFound(fmt.Sprintf("unknown path: %s", path)))
		return
	}
	req := &Request{Ctx: connCtx, Params: params, Payload: payload}
	res := &Response{}
	if err := h(req, res, connLogger); err != nil {
		connLogger.Error("api handler error", "path", path, "error", err)
		a.writeError(conn, err)
		return
	}
	connLogger.Debug("api handler success", "path", path)
	a.writeOK(conn, res.JSON)
}
