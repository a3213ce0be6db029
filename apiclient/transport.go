package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"
)

// Config holds the per-request timeouts of a Transport. A zero timeout
// disables that deadline.
type Config struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		DialTimeout:  3 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Responder answers requests of a mock Transport with a raw response line.
type Responder func(path string, payload any, pathParams map[string]string) (string, error)

// Transport talks to the proxy's status port. Each request opens a fresh
// connection, sends `<path>[ SP <payload>]` followed by a NUL byte and reads
// the one-line reply until the server closes the connection.
type Transport struct {
	addr string
	cfg  Config
	mock Responder
}

// NewTransport creates a transport for the status API at addr.
func NewTransport(addr string) *Transport { return NewTransportWithConfig(addr, nil) }

// NewTransportWithConfig creates a transport with custom timeouts; a nil cfg
// uses the defaults.
func NewTransportWithConfig(addr string, cfg *Config) *Transport {
	t := &Transport{addr: addr, cfg: defaultConfig()}
	if cfg != nil {
		t.cfg = *cfg
	}
	return t
}

// NewMockTransport creates a transport answered by fn instead of the network.
func NewMockTransport(fn Responder) *Transport {
	return &Transport{addr: "mock", cfg: defaultConfig(), mock: fn}
}

// Do sends one request and returns the reply without its trailing newline.
// A []byte or string payload is sent verbatim, anything else as JSON, and nil
// sends the bare path.
func (t *Transport) Do(path string, payload any, pathParams map[string]string) (string, error) {
	return t.DoCtx(context.Background(), path, payload, pathParams)
}

// DoCtx is Do bounded by ctx as well as the configured timeouts.
func (t *Transport) DoCtx(ctx context.Context, path string, payload any, pathParams map[string]string) (string, error) {
	if t.mock != nil {
		return t.mock(path, payload, pathParams)
	}
	req, err := encodeRequest(expandPath(path, pathParams), payload)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("dial %s: %w", t.addr, err)
	}

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", t.addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if t.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	if _, err := conn.Write(req); err != nil {
		return "", fmt.Errorf("write request: %w", err)
	}
	if t.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
	reply, err := io.ReadAll(conn)
	if err != nil && len(reply) == 0 {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return strings.TrimSuffix(string(reply), "\n"), nil
}

// encodeRequest frames path and payload into one NUL-terminated request.
func encodeRequest(path string, payload any) ([]byte, error) {
	var body []byte
	switch p := payload.(type) {
	case nil:
	case []byte:
		body = p
	case string:
		body = []byte(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = b
	}
	req := make([]byte, 0, len(path)+len(body)+2)
	req = append(req, path...)
	if len(body) > 0 {
		req = append(req, ' ')
		req = append(req, body...)
	}
	return append(req, 0), nil
}

// expandPath substitutes {name} placeholders; routes are matched lowercase.
func expandPath(pattern string, params map[string]string) string {
	for k, v := range params {
		pattern = strings.ReplaceAll(pattern, "{"+k+"}", url.PathEscape(v))
	}
	return strings.ToLower(pattern)
}
