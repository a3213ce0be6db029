package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	apitypes "github.com/AristoChen/usb-proxy/apitypes"
)

// Client provides a high-level interface to the status API, handling request
// formatting, response parsing, and error handling.
type Client struct{ transport *Transport }

// New constructs a high-level API client for the server at addr (host:port).
func New(addr string) *Client { return &Client{transport: NewTransport(addr)} }

// NewWithConfig constructs a client with custom transport timeouts.
func NewWithConfig(addr string, cfg *Config) *Client {
	return &Client{transport: NewTransportWithConfig(addr, cfg)}
}

// WithTransport constructs a Client using a custom Transport implementation.
func WithTransport(t *Transport) *Client { return &Client{transport: t} }

// Ping returns the version and identity of the server.
func (c *Client) Ping() (*apitypes.PingResponse, error) {
	return c.PingCtx(context.Background())
}

func (c *Client) PingCtx(ctx context.Context) (*apitypes.PingResponse, error) {
	return get[apitypes.PingResponse](ctx, c.transport, "ping")
}

// Session reports the proxied device and the host's current selection.
func (c *Client) Session() (*apitypes.SessionResponse, error) {
	return c.SessionCtx(context.Background())
}

func (c *Client) SessionCtx(ctx context.Context) (*apitypes.SessionResponse, error) {
	return get[apitypes.SessionResponse](ctx, c.transport, "session")
}

// EndpointsList lists the endpoints being relayed with their counters.
func (c *Client) EndpointsList() (*apitypes.EndpointsListResponse, error) {
	return c.EndpointsListCtx(context.Background())
}

func (c *Client) EndpointsListCtx(ctx context.Context) (*apitypes.EndpointsListResponse, error) {
	return get[apitypes.EndpointsListResponse](ctx, c.transport, "endpoints/list")
}

// RulesList counts the enabled injection rules.
func (c *Client) RulesList() (*apitypes.RulesListResponse, error) {
	return c.RulesListCtx(context.Background())
}

func (c *Client) RulesListCtx(ctx context.Context) (*apitypes.RulesListResponse, error) {
	return get[apitypes.RulesListResponse](ctx, c.transport, "rules/list")
}

func get[T any](ctx context.Context, t *Transport, path string) (*T, error) {
	raw, err := t.DoCtx(ctx, path, nil, nil)
	if err != nil {
		return nil, err
	}
	return parse[T](raw)
}

func parse[T any](data string) (*T, error) {
	if data == "" {
		return nil, errors.New("empty response")
	}
	var problem apitypes.ApiError
	if err := json.Unmarshal([]byte(data), &problem); err == nil && (problem.Status != 0 || problem.Title != "") {
		return nil, &problem
	}
	var out T
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}
