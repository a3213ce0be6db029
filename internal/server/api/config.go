package api

import "time"

// ServerConfig represents the status API configuration.
type ServerConfig struct {
	Addr              string        `help:"Status API listen address; empty disables it" default:"127.0.0.1:3242" env:"USB_PROXY_API_ADDR"`
	ConnectionTimeout time.Duration `help:"Read deadline for one API request" default:"5s" env:"USB_PROXY_API_CONNECTION_TIMEOUT"`
}
