package proxy

import "time"

// ServerConfig represents the relay tuning of the proxy subcommand.
type ServerConfig struct {
	QueueDepth       int           `help:"Pending transfers per endpoint before the reader pauses" default:"32" env:"USB_PROXY_QUEUE_DEPTH"`
	ControlTimeout   time.Duration `help:"Timeout of control requests forwarded to the device" default:"1s" env:"USB_PROXY_CONTROL_TIMEOUT"`
	EP0MaxPacketSize uint8         `name:"ep0-max-packet-size" help:"Raise bMaxPacketSize0 in device descriptor replies to at least this value; 0 to disable" default:"0" env:"USB_PROXY_EP0_MAX_PACKET_SIZE"`
	BusyBackoff      time.Duration `kong:"-"`
}

const (
	defaultQueueDepth     = 32
	defaultControlTimeout = time.Second
	defaultBusyBackoff    = time.Millisecond
)

func (c ServerConfig) withDefaults() ServerConfig {
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = defaultControlTimeout
	}
	if c.BusyBackoff <= 0 {
		c.BusyBackoff = defaultBusyBackoff
	}
	return c
}
