// Package config holds the root command line of usb-proxy.
package config

import "github.com/AristoChen/usb-proxy/internal/cmd"

// CLI is the kong root. Every flag can also come from a JSON, YAML or TOML
// configuration file.
type CLI struct {
	Config  string `help:"Configuration file (JSON, YAML or TOML)" type:"path" env:"USB_PROXY_CONFIG"`
	Log     Log    `embed:"" prefix:"log."`
	Verbose int    `short:"v" type:"counter" help:"Increase log verbosity (-v debug, -vv trace)"`

	Proxy     cmd.Proxy         `cmd:"" default:"withargs" help:"Proxy a USB device to a host through raw-gadget"`
	Status    cmd.Status        `cmd:"" help:"Query a running proxy"`
	ConfigCmd cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration helpers"`
	Install   cmd.Install       `cmd:"" help:"Install usb-proxy as a systemd service"`
	Uninstall cmd.Uninstall     `cmd:"" help:"Remove the usb-proxy systemd service"`
}

type Log struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"USB_PROXY_LOG_LEVEL"`
	File    string `help:"Also write logs to this file" env:"USB_PROXY_LOG_FILE"`
	RawFile string `help:"Write hex dumps of relayed payloads to this file" env:"USB_PROXY_LOG_RAW_FILE"`
}
