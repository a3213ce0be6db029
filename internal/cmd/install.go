package cmd

import "log/slog"

// Install registers usb-proxy as a service running the proxy command.
type Install struct {
	Args []string `arg:"" optional:"" passthrough:"" help:"Arguments passed to the proxy command"`
}

// Run is called by Kong when the install command is executed.
func (i *Install) Run(logger *slog.Logger) error { return install(logger, i.Args) }

// Uninstall stops and removes the service installed by Install.
type Uninstall struct{}

// Run is called by Kong when the uninstall command is executed.
func (u *Uninstall) Run(logger *slog.Logger) error { return uninstall(logger) }
