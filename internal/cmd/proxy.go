package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/AristoChen/usb-proxy/device"
	"github.com/AristoChen/usb-proxy/gadget"
	"github.com/AristoChen/usb-proxy/injection"
	"github.com/AristoChen/usb-proxy/internal/log"
	"github.com/AristoChen/usb-proxy/internal/server/api"
	"github.com/AristoChen/usb-proxy/internal/server/api/handler"
	"github.com/AristoChen/usb-proxy/internal/server/proxy"
	"github.com/AristoChen/usb-proxy/usb"
)

// openRetryInterval is how often Open is retried while the device is absent.
const openRetryInterval = time.Second

type Proxy struct {
	Device          string             `help:"UDC device name" default:"dummy_udc.0" env:"USB_PROXY_DEVICE"`
	Driver          string             `help:"UDC driver name" default:"dummy_udc" env:"USB_PROXY_DRIVER"`
	RawGadget       string             `help:"raw-gadget character device" default:"/dev/raw-gadget" env:"USB_PROXY_RAW_GADGET"`
	VendorID        string             `name:"vendor-id" help:"Vendor ID of the device to proxy, in hex; empty matches any" env:"USB_PROXY_VENDOR_ID"`
	ProductID       string             `name:"product-id" help:"Product ID of the device to proxy, in hex; empty matches any" env:"USB_PROXY_PRODUCT_ID"`
	EnableInjection bool               `help:"Apply the rules of the injection file to relayed transfers" env:"USB_PROXY_ENABLE_INJECTION"`
	InjectionFile   string             `help:"Injection rule file (JSON, YAML or TOML)" default:"injection.json" env:"USB_PROXY_INJECTION_FILE"`
	ResetDevice     bool               `help:"Reset the device after opening it" env:"USB_PROXY_RESET_DEVICE"`
	TransferTimeout time.Duration      `help:"Timeout of one device transfer attempt" default:"1s" env:"USB_PROXY_TRANSFER_TIMEOUT"`
	ServerConfig    proxy.ServerConfig `embed:""`
	ApiServerConfig api.ServerConfig   `embed:"" prefix:"api."`
}

// Run is called by Kong when the proxy command is executed.
func (p *Proxy) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return p.StartProxy(ctx, logger, rawLogger)
}

// StartProxy waits for the device, mirrors it on the gadget and relays until
// ctx is done or the device is removed.
func (p *Proxy) StartProxy(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	opts, err := p.deviceOptions()
	if err != nil {
		return err
	}

	var engine *injection.Engine
	if p.EnableInjection {
		rules, err := injection.Load(p.InjectionFile)
		if err != nil {
			return err
		}
		if engine, err = injection.New(rules); err != nil {
			return fmt.Errorf("compile injection rules: %w", err)
		}
		logger.Info("Injection enabled", "file", p.InjectionFile)
	}

	var apiSrv *api.Server
	if p.ApiServerConfig.Addr != "" {
		apiSrv = api.New(p.ApiServerConfig.Addr, p.ApiServerConfig, logger)
		r := apiSrv.Router()
		r.Register("ping", handler.Ping())
		r.Register("session", handler.Session(apiSrv))
		r.Register("endpoints/list", handler.EndpointsList(apiSrv))
		r.Register("rules/list", handler.RulesList(apiSrv))
		if err := apiSrv.Start(); err != nil {
			return fmt.Errorf("start API server: %w", err)
		}
		defer apiSrv.Close()
	}

	dev, err := waitForDevice(ctx, opts, logger)
	if err != nil {
		return err
	}
	if dev == nil {
		return nil
	}
	defer dev.Close()

	g, err := gadget.Open(p.RawGadget)
	if err != nil {
		return err
	}
	defer g.Close()

	// A tree the host could not be shown aborts before the UDC is bound.
	srv, err := proxy.New(p.ServerConfig, dev.Descriptors(), dev, g, engine, logger, rawLogger)
	if err != nil {
		return err
	}

	if err := g.Init(p.Driver, p.Device, gadget.SpeedHigh); err != nil {
		return err
	}
	logEndpointsInfo(g, logger)
	if err := g.Run(); err != nil {
		return err
	}
	logger.Info("Gadget running", "driver", p.Driver, "device", p.Device)

	if apiSrv != nil {
		apiSrv.Attach(srv)
		defer apiSrv.Attach(nil)
	}

	err = srv.Run(ctx)
	if errors.Is(err, usb.ErrNoDevice) {
		logger.Info("Device removed, stopping", "error", err)
		return nil
	}
	return err
}

func (p *Proxy) deviceOptions() (device.Options, error) {
	vid, err := parseHexID("vendor-id", p.VendorID)
	if err != nil {
		return device.Options{}, err
	}
	pid, err := parseHexID("product-id", p.ProductID)
	if err != nil {
		return device.Options{}, err
	}
	return device.Options{
		VendorID:        vid,
		ProductID:       pid,
		Reset:           p.ResetDevice,
		ControlTimeout:  p.ServerConfig.ControlTimeout,
		TransferTimeout: p.TransferTimeout,
	}, nil
}

// waitForDevice polls device.Open until the device appears. It returns a nil
// device when ctx ends first.
func waitForDevice(ctx context.Context, opts device.Options, logger *slog.Logger) (*device.Device, error) {
	waiting := false
	for {
		dev, err := device.Open(opts, logger)
		if err == nil {
			return dev, nil
		}
		if !errors.Is(err, device.ErrNotFound) {
			return nil, err
		}
		if !waiting {
			logger.Info("Waiting for device",
				"vid", fmt.Sprintf("0x%04x", opts.VendorID),
				"pid", fmt.Sprintf("0x%04x", opts.ProductID))
			waiting = true
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(openRetryInterval):
		}
	}
}

func logEndpointsInfo(g *gadget.Gadget, logger *slog.Logger) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	eps, err := g.EndpointsInfo()
	if err != nil {
		logger.Debug("Gadget endpoint info unavailable", "error", err)
		return
	}
	for i, ep := range eps {
		logger.Debug("Gadget endpoint", "index", i, "info", ep.String())
	}
}

// parseHexID reads a vendor or product ID written in hex, with or without a
// 0x prefix. Empty means any.
func parseHexID(name, s string) (uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return uint16(n), nil
}
