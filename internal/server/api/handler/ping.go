package handler

import (
	"encoding/json"
	"log/slog"

	"github.com/AristoChen/usb-proxy/apitypes"
	"github.com/AristoChen/usb-proxy/internal/server/api"
	"github.com/AristoChen/usb-proxy/internal/version"
)

// Ping returns a handler reporting the server identity and version.
func Ping() api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		v, err := version.Get()
		if err != nil {
			return err
		}
		b, err := json.Marshal(apitypes.PingResponse{Server: "usb-proxy", Version: v})
		if err != nil {
			return err
		}
		res.JSON = string(b)
		return nil
	}
}
