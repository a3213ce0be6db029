package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/AristoChen/usb-proxy/apitypes"
	"github.com/AristoChen/usb-proxy/internal/server/api"
)

// EndpointsList returns a handler listing the endpoints being relayed.
func EndpointsList(a *api.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		src, err := source(a)
		if err != nil {
			return err
		}
		out := apitypes.EndpointsListResponse{Endpoints: []apitypes.Endpoint{}}
		for _, ep := range src.Status().Endpoints {
			dir := "out"
			if ep.In {
				dir = "in"
			}
			out.Endpoints = append(out.Endpoints, apitypes.Endpoint{
				Address:   fmt.Sprintf("0x%02x", ep.Address),
				Type:      ep.Type.String(),
				Direction: dir,
				Pending:   ep.Pending,
				Packets:   ep.Packets,
				Bytes:     ep.Bytes,
				Errors:    ep.Errors,
			})
		}
		b, err := json.Marshal(out)
		if err != nil {
			return err
		}
		res.JSON = string(b)
		return nil
	}
}
