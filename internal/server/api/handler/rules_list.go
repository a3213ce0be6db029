package handler

import (
	"encoding/json"
	"log/slog"

	"github.com/AristoChen/usb-proxy/apitypes"
	"github.com/AristoChen/usb-proxy/injection"
	"github.com/AristoChen/usb-proxy/internal/server/api"
)

// RulesList returns a handler counting the enabled injection rules.
func RulesList(a *api.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		src, err := source(a)
		if err != nil {
			return err
		}
		out := apitypes.RulesListResponse{}
		if rules := src.Rules(); rules != nil {
			out.Enabled = true
			out.Modify = enabledControl(rules.Control.Modify)
			out.Ignore = enabledControl(rules.Control.Ignore)
			out.Stall = enabledControl(rules.Control.Stall)
			out.Bulk = enabledStream(rules.Bulk)
			out.Interrupt = enabledStream(rules.Interrupt)
			out.Isoc = enabledStream(rules.Isoc)
		}
		b, err := json.Marshal(out)
		if err != nil {
			return err
		}
		res.JSON = string(b)
		return nil
	}
}

func enabledControl(rules []injection.ControlRule) int {
	n := 0
	for _, r := range rules {
		if r.Enable {
			n++
		}
	}
	return n
}

func enabledStream(rules []injection.StreamRule) int {
	n := 0
	for _, r := range rules {
		if r.Enable {
			n++
		}
	}
	return n
}
