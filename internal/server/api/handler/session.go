package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/AristoChen/usb-proxy/apitypes"
	"github.com/AristoChen/usb-proxy/internal/server/api"
)

func source(a *api.Server) (api.Source, error) {
	src := a.Source()
	if src == nil {
		return nil, api.ErrUnavailable("no device attached")
	}
	return src, nil
}

// Session returns a handler describing the proxied device and the host's
// current selection.
func Session(a *api.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		src, err := source(a)
		if err != nil {
			return err
		}
		st := src.Status()
		desc := src.Descriptors().Descriptor
		b, err := json.Marshal(apitypes.SessionResponse{
			State:         st.State.String(),
			Vid:           fmt.Sprintf("0x%04x", desc.IDVendor),
			Pid:           fmt.Sprintf("0x%04x", desc.IDProduct),
			Configuration: st.Configuration,
			Interface:     st.Interface,
			AltSetting:    st.AltSetting,
		})
		if err != nil {
			return err
		}
		res.JSON = string(b)
		return nil
	}
}
