package gateway

import (
	"net/http"

	"github.com/driveline-ai/driveline/runtime/gatewayerr"
	"github.com/driveline-ai/driveline/runtime/phone"
	"github.com/driveline-ai/driveline/runtime/tenant"
)

type putIntegrationsRequest struct {
	Integrations map[string]tenant.IntegrationConfig `json:"integrations"`
}

func (g *Gateway) handleGetIntegrations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := g.cfg.Tenants.GetDealership(ctx, caller(ctx).DealershipID)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	if d.Integrations == nil {
		d.Integrations = map[string]tenant.IntegrationConfig{}
	}
	respondJSON(w, http.StatusOK, d.Integrations)
}

// handlePutIntegrations replaces the dealership's provider phone mappings
// and pushes the new numbers into the shared routing index so inbound
// traffic resolves against them immediately.
func (g *Gateway) handlePutIntegrations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req putIntegrationsRequest
	if err := decodeJSON(r, &req); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	for name, cfg := range req.Integrations {
		if _, ok := g.cfg.Providers.Lookup(name); !ok {
			g.respondError(ctx, w, gatewayerr.Input("unknown provider %q", name))
			return
		}
		for _, n := range cfg.PhoneNumbers {
			if phone.Normalize(n) == "" {
				g.respondError(ctx, w, gatewayerr.Input("invalid phone number %q for provider %q", n, name))
				return
			}
		}
	}

	dealershipID := caller(ctx).DealershipID
	if err := g.cfg.Tenants.UpdateIntegrations(ctx, dealershipID, req.Integrations); err != nil {
		g.respondError(ctx, w, err)
		return
	}

	if g.cfg.NumberIndex != nil {
		d, err := g.cfg.Tenants.GetDealership(ctx, dealershipID)
		if err != nil {
			g.respondError(ctx, w, err)
			return
		}
		if err := g.cfg.NumberIndex.SetDealership(ctx, d); err != nil {
			// The write stands; routing falls back to the store scan until
			// the next index rebuild.
			g.logger.Error(ctx, "routing index sync failed",
				"dealership_id", dealershipID.String(), "err", err.Error())
		}
	}
	respondJSON(w, http.StatusOK, req.Integrations)
}
