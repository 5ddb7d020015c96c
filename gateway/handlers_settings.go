package gateway

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/driveline-ai/driveline/runtime/settings"
)

type (
	putSettingRequest struct {
		Value string `json:"value"`
	}

	settingValue struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
)

func (g *Gateway) handleListSettingDefinitions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, g.cfg.Settings.Catalog().Definitions())
}

// handleGetUserSettings returns the caller's effective value for every
// user-visible key, cascading user override, dealership value, and catalog
// default.
func (g *Gateway) handleGetUserSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := caller(ctx)
	var out []settingValue
	for _, def := range g.cfg.Settings.Catalog().Definitions() {
		if !def.UserLevel && !def.DealershipLevel {
			continue
		}
		v, err := g.cfg.Settings.EffectiveForUser(ctx, p.ID, p.DealershipID, def.Key)
		if err != nil {
			g.respondError(ctx, w, err)
			return
		}
		out = append(out, settingValue{Key: def.Key, Value: v})
	}
	respondJSON(w, http.StatusOK, out)
}

func (g *Gateway) handlePutUserSetting(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req putSettingRequest
	if err := decodeJSON(r, &req); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	key := chi.URLParam(r, "key")
	if err := g.cfg.Settings.SetUser(ctx, caller(ctx).ID, key, req.Value); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	respondJSON(w, http.StatusOK, settingValue{Key: key, Value: req.Value})
}

func (g *Gateway) handleDeleteUserSetting(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")
	if err := g.cfg.Settings.DeleteUser(ctx, caller(ctx).ID, key); err != nil {
		// Clearing an override that was never set still leaves the user on
		// the dealership value.
		if !errors.Is(err, settings.ErrNotFound) {
			g.respondError(ctx, w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleGetDealershipSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := caller(ctx)
	var out []settingValue
	for _, def := range g.cfg.Settings.Catalog().Definitions() {
		if !def.DealershipLevel {
			continue
		}
		v, err := g.cfg.Settings.ForDealership(ctx, p.DealershipID, def.Key)
		if err != nil {
			g.respondError(ctx, w, err)
			return
		}
		out = append(out, settingValue{Key: def.Key, Value: v})
	}
	respondJSON(w, http.StatusOK, out)
}

func (g *Gateway) handlePutDealershipSetting(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req putSettingRequest
	if err := decodeJSON(r, &req); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	key := chi.URLParam(r, "key")
	if err := g.cfg.Settings.SetDealership(ctx, caller(ctx).DealershipID, key, req.Value); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	respondJSON(w, http.StatusOK, settingValue{Key: key, Value: req.Value})
}
