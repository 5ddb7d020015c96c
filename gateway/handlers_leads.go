package gateway

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/gatewayerr"
	"github.com/driveline-ai/driveline/runtime/lead"
	"github.com/driveline-ai/driveline/runtime/phone"
)

type (
	createLeadRequest struct {
		Name        string   `json:"name,omitempty"`
		Phone       string   `json:"phone"`
		Email       string   `json:"email,omitempty"`
		CarInterest string   `json:"car_interest,omitempty"`
		Source      string   `json:"source,omitempty"`
		MaxPrice    *float64 `json:"max_price,omitempty"`
	}

	updateLeadRequest struct {
		Name           *string    `json:"name,omitempty"`
		Email          *string    `json:"email,omitempty"`
		CarInterest    *string    `json:"car_interest,omitempty"`
		MaxPrice       *float64   `json:"max_price,omitempty"`
		AssignedUserID *uuid.UUID `json:"assigned_user_id,omitempty"`
	}

	updateLeadStatusRequest struct {
		Status lead.Status `json:"status"`
	}
)

// scopedLead loads the lead from the URL parameter and enforces tenancy.
// Leads outside the caller's dealership are indistinguishable from missing
// ones.
func (g *Gateway) scopedLead(ctx context.Context, r *http.Request) (lead.Lead, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return lead.Lead{}, gatewayerr.Input("invalid lead id")
	}
	l, err := g.cfg.Leads.Get(ctx, id)
	if err != nil {
		return lead.Lead{}, err
	}
	if l.DealershipID != caller(ctx).DealershipID {
		return lead.Lead{}, lead.ErrNotFound
	}
	return l, nil
}

func (g *Gateway) handleListLeads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	leads, err := g.cfg.Leads.List(ctx, caller(ctx).DealershipID)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	respondJSON(w, http.StatusOK, leads)
}

func (g *Gateway) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createLeadRequest
	if err := decodeJSON(r, &req); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	normalized := phone.Normalize(req.Phone)
	if normalized == "" {
		g.respondError(ctx, w, gatewayerr.Input("phone is required"))
		return
	}
	source := req.Source
	if source == "" {
		source = "manual"
	}
	created, err := g.cfg.Leads.Create(ctx, lead.Lead{
		DealershipID: caller(ctx).DealershipID,
		Name:         req.Name,
		Phone:        normalized,
		Email:        req.Email,
		CarInterest:  req.CarInterest,
		Source:       source,
		Status:       lead.StatusNew,
		MaxPrice:     req.MaxPrice,
	})
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (g *Gateway) handleGetLead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l, err := g.scopedLead(ctx, r)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	respondJSON(w, http.StatusOK, l)
}

func (g *Gateway) handleUpdateLead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l, err := g.scopedLead(ctx, r)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	var req updateLeadRequest
	if err := decodeJSON(r, &req); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	if req.Name != nil {
		l.Name = *req.Name
	}
	if req.Email != nil {
		l.Email = *req.Email
	}
	if req.CarInterest != nil {
		l.CarInterest = *req.CarInterest
	}
	if req.MaxPrice != nil {
		l.MaxPrice = req.MaxPrice
	}
	if req.AssignedUserID != nil {
		l.AssignedUserID = req.AssignedUserID
	}
	if err := g.cfg.Leads.Update(ctx, l); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	respondJSON(w, http.StatusOK, l)
}

func (g *Gateway) handleUpdateLeadStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l, err := g.scopedLead(ctx, r)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	var req updateLeadStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	if !lead.ValidStatus(req.Status) {
		g.respondError(ctx, w, gatewayerr.Input("unknown lead status %q", req.Status))
		return
	}
	if err := g.cfg.Leads.UpdateStatus(ctx, l.ID, req.Status); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	l.Status = req.Status
	respondJSON(w, http.StatusOK, l)
}

func (g *Gateway) handleLeadHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l, err := g.scopedLead(ctx, r)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	turns, err := g.cfg.Leads.ListTurns(ctx, l.ID, 0)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	respondJSON(w, http.StatusOK, turns)
}
