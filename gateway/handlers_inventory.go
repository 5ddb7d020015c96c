package gateway

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/gatewayerr"
	"github.com/driveline-ai/driveline/runtime/inventory"
	"github.com/driveline-ai/driveline/runtime/tasks"
)

type vehicleRequest struct {
	Make        string           `json:"make"`
	Model       string           `json:"model"`
	Year        int              `json:"year"`
	Price       float64          `json:"price"`
	Mileage     int              `json:"mileage"`
	Condition   string           `json:"condition,omitempty"`
	Description string           `json:"description,omitempty"`
	Features    []string         `json:"features,omitempty"`
	StockNumber string           `json:"stock_number,omitempty"`
	Status      inventory.Status `json:"status,omitempty"`
}

func (req vehicleRequest) validate() error {
	switch {
	case req.Make == "" || req.Model == "":
		return gatewayerr.Input("make and model are required")
	case req.Year < 1900 || req.Year > 2100:
		return gatewayerr.Input("year %d is out of range", req.Year)
	case req.Price < 0:
		return gatewayerr.Input("price must not be negative")
	case req.Mileage < 0:
		return gatewayerr.Input("mileage must not be negative")
	case req.Status != "" && !inventory.ValidStatus(req.Status):
		return gatewayerr.Input("unknown vehicle status %q", req.Status)
	}
	return nil
}

// scopedVehicle loads the vehicle from the URL parameter and enforces
// tenancy.
func (g *Gateway) scopedVehicle(ctx context.Context, r *http.Request) (inventory.Vehicle, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return inventory.Vehicle{}, gatewayerr.Input("invalid vehicle id")
	}
	v, err := g.cfg.Inventory.Get(ctx, id)
	if err != nil {
		return inventory.Vehicle{}, err
	}
	if v.DealershipID != caller(ctx).DealershipID {
		return inventory.Vehicle{}, inventory.ErrNotFound
	}
	return v, nil
}

// enqueueEmbedding schedules the vehicle's vector rebuild or removal.
// Listing writes succeed even when the queue is unavailable; retrieval
// serves the stale vector until the next rebuild.
func (g *Gateway) enqueueEmbedding(ctx context.Context, kind tasks.Kind, v inventory.Vehicle) {
	var payload any
	switch kind {
	case tasks.KindEmbeddingBuild:
		payload = tasks.EmbeddingBuildPayload{DealershipID: v.DealershipID, VehicleID: v.ID}
	case tasks.KindEmbeddingDelete:
		payload = tasks.EmbeddingDeletePayload{DealershipID: v.DealershipID, VehicleID: v.ID}
	}
	if _, err := g.cfg.Tasks.Enqueue(ctx, kind, payload); err != nil {
		g.logger.Error(ctx, "embedding task enqueue failed",
			"kind", string(kind), "vehicle_id", v.ID.String(), "err", err.Error())
	}
}

func (g *Gateway) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter := inventory.ListFilter{Status: inventory.Status(r.URL.Query().Get("status"))}
	if filter.Status != "" && !inventory.ValidStatus(filter.Status) {
		g.respondError(ctx, w, gatewayerr.Input("unknown vehicle status %q", filter.Status))
		return
	}
	vehicles, err := g.cfg.Inventory.List(ctx, caller(ctx).DealershipID, filter)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	respondJSON(w, http.StatusOK, vehicles)
}

func (g *Gateway) handleCreateVehicle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req vehicleRequest
	if err := decodeJSON(r, &req); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	if err := req.validate(); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	created, err := g.cfg.Inventory.Create(ctx, inventory.Vehicle{
		DealershipID: caller(ctx).DealershipID,
		Make:         req.Make,
		Model:        req.Model,
		Year:         req.Year,
		Price:        req.Price,
		Mileage:      req.Mileage,
		Condition:    req.Condition,
		Description:  req.Description,
		Features:     req.Features,
		StockNumber:  req.StockNumber,
		Status:       req.Status,
	})
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	g.enqueueEmbedding(ctx, tasks.KindEmbeddingBuild, created)
	respondJSON(w, http.StatusCreated, created)
}

func (g *Gateway) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := g.scopedVehicle(ctx, r)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (g *Gateway) handleUpdateVehicle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := g.scopedVehicle(ctx, r)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	var req vehicleRequest
	if err := decodeJSON(r, &req); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	if err := req.validate(); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	v.Make = req.Make
	v.Model = req.Model
	v.Year = req.Year
	v.Price = req.Price
	v.Mileage = req.Mileage
	v.Condition = req.Condition
	v.Description = req.Description
	v.Features = req.Features
	v.StockNumber = req.StockNumber
	if req.Status != "" {
		v.Status = req.Status
	}
	updated, err := g.cfg.Inventory.Update(ctx, v)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	g.enqueueEmbedding(ctx, tasks.KindEmbeddingBuild, updated)
	respondJSON(w, http.StatusOK, updated)
}

func (g *Gateway) handleDeleteVehicle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := g.scopedVehicle(ctx, r)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	if err := g.cfg.Inventory.Delete(ctx, v.ID); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	g.enqueueEmbedding(ctx, tasks.KindEmbeddingDelete, v)
	w.WriteHeader(http.StatusNoContent)
}
