package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/driveline-ai/driveline/runtime/approval"
	"github.com/driveline-ai/driveline/runtime/gatewayerr"
	"github.com/driveline-ai/driveline/runtime/inventory"
	"github.com/driveline-ai/driveline/runtime/lead"
	"github.com/driveline-ai/driveline/runtime/settings"
	"github.com/driveline-ai/driveline/runtime/tenant"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// statusOf maps an error to its HTTP status. Domain sentinel errors are
// classified alongside gatewayerr kinds so stores do not need to wrap every
// return.
func statusOf(err error) int {
	switch {
	case errors.Is(err, tenant.ErrNotFound),
		errors.Is(err, lead.ErrNotFound),
		errors.Is(err, inventory.ErrNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, settings.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tenant.ErrDuplicateMembership),
		errors.Is(err, tenant.ErrDuplicatePhone),
		errors.Is(err, tenant.ErrInviteNotPending),
		errors.Is(err, lead.ErrDuplicatePhone),
		errors.Is(err, approval.ErrAlreadyDecided):
		return http.StatusConflict
	case errors.Is(err, settings.ErrUnknownKey),
		errors.Is(err, settings.ErrLevelNotAllowed):
		return http.StatusBadRequest
	}

	switch gatewayerr.KindOf(err) {
	case gatewayerr.KindInput:
		return http.StatusBadRequest
	case gatewayerr.KindAuth:
		return http.StatusForbidden
	case gatewayerr.KindNotFound:
		return http.StatusNotFound
	case gatewayerr.KindConflict:
		return http.StatusConflict
	case gatewayerr.KindProvider, gatewayerr.KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a JSON error response. 5xx causes are logged
// and replaced with a generic message so internals never leak.
func (g *Gateway) respondError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		g.logger.Error(ctx, "request failed", "status", status, "err", msg)
		msg = "internal error"
	} else if ge, ok := gatewayerr.As(err); ok {
		msg = ge.Message()
	}
	respondJSON(w, status, errorBody{Error: msg})
}

// respondJSON writes body as JSON with the given status.
func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON reads the request body into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return gatewayerr.Input("invalid request body: %s", err.Error())
	}
	return nil
}
