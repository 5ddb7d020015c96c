package gateway

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/driveline-ai/driveline/runtime/provider"
)

// maxWebhookBody bounds provider payload reads. SMS webhooks are small;
// anything larger is not a message.
const maxWebhookBody = 1 << 20

// webhookResponse is the acknowledgement body returned to providers.
type webhookResponse struct {
	Status string `json:"status"`
	Action string `json:"action,omitempty"`
}

// handleWebhook receives a provider callback: verify the signature against
// the raw body, parse, drop replays, and hand the message to the
// orchestrator. Providers retry on non-2xx, so anything that should not be
// redelivered is acknowledged with a 200 even when the message goes nowhere.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "provider")
	adapter, ok := g.cfg.Providers.Lookup(name)
	if !ok {
		respondJSON(w, http.StatusNotFound, errorBody{Error: "unknown provider"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "unreadable body"})
		return
	}

	if !adapter.Verify(r.Header, body) {
		g.metrics.IncCounter("webhook_verify_failures", 1, "provider", name)
		respondJSON(w, http.StatusForbidden, errorBody{Error: "signature verification failed"})
		return
	}

	inbound, err := adapter.Parse(r.Header.Get("Content-Type"), body)
	if err != nil {
		if errors.Is(err, provider.ErrNotText) {
			// Delivery receipts, media, and other non-text callbacks are
			// acknowledged and dropped.
			respondJSON(w, http.StatusOK, webhookResponse{Status: "ignored"})
			return
		}
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "unparseable payload"})
		return
	}

	if g.cfg.Dedupe != nil && inbound.MessageID != "" {
		first, err := g.cfg.Dedupe.FirstSeen(ctx, name, inbound.MessageID)
		if err != nil {
			// Process on guard failure: a duplicate reply beats a dropped
			// customer message.
			g.logger.Warn(ctx, "dedupe guard unavailable", "provider", name, "err", err.Error())
		} else if !first {
			respondJSON(w, http.StatusOK, webhookResponse{Status: "duplicate"})
			return
		}
	}

	start := time.Now()
	outcome, err := g.cfg.Orchestrator.HandleInbound(ctx, inbound)
	g.metrics.RecordTimer("webhook_handle", time.Since(start), "provider", name)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	respondJSON(w, http.StatusOK, webhookResponse{Status: "ok", Action: string(outcome.Action)})
}
