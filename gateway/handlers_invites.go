package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/gatewayerr"
	"github.com/driveline-ai/driveline/runtime/phone"
	"github.com/driveline-ai/driveline/runtime/tenant"
)

type (
	createInviteRequest struct {
		Email string      `json:"email"`
		Role  tenant.Role `json:"role"`
	}

	// createInviteResponse carries the plain token exactly once; only its
	// salted hash is persisted.
	createInviteResponse struct {
		Invite tenant.Invite `json:"invite"`
		Token  string        `json:"token"`
	}

	inviteTokenRequest struct {
		Token string `json:"token"`
	}

	verifyInviteResponse struct {
		DealershipID   uuid.UUID   `json:"dealership_id"`
		DealershipName string      `json:"dealership_name"`
		Email          string      `json:"email"`
		Role           tenant.Role `json:"role"`
		ExpiresAt      time.Time   `json:"expires_at"`
	}

	acceptInviteRequest struct {
		Token    string `json:"token"`
		FullName string `json:"full_name"`
		Phone    string `json:"phone,omitempty"`
		Timezone string `json:"timezone,omitempty"`
	}
)

func (g *Gateway) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createInviteRequest
	if err := decodeJSON(r, &req); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	if req.Email == "" {
		g.respondError(ctx, w, gatewayerr.Input("email is required"))
		return
	}
	if !tenant.ValidRole(req.Role) {
		g.respondError(ctx, w, gatewayerr.Input("unknown role %q", req.Role))
		return
	}
	token, err := tenant.NewInviteToken()
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	inviter := caller(ctx)
	created, err := g.cfg.Tenants.CreateInvite(ctx, tenant.Invite{
		DealershipID: inviter.DealershipID,
		Email:        req.Email,
		TokenHash:    tenant.HashInviteToken(g.cfg.InviteTokenSalt, token),
		Role:         req.Role,
		InvitedBy:    inviter.ID,
		Status:       tenant.InviteStatusPending,
	})
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	respondJSON(w, http.StatusCreated, createInviteResponse{Invite: created, Token: token})
}

func (g *Gateway) handleListInvites(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	invites, err := g.cfg.Tenants.ListInvites(ctx, caller(ctx).DealershipID)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	respondJSON(w, http.StatusOK, invites)
}

// redeemableInvite loads the invite for a plain token and checks it is
// still open. Unknown, spent, and lapsed invites all answer the same so a
// token probe learns nothing.
func (g *Gateway) redeemableInvite(r *http.Request, token string) (tenant.Invite, error) {
	if token == "" {
		return tenant.Invite{}, gatewayerr.Input("token is required")
	}
	hash := tenant.HashInviteToken(g.cfg.InviteTokenSalt, token)
	inv, err := g.cfg.Tenants.GetInviteByTokenHash(r.Context(), hash)
	if err != nil {
		return tenant.Invite{}, err
	}
	if inv.Status != tenant.InviteStatusPending || inv.Expired(time.Now()) {
		return tenant.Invite{}, tenant.ErrNotFound
	}
	return inv, nil
}

func (g *Gateway) handleVerifyInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req inviteTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	inv, err := g.redeemableInvite(r, req.Token)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	d, err := g.cfg.Tenants.GetDealership(ctx, inv.DealershipID)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	respondJSON(w, http.StatusOK, verifyInviteResponse{
		DealershipID:   inv.DealershipID,
		DealershipName: d.Name,
		Email:          inv.Email,
		Role:           inv.Role,
		ExpiresAt:      inv.ExpiresAt,
	})
}

// handleAcceptInvite redeems an invite for the authenticated user, creating
// their membership in the inviting dealership.
func (g *Gateway) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req acceptInviteRequest
	if err := decodeJSON(r, &req); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	inv, err := g.redeemableInvite(r, req.Token)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	profile, err := g.cfg.Tenants.CreateProfile(ctx, tenant.UserProfile{
		UserID:       authUserID(ctx),
		DealershipID: inv.DealershipID,
		FullName:     req.FullName,
		Phone:        phone.Normalize(req.Phone),
		Role:         inv.Role,
		Timezone:     req.Timezone,
	})
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	if err := g.cfg.Tenants.MarkInviteUsed(ctx, inv.ID, time.Now().UTC()); err != nil {
		// The membership exists; a lost invite transition only affects
		// bookkeeping.
		if !errors.Is(err, tenant.ErrInviteNotPending) {
			g.logger.Warn(ctx, "invite not marked used", "invite_id", inv.ID.String(), "err", err.Error())
		}
	}
	respondJSON(w, http.StatusCreated, profile)
}

func (g *Gateway) handleCancelInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		g.respondError(ctx, w, gatewayerr.Input("invalid invite id"))
		return
	}
	invites, err := g.cfg.Tenants.ListInvites(ctx, caller(ctx).DealershipID)
	if err != nil {
		g.respondError(ctx, w, err)
		return
	}
	found := false
	for _, inv := range invites {
		if inv.ID == id {
			found = true
			break
		}
	}
	if !found {
		g.respondError(ctx, w, tenant.ErrNotFound)
		return
	}
	if err := g.cfg.Tenants.CancelInvite(ctx, id); err != nil {
		g.respondError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
