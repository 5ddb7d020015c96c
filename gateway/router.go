package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"goa.design/clue/health"
)

// routes assembles the gateway's HTTP handler: health endpoints, provider
// webhooks, and the authenticated control API.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/healthz", health.Handler(health.NewChecker(g.cfg.Pingers...)))

	// Webhooks authenticate via provider signature, not bearer tokens, and
	// are never subject to CORS or the per-IP budget.
	r.Post("/webhooks/{provider}", g.handleWebhook)

	limiter := newIPLimiter(g.cfg.RequestsPerMinute)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(g.corsOptions()))
		r.Use(limiter.middleware)
		r.Use(g.requireToken)

		// Invite redemption needs a valid token but no membership yet.
		r.Post("/invites/verify", g.handleVerifyInvite)
		r.Post("/invites/accept", g.handleAcceptInvite)

		r.Group(func(r chi.Router) {
			r.Use(g.requireMember)
			g.memberRoutes(r)
		})
	})

	return r
}

// memberRoutes mounts the control endpoints that require a dealership
// membership.
func (g *Gateway) memberRoutes(r chi.Router) {
	r.Route("/leads", func(r chi.Router) {
		r.Get("/", g.handleListLeads)
		r.Post("/", g.handleCreateLead)
		r.Get("/{id}", g.handleGetLead)
		r.Patch("/{id}", g.handleUpdateLead)
		r.Put("/{id}/status", g.handleUpdateLeadStatus)
		r.Get("/{id}/history", g.handleLeadHistory)
	})

	r.Route("/inventory", func(r chi.Router) {
		r.Get("/", g.handleListVehicles)
		r.Post("/", requireManager(g.handleCreateVehicle))
		r.Get("/{id}", g.handleGetVehicle)
		r.Put("/{id}", requireManager(g.handleUpdateVehicle))
		r.Delete("/{id}", requireManager(g.handleDeleteVehicle))
	})

	r.Route("/invites", func(r chi.Router) {
		r.Get("/", requireManager(g.handleListInvites))
		r.Post("/", requireManager(g.handleCreateInvite))
		r.Delete("/{id}", requireManager(g.handleCancelInvite))
	})

	r.Route("/settings", func(r chi.Router) {
		r.Get("/definitions", g.handleListSettingDefinitions)
		r.Get("/user", g.handleGetUserSettings)
		r.Put("/user/{key}", g.handlePutUserSetting)
		r.Delete("/user/{key}", g.handleDeleteUserSetting)
		r.Get("/dealership", g.handleGetDealershipSettings)
		r.Put("/dealership/{key}", requireManager(g.handlePutDealershipSetting))
	})

	r.Route("/integrations", func(r chi.Router) {
		r.Get("/", g.handleGetIntegrations)
		r.Put("/", requireManager(g.handlePutIntegrations))
	})
}

// corsOptions builds the control API CORS policy: the configured allow-list
// plus, when set, a pattern admitting preview-deployment origins.
func (g *Gateway) corsOptions() cors.Options {
	allowed := make(map[string]bool, len(g.cfg.AllowedOrigins))
	for _, o := range g.cfg.AllowedOrigins {
		allowed[o] = true
	}
	pattern := g.cfg.PreviewOriginPattern
	return cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			if allowed[origin] {
				return true
			}
			return pattern != nil && pattern.MatchString(origin)
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}
