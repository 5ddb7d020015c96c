// Package gateway is the HTTP surface and composition root of the
// conversational gateway. It mounts the provider webhook endpoints that feed
// the orchestrator and the authenticated control API the dealership UI and
// CLI use for leads, inventory, invites, settings, and integration
// configuration.
//
// Tenancy rule: the caller's dealership always comes from their UserProfile,
// never from request input. Every handler that touches a dealership-scoped
// resource checks that the resource belongs to the caller's dealership and
// answers 404 otherwise, so resources outside the caller's scope are
// indistinguishable from missing ones.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"time"

	"goa.design/clue/health"

	"github.com/driveline-ai/driveline/runtime/approval"
	"github.com/driveline-ai/driveline/runtime/inventory"
	"github.com/driveline-ai/driveline/runtime/lead"
	"github.com/driveline-ai/driveline/runtime/orchestrator"
	"github.com/driveline-ai/driveline/runtime/provider"
	"github.com/driveline-ai/driveline/runtime/settings"
	"github.com/driveline-ai/driveline/runtime/tasks"
	"github.com/driveline-ai/driveline/runtime/telemetry"
	"github.com/driveline-ai/driveline/runtime/tenant"
)

const (
	defaultAddr              = ":8080"
	defaultRequestsPerMinute = 30
	shutdownGrace            = 10 * time.Second
)

type (
	// DedupeGuard filters webhook replays by provider message id. The Redis
	// implementation lives in features/memory/redis; nil disables dedupe.
	DedupeGuard interface {
		FirstSeen(ctx context.Context, provider, messageID string) (bool, error)
	}

	// NumberIndexSync pushes a dealership's integration numbers into the
	// shared routing index after a configuration write. The replicated rmap
	// index implements it; nil means lookups scan the tenant store directly.
	NumberIndexSync interface {
		SetDealership(ctx context.Context, d tenant.Dealership) error
	}

	// Config carries the gateway's dependencies and HTTP policy.
	Config struct {
		// Addr is the listen address. Defaults to ":8080".
		Addr string

		// JWTSecret verifies control API bearer tokens. Required.
		JWTSecret []byte

		// InviteTokenSalt salts invite token hashes. Required.
		InviteTokenSalt string

		// AllowedOrigins is the CORS allow-list.
		AllowedOrigins []string

		// PreviewOriginPattern additionally admits preview-deployment
		// origins (e.g. per-branch frontend URLs). Optional.
		PreviewOriginPattern *regexp.Regexp

		// RequestsPerMinute bounds control API traffic per client IP.
		// Defaults to 30.
		RequestsPerMinute int

		// Providers routes webhook traffic and outbound sends. Required.
		Providers *provider.Registry

		// Orchestrator handles verified inbound messages. Required.
		Orchestrator *orchestrator.Orchestrator

		// Tenants, Leads, Inventory, Approvals are the domain stores.
		// All required.
		Tenants   tenant.Store
		Leads     lead.Store
		Inventory inventory.Store
		Approvals approval.Store

		// Settings resolves and validates setting values. Required.
		Settings *settings.Resolver

		// Tasks enqueues embedding rebuilds for inventory writes. Required.
		Tasks tasks.Queue

		// Dedupe drops webhook replays. Optional.
		Dedupe DedupeGuard

		// NumberIndex mirrors integration writes into the shared routing
		// index. Optional.
		NumberIndex NumberIndexSync

		// Pingers back the readiness endpoint. Optional.
		Pingers []health.Pinger

		// Logger and Metrics default to noops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Gateway serves the webhook and control API surface.
	Gateway struct {
		cfg     Config
		handler http.Handler
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}
)

func (c Config) validate() error {
	switch {
	case len(c.JWTSecret) == 0:
		return errors.New("gateway: jwt secret is required")
	case c.InviteTokenSalt == "":
		return errors.New("gateway: invite token salt is required")
	case c.Providers == nil:
		return errors.New("gateway: provider registry is required")
	case c.Orchestrator == nil:
		return errors.New("gateway: orchestrator is required")
	case c.Tenants == nil:
		return errors.New("gateway: tenant store is required")
	case c.Leads == nil:
		return errors.New("gateway: lead store is required")
	case c.Inventory == nil:
		return errors.New("gateway: inventory store is required")
	case c.Approvals == nil:
		return errors.New("gateway: approval store is required")
	case c.Settings == nil:
		return errors.New("gateway: settings resolver is required")
	case c.Tasks == nil:
		return errors.New("gateway: task queue is required")
	}
	return nil
}

// New builds a Gateway from cfg.
func New(cfg Config) (*Gateway, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	g := &Gateway{cfg: cfg, logger: cfg.Logger, metrics: cfg.Metrics}
	g.handler = g.routes()
	return g, nil
}

// Handler returns the gateway's HTTP handler. Exposed for tests and for
// callers that mount the gateway under their own server.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Run serves until ctx is canceled, then shuts down gracefully. In-flight
// requests get shutdownGrace to finish; delayed sends and background tasks
// are owned by their managers and drained by the caller.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Addr,
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	g.logger.Info(ctx, "gateway listening", "addr", g.cfg.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
