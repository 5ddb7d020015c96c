// Package orchestrator turns one inbound SMS into one routed outcome.
//
// Every message that clears webhook verification lands here. The
// orchestrator resolves the dealership, classifies the sender by phone
// number, and dispatches: staff messages go through the approval and
// command surface, customer messages through the automated conversation
// loop (state tracking, inventory retrieval, reply generation, handoff
// routing, and timed delivery).
//
// Concurrency contract: all mutations to one lead's conversation are
// serialized on a sharded lock keyed by lead ID, and the lock is never
// held across a provider or model call. Each phase stages its changes,
// releases the lock, performs the slow call, then reacquires to record
// the result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/approval"
	"github.com/driveline-ai/driveline/runtime/directory"
	"github.com/driveline-ai/driveline/runtime/handoff"
	"github.com/driveline-ai/driveline/runtime/inventory"
	"github.com/driveline-ai/driveline/runtime/lead"
	"github.com/driveline-ai/driveline/runtime/memory"
	"github.com/driveline-ai/driveline/runtime/phone"
	"github.com/driveline-ai/driveline/runtime/prompt"
	"github.com/driveline-ai/driveline/runtime/provider"
	"github.com/driveline-ai/driveline/runtime/replytiming"
	"github.com/driveline-ai/driveline/runtime/retrieval"
	"github.com/driveline-ai/driveline/runtime/settings"
	"github.com/driveline-ai/driveline/runtime/tasks"
	"github.com/driveline-ai/driveline/runtime/telemetry"
	"github.com/driveline-ai/driveline/runtime/tenant"
)

// Classification labels who sent the inbound message.
const (
	ClassCustomer    = "customer"
	ClassSalesperson = "salesperson"
)

// Action identifies what the orchestrator did with a message.
type Action string

// Actions for the customer path.
const (
	// ActionReplied means a generated reply was sent immediately.
	ActionReplied Action = "replied"
	// ActionReplyScheduled means the reply was handed to the scheduler.
	ActionReplyScheduled Action = "reply_scheduled"
	// ActionApprovalCreated means the reply is waiting on a salesperson.
	ActionApprovalCreated Action = "approval_created"
	// ActionHandoff means the conversation was routed to a human.
	ActionHandoff Action = "handoff"
	// ActionAppointmentConfirmed means a test drive was booked.
	ActionAppointmentConfirmed Action = "appointment_confirmed"
	// ActionReplyDropped means approval was required but nobody could
	// review, so nothing was sent.
	ActionReplyDropped Action = "reply_dropped"
)

// Actions for the salesperson path.
const (
	ActionApproved       Action = "approved"
	ActionAlreadyDecided Action = "already_decided"
	ActionRejected       Action = "rejected"
	ActionEdited         Action = "edited"
	ActionForceSent      Action = "force_sent"
	ActionHelpSent       Action = "help_sent"
	ActionLeadCreated    Action = "lead_created"
	ActionVehicleAdded   Action = "vehicle_added"
	ActionAcknowledged   Action = "acknowledged"
	ActionCommandFailed  Action = "command_failed"
)

// Outbound audience tags for metrics.
const (
	audienceCustomer = "customer"
	audienceStaff    = "staff"
)

// Config carries the orchestrator's dependencies. All fields are required.
type Config struct {
	Providers *provider.Registry
	Directory *directory.Resolver
	Tenants   tenant.Store
	Leads     lead.Store
	Inventory inventory.Store
	Approvals approval.Store
	Memory    memory.Store
	Settings  *settings.Resolver
	Retriever *retrieval.Retriever
	Prompts   *prompt.Builder
	Planner   *replytiming.Planner
	Scheduler *replytiming.Scheduler
	Tasks     tasks.Queue
}

func (c Config) validate() error {
	switch {
	case c.Providers == nil:
		return errors.New("orchestrator: provider registry is required")
	case c.Directory == nil:
		return errors.New("orchestrator: directory resolver is required")
	case c.Tenants == nil:
		return errors.New("orchestrator: tenant store is required")
	case c.Leads == nil:
		return errors.New("orchestrator: lead store is required")
	case c.Inventory == nil:
		return errors.New("orchestrator: inventory store is required")
	case c.Approvals == nil:
		return errors.New("orchestrator: approval store is required")
	case c.Memory == nil:
		return errors.New("orchestrator: memory store is required")
	case c.Settings == nil:
		return errors.New("orchestrator: settings resolver is required")
	case c.Retriever == nil:
		return errors.New("orchestrator: retriever is required")
	case c.Prompts == nil:
		return errors.New("orchestrator: prompt builder is required")
	case c.Planner == nil:
		return errors.New("orchestrator: reply planner is required")
	case c.Scheduler == nil:
		return errors.New("orchestrator: reply scheduler is required")
	case c.Tasks == nil:
		return errors.New("orchestrator: task queue is required")
	}
	return nil
}

// Outcome reports what HandleInbound did, for webhook responses, logs, and
// tests. Zero-value fields simply did not apply to the taken path.
type Outcome struct {
	// Classification is ClassCustomer or ClassSalesperson.
	Classification string
	// Action names the branch taken.
	Action Action
	// DealershipID is the resolved tenant.
	DealershipID uuid.UUID
	// LeadID is the conversation's lead, when one was involved.
	LeadID uuid.UUID
	// ApprovalID is the approval created or decided, when one was.
	ApprovalID uuid.UUID
	// ReplyText is the customer-facing text produced by this message,
	// whether sent, scheduled, or parked behind an approval.
	ReplyText string
	// HandoffReason is set when the conversation left automation.
	HandoffReason handoff.Reason
	// Scheduled is true when the reply went to the scheduler; Delay is
	// how long it will hold.
	Scheduled bool
	Delay     time.Duration
	// ResponseSent is true once the customer-facing send succeeded.
	// SendError carries the provider failure when it did not.
	ResponseSent bool
	SendError    string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(o *Orchestrator) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithClock overrides the time source. Tests use this to control turn
// timestamps and scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator routes inbound messages. Safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	locks   leadLocks
	logger  telemetry.Logger
	metrics telemetry.Metrics
	now     func() time.Time
}

// New builds an Orchestrator from cfg.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:     cfg,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// HandleInbound processes one verified, deduplicated inbound message and
// returns what was done with it. Errors are reserved for infrastructure
// failures the webhook should surface; bad input from the conversation
// itself (unparseable commands, model fallbacks, failed sends) is folded
// into the Outcome instead.
func (o *Orchestrator) HandleInbound(ctx context.Context, in *provider.Inbound) (Outcome, error) {
	if in == nil {
		return Outcome{}, errors.New("orchestrator: inbound message is required")
	}
	from := phone.Normalize(in.From)
	if from == "" {
		return Outcome{}, errors.New("orchestrator: sender phone is required")
	}

	dealershipID, err := o.cfg.Directory.Resolve(ctx, in.From, in.To)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: resolve dealership: %w", err)
	}
	o.metrics.IncCounter(telemetry.MetricInboundMessages, 1, "provider", in.Provider)

	profile, err := o.cfg.Tenants.GetProfileByPhone(ctx, dealershipID, from)
	switch {
	case err == nil:
		o.logger.Debug(ctx, "inbound classified",
			"classification", ClassSalesperson,
			"dealership_id", dealershipID.String(),
			"profile_id", profile.ID.String())
		return o.handleSalesperson(ctx, dealershipID, profile, in)
	case errors.Is(err, tenant.ErrNotFound):
		o.logger.Debug(ctx, "inbound classified",
			"classification", ClassCustomer,
			"dealership_id", dealershipID.String())
		return o.handleCustomer(ctx, dealershipID, from, in)
	default:
		return Outcome{}, fmt.Errorf("orchestrator: classify sender: %w", err)
	}
}

// send delivers text through the named provider and counts the result.
func (o *Orchestrator) send(ctx context.Context, providerName, to, text, audience string) error {
	adapter, ok := o.cfg.Providers.Lookup(providerName)
	if !ok {
		return fmt.Errorf("orchestrator: no adapter registered for provider %q", providerName)
	}
	if _, err := adapter.Send(ctx, to, text); err != nil {
		o.metrics.IncCounter(telemetry.MetricOutboundMessages, 1,
			"provider", providerName, "audience", audience, "outcome", "error")
		return err
	}
	o.metrics.IncCounter(telemetry.MetricOutboundMessages, 1,
		"provider", providerName, "audience", audience, "outcome", "sent")
	return nil
}

// tellStaff sends an internal notification to a staff phone. Failures are
// logged and swallowed: staff notifications never abort message handling.
func (o *Orchestrator) tellStaff(ctx context.Context, providerName, to, text string) {
	if err := o.send(ctx, providerName, to, text, audienceStaff); err != nil {
		o.logger.Warn(ctx, "staff notification failed",
			"to", to, "err", err.Error())
	}
}

// reviewer picks the salesperson who reviews drafts and receives handoffs
// for a lead: the assigned salesperson when one is set and reachable,
// otherwise the dealership's earliest-created profile with a phone number.
func (o *Orchestrator) reviewer(ctx context.Context, dealershipID uuid.UUID, ld lead.Lead) (tenant.UserProfile, bool) {
	if ld.AssignedUserID != nil {
		p, err := o.cfg.Tenants.GetProfile(ctx, *ld.AssignedUserID)
		if err == nil && p.Phone != "" {
			return p, true
		}
		if err != nil && !errors.Is(err, tenant.ErrNotFound) {
			o.logger.Warn(ctx, "assigned salesperson lookup failed",
				"lead_id", ld.ID.String(), "err", err.Error())
		}
	}
	profiles, err := o.cfg.Tenants.ListProfiles(ctx, dealershipID)
	if err != nil {
		o.logger.Warn(ctx, "profile listing failed",
			"dealership_id", dealershipID.String(), "err", err.Error())
		return tenant.UserProfile{}, false
	}
	var best tenant.UserProfile
	found := false
	for _, p := range profiles {
		if p.Phone == "" {
			continue
		}
		if !found || p.CreatedAt.Before(best.CreatedAt) {
			best = p
			found = true
		}
	}
	return best, found
}

// boolSetting resolves a dealership-level boolean setting, falling back to
// def when the value is missing or malformed.
func (o *Orchestrator) boolSetting(ctx context.Context, dealershipID uuid.UUID, key string, def bool) bool {
	raw, err := o.cfg.Settings.ForDealership(ctx, dealershipID, key)
	if err != nil {
		o.logger.Warn(ctx, "setting lookup failed", "key", key, "err", err.Error())
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// intSetting resolves a dealership-level integer setting, falling back to
// def when the value is missing or malformed.
func (o *Orchestrator) intSetting(ctx context.Context, dealershipID uuid.UUID, key string, def int) int {
	raw, err := o.cfg.Settings.ForDealership(ctx, dealershipID, key)
	if err != nil {
		o.logger.Warn(ctx, "setting lookup failed", "key", key, "err", err.Error())
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// location resolves the dealership's timezone setting, defaulting to UTC.
func (o *Orchestrator) location(ctx context.Context, dealershipID uuid.UUID) *time.Location {
	raw, err := o.cfg.Settings.ForDealership(ctx, dealershipID, settings.KeyTimezone)
	if err != nil {
		return time.UTC
	}
	loc, err := time.LoadLocation(raw)
	if err != nil {
		o.logger.Warn(ctx, "invalid timezone setting", "timezone", raw)
		return time.UTC
	}
	return loc
}
