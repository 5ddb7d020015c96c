package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/approval"
	"github.com/driveline-ai/driveline/runtime/calendar"
	"github.com/driveline-ai/driveline/runtime/dialog"
	"github.com/driveline-ai/driveline/runtime/entity"
	"github.com/driveline-ai/driveline/runtime/handoff"
	"github.com/driveline-ai/driveline/runtime/inventory"
	"github.com/driveline-ai/driveline/runtime/lead"
	"github.com/driveline-ai/driveline/runtime/memory"
	"github.com/driveline-ai/driveline/runtime/prompt"
	"github.com/driveline-ai/driveline/runtime/provider"
	"github.com/driveline-ai/driveline/runtime/replytiming"
	"github.com/driveline-ai/driveline/runtime/retrieval"
	"github.com/driveline-ai/driveline/runtime/settings"
	"github.com/driveline-ai/driveline/runtime/telemetry"
	"github.com/driveline-ai/driveline/runtime/tenant"
)

// handleCustomer runs the automated conversation loop for one customer
// message. The flow is phased around the lead lock: state mutations happen
// under it, retrieval and generation happen outside it, and outcomes are
// merged back in afterwards.
func (o *Orchestrator) handleCustomer(ctx context.Context, dealershipID uuid.UUID, from string, in *provider.Inbound) (Outcome, error) {
	out := Outcome{Classification: ClassCustomer, DealershipID: dealershipID}

	q := entity.Parse(in.Text)
	now := o.now().UTC()
	template := lead.Lead{
		Name:          "unknown",
		CarInterest:   q.Summary(),
		Source:        in.Provider,
		Status:        lead.StatusNew,
		CreatedAt:     now,
		LastContactAt: now,
	}
	if name := entity.ExtractName(in.Text); name != "" {
		template.Name = name
	}
	ld, created, err := o.cfg.Leads.FindOrCreateByPhone(ctx, dealershipID, from, template)
	if err != nil {
		return out, fmt.Errorf("orchestrator: find or create lead: %w", err)
	}
	out.LeadID = ld.ID
	if created {
		o.logger.Info(ctx, "lead created from inbound message",
			"lead_id", ld.ID.String(),
			"dealership_id", dealershipID.String(),
			"source", in.Provider)
	}

	// Record the turn, fold the parse into memory, settle the dialog state,
	// and refresh the lead profile, all under the lead lock.
	mu := o.locks.of(ld.ID)
	mu.Lock()
	turnAt := o.now().UTC()
	if _, err := o.cfg.Leads.AppendTurn(ctx, lead.Turn{
		LeadID:    ld.ID,
		Sender:    lead.SenderCustomer,
		Text:      in.Text,
		CreatedAt: turnAt,
	}); err != nil {
		mu.Unlock()
		return out, fmt.Errorf("orchestrator: record customer turn: %w", err)
	}
	o.metrics.IncCounter(telemetry.MetricConversationTurns, 1, "sender", "customer")

	convID := memory.ConversationID(ld.ID)
	mem, err := o.cfg.Memory.Load(ctx, convID)
	if err != nil {
		o.logger.Warn(ctx, "memory load failed, starting fresh",
			"conversation_id", convID, "err", err.Error())
		mem = memory.Memory{}
	}
	mem.ConversationID = convID

	recent := make([]string, 0, len(mem.Turns))
	for _, t := range mem.Turns {
		recent = append(recent, t.Text)
	}
	applySlots(&mem, q)

	// Pronoun and positional references ("the cheaper one", "that one")
	// resolve against the vehicles already on the table, so booking and
	// reply generation talk about the right car.
	var pinned *memory.VehicleRef
	if !q.HasStrongSignals && len(mem.RecentVehicles) > 0 && referencesVehicle(in.Text) {
		if ref := memory.ResolveReference(mem, in.Text); ref != nil {
			mem.NoteVehicle(*ref)
			pinned = ref
		}
	}

	sig := dialog.DeriveSignals(mem.Slots, recent, in.Text)
	state := dialog.Settle(dialog.State(mem.State), sig)
	mem.State = string(state)
	mem.RecordTurn("customer", in.Text, turnAt)

	o.refreshProfile(ctx, &ld, q, in.Text)

	if err := o.cfg.Memory.Save(ctx, mem); err != nil {
		o.logger.Warn(ctx, "memory save failed",
			"conversation_id", convID, "err", err.Error())
	}
	mu.Unlock()

	// Retrieval and generation run unlocked; both are remote calls.
	vehicles := o.retrieveVehicles(ctx, dealershipID, q, mem, state, in.Text)
	if len(vehicles) == 0 && pinned != nil {
		if v, err := o.cfg.Inventory.Get(ctx, pinned.ID); err == nil && v.Status == inventory.StatusActive {
			vehicles = []inventory.Vehicle{v}
		}
	}
	reply := o.generateReply(ctx, dealershipID, ld, mem, vehicles, in.Text)

	if len(vehicles) > 0 {
		refs := vehicleRefs(vehicles)
		o.updateMemory(ctx, ld.ID, func(m *memory.Memory) {
			for i := len(refs) - 1; i >= 0; i-- {
				m.NoteVehicle(refs[i])
			}
		})
	}

	// Appointments and handoffs are time-sensitive: they bypass both the
	// approval gate and reply timing.
	schedulingContext := state == dialog.StateSchedule ||
		(mem.Appointment != nil && !mem.Appointment.Confirmed)
	hd := handoff.Evaluate(handoff.Input{
		UserText:          in.Text,
		ReplyText:         reply.Message,
		HasAppointment:    ld.AppointmentAt != nil || (mem.Appointment != nil && mem.Appointment.Confirmed),
		SchedulingContext: schedulingContext,
	})
	switch {
	case hd.ShouldHandoff && hd.Reason == handoff.ReasonTestDriveConfirmed:
		return o.confirmAppointment(ctx, out, ld, mem, from, in, dealershipID)
	case hd.ShouldHandoff && hd.Reason == handoff.ReasonTestDriveScheduling:
		if _, clock := calendar.ExtractDateTime(in.Text); clock != "" {
			// The request already names a time; no need to ask for one.
			return o.confirmAppointment(ctx, out, ld, mem, from, in, dealershipID)
		}
		return o.askForTime(ctx, out, ld, from, in)
	case hd.ShouldHandoff:
		return o.handOff(ctx, out, ld, from, in, dealershipID,
			hd.Reason, handoff.CannedMessage(hd.Reason), hd.Reasoning)
	case reply.Handoff:
		reason := modelReason(reply.HandoffReason)
		msg := reply.Message
		if msg == "" {
			msg = handoff.CannedMessage(reason)
		}
		return o.handOff(ctx, out, ld, from, in, dealershipID,
			reason, msg, "model flagged handoff")
	}

	// Automated reply: the approval gate decides who sends it, then timing
	// decides when.
	rev, hasReviewer := o.reviewer(ctx, dealershipID, ld)
	if !o.autoSendAllowed(ctx, reply, rev, hasReviewer, dealershipID) {
		if !hasReviewer {
			o.logger.Error(ctx, "reply needs approval but no staff can review",
				"dealership_id", dealershipID.String(), "lead_id", ld.ID.String())
			out.Action = ActionReplyDropped
			out.ReplyText = reply.Message
			return out, nil
		}
		expiry := o.now().UTC().Add(o.approvalTTL(ctx, dealershipID))
		ap, err := o.cfg.Approvals.Create(ctx, approval.Approval{
			LeadID:            ld.ID,
			UserID:            rev.ID,
			DealershipID:      dealershipID,
			CustomerMessage:   in.Text,
			GeneratedResponse: reply.Message,
			CustomerPhone:     from,
			CreatedAt:         o.now().UTC(),
			ExpiresAt:         expiry,
		})
		if err != nil {
			return out, fmt.Errorf("orchestrator: create approval: %w", err)
		}
		o.metrics.IncCounter(telemetry.MetricApprovalsCreated, 1, "origin", "inbound")
		o.logger.Info(ctx, "draft parked for approval",
			"approval_id", ap.ID.String(),
			"lead_id", ld.ID.String(),
			"reviewer_id", rev.ID.String())
		o.tellStaff(ctx, in.Provider, rev.Phone, draftPrompt(ld, in.Text, reply.Message))
		out.Action = ActionApprovalCreated
		out.ApprovalID = ap.ID
		out.ReplyText = reply.Message
		return out, nil
	}

	decision := o.cfg.Planner.Decide(o.timingConfig(ctx, dealershipID), in.Text, o.now())
	out.ReplyText = reply.Message
	if decision.Instant {
		out.Action = ActionReplied
		if err := o.deliver(ctx, in.Provider, ld.ID, from, reply.Message); err != nil {
			out.SendError = err.Error()
			return out, nil
		}
		out.ResponseSent = true
		return out, nil
	}

	providerName, leadID, to, text := in.Provider, ld.ID, from, reply.Message
	msg := replytiming.Outbound{
		DealershipID: dealershipID,
		Provider:     providerName,
		To:           to,
		Text:         text,
	}
	o.cfg.Scheduler.ScheduleMessage(ctx, decision.Delay, msg, func(sctx context.Context) {
		if err := o.deliver(sctx, providerName, leadID, to, text); err != nil {
			o.logger.Error(sctx, "delayed reply delivery failed",
				"lead_id", leadID.String(), "err", err.Error())
		}
	})
	o.logger.Debug(ctx, "reply scheduled",
		"lead_id", ld.ID.String(), "delay", decision.Delay.String())
	out.Action = ActionReplyScheduled
	out.Scheduled = true
	out.Delay = decision.Delay
	return out, nil
}

// applySlots folds a parsed vehicle query into conversation memory.
func applySlots(m *memory.Memory, q entity.VehicleQuery) {
	if q.Budget != nil {
		m.SetSlot("budget", fmt.Sprintf("%.0f", *q.Budget))
	}
	if q.Make != "" {
		m.SetSlot("make", q.Make)
	}
	if q.Model != "" {
		m.SetSlot("model", q.Model)
	}
	if q.BodyType != "" {
		m.SetSlot("body_type", q.BodyType)
	}
	if q.Year != 0 {
		m.SetSlot("year", strconv.Itoa(q.Year))
	}
	if len(q.Features) > 0 {
		m.SetSlot("features", strings.Join(q.Features, ", "))
	}
}

// refreshProfile folds newly learned details into the lead record: a name
// when none was known, an interest when none was known, and the stated
// budget. Store failures are logged and swallowed.
func (o *Orchestrator) refreshProfile(ctx context.Context, ld *lead.Lead, q entity.VehicleQuery, latest string) {
	changed := false
	if name := entity.ExtractName(latest); name != "" && (ld.Name == "" || ld.Name == "unknown") {
		ld.Name = name
		changed = true
	}
	if s := q.Summary(); s != "" && (ld.CarInterest == "" || ld.CarInterest == "unknown") {
		ld.CarInterest = s
		changed = true
	}
	if q.Budget != nil && (ld.MaxPrice == nil || *ld.MaxPrice != *q.Budget) {
		ld.MaxPrice = q.Budget
		changed = true
	}
	if !changed {
		return
	}
	if err := o.cfg.Leads.Update(ctx, *ld); err != nil {
		o.logger.Warn(ctx, "lead profile update failed",
			"lead_id", ld.ID.String(), "err", err.Error())
	}
}

// retrieveVehicles runs inventory retrieval when the dialog state allows it
// and the conversation has given us something to search with. Retrieval
// failures degrade to an empty result; the reply still goes out.
func (o *Orchestrator) retrieveVehicles(ctx context.Context, dealershipID uuid.UUID, q entity.VehicleQuery, mem memory.Memory, state dialog.State, latest string) []inventory.Vehicle {
	if !dialog.RetrievalAllowed(state) {
		return nil
	}
	if !q.HasStrongSignals && mem.Slots["budget"] == "" &&
		mem.Slots["body_type"] == "" && mem.Slots["model"] == "" {
		return nil
	}
	base := q.Summary()
	if base == "" {
		base = slotQuery(mem.Slots)
	}
	if base == "" {
		base = latest
	}
	topK := o.intSetting(ctx, dealershipID, settings.KeyMaxRecommendations, 3)
	results, err := o.cfg.Retriever.SearchWithContext(ctx, dealershipID, base, buildSearchContext(mem, q, latest), topK)
	if err != nil {
		o.logger.Warn(ctx, "retrieval failed, replying without inventory",
			"dealership_id", dealershipID.String(), "err", err.Error())
		return nil
	}
	vehicles := make([]inventory.Vehicle, 0, len(results))
	for _, r := range results {
		vehicles = append(vehicles, r.Vehicle)
	}
	return vehicles
}

// slotQuery rebuilds a search query from remembered slots for follow-up
// messages that carry no vehicle criteria of their own.
func slotQuery(slots map[string]string) string {
	parts := make([]string, 0, 4)
	for _, k := range []string{"year", "make", "model"} {
		if v := slots[k]; v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		if bt := slots["body_type"]; bt != "" {
			parts = append(parts, bt)
		}
	}
	if b := slots["budget"]; b != "" {
		parts = append(parts, "under $"+b)
	}
	return strings.Join(parts, " ")
}

// referenceTerms are words that point back at an already-mentioned vehicle.
var referenceTerms = []string{
	"first", "second", "third",
	"cheaper", "cheapest", "newer", "newest", "older", "oldest",
	"that one", "this one", "it",
}

// referencesVehicle reports whether text points back at a vehicle from
// earlier in the conversation. Terms match on word boundaries so "visit"
// never reads as "it".
func referencesVehicle(text string) bool {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	padded := " " + strings.Join(strings.Fields(cleaned), " ") + " "
	for _, term := range referenceTerms {
		if strings.Contains(padded, " "+term+" ") {
			return true
		}
	}
	return false
}

var urgencyTerms = []string{"today", "asap", "right now", "right away", "this weekend"}

func buildSearchContext(mem memory.Memory, q entity.VehicleQuery, latest string) retrieval.SearchContext {
	var sc retrieval.SearchContext
	budget := q.Budget
	if budget == nil {
		if raw := mem.Slots["budget"]; raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				budget = &v
			}
		}
	}
	switch {
	case q.PriceLow != nil && q.PriceHigh != nil:
		sc.BudgetLow, sc.BudgetHigh = q.PriceLow, q.PriceHigh
	case budget != nil:
		low := 0.0
		sc.BudgetLow, sc.BudgetHigh = &low, budget
	}
	sc.VehicleType = mem.Slots["body_type"]
	if fs := mem.Slots["features"]; fs != "" {
		sc.Preferences = make(map[string]string)
		for i, f := range strings.Split(fs, ", ") {
			sc.Preferences["feature_"+strconv.Itoa(i)] = f
		}
	}
	lower := strings.ToLower(latest)
	for _, term := range urgencyTerms {
		if strings.Contains(lower, term) {
			sc.Urgent = true
			break
		}
	}
	return sc
}

// generateReply builds the model input from stored conversation state and
// asks for a reply. Transport failures degrade to the template fallback,
// which never auto-sends.
func (o *Orchestrator) generateReply(ctx context.Context, dealershipID uuid.UUID, ld lead.Lead, mem memory.Memory, vehicles []inventory.Vehicle, latest string) prompt.Reply {
	turns, err := o.cfg.Leads.ListTurns(ctx, ld.ID, prompt.MaxHistoryTurns+1)
	if err != nil {
		o.logger.Warn(ctx, "turn history unavailable",
			"lead_id", ld.ID.String(), "err", err.Error())
		turns = nil
	}
	// The inbound message was already appended to history; the prompt
	// renders it separately as the latest message.
	if n := len(turns); n > 0 && turns[n-1].Sender == lead.SenderCustomer && turns[n-1].Text == latest {
		turns = turns[:n-1]
	}
	reply, err := o.cfg.Prompts.Generate(ctx, prompt.Input{
		DealershipName: o.dealershipName(ctx, dealershipID),
		Turns:          turns,
		Slots:          mem.Slots,
		Vehicles:       vehicles,
		LatestMessage:  latest,
	})
	if err != nil {
		o.logger.Warn(ctx, "reply generation failed, using fallback",
			"lead_id", ld.ID.String(), "err", err.Error())
		return prompt.FallbackReply(latest, vehicles)
	}
	return reply
}

// confirmAppointment books the test drive a time-confirming message asked
// for, updates the lead and memory, and confirms to the customer
// immediately.
func (o *Orchestrator) confirmAppointment(ctx context.Context, out Outcome, ld lead.Lead, mem memory.Memory, from string, in *provider.Inbound, dealershipID uuid.UUID) (Outcome, error) {
	dateText, clockText := calendar.ExtractDateTime(in.Text)
	vehicleText := ld.CarInterest
	if mem.LastVehicle != nil {
		vehicleText = mem.LastVehicle.Label()
	}
	if vehicleText == "" || vehicleText == "unknown" {
		vehicleText = "a vehicle"
	}
	booking := calendar.Build(calendar.BookingInput{
		CustomerName:  ld.Name,
		CustomerPhone: from,
		VehicleText:   vehicleText,
		PreferredDate: dateText,
		PreferredTime: clockText,
		Timezone:      o.location(ctx, dealershipID),
		Now:           o.now(),
	})
	if err := o.cfg.Leads.UpdateAppointment(ctx, ld.ID, &booking.Update.AppointmentAt); err != nil {
		return out, fmt.Errorf("orchestrator: record appointment: %w", err)
	}
	if err := o.cfg.Leads.UpdateStatus(ctx, ld.ID, booking.Update.Status); err != nil {
		o.logger.Warn(ctx, "lead status update failed",
			"lead_id", ld.ID.String(), "err", err.Error())
	}

	start := booking.StartsAt
	o.updateMemory(ctx, ld.ID, func(m *memory.Memory) {
		createdAt := o.now().UTC()
		if m.Appointment != nil && !m.Appointment.CreatedAt.IsZero() {
			createdAt = m.Appointment.CreatedAt
		}
		m.Appointment = &memory.AppointmentRecord{
			Date:      start.Format("2006-01-02"),
			Time:      start.Format("15:04"),
			Vehicle:   vehicleText,
			Confirmed: true,
			CreatedAt: createdAt,
		}
		m.State = string(dialog.StateHandoff)
	})

	when := start.Format("Monday, January 2") + " at " + start.Format("3:04 PM")
	confirmation := fmt.Sprintf("Perfect, you're booked for %s! See you then.", when)
	if vehicleText != "a vehicle" {
		confirmation = fmt.Sprintf("Perfect, you're booked for %s! We'll have the %s ready for you.", when, vehicleText)
	}
	o.metrics.IncCounter(telemetry.MetricHandoffs, 1, "reason", string(handoff.ReasonTestDriveConfirmed))
	o.logger.Info(ctx, "appointment booked",
		"lead_id", ld.ID.String(), "starts_at", start.Format(time.RFC3339))

	out.Action = ActionAppointmentConfirmed
	out.HandoffReason = handoff.ReasonTestDriveConfirmed
	out.ReplyText = confirmation
	if err := o.deliver(ctx, in.Provider, ld.ID, from, confirmation); err != nil {
		out.SendError = err.Error()
		return out, nil
	}
	out.ResponseSent = true
	o.notifyHandoff(ctx, dealershipID, ld, in, handoff.ReasonTestDriveConfirmed,
		"Test drive booked for "+when+".")
	return out, nil
}

// askForTime handles a scheduling request that names no time: the
// conversation stays automated and the customer is asked for a slot.
func (o *Orchestrator) askForTime(ctx context.Context, out Outcome, ld lead.Lead, from string, in *provider.Inbound) (Outcome, error) {
	o.updateMemory(ctx, ld.ID, func(m *memory.Memory) {
		if m.Appointment == nil {
			rec := &memory.AppointmentRecord{CreatedAt: o.now().UTC()}
			if m.LastVehicle != nil {
				rec.Vehicle = m.LastVehicle.Label()
			}
			m.Appointment = rec
		}
		m.State = string(dialog.StateSchedule)
	})
	text := "Happy to set that up! What day and time work best for you?"
	out.Action = ActionReplied
	out.ReplyText = text
	if err := o.deliver(ctx, in.Provider, ld.ID, from, text); err != nil {
		out.SendError = err.Error()
		return out, nil
	}
	out.ResponseSent = true
	return out, nil
}

// handOff sends the customer a closing message immediately, marks the
// conversation handed off, and alerts the lead's salesperson.
func (o *Orchestrator) handOff(ctx context.Context, out Outcome, ld lead.Lead, from string, in *provider.Inbound, dealershipID uuid.UUID, reason handoff.Reason, message, trigger string) (Outcome, error) {
	o.metrics.IncCounter(telemetry.MetricHandoffs, 1, "reason", string(reason))
	o.logger.Info(ctx, "conversation handed off",
		"lead_id", ld.ID.String(), "reason", string(reason), "trigger", trigger)
	o.updateMemory(ctx, ld.ID, func(m *memory.Memory) {
		m.State = string(dialog.StateHandoff)
	})

	out.Action = ActionHandoff
	out.HandoffReason = reason
	out.ReplyText = message
	if err := o.deliver(ctx, in.Provider, ld.ID, from, message); err != nil {
		out.SendError = err.Error()
	} else {
		out.ResponseSent = true
	}
	o.notifyHandoff(ctx, dealershipID, ld, in, reason, fmt.Sprintf("Last message: %q", in.Text))
	return out, nil
}

// notifyHandoff alerts the lead's salesperson that a conversation needs a
// human, unless the dealership turned handoff notifications off.
func (o *Orchestrator) notifyHandoff(ctx context.Context, dealershipID uuid.UUID, ld lead.Lead, in *provider.Inbound, reason handoff.Reason, detail string) {
	if !o.boolSetting(ctx, dealershipID, settings.KeyNotifyOnHandoff, true) {
		return
	}
	rev, ok := o.reviewer(ctx, dealershipID, ld)
	if !ok {
		o.logger.Warn(ctx, "nobody to notify for handoff",
			"dealership_id", dealershipID.String(), "lead_id", ld.ID.String())
		return
	}
	label := ld.Name
	if label == "" || label == "unknown" {
		label = ld.Phone
	} else {
		label += " (" + ld.Phone + ")"
	}
	reasonText := strings.ReplaceAll(string(reason), "_", " ")
	o.tellStaff(ctx, in.Provider, rev.Phone,
		fmt.Sprintf("Handoff needed for %s: %s. %s", label, reasonText, detail))
}

// modelReason maps the model's free-form handoff reason onto a known
// category, defaulting to uncertainty.
func modelReason(raw *string) handoff.Reason {
	if raw == nil {
		return handoff.ReasonUncertainty
	}
	norm := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(*raw)))
	switch norm {
	case "financing":
		return handoff.ReasonFinancing
	case "trade_in":
		return handoff.ReasonTradeIn
	case "pricing":
		return handoff.ReasonPricing
	case "appointment_scheduled":
		return handoff.ReasonAppointmentScheduled
	case "test_drive_scheduling":
		return handoff.ReasonTestDriveScheduling
	case "test_drive_time_confirmed":
		return handoff.ReasonTestDriveConfirmed
	case "legal_compliance", "legal":
		return handoff.ReasonLegalCompliance
	case "media_requests", "media":
		return handoff.ReasonMediaRequests
	case "out_of_scope":
		return handoff.ReasonOutOfScope
	default:
		return handoff.ReasonUncertainty
	}
}

// autoSendAllowed is the approval gate: both the model and the resolved
// auto-send setting must allow sending without review. The setting is
// resolved for the reviewing salesperson when one exists so their personal
// override applies.
func (o *Orchestrator) autoSendAllowed(ctx context.Context, r prompt.Reply, rev tenant.UserProfile, hasReviewer bool, dealershipID uuid.UUID) bool {
	if !r.AutoSend {
		return false
	}
	var raw string
	var err error
	if hasReviewer {
		raw, err = o.cfg.Settings.EffectiveForUser(ctx, rev.ID, dealershipID, settings.KeyAutoSendEnabled)
	} else {
		raw, err = o.cfg.Settings.ForDealership(ctx, dealershipID, settings.KeyAutoSendEnabled)
	}
	if err != nil {
		o.logger.Warn(ctx, "auto-send setting lookup failed", "err", err.Error())
		return false
	}
	allowed, err := strconv.ParseBool(raw)
	return err == nil && allowed
}

// approvalTTL resolves how long a parked draft stays actionable.
func (o *Orchestrator) approvalTTL(ctx context.Context, dealershipID uuid.UUID) time.Duration {
	minutes := o.intSetting(ctx, dealershipID, settings.KeyApprovalExpiryMinutes, 60)
	return time.Duration(minutes) * time.Minute
}

// timingConfig assembles the reply timing configuration from dealership
// settings. A malformed configuration falls back to instant delivery.
func (o *Orchestrator) timingConfig(ctx context.Context, dealershipID uuid.UUID) replytiming.Config {
	keys := []string{
		settings.KeyReplyTimingMode,
		settings.KeyReplyDelaySeconds,
		settings.KeyBusinessHoursDelay,
		settings.KeyBusinessHoursStart,
		settings.KeyBusinessHoursEnd,
		settings.KeyTimezone,
	}
	values := make(map[string]string, len(keys))
	for _, key := range keys {
		v, err := o.cfg.Settings.ForDealership(ctx, dealershipID, key)
		if err != nil {
			o.logger.Warn(ctx, "timing setting lookup failed",
				"key", key, "err", err.Error())
			return replytiming.Config{Mode: settings.TimingInstant}
		}
		values[key] = v
	}
	cfg, err := replytiming.ParseConfig(values)
	if err != nil {
		o.logger.Warn(ctx, "invalid reply timing configuration", "err", err.Error())
		return replytiming.Config{Mode: settings.TimingInstant}
	}
	return cfg
}

// dealershipName resolves the tenant's display name for prompts, degrading
// to a generic one.
func (o *Orchestrator) dealershipName(ctx context.Context, dealershipID uuid.UUID) string {
	d, err := o.cfg.Tenants.GetDealership(ctx, dealershipID)
	if err != nil {
		o.logger.Warn(ctx, "dealership lookup failed",
			"dealership_id", dealershipID.String(), "err", err.Error())
		return "the dealership"
	}
	return d.Name
}

// deliver sends customer-facing text and, once the provider accepted it,
// records the agent turn in history and memory. The lead lock is taken only
// after the send returns.
func (o *Orchestrator) deliver(ctx context.Context, providerName string, leadID uuid.UUID, to, text string) error {
	if err := o.send(ctx, providerName, to, text, audienceCustomer); err != nil {
		return err
	}
	sentAt := o.now().UTC()
	mu := o.locks.of(leadID)
	mu.Lock()
	defer mu.Unlock()
	if _, err := o.cfg.Leads.AppendTurn(ctx, lead.Turn{
		LeadID:    leadID,
		Sender:    lead.SenderAgent,
		Text:      text,
		CreatedAt: sentAt,
	}); err != nil {
		o.logger.Error(ctx, "agent turn not recorded",
			"lead_id", leadID.String(), "err", err.Error())
	}
	o.metrics.IncCounter(telemetry.MetricConversationTurns, 1, "sender", "agent")
	o.applyMemory(ctx, leadID, func(m *memory.Memory) {
		m.RecordTurn("agent", text, sentAt)
	})
	return nil
}

// applyMemory loads, mutates, and saves conversation memory. Callers hold
// the lead lock. Failures are logged and swallowed; memory is advisory.
func (o *Orchestrator) applyMemory(ctx context.Context, leadID uuid.UUID, apply func(*memory.Memory)) {
	convID := memory.ConversationID(leadID)
	m, err := o.cfg.Memory.Load(ctx, convID)
	if err != nil {
		o.logger.Warn(ctx, "memory load failed",
			"conversation_id", convID, "err", err.Error())
		return
	}
	m.ConversationID = convID
	apply(&m)
	if err := o.cfg.Memory.Save(ctx, m); err != nil {
		o.logger.Warn(ctx, "memory save failed",
			"conversation_id", convID, "err", err.Error())
	}
}

// updateMemory is applyMemory under the lead lock.
func (o *Orchestrator) updateMemory(ctx context.Context, leadID uuid.UUID, apply func(*memory.Memory)) {
	mu := o.locks.of(leadID)
	mu.Lock()
	defer mu.Unlock()
	o.applyMemory(ctx, leadID, apply)
}

// vehicleRefs converts retrieved vehicles into memory references, capped at
// what the prompt can render, most relevant first.
func vehicleRefs(vehicles []inventory.Vehicle) []memory.VehicleRef {
	n := len(vehicles)
	if n > prompt.MaxVehicles {
		n = prompt.MaxVehicles
	}
	refs := make([]memory.VehicleRef, 0, n)
	for _, v := range vehicles[:n] {
		refs = append(refs, memory.VehicleRef{
			ID:    v.ID,
			Year:  v.Year,
			Make:  v.Make,
			Model: v.Model,
			Price: v.Price,
		})
	}
	return refs
}

// vehiclesFromMemory resolves remembered vehicle references back to live
// inventory, skipping anything sold or removed since.
func (o *Orchestrator) vehiclesFromMemory(ctx context.Context, mem memory.Memory) []inventory.Vehicle {
	vehicles := make([]inventory.Vehicle, 0, len(mem.RecentVehicles))
	for _, ref := range mem.RecentVehicles {
		if len(vehicles) == prompt.MaxVehicles {
			break
		}
		v, err := o.cfg.Inventory.Get(ctx, ref.ID)
		if err != nil || v.Status != inventory.StatusActive {
			continue
		}
		vehicles = append(vehicles, v)
	}
	return vehicles
}
