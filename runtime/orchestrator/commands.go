package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/approval"
	"github.com/driveline-ai/driveline/runtime/entity"
	"github.com/driveline-ai/driveline/runtime/inventory"
	"github.com/driveline-ai/driveline/runtime/lead"
	"github.com/driveline-ai/driveline/runtime/memory"
	"github.com/driveline-ai/driveline/runtime/prompt"
	"github.com/driveline-ai/driveline/runtime/provider"
	"github.com/driveline-ai/driveline/runtime/tasks"
	"github.com/driveline-ai/driveline/runtime/telemetry"
	"github.com/driveline-ai/driveline/runtime/tenant"
)

const decisionTrailer = "Reply YES to send, NO to discard, EDIT <changes> to revise, or FORCE <your text> to send your own."

const decisionHelp = "You have a draft waiting. " + decisionTrailer

// decisionKind is the parsed approval verb.
type decisionKind int

const (
	decideHelp decisionKind = iota
	decideYes
	decideNo
	decideEdit
	decideForce
)

// decision is a parsed approval command. payload carries the EDIT
// instructions or the FORCE text, original casing preserved.
type decision struct {
	kind    decisionKind
	payload string
}

var yesSynonyms = map[string]bool{
	"yes": true, "y": true, "send": true, "approve": true,
	"ok": true, "okay": true, "👍": true, "✅": true,
	"send it": true, "looks good": true, "good": true,
	"go ahead": true, "approve it": true,
}

var noSynonyms = map[string]bool{
	"no": true, "n": true, "reject": true, "cancel": true,
	"skip": true, "👎": true, "❌": true,
	"don't send": true, "dont send": true, "reject it": true,
}

// parseDecision interprets a salesperson's reply to a pending draft.
// EDIT and FORCE are matched as a case-insensitive leading verb followed
// by a non-empty payload; everything else is normalized and checked
// against the yes/no synonym sets. Unrecognized input asks for help.
func parseDecision(text string) decision {
	trimmed := strings.TrimSpace(text)
	if rest, ok := commandPayload(trimmed, "edit"); ok {
		return decision{kind: decideEdit, payload: rest}
	}
	if rest, ok := commandPayload(trimmed, "force"); ok {
		return decision{kind: decideForce, payload: rest}
	}
	norm := strings.TrimSpace(strings.TrimRight(strings.ToLower(trimmed), ".!"))
	switch {
	case yesSynonyms[norm]:
		return decision{kind: decideYes}
	case noSynonyms[norm]:
		return decision{kind: decideNo}
	}
	return decision{kind: decideHelp}
}

// commandPayload matches a case-insensitive "<verb> <payload>" prefix and
// returns the payload with its original casing.
func commandPayload(text, verb string) (string, bool) {
	if len(text) <= len(verb)+1 {
		return "", false
	}
	if !strings.EqualFold(text[:len(verb)], verb) || text[len(verb)] != ' ' {
		return "", false
	}
	payload := strings.TrimSpace(text[len(verb)+1:])
	return payload, payload != ""
}

// handleSalesperson routes a staff message: when a draft is pending for
// this salesperson it is an approval decision, otherwise it is a business
// command.
func (o *Orchestrator) handleSalesperson(ctx context.Context, dealershipID uuid.UUID, sp tenant.UserProfile, in *provider.Inbound) (Outcome, error) {
	out := Outcome{Classification: ClassSalesperson, DealershipID: dealershipID}
	pending, err := o.cfg.Approvals.GetPending(ctx, sp.ID, dealershipID)
	switch {
	case err == nil:
		return o.handleDecision(ctx, out, sp, pending, in)
	case errors.Is(err, approval.ErrNotFound):
		return o.handleBusinessCommand(ctx, out, sp, in)
	default:
		return out, fmt.Errorf("orchestrator: pending approval lookup: %w", err)
	}
}

func (o *Orchestrator) handleDecision(ctx context.Context, out Outcome, sp tenant.UserProfile, pending approval.Approval, in *provider.Inbound) (Outcome, error) {
	out.ApprovalID = pending.ID
	out.LeadID = pending.LeadID

	cmd := parseDecision(in.Text)
	switch cmd.kind {
	case decideYes:
		return o.approveAndSend(ctx, out, sp, pending, in)
	case decideNo:
		if err := o.cfg.Approvals.UpdateStatus(ctx, pending.ID, approval.StatusRejected); err != nil {
			if errors.Is(err, approval.ErrAlreadyDecided) {
				out.Action = ActionAlreadyDecided
				return out, nil
			}
			return out, fmt.Errorf("orchestrator: reject approval: %w", err)
		}
		o.metrics.IncCounter(telemetry.MetricApprovalsDecided, 1, "decision", "rejected")
		o.logger.Info(ctx, "draft rejected",
			"approval_id", pending.ID.String(), "lead_id", pending.LeadID.String())
		o.tellStaff(ctx, in.Provider, sp.Phone, "Draft discarded. Nothing was sent to the customer.")
		out.Action = ActionRejected
		return out, nil
	case decideEdit:
		return o.regenerate(ctx, out, sp, pending, cmd.payload, in)
	case decideForce:
		return o.forceSend(ctx, out, sp, pending, cmd.payload, in)
	default:
		o.tellStaff(ctx, in.Provider, sp.Phone, decisionHelp)
		out.Action = ActionHelpSent
		return out, nil
	}
}

// approveAndSend claims the pending approval and then delivers the draft.
// The status flip happens first so a duplicate YES (retried webhook, double
// tap) finds the approval already decided and never sends twice. A send
// failure after the flip leaves the approval approved; only the delivery
// outcome is reported back to the salesperson.
func (o *Orchestrator) approveAndSend(ctx context.Context, out Outcome, sp tenant.UserProfile, pending approval.Approval, in *provider.Inbound) (Outcome, error) {
	if err := o.cfg.Approvals.UpdateStatus(ctx, pending.ID, approval.StatusApproved); err != nil {
		if errors.Is(err, approval.ErrAlreadyDecided) {
			out.Action = ActionAlreadyDecided
			return out, nil
		}
		return out, fmt.Errorf("orchestrator: approve: %w", err)
	}
	o.metrics.IncCounter(telemetry.MetricApprovalsDecided, 1, "decision", "approved")

	if err := o.deliver(ctx, in.Provider, pending.LeadID, pending.CustomerPhone, pending.GeneratedResponse); err != nil {
		o.logger.Error(ctx, "approved reply delivery failed",
			"approval_id", pending.ID.String(), "err", err.Error())
		o.tellStaff(ctx, in.Provider, sp.Phone, "Failed to send: "+err.Error())
		out.Action = ActionApproved
		out.SendError = err.Error()
		return out, nil
	}
	o.tellStaff(ctx, in.Provider, sp.Phone, "Response approved and sent to customer.")
	out.Action = ActionApproved
	out.ReplyText = pending.GeneratedResponse
	out.ResponseSent = true
	return out, nil
}

// forceSend replaces the draft with the salesperson's own words and sends
// them verbatim.
func (o *Orchestrator) forceSend(ctx context.Context, out Outcome, sp tenant.UserProfile, pending approval.Approval, text string, in *provider.Inbound) (Outcome, error) {
	if err := o.cfg.Approvals.UpdateResponse(ctx, pending.ID, text); err != nil {
		if errors.Is(err, approval.ErrAlreadyDecided) {
			out.Action = ActionAlreadyDecided
			return out, nil
		}
		return out, fmt.Errorf("orchestrator: record forced text: %w", err)
	}
	if err := o.cfg.Approvals.UpdateStatus(ctx, pending.ID, approval.StatusForceSent); err != nil {
		if errors.Is(err, approval.ErrAlreadyDecided) {
			out.Action = ActionAlreadyDecided
			return out, nil
		}
		return out, fmt.Errorf("orchestrator: force send: %w", err)
	}
	o.metrics.IncCounter(telemetry.MetricApprovalsDecided, 1, "decision", "force_sent")

	if err := o.deliver(ctx, in.Provider, pending.LeadID, pending.CustomerPhone, text); err != nil {
		o.logger.Error(ctx, "forced reply delivery failed",
			"approval_id", pending.ID.String(), "err", err.Error())
		o.tellStaff(ctx, in.Provider, sp.Phone, "Failed to send: "+err.Error())
		out.Action = ActionForceSent
		out.SendError = err.Error()
		return out, nil
	}
	o.tellStaff(ctx, in.Provider, sp.Phone, "Your message was sent to the customer.")
	out.Action = ActionForceSent
	out.ReplyText = text
	out.ResponseSent = true
	return out, nil
}

// regenerate rebuilds the draft with the salesperson's instructions and
// parks the result as a fresh pending approval. The previous draft is
// retired by the store when the new one is created.
func (o *Orchestrator) regenerate(ctx context.Context, out Outcome, sp tenant.UserProfile, pending approval.Approval, instructions string, in *provider.Inbound) (Outcome, error) {
	input, err := o.editInput(ctx, pending)
	if err != nil {
		return out, err
	}
	reply, err := o.cfg.Prompts.GenerateWithInstructions(ctx, input, instructions, false)
	if err != nil {
		o.logger.Warn(ctx, "draft regeneration failed",
			"approval_id", pending.ID.String(), "err", err.Error())
		o.tellStaff(ctx, in.Provider, sp.Phone,
			"Couldn't revise the draft right now. The original is still pending. "+decisionTrailer)
		out.Action = ActionCommandFailed
		return out, nil
	}
	if !reflectsInstructions(reply.Message, instructions) {
		second, err := o.cfg.Prompts.GenerateWithInstructions(ctx, input, instructions, true)
		if err == nil {
			reply = second
		}
	}

	expiry := o.now().UTC().Add(o.approvalTTL(ctx, pending.DealershipID))
	next, err := o.cfg.Approvals.Create(ctx, approval.Approval{
		LeadID:            pending.LeadID,
		UserID:            sp.ID,
		DealershipID:      pending.DealershipID,
		CustomerMessage:   pending.CustomerMessage,
		GeneratedResponse: reply.Message,
		CustomerPhone:     pending.CustomerPhone,
		CreatedAt:         o.now().UTC(),
		ExpiresAt:         expiry,
	})
	if err != nil {
		return out, fmt.Errorf("orchestrator: create revised approval: %w", err)
	}
	o.metrics.IncCounter(telemetry.MetricApprovalsCreated, 1, "origin", "edit")

	o.tellStaff(ctx, in.Provider, sp.Phone, "Revised draft:\n"+reply.Message+"\n\n"+decisionTrailer)
	out.ApprovalID = next.ID
	out.ReplyText = reply.Message
	out.Action = ActionEdited
	return out, nil
}

// editInput reconstructs the generation input for an EDIT from stored
// conversation state, since the original webhook request is long gone.
func (o *Orchestrator) editInput(ctx context.Context, pending approval.Approval) (prompt.Input, error) {
	ld, err := o.cfg.Leads.Get(ctx, pending.LeadID)
	if err != nil {
		return prompt.Input{}, fmt.Errorf("orchestrator: load lead for edit: %w", err)
	}
	turns, err := o.cfg.Leads.ListTurns(ctx, ld.ID, prompt.MaxHistoryTurns)
	if err != nil {
		o.logger.Warn(ctx, "turn history unavailable for edit",
			"lead_id", ld.ID.String(), "err", err.Error())
		turns = nil
	}
	mem, err := o.cfg.Memory.Load(ctx, memory.ConversationID(ld.ID))
	if err != nil {
		o.logger.Warn(ctx, "memory unavailable for edit",
			"lead_id", ld.ID.String(), "err", err.Error())
		mem = memory.Memory{}
	}
	return prompt.Input{
		DealershipName: o.dealershipName(ctx, pending.DealershipID),
		Turns:          turns,
		Slots:          mem.Slots,
		Vehicles:       o.vehiclesFromMemory(ctx, mem),
		LatestMessage:  pending.CustomerMessage,
	}, nil
}

// directiveWords are instruction verbs, filler, and style adjectives that
// would not appear verbatim in a good reply. They are skipped when checking
// whether a regenerated draft picked up the instructions.
var directiveWords = map[string]bool{
	"mention": true, "mentions": true, "add": true, "include": true,
	"including": true, "make": true, "making": true, "say": true,
	"tell": true, "use": true, "keep": true, "sound": true,
	"sounds": true, "more": true, "less": true, "bit": true,
	"please": true, "and": true, "the": true, "with": true,
	"that": true, "this": true, "for": true, "our": true,
	"your": true, "you": true, "very": true, "tone": true,
	"but": true, "about": true, "should": true, "could": true,
	"would": true, "remove": true, "drop": true, "take": true,
	"out": true, "rewrite": true, "don": true, "dont": true,
	"friendly": true, "friendlier": true, "professional": true,
	"casual": true, "formal": true, "warm": true, "warmer": true,
	"short": true, "shorter": true, "long": true, "longer": true,
	"polite": true, "nicer": true, "enthusiastic": true,
}

// reflectsInstructions reports whether the regenerated message contains at
// least one significant word from the instructions. The check is
// deliberately loose: it catches drafts that ignored the instructions
// entirely, not drafts that followed them imperfectly. Instructions with no
// checkable content ("make it shorter") count as reflected.
func reflectsInstructions(message, instructions string) bool {
	msg := strings.ToLower(message)
	words := strings.FieldsFunc(strings.ToLower(instructions), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	significant := 0
	for _, w := range words {
		if len(w) < 3 || directiveWords[w] {
			continue
		}
		significant++
		if strings.Contains(msg, w) {
			return true
		}
	}
	return significant == 0
}

// handleBusinessCommand interprets a staff message with no draft pending as
// an operational command against the dealership's own data.
func (o *Orchestrator) handleBusinessCommand(ctx context.Context, out Outcome, sp tenant.UserProfile, in *provider.Inbound) (Outcome, error) {
	cmd := entity.ParseCommand(in.Text)
	o.logger.Debug(ctx, "business command parsed",
		"kind", string(cmd.Kind), "profile_id", sp.ID.String())

	switch cmd.Kind {
	case entity.CommandLeadCreation:
		return o.createLeadFromCommand(ctx, out, sp, cmd, in)
	case entity.CommandInventoryUpdate:
		return o.addVehicleFromCommand(ctx, out, sp, cmd, in)
	case entity.CommandInventoryInquiry:
		o.tellStaff(ctx, in.Provider, sp.Phone, o.inventoryCount(ctx, sp.DealershipID, cmd.Query))
		out.Action = ActionAcknowledged
		return out, nil
	case entity.CommandLeadInquiry:
		o.recordCommandParse(ctx, sp, cmd, in)
		o.tellStaff(ctx, in.Provider, sp.Phone,
			"Lead reports aren't wired up over text yet. The dashboard has the full pipeline view.")
		out.Action = ActionAcknowledged
		return out, nil
	case entity.CommandStatusUpdate:
		o.recordCommandParse(ctx, sp, cmd, in)
		o.tellStaff(ctx, in.Provider, sp.Phone,
			"Noted. Status changes by text are coming soon; for now update the lead in the dashboard.")
		out.Action = ActionAcknowledged
		return out, nil
	case entity.CommandTestDriveScheduling:
		o.recordCommandParse(ctx, sp, cmd, in)
		o.tellStaff(ctx, in.Provider, sp.Phone,
			"To book a test drive I need to hear from the customer's number, or you can schedule it in the dashboard.")
		out.Action = ActionAcknowledged
		return out, nil
	case entity.CommandGeneralQuestion:
		o.recordCommandParse(ctx, sp, cmd, in)
		o.tellStaff(ctx, in.Provider, sp.Phone,
			"I handle leads and inventory over text. For anything else, the dashboard is the best bet.")
		out.Action = ActionAcknowledged
		return out, nil
	default:
		o.tellStaff(ctx, in.Provider, sp.Phone,
			"Sorry, I didn't catch that. You can say things like \"new lead Jane Doe, 555-123-4567, wants a RAV4\" or \"just got a 2019 Civic in, $15,500\".")
		out.Action = ActionCommandFailed
		return out, nil
	}
}

// recordCommandParse keeps the structured parse of an acknowledged staff
// command. When the message names a phone number that resolves to a lead in
// the salesperson's dealership the parse lands on that lead's history as a
// system turn; otherwise it is logged for the audit trail.
func (o *Orchestrator) recordCommandParse(ctx context.Context, sp tenant.UserProfile, cmd entity.Command, in *provider.Inbound) {
	note := struct {
		Kind     string `json:"kind"`
		Text     string `json:"text"`
		Criteria string `json:"criteria,omitempty"`
		Phone    string `json:"phone,omitempty"`
	}{Kind: string(cmd.Kind), Text: in.Text, Criteria: cmd.Query.Summary(), Phone: cmd.Phone}
	raw, err := json.Marshal(note)
	if err != nil {
		return
	}

	if cmd.Phone != "" {
		ld, err := o.cfg.Leads.GetByPhone(ctx, sp.DealershipID, cmd.Phone)
		if err == nil {
			mu := o.locks.of(ld.ID)
			mu.Lock()
			defer mu.Unlock()
			if _, err := o.cfg.Leads.AppendTurn(ctx, lead.Turn{
				LeadID:    ld.ID,
				Sender:    lead.SenderSystem,
				Text:      string(raw),
				CreatedAt: o.now().UTC(),
			}); err != nil {
				o.logger.Warn(ctx, "command parse not recorded",
					"lead_id", ld.ID.String(), "err", err.Error())
			}
			return
		}
		if !errors.Is(err, lead.ErrNotFound) {
			o.logger.Warn(ctx, "lead lookup for command parse failed", "err", err.Error())
		}
	}
	o.logger.Info(ctx, "staff command parsed",
		"kind", string(cmd.Kind), "profile_id", sp.ID.String(), "parse", string(raw))
}

func (o *Orchestrator) createLeadFromCommand(ctx context.Context, out Outcome, sp tenant.UserProfile, cmd entity.Command, in *provider.Inbound) (Outcome, error) {
	details := cmd.Lead
	if details == nil {
		details = &entity.LeadDetails{}
	}
	if details.Phone == "" {
		o.tellStaff(ctx, in.Provider, sp.Phone,
			"I need a phone number to create a lead. Try: new lead Jane Doe, 555-123-4567, interested in a RAV4.")
		out.Action = ActionCommandFailed
		return out, nil
	}

	var missing []string
	name := details.Name
	if name == "" {
		name = "unknown"
		missing = append(missing, "name")
	}
	email := details.Email
	if email == "" {
		email = "unknown"
		missing = append(missing, "email")
	}
	interest := details.CarInterest
	if interest == "" {
		interest = "unknown"
		missing = append(missing, "car interest")
	}

	now := o.now().UTC()
	created, err := o.cfg.Leads.Create(ctx, lead.Lead{
		DealershipID:   sp.DealershipID,
		Name:           name,
		CarInterest:    interest,
		Source:         "sms",
		Status:         lead.StatusNew,
		Phone:          details.Phone,
		Email:          email,
		AssignedUserID: &sp.ID,
		CreatedAt:      now,
		LastContactAt:  now,
	})
	if err != nil {
		if errors.Is(err, lead.ErrDuplicatePhone) {
			msg := "A lead with that phone number already exists."
			if existing, lookupErr := o.cfg.Leads.GetByPhone(ctx, sp.DealershipID, details.Phone); lookupErr == nil && existing.Name != "" && existing.Name != "unknown" {
				msg = fmt.Sprintf("That number already belongs to %s.", existing.Name)
			}
			o.tellStaff(ctx, in.Provider, sp.Phone, msg)
			out.Action = ActionCommandFailed
			return out, nil
		}
		return out, fmt.Errorf("orchestrator: create lead from command: %w", err)
	}
	o.logger.Info(ctx, "lead created by salesperson",
		"lead_id", created.ID.String(), "profile_id", sp.ID.String())

	summary := "Created lead: " + name + " (" + details.Phone + ")"
	if interest != "unknown" {
		summary += ", interested in " + interest
	}
	summary += "."
	if len(missing) > 0 {
		summary += " Missing: " + strings.Join(missing, ", ") + "."
	}
	o.tellStaff(ctx, in.Provider, sp.Phone, summary)
	out.LeadID = created.ID
	out.Action = ActionLeadCreated
	return out, nil
}

func (o *Orchestrator) addVehicleFromCommand(ctx context.Context, out Outcome, sp tenant.UserProfile, cmd entity.Command, in *provider.Inbound) (Outcome, error) {
	details := cmd.Vehicle
	if details == nil {
		details = &entity.VehicleDetails{}
	}
	year := details.Year
	if year == 0 {
		year = 2020
	}
	condition := details.Condition
	if condition == "" {
		condition = "unknown"
	}
	v, err := o.cfg.Inventory.Create(ctx, inventory.Vehicle{
		DealershipID: sp.DealershipID,
		Make:         capitalizeWords(details.Make),
		Model:        capitalizeWords(details.Model),
		Year:         year,
		Price:        details.Price,
		Condition:    condition,
		Status:       inventory.StatusActive,
	})
	if err != nil {
		o.logger.Warn(ctx, "vehicle add rejected",
			"profile_id", sp.ID.String(), "err", err.Error())
		o.tellStaff(ctx, in.Provider, sp.Phone,
			"I couldn't make out the vehicle details. Try: just got a 2019 Honda Civic in, $15,500.")
		out.Action = ActionCommandFailed
		return out, nil
	}
	if _, err := o.cfg.Tasks.Enqueue(ctx, tasks.KindEmbeddingBuild, tasks.EmbeddingBuildPayload{
		DealershipID: sp.DealershipID,
		VehicleID:    v.ID,
	}); err != nil {
		o.logger.Warn(ctx, "embedding build enqueue failed",
			"vehicle_id", v.ID.String(), "err", err.Error())
	}
	o.logger.Info(ctx, "vehicle added by salesperson",
		"vehicle_id", v.ID.String(), "profile_id", sp.ID.String())

	ack := "Added " + v.Label()
	if condition != "unknown" {
		ack += " (" + condition + ")"
	}
	ack += " to inventory"
	if v.Price > 0 {
		ack += fmt.Sprintf(" at $%.0f", v.Price)
	}
	ack += ". It will show up in recommendations shortly."
	o.tellStaff(ctx, in.Provider, sp.Phone, ack)
	out.Action = ActionVehicleAdded
	return out, nil
}

// inventoryCount answers an inventory inquiry with a live count of active
// vehicles matching the parsed criteria.
func (o *Orchestrator) inventoryCount(ctx context.Context, dealershipID uuid.UUID, q entity.VehicleQuery) string {
	vehicles, err := o.cfg.Inventory.List(ctx, dealershipID, inventory.ListFilter{Status: inventory.StatusActive})
	if err != nil {
		o.logger.Warn(ctx, "inventory listing failed",
			"dealership_id", dealershipID.String(), "err", err.Error())
		return "Couldn't reach inventory just now. Try again in a minute."
	}
	n := 0
	for _, v := range vehicles {
		if q.Make != "" && !strings.EqualFold(v.Make, q.Make) {
			continue
		}
		if q.Model != "" && !strings.EqualFold(v.Model, q.Model) {
			continue
		}
		if q.Year != 0 && v.Year != q.Year {
			continue
		}
		if q.BodyType != "" && !strings.Contains(strings.ToLower(v.Description), q.BodyType) {
			continue
		}
		if q.Budget != nil && v.Price > *q.Budget {
			continue
		}
		n++
	}
	if crit := q.Summary(); crit != "" {
		if n == 1 {
			return fmt.Sprintf("We have 1 active vehicle matching %s.", crit)
		}
		return fmt.Sprintf("We have %d active vehicles matching %s.", n, crit)
	}
	if n == 1 {
		return "We have 1 vehicle in stock right now."
	}
	return fmt.Sprintf("We have %d vehicles in stock right now.", n)
}

func capitalizeWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// draftPrompt formats the approval request sent to the reviewing
// salesperson when a generated reply needs a human decision.
func draftPrompt(ld lead.Lead, customerMessage, draft string) string {
	who := ld.Name
	if who == "" || who == "unknown" {
		who = ld.Phone
	}
	return fmt.Sprintf("New message from %s:\n%q\n\nDraft reply:\n%q\n\n%s",
		who, customerMessage, draft, decisionTrailer)
}
