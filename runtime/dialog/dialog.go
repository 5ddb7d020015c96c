// Package dialog drives the per-lead conversation state machine.
//
// The machine decides how far along the funnel a conversation is and gates
// expensive work: inventory retrieval only runs while a conversation is
// narrowing toward or receiving recommendations. Transitions are pure
// functions of the current state and signals derived from the conversation,
// so the same inputs always produce the same state.
package dialog

import "strings"

// State is a conversation funnel stage.
type State string

const (
	// StateGreeting is the initial state before the customer signals
	// intent.
	StateGreeting State = "greeting"
	// StateDiscovery gathers what the customer is shopping for.
	StateDiscovery State = "discovery"
	// StateNarrowing refines budget, type, and model constraints.
	StateNarrowing State = "narrowing"
	// StateRecommendation presents matching inventory.
	StateRecommendation State = "recommendation"
	// StateSchedule negotiates a test drive or visit.
	StateSchedule State = "schedule"
	// StateHandoff routes the conversation to a human.
	StateHandoff State = "handoff"
)

// Signals are the inputs to a transition, derived from the slot map and the
// recent turn texts.
type Signals struct {
	// HasBudget is set when a budget slot is filled.
	HasBudget bool
	// HasModel is set when the customer named a specific model.
	HasModel bool
	// HasVehicleType is set when a body type slot is filled.
	HasVehicleType bool
	// ScheduleIntent is set on explicit scheduling language.
	ScheduleIntent bool
	// AppointmentConfirmed is set once a slot is locked in.
	AppointmentConfirmed bool
	// Escalation is set on finance, legal, or trade-in topics that force a
	// handoff.
	Escalation bool
}

// Any reports whether any signal is set.
func (s Signals) Any() bool {
	return s.HasBudget || s.HasModel || s.HasVehicleType ||
		s.ScheduleIntent || s.AppointmentConfirmed || s.Escalation
}

// escalationTerms force a handoff from any state. These are topics the
// agent must not negotiate on its own.
var escalationTerms = []string{
	"financing",
	"apr",
	"credit",
	"monthly payment",
	"trade-in",
	"trade in",
	"legal",
	"policy",
	"terms",
}

var scheduleTerms = []string{
	"test drive",
	"come by",
	"schedule",
}

var confirmTerms = []string{
	"see you at",
	"confirmed",
	"booked",
}

// DeriveSignals computes transition inputs from the slot map, the recent
// turn texts, and the latest customer message.
func DeriveSignals(slots map[string]string, recentTexts []string, latest string) Signals {
	var sig Signals
	sig.HasBudget = slots["budget"] != ""
	sig.HasModel = slots["model"] != ""
	sig.HasVehicleType = slots["body_type"] != ""

	texts := make([]string, 0, len(recentTexts)+1)
	for _, t := range recentTexts {
		texts = append(texts, strings.ToLower(t))
	}
	texts = append(texts, strings.ToLower(latest))

	for _, t := range texts {
		for _, term := range escalationTerms {
			if strings.Contains(t, term) {
				sig.Escalation = true
			}
		}
		for _, term := range scheduleTerms {
			if strings.Contains(t, term) {
				sig.ScheduleIntent = true
			}
		}
		for _, term := range confirmTerms {
			if strings.Contains(t, term) {
				sig.AppointmentConfirmed = true
			}
		}
	}
	return sig
}

// Advance returns the next state for the given signals. Escalation wins from
// every state; otherwise the machine only ever moves forward. Advance is
// called once per inbound message, so a message with no signals at all still
// moves a greeting into discovery.
func Advance(current State, sig Signals) State {
	if sig.Escalation {
		return StateHandoff
	}
	switch current {
	case StateGreeting, "":
		return StateDiscovery
	case StateDiscovery:
		if sig.HasModel || sig.HasVehicleType || sig.HasBudget {
			return StateNarrowing
		}
		return StateDiscovery
	case StateNarrowing:
		if sig.HasModel || (sig.HasVehicleType && sig.HasBudget) {
			return StateRecommendation
		}
		return StateNarrowing
	case StateRecommendation:
		if sig.ScheduleIntent {
			return StateSchedule
		}
		return StateRecommendation
	case StateSchedule:
		if sig.AppointmentConfirmed {
			return StateHandoff
		}
		return StateSchedule
	case StateHandoff:
		return StateHandoff
	}
	return current
}

// Settle applies Advance until the state stops changing, so a single message
// carrying several signals ("2021 Camry under $25k") can cross more than one
// stage. The loop is bounded by the number of states.
func Settle(current State, sig Signals) State {
	for range [6]struct{}{} {
		next := Advance(current, sig)
		if next == current {
			return next
		}
		current = next
	}
	return current
}

// RetrievalAllowed reports whether inventory retrieval may run in the given
// state.
func RetrievalAllowed(s State) bool {
	return s == StateNarrowing || s == StateRecommendation
}

// Valid reports whether s is a known state.
func Valid(s State) bool {
	switch s {
	case StateGreeting, StateDiscovery, StateNarrowing,
		StateRecommendation, StateSchedule, StateHandoff:
		return true
	}
	return false
}
