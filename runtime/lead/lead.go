// Package lead defines customer leads and their conversation history.
//
// A lead is a prospective buyer attached to exactly one dealership. Every
// inbound or outbound message is recorded as a Turn so that prompt assembly
// and handoff summaries can replay the conversation in order.
package lead

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type (
	// Lead is a prospective customer tracked by a dealership.
	//
	// Contract:
	//   - A lead belongs to exactly one dealership and never moves.
	//   - Phone is stored in E.164 form and is unique within the dealership.
	//   - Status transitions are unrestricted (sales staff may reopen a lost
	//     deal), but automated flows only ever move forward.
	Lead struct {
		// ID is the unique lead identifier.
		ID uuid.UUID `json:"id"`
		// DealershipID is the owning dealership.
		DealershipID uuid.UUID `json:"dealership_id"`
		// Name is the customer's name as captured from the first message or
		// CRM import. May be empty for inbound leads that never identified
		// themselves.
		Name string `json:"name,omitempty"`
		// CarInterest is a free-form description of what the customer is
		// shopping for ("used Tacoma under 30k").
		CarInterest string `json:"car_interest,omitempty"`
		// Source records how the lead arrived (sms, web, walk-in, import).
		Source string `json:"source,omitempty"`
		// Status is the lead's pipeline stage.
		Status Status `json:"status"`
		// Phone is the customer's number in E.164 form.
		Phone string `json:"phone"`
		// Email is the customer's email address if known.
		Email string `json:"email,omitempty"`
		// AssignedUserID is the profile of the salesperson working the lead,
		// nil when unassigned.
		AssignedUserID *uuid.UUID `json:"assigned_user_id,omitempty"`
		// AppointmentAt is the confirmed appointment time, nil when none is
		// booked.
		AppointmentAt *time.Time `json:"appointment_at,omitempty"`
		// MaxPrice is the customer's stated budget ceiling, nil when unknown.
		MaxPrice *float64 `json:"max_price,omitempty"`
		// LastContactAt is the time of the most recent turn in either
		// direction.
		LastContactAt time.Time `json:"last_contact_at"`
		// CreatedAt is the lead creation time.
		CreatedAt time.Time `json:"created_at"`
	}

	// Turn is a single message in a lead's conversation.
	//
	// Contract:
	//   - Turns are immutable once appended.
	//   - History is ordered by CreatedAt ascending with ID as tiebreak, so
	//     two turns recorded in the same instant still replay consistently.
	Turn struct {
		// ID is the unique turn identifier.
		ID uuid.UUID `json:"id"`
		// LeadID is the conversation this turn belongs to.
		LeadID uuid.UUID `json:"lead_id"`
		// Sender identifies who produced the message.
		Sender Sender `json:"sender"`
		// Text is the message body.
		Text string `json:"text"`
		// CreatedAt is the time the turn was recorded.
		CreatedAt time.Time `json:"created_at"`
	}

	// Status is a lead pipeline stage.
	Status string

	// Sender identifies the author of a conversation turn.
	Sender string
)

const (
	// StatusNew marks a lead that has not yet engaged.
	StatusNew Status = "new"
	// StatusWarm marks a lead in active conversation.
	StatusWarm Status = "warm"
	// StatusHot marks a lead showing strong buying signals.
	StatusHot Status = "hot"
	// StatusFollowUp marks a lead waiting on a scheduled follow-up.
	StatusFollowUp Status = "follow_up"
	// StatusCold marks a lead that has gone quiet.
	StatusCold Status = "cold"
	// StatusAppointmentBooked marks a lead with a confirmed appointment.
	StatusAppointmentBooked Status = "appointment_booked"
	// StatusDealWon marks a closed sale.
	StatusDealWon Status = "deal_won"
	// StatusDealLost marks a lost sale.
	StatusDealLost Status = "deal_lost"
)

const (
	// SenderCustomer is a message written by the customer.
	SenderCustomer Sender = "customer"
	// SenderAgent is a message sent on behalf of the dealership.
	SenderAgent Sender = "agent"
	// SenderSystem is an internal annotation (handoff notes, status
	// changes).
	SenderSystem Sender = "system"
)

var (
	// ErrNotFound is returned when a lead or turn does not exist.
	ErrNotFound = errors.New("lead: not found")
	// ErrDuplicatePhone is returned when creating a lead whose phone number
	// is already registered in the dealership.
	ErrDuplicatePhone = errors.New("lead: phone already registered in dealership")
)

// ValidStatus reports whether s is a known pipeline stage.
func ValidStatus(s Status) bool {
	switch s {
	case StatusNew, StatusWarm, StatusHot, StatusFollowUp, StatusCold,
		StatusAppointmentBooked, StatusDealWon, StatusDealLost:
		return true
	}
	return false
}

// ValidSender reports whether s is a known turn author.
func ValidSender(s Sender) bool {
	switch s {
	case SenderCustomer, SenderAgent, SenderSystem:
		return true
	}
	return false
}
