// Package approval defines the pending-reply approval workflow.
//
// When auto-send is disabled, a generated reply is parked as a pending
// approval addressed to the lead's salesperson. The salesperson decides its
// fate over SMS (yes, no, edit, force) and the decision is recorded as a
// one-way status transition.
package approval

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a pending approval stays actionable.
const DefaultTTL = time.Hour

type (
	// Approval is a generated reply awaiting a staff decision.
	//
	// Contract:
	//   - At most one pending approval exists per (user, dealership) pair.
	//     Creating a new one expires any previous pending approval for the
	//     pair.
	//   - Status only ever leaves pending. Once terminal it never changes
	//     again; a second decision returns ErrAlreadyDecided.
	Approval struct {
		// ID is the unique approval identifier.
		ID uuid.UUID `json:"id"`
		// LeadID is the lead the reply is addressed to.
		LeadID uuid.UUID `json:"lead_id"`
		// UserID is the profile of the salesperson who must decide.
		UserID uuid.UUID `json:"user_id"`
		// DealershipID is the owning dealership.
		DealershipID uuid.UUID `json:"dealership_id"`
		// CustomerMessage is the inbound message the reply answers.
		CustomerMessage string `json:"customer_message"`
		// GeneratedResponse is the reply text awaiting approval. An edit
		// decision replaces it before sending.
		GeneratedResponse string `json:"generated_response"`
		// CustomerPhone is the lead's number in E.164 form, kept here so
		// the decision path can send without re-reading the lead.
		CustomerPhone string `json:"customer_phone"`
		// Status is the approval's lifecycle state.
		Status Status `json:"status"`
		// CreatedAt is the approval creation time.
		CreatedAt time.Time `json:"created_at"`
		// ExpiresAt is when a still-pending approval lapses.
		ExpiresAt time.Time `json:"expires_at"`
	}

	// Status is an approval lifecycle state.
	Status string
)

const (
	// StatusPending marks an approval awaiting a decision.
	StatusPending Status = "pending"
	// StatusApproved marks a reply that was approved and sent.
	StatusApproved Status = "approved"
	// StatusRejected marks a reply that was discarded.
	StatusRejected Status = "rejected"
	// StatusExpired marks an approval that lapsed without a decision.
	StatusExpired Status = "expired"
	// StatusForceSent marks a reply sent by explicit force command.
	StatusForceSent Status = "force_sent"
)

var (
	// ErrNotFound is returned when an approval does not exist.
	ErrNotFound = errors.New("approval: not found")
	// ErrAlreadyDecided is returned when transitioning an approval that
	// already left the pending state.
	ErrAlreadyDecided = errors.New("approval: already decided")
)

// Terminal reports whether s is a final state.
func Terminal(s Status) bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired, StatusForceSent:
		return true
	}
	return false
}

// Expired reports whether a pending approval has lapsed at the given time.
func (a Approval) Expired(now time.Time) bool {
	return a.Status == StatusPending && !now.Before(a.ExpiresAt)
}
