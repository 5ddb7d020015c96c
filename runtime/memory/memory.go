// Package memory holds short-lived conversational context per lead.
//
// The memory object is the working set for reply generation: the last few
// turns, extracted slots, and the vehicles mentioned recently so pronouns
// like "the cheaper one" can be resolved. Memory is best-effort state. It
// expires, it may be evicted, and every reader treats an absent record as an
// empty one.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxTurns is the size of the per-conversation turn ring.
	MaxTurns = 5
	// MaxRecentVehicles caps the recent-vehicles list.
	MaxRecentVehicles = 5
	// TTL is how long a memory record lives after its last save.
	TTL = 7 * 24 * time.Hour
)

type (
	// Memory is the per-conversation context record.
	Memory struct {
		// ConversationID keys the record. Derived from the lead ID.
		ConversationID string `json:"conversation_id"`
		// Turns holds the last MaxTurns messages, oldest first.
		Turns []Turn `json:"turns,omitempty"`
		// Slots maps extracted entity names (budget, model, body_type,
		// year, features) to their latest values.
		Slots map[string]string `json:"slots,omitempty"`
		// State is the conversation's dialog funnel stage, empty before the
		// first customer message. Stored as a string so the memory layer
		// does not depend on the state machine package.
		State string `json:"state,omitempty"`
		// LastVehicle is the most recently discussed vehicle.
		LastVehicle *VehicleRef `json:"last_vehicle,omitempty"`
		// RecentVehicles lists vehicles cited in recent replies, most
		// recent first, capped at MaxRecentVehicles.
		RecentVehicles []VehicleRef `json:"recent_vehicles,omitempty"`
		// Appointment is the in-flight appointment negotiation, if any.
		Appointment *AppointmentRecord `json:"appointment,omitempty"`
		// UpdatedAt is the time of the last save.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Turn is one message in the ring.
	Turn struct {
		// Role is "customer" or "agent".
		Role string `json:"role"`
		// Text is the message body.
		Text string `json:"text"`
		// At is when the message was recorded.
		At time.Time `json:"at"`
	}

	// VehicleRef is the subset of a vehicle carried in memory.
	VehicleRef struct {
		// ID is the inventory vehicle ID.
		ID uuid.UUID `json:"id"`
		// Year is the model year.
		Year int `json:"year"`
		// Make is the manufacturer name.
		Make string `json:"make"`
		// Model is the model name.
		Model string `json:"model"`
		// Price is the asking price in dollars.
		Price float64 `json:"price"`
	}

	// AppointmentRecord tracks an appointment being negotiated over chat.
	AppointmentRecord struct {
		// Date is the appointment date in YYYY-MM-DD form.
		Date string `json:"date"`
		// Time is the 24-hour HH:MM appointment time.
		Time string `json:"time"`
		// Vehicle is the vehicle the visit is about, if any.
		Vehicle string `json:"vehicle,omitempty"`
		// Confirmed is set once the customer confirms the slot.
		Confirmed bool `json:"confirmed"`
		// CreatedAt is when the negotiation started.
		CreatedAt time.Time `json:"created_at"`
	}
)

// ConversationID derives the memory key for a lead.
func ConversationID(leadID uuid.UUID) string {
	return fmt.Sprintf("lead:%s", leadID)
}

// Label returns the short human-readable form, for example
// "2022 Toyota Tacoma".
func (v VehicleRef) Label() string {
	return fmt.Sprintf("%d %s %s", v.Year, v.Make, v.Model)
}

// RecordTurn appends a message to the ring, evicting the oldest when full.
func (m *Memory) RecordTurn(role, text string, at time.Time) {
	m.Turns = append(m.Turns, Turn{Role: role, Text: text, At: at})
	if len(m.Turns) > MaxTurns {
		m.Turns = m.Turns[len(m.Turns)-MaxTurns:]
	}
}

// SetSlot records an extracted entity value, overwriting any previous value
// for the name.
func (m *Memory) SetSlot(name, value string) {
	if m.Slots == nil {
		m.Slots = make(map[string]string)
	}
	m.Slots[name] = value
}

// NoteVehicle marks a vehicle as discussed. It becomes LastVehicle and moves
// to the front of RecentVehicles without duplication.
func (m *Memory) NoteVehicle(v VehicleRef) {
	ref := v
	m.LastVehicle = &ref
	recents := make([]VehicleRef, 0, len(m.RecentVehicles)+1)
	recents = append(recents, v)
	for _, r := range m.RecentVehicles {
		if r.ID == v.ID {
			continue
		}
		recents = append(recents, r)
	}
	if len(recents) > MaxRecentVehicles {
		recents = recents[:MaxRecentVehicles]
	}
	m.RecentVehicles = recents
}

// ResolveReference resolves a positional or comparative phrase against the
// vehicles in memory. It returns nil when nothing matches.
//
// With recent vehicles present: "first"/"second"/"third" select by position,
// "cheaper"/"cheapest" the lowest price, "newer"/"newest" the highest year,
// "older"/"oldest" the lowest year, "that"/"it" the last-mentioned vehicle,
// and anything else defaults to the first. With no recent vehicles the
// last-mentioned vehicle, if any, is returned.
func ResolveReference(m Memory, phrase string) *VehicleRef {
	p := strings.ToLower(phrase)
	if len(m.RecentVehicles) == 0 {
		if m.LastVehicle != nil {
			ref := *m.LastVehicle
			return &ref
		}
		return nil
	}

	pick := func(i int) *VehicleRef {
		if i < 0 || i >= len(m.RecentVehicles) {
			return nil
		}
		ref := m.RecentVehicles[i]
		return &ref
	}

	switch {
	case strings.Contains(p, "first"):
		return pick(0)
	case strings.Contains(p, "second"):
		return pick(1)
	case strings.Contains(p, "third"):
		return pick(2)
	case strings.Contains(p, "cheap"):
		best := 0
		for i, v := range m.RecentVehicles {
			if v.Price < m.RecentVehicles[best].Price {
				best = i
			}
		}
		return pick(best)
	case strings.Contains(p, "newer") || strings.Contains(p, "newest"):
		best := 0
		for i, v := range m.RecentVehicles {
			if v.Year > m.RecentVehicles[best].Year {
				best = i
			}
		}
		return pick(best)
	case strings.Contains(p, "older") || strings.Contains(p, "oldest"):
		best := 0
		for i, v := range m.RecentVehicles {
			if v.Year < m.RecentVehicles[best].Year {
				best = i
			}
		}
		return pick(best)
	case strings.Contains(p, "that") || strings.Contains(p, "it"):
		if m.LastVehicle != nil {
			ref := *m.LastVehicle
			return &ref
		}
		return pick(0)
	}
	return pick(0)
}
