package lead

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists leads and their conversation turns.
type Store interface {
	// Create persists a new lead. It returns ErrDuplicatePhone when the
	// dealership already has a lead with the same phone number.
	Create(ctx context.Context, l Lead) (Lead, error)

	// Get returns the lead with the given ID or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (Lead, error)

	// GetByPhone returns the dealership's lead with the given normalized
	// phone number or ErrNotFound.
	GetByPhone(ctx context.Context, dealershipID uuid.UUID, phone string) (Lead, error)

	// FindDealershipByPhone returns the dealership owning a lead with the
	// given normalized phone number, or ErrNotFound. When several
	// dealerships know the number, the earliest created lead wins.
	FindDealershipByPhone(ctx context.Context, phone string) (uuid.UUID, error)

	// FindOrCreateByPhone returns the dealership's lead for the phone
	// number, creating one from the template when absent. The boolean is
	// true when a new lead was created. Concurrent calls for the same
	// (dealership, phone) pair converge on a single lead.
	FindOrCreateByPhone(ctx context.Context, dealershipID uuid.UUID, phone string, template Lead) (Lead, bool, error)

	// List returns the dealership's leads ordered by last contact,
	// most recent first.
	List(ctx context.Context, dealershipID uuid.UUID) ([]Lead, error)

	// Update replaces the lead's mutable profile fields (name, car
	// interest, email, assigned user, max price).
	Update(ctx context.Context, l Lead) error

	// UpdateStatus sets the lead's pipeline stage.
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error

	// UpdateAppointment sets or clears the lead's appointment time.
	UpdateAppointment(ctx context.Context, id uuid.UUID, at *time.Time) error

	// Touch records contact with the lead at the given time.
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error

	// AppendTurn appends a message to the lead's conversation and updates
	// LastContactAt.
	AppendTurn(ctx context.Context, t Turn) (Turn, error)

	// ListTurns returns the lead's conversation in chronological order.
	// A limit above zero returns only the most recent turns, still
	// ordered oldest first.
	ListTurns(ctx context.Context, leadID uuid.UUID, limit int) ([]Turn, error)
}
