package approval

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists approvals.
type Store interface {
	// Create persists a new pending approval. Any existing pending approval
	// for the same (user, dealership) pair is expired first so the pair
	// never has two actionable approvals.
	Create(ctx context.Context, a Approval) (Approval, error)

	// Get returns the approval with the given ID or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (Approval, error)

	// GetPending returns the pair's pending, unexpired approval or
	// ErrNotFound. An approval past its expiry is not returned even if its
	// stored status has not been swept yet.
	GetPending(ctx context.Context, userID, dealershipID uuid.UUID) (Approval, error)

	// UpdateStatus moves the approval out of pending. It returns
	// ErrAlreadyDecided when the approval is no longer pending, so a
	// repeated decision never takes effect twice.
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error

	// UpdateResponse replaces the generated reply text of a pending
	// approval. Used by the edit command before sending.
	UpdateResponse(ctx context.Context, id uuid.UUID, response string) error

	// ExpireStale marks every pending approval past its expiry as expired
	// and returns how many were swept.
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}
