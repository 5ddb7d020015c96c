package settings

import (
	"context"

	"github.com/google/uuid"
)

// Store persists setting values at the user and dealership levels.
// Key validity is the resolver's concern; the store is a plain key-value
// layer.
type Store interface {
	// GetUser returns the user's value for key or ErrNotFound.
	GetUser(ctx context.Context, userID uuid.UUID, key string) (Value, error)

	// SetUser stores the user's value for key.
	SetUser(ctx context.Context, userID uuid.UUID, key, raw string) error

	// DeleteUser removes the user's value for key. Removing an absent
	// value is not an error.
	DeleteUser(ctx context.Context, userID uuid.UUID, key string) error

	// ListUser returns all of the user's values.
	ListUser(ctx context.Context, userID uuid.UUID) ([]Value, error)

	// GetDealership returns the dealership's value for key or ErrNotFound.
	GetDealership(ctx context.Context, dealershipID uuid.UUID, key string) (Value, error)

	// SetDealership stores the dealership's value for key.
	SetDealership(ctx context.Context, dealershipID uuid.UUID, key, raw string) error

	// DeleteDealership removes the dealership's value for key. Removing an
	// absent value is not an error.
	DeleteDealership(ctx context.Context, dealershipID uuid.UUID, key string) error

	// ListDealership returns all of the dealership's values.
	ListDealership(ctx context.Context, dealershipID uuid.UUID) ([]Value, error)
}
