package inventory

import (
	"context"

	"github.com/google/uuid"
)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	// Status keeps only vehicles in the given listing state when non-empty.
	Status Status
}

// Store persists vehicles and their embeddings.
type Store interface {
	// Create persists a new vehicle.
	Create(ctx context.Context, v Vehicle) (Vehicle, error)

	// Get returns the vehicle with the given ID or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (Vehicle, error)

	// Update replaces the vehicle's fields. UpdatedAt is refreshed.
	Update(ctx context.Context, v Vehicle) (Vehicle, error)

	// Delete removes the vehicle and its embedding, if any.
	Delete(ctx context.Context, id uuid.UUID) error

	// List returns the dealership's vehicles matching the filter, newest
	// listings first.
	List(ctx context.Context, dealershipID uuid.UUID, filter ListFilter) ([]Vehicle, error)

	// PutEmbedding stores or replaces the vehicle's embedding. The vehicle
	// must exist.
	PutEmbedding(ctx context.Context, e Embedding) error

	// GetEmbedding returns the vehicle's embedding or ErrNotFound.
	GetEmbedding(ctx context.Context, vehicleID uuid.UUID) (Embedding, error)

	// DeleteEmbedding removes the vehicle's embedding. Removing a missing
	// embedding is not an error.
	DeleteEmbedding(ctx context.Context, vehicleID uuid.UUID) error

	// ListEmbeddings returns all embeddings for the dealership.
	ListEmbeddings(ctx context.Context, dealershipID uuid.UUID) ([]Embedding, error)
}
