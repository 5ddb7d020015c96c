// Package inmem provides an in-memory implementation of inventory.Store.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/inventory"
)

// Store is an in-memory implementation of inventory.Store.
// It is safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	vehicles   map[uuid.UUID]inventory.Vehicle
	embeddings map[uuid.UUID]inventory.Embedding
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		vehicles:   make(map[uuid.UUID]inventory.Vehicle),
		embeddings: make(map[uuid.UUID]inventory.Embedding),
	}
}

// Create implements inventory.Store.
func (s *Store) Create(_ context.Context, v inventory.Vehicle) (inventory.Vehicle, error) {
	if v.DealershipID == uuid.Nil {
		return inventory.Vehicle{}, errors.New("dealership id is required")
	}
	if v.Make == "" || v.Model == "" {
		return inventory.Vehicle{}, errors.New("make and model are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.Status == "" {
		v.Status = inventory.StatusActive
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	} else {
		v.CreatedAt = v.CreatedAt.UTC()
	}
	v.UpdatedAt = v.CreatedAt
	s.vehicles[v.ID] = cloneVehicle(v)
	return cloneVehicle(v), nil
}

// Get implements inventory.Store.
func (s *Store) Get(_ context.Context, id uuid.UUID) (inventory.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[id]
	if !ok {
		return inventory.Vehicle{}, inventory.ErrNotFound
	}
	return cloneVehicle(v), nil
}

// Update implements inventory.Store.
func (s *Store) Update(_ context.Context, v inventory.Vehicle) (inventory.Vehicle, error) {
	if v.Status != "" && !inventory.ValidStatus(v.Status) {
		return inventory.Vehicle{}, errors.New("invalid status")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.vehicles[v.ID]
	if !ok {
		return inventory.Vehicle{}, inventory.ErrNotFound
	}
	v.DealershipID = existing.DealershipID
	v.CreatedAt = existing.CreatedAt
	if v.Status == "" {
		v.Status = existing.Status
	}
	v.UpdatedAt = time.Now().UTC()
	s.vehicles[v.ID] = cloneVehicle(v)
	return cloneVehicle(v), nil
}

// Delete implements inventory.Store. The vehicle's embedding is removed in
// the same call.
func (s *Store) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vehicles[id]; !ok {
		return inventory.ErrNotFound
	}
	delete(s.vehicles, id)
	delete(s.embeddings, id)
	return nil
}

// List implements inventory.Store.
func (s *Store) List(_ context.Context, dealershipID uuid.UUID, filter inventory.ListFilter) ([]inventory.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]inventory.Vehicle, 0)
	for _, v := range s.vehicles {
		if v.DealershipID != dealershipID {
			continue
		}
		if filter.Status != "" && v.Status != filter.Status {
			continue
		}
		out = append(out, cloneVehicle(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// PutEmbedding implements inventory.Store.
func (s *Store) PutEmbedding(_ context.Context, e inventory.Embedding) error {
	if len(e.Vector) == 0 {
		return errors.New("vector is required")
	}
	if e.InputHash == "" {
		return errors.New("input hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vehicles[e.VehicleID]; !ok {
		return inventory.ErrNotFound
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	} else {
		e.UpdatedAt = e.UpdatedAt.UTC()
	}
	s.embeddings[e.VehicleID] = cloneEmbedding(e)
	return nil
}

// GetEmbedding implements inventory.Store.
func (s *Store) GetEmbedding(_ context.Context, vehicleID uuid.UUID) (inventory.Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.embeddings[vehicleID]
	if !ok {
		return inventory.Embedding{}, inventory.ErrNotFound
	}
	return cloneEmbedding(e), nil
}

// DeleteEmbedding implements inventory.Store.
func (s *Store) DeleteEmbedding(_ context.Context, vehicleID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.embeddings, vehicleID)
	return nil
}

// ListEmbeddings implements inventory.Store.
func (s *Store) ListEmbeddings(_ context.Context, dealershipID uuid.UUID) ([]inventory.Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]inventory.Embedding, 0)
	for _, e := range s.embeddings {
		if e.DealershipID == dealershipID {
			out = append(out, cloneEmbedding(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].VehicleID.String() < out[j].VehicleID.String()
	})
	return out, nil
}

func cloneVehicle(in inventory.Vehicle) inventory.Vehicle {
	out := in
	if in.Features != nil {
		out.Features = make([]string, len(in.Features))
		copy(out.Features, in.Features)
	}
	return out
}

func cloneEmbedding(in inventory.Embedding) inventory.Embedding {
	out := in
	out.Vector = make([]float32, len(in.Vector))
	copy(out.Vector, in.Vector)
	return out
}
