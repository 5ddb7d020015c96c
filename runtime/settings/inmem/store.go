// Package inmem provides an in-memory implementation of settings.Store.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/settings"
)

// Store is an in-memory implementation of settings.Store.
// It is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	users       map[uuid.UUID]map[string]settings.Value
	dealerships map[uuid.UUID]map[string]settings.Value
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:       make(map[uuid.UUID]map[string]settings.Value),
		dealerships: make(map[uuid.UUID]map[string]settings.Value),
	}
}

// GetUser implements settings.Store.
func (s *Store) GetUser(_ context.Context, userID uuid.UUID, key string) (settings.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.users, userID, key)
}

// SetUser implements settings.Store.
func (s *Store) SetUser(_ context.Context, userID uuid.UUID, key, raw string) error {
	if key == "" {
		return errors.New("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set(s.users, userID, key, raw)
	return nil
}

// DeleteUser implements settings.Store.
func (s *Store) DeleteUser(_ context.Context, userID uuid.UUID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if values, ok := s.users[userID]; ok {
		delete(values, key)
	}
	return nil
}

// ListUser implements settings.Store.
func (s *Store) ListUser(_ context.Context, userID uuid.UUID) ([]settings.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.users, userID), nil
}

// GetDealership implements settings.Store.
func (s *Store) GetDealership(_ context.Context, dealershipID uuid.UUID, key string) (settings.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.dealerships, dealershipID, key)
}

// SetDealership implements settings.Store.
func (s *Store) SetDealership(_ context.Context, dealershipID uuid.UUID, key, raw string) error {
	if key == "" {
		return errors.New("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set(s.dealerships, dealershipID, key, raw)
	return nil
}

// DeleteDealership implements settings.Store.
func (s *Store) DeleteDealership(_ context.Context, dealershipID uuid.UUID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if values, ok := s.dealerships[dealershipID]; ok {
		delete(values, key)
	}
	return nil
}

// ListDealership implements settings.Store.
func (s *Store) ListDealership(_ context.Context, dealershipID uuid.UUID) ([]settings.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.dealerships, dealershipID), nil
}

func get(m map[uuid.UUID]map[string]settings.Value, id uuid.UUID, key string) (settings.Value, error) {
	values, ok := m[id]
	if !ok {
		return settings.Value{}, settings.ErrNotFound
	}
	v, ok := values[key]
	if !ok {
		return settings.Value{}, settings.ErrNotFound
	}
	return v, nil
}

func set(m map[uuid.UUID]map[string]settings.Value, id uuid.UUID, key, raw string) {
	values, ok := m[id]
	if !ok {
		values = make(map[string]settings.Value)
		m[id] = values
	}
	values[key] = settings.Value{Key: key, Raw: raw, UpdatedAt: time.Now().UTC()}
}

func list(m map[uuid.UUID]map[string]settings.Value, id uuid.UUID) []settings.Value {
	out := make([]settings.Value, 0, len(m[id]))
	for _, v := range m[id] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
