// Package inmem provides an in-memory implementation of approval.Store.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/approval"
)

// Store is an in-memory implementation of approval.Store.
// It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	approvals map[uuid.UUID]approval.Approval
	clock     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source used for expiry checks and timestamp
// defaults.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.clock = now
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		approvals: make(map[uuid.UUID]approval.Approval),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create implements approval.Store.
func (s *Store) Create(_ context.Context, a approval.Approval) (approval.Approval, error) {
	if a.LeadID == uuid.Nil {
		return approval.Approval{}, errors.New("lead id is required")
	}
	if a.UserID == uuid.Nil {
		return approval.Approval{}, errors.New("user id is required")
	}
	if a.DealershipID == uuid.Nil {
		return approval.Approval{}, errors.New("dealership id is required")
	}
	if a.GeneratedResponse == "" {
		return approval.Approval{}, errors.New("generated response is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// One actionable approval per pair: retire any previous pending one.
	for id, existing := range s.approvals {
		if existing.UserID == a.UserID && existing.DealershipID == a.DealershipID &&
			existing.Status == approval.StatusPending {
			existing.Status = approval.StatusExpired
			s.approvals[id] = existing
		}
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock().UTC()
	} else {
		a.CreatedAt = a.CreatedAt.UTC()
	}
	if a.ExpiresAt.IsZero() {
		a.ExpiresAt = a.CreatedAt.Add(approval.DefaultTTL)
	} else {
		a.ExpiresAt = a.ExpiresAt.UTC()
	}
	a.Status = approval.StatusPending
	s.approvals[a.ID] = a
	return a, nil
}

// Get implements approval.Store.
func (s *Store) Get(_ context.Context, id uuid.UUID) (approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return approval.Approval{}, approval.ErrNotFound
	}
	return a, nil
}

// GetPending implements approval.Store.
func (s *Store) GetPending(_ context.Context, userID, dealershipID uuid.UUID) (approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()
	for _, a := range s.approvals {
		if a.UserID != userID || a.DealershipID != dealershipID {
			continue
		}
		if a.Status != approval.StatusPending {
			continue
		}
		if !now.Before(a.ExpiresAt) {
			continue
		}
		return a, nil
	}
	return approval.Approval{}, approval.ErrNotFound
}

// UpdateStatus implements approval.Store.
func (s *Store) UpdateStatus(_ context.Context, id uuid.UUID, status approval.Status) error {
	if !approval.Terminal(status) {
		return errors.New("status must be terminal")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return approval.ErrNotFound
	}
	if a.Status != approval.StatusPending {
		return approval.ErrAlreadyDecided
	}
	a.Status = status
	s.approvals[id] = a
	return nil
}

// UpdateResponse implements approval.Store.
func (s *Store) UpdateResponse(_ context.Context, id uuid.UUID, response string) error {
	if response == "" {
		return errors.New("response is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return approval.ErrNotFound
	}
	if a.Status != approval.StatusPending {
		return approval.ErrAlreadyDecided
	}
	a.GeneratedResponse = response
	s.approvals[id] = a
	return nil
}

// ExpireStale implements approval.Store.
func (s *Store) ExpireStale(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for id, a := range s.approvals {
		if a.Status == approval.StatusPending && !now.Before(a.ExpiresAt) {
			a.Status = approval.StatusExpired
			s.approvals[id] = a
			swept++
		}
	}
	return swept, nil
}
