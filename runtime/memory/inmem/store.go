// Package inmem provides a process-local implementation of memory.Store.
//
// It exists for development and tests. Deployments with Redis configured use
// features/memory/redis instead; the gateway logs which one is active at
// startup.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/driveline-ai/driveline/runtime/memory"
)

type entry struct {
	mem       memory.Memory
	expiresAt time.Time
}

// Store is an in-memory implementation of memory.Store with TTL eviction.
// It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the record lifetime. Used by tests.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store with the default 7-day TTL.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]entry),
		ttl:     memory.TTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load implements memory.Store.
func (s *Store) Load(_ context.Context, conversationID string) (memory.Memory, error) {
	if conversationID == "" {
		return memory.Memory{}, errors.New("conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[conversationID]
	if !ok || !s.now().Before(e.expiresAt) {
		delete(s.entries, conversationID)
		return memory.Memory{ConversationID: conversationID}, nil
	}
	return cloneMemory(e.mem), nil
}

// Save implements memory.Store.
func (s *Store) Save(_ context.Context, m memory.Memory) error {
	if m.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	m.UpdatedAt = now.UTC()
	s.entries[m.ConversationID] = entry{
		mem:       cloneMemory(m),
		expiresAt: now.Add(s.ttl),
	}
	s.sweepLocked(now)
	return nil
}

// Delete implements memory.Store.
func (s *Store) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, conversationID)
	return nil
}

// sweepLocked drops expired entries. Callers hold the lock. Piggybacking on
// Save keeps the map bounded without a background goroutine.
func (s *Store) sweepLocked(now time.Time) {
	for id, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, id)
		}
	}
}

func cloneMemory(in memory.Memory) memory.Memory {
	out := in
	if in.Turns != nil {
		out.Turns = make([]memory.Turn, len(in.Turns))
		copy(out.Turns, in.Turns)
	}
	if in.Slots != nil {
		out.Slots = make(map[string]string, len(in.Slots))
		for k, v := range in.Slots {
			out.Slots[k] = v
		}
	}
	if in.LastVehicle != nil {
		ref := *in.LastVehicle
		out.LastVehicle = &ref
	}
	if in.RecentVehicles != nil {
		out.RecentVehicles = make([]memory.VehicleRef, len(in.RecentVehicles))
		copy(out.RecentVehicles, in.RecentVehicles)
	}
	if in.Appointment != nil {
		rec := *in.Appointment
		out.Appointment = &rec
	}
	return out
}
