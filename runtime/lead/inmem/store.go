// Package inmem provides an in-memory implementation of lead.Store.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/lead"
)

// Store is an in-memory implementation of lead.Store.
// It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	leads map[uuid.UUID]lead.Lead
	turns map[uuid.UUID][]lead.Turn
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		leads: make(map[uuid.UUID]lead.Lead),
		turns: make(map[uuid.UUID][]lead.Turn),
	}
}

// Create implements lead.Store.
func (s *Store) Create(_ context.Context, l lead.Lead) (lead.Lead, error) {
	if l.DealershipID == uuid.Nil {
		return lead.Lead{}, errors.New("dealership id is required")
	}
	if l.Phone == "" {
		return lead.Lead{}, errors.New("phone is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.findByPhone(l.DealershipID, l.Phone); ok {
		return lead.Lead{}, lead.ErrDuplicatePhone
	}
	created := s.insert(l)
	return cloneLead(created), nil
}

// Get implements lead.Store.
func (s *Store) Get(_ context.Context, id uuid.UUID) (lead.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leads[id]
	if !ok {
		return lead.Lead{}, lead.ErrNotFound
	}
	return cloneLead(l), nil
}

// GetByPhone implements lead.Store.
func (s *Store) GetByPhone(_ context.Context, dealershipID uuid.UUID, phone string) (lead.Lead, error) {
	if phone == "" {
		return lead.Lead{}, errors.New("phone is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.findByPhone(dealershipID, phone)
	if !ok {
		return lead.Lead{}, lead.ErrNotFound
	}
	return cloneLead(l), nil
}

// FindDealershipByPhone implements lead.Store.
func (s *Store) FindDealershipByPhone(_ context.Context, phone string) (uuid.UUID, error) {
	if phone == "" {
		return uuid.Nil, errors.New("phone is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found bool
		best  lead.Lead
	)
	for _, l := range s.leads {
		if l.Phone != phone {
			continue
		}
		if !found || earlier(l, best) {
			found = true
			best = l
		}
	}
	if !found {
		return uuid.Nil, lead.ErrNotFound
	}
	return best.DealershipID, nil
}

// FindOrCreateByPhone implements lead.Store.
func (s *Store) FindOrCreateByPhone(_ context.Context, dealershipID uuid.UUID, phone string, template lead.Lead) (lead.Lead, bool, error) {
	if dealershipID == uuid.Nil {
		return lead.Lead{}, false, errors.New("dealership id is required")
	}
	if phone == "" {
		return lead.Lead{}, false, errors.New("phone is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.findByPhone(dealershipID, phone); ok {
		return cloneLead(existing), false, nil
	}
	template.DealershipID = dealershipID
	template.Phone = phone
	created := s.insert(template)
	return cloneLead(created), true, nil
}

// List implements lead.Store.
func (s *Store) List(_ context.Context, dealershipID uuid.UUID) ([]lead.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]lead.Lead, 0)
	for _, l := range s.leads {
		if l.DealershipID == dealershipID {
			out = append(out, cloneLead(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastContactAt.After(out[j].LastContactAt) })
	return out, nil
}

// Update implements lead.Store.
func (s *Store) Update(_ context.Context, l lead.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.leads[l.ID]
	if !ok {
		return lead.ErrNotFound
	}
	existing.Name = l.Name
	existing.CarInterest = l.CarInterest
	existing.Email = l.Email
	existing.AssignedUserID = cloneUUIDPtr(l.AssignedUserID)
	existing.MaxPrice = cloneFloatPtr(l.MaxPrice)
	s.leads[l.ID] = existing
	return nil
}

// UpdateStatus implements lead.Store.
func (s *Store) UpdateStatus(_ context.Context, id uuid.UUID, status lead.Status) error {
	if !lead.ValidStatus(status) {
		return errors.New("invalid status")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return lead.ErrNotFound
	}
	l.Status = status
	s.leads[id] = l
	return nil
}

// UpdateAppointment implements lead.Store.
func (s *Store) UpdateAppointment(_ context.Context, id uuid.UUID, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return lead.ErrNotFound
	}
	if at != nil {
		utc := at.UTC()
		l.AppointmentAt = &utc
	} else {
		l.AppointmentAt = nil
	}
	s.leads[id] = l
	return nil
}

// Touch implements lead.Store.
func (s *Store) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return lead.ErrNotFound
	}
	l.LastContactAt = at.UTC()
	s.leads[id] = l
	return nil
}

// AppendTurn implements lead.Store.
func (s *Store) AppendTurn(_ context.Context, t lead.Turn) (lead.Turn, error) {
	if t.Text == "" {
		return lead.Turn{}, errors.New("text is required")
	}
	if !lead.ValidSender(t.Sender) {
		return lead.Turn{}, errors.New("invalid sender")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[t.LeadID]
	if !ok {
		return lead.Turn{}, lead.ErrNotFound
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	} else {
		t.CreatedAt = t.CreatedAt.UTC()
	}
	s.turns[t.LeadID] = append(s.turns[t.LeadID], t)
	l.LastContactAt = t.CreatedAt
	s.leads[t.LeadID] = l
	return t, nil
}

// ListTurns implements lead.Store.
func (s *Store) ListTurns(_ context.Context, leadID uuid.UUID, limit int) ([]lead.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.leads[leadID]; !ok {
		return nil, lead.ErrNotFound
	}
	all := s.turns[leadID]
	out := make([]lead.Turn, len(all))
	copy(out, all)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// insert assigns defaults and stores the lead. Callers hold the write lock.
func (s *Store) insert(l lead.Lead) lead.Lead {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = lead.StatusNew
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	} else {
		l.CreatedAt = l.CreatedAt.UTC()
	}
	if l.LastContactAt.IsZero() {
		l.LastContactAt = l.CreatedAt
	} else {
		l.LastContactAt = l.LastContactAt.UTC()
	}
	s.leads[l.ID] = cloneLead(l)
	return l
}

// earlier orders leads by creation time with ID as tiebreak.
func earlier(a, b lead.Lead) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// findByPhone scans for a dealership lead by phone. Callers hold a lock.
func (s *Store) findByPhone(dealershipID uuid.UUID, phone string) (lead.Lead, bool) {
	for _, l := range s.leads {
		if l.DealershipID == dealershipID && l.Phone == phone {
			return l, true
		}
	}
	return lead.Lead{}, false
}

func cloneLead(in lead.Lead) lead.Lead {
	out := in
	out.AssignedUserID = cloneUUIDPtr(in.AssignedUserID)
	out.MaxPrice = cloneFloatPtr(in.MaxPrice)
	if in.AppointmentAt != nil {
		at := *in.AppointmentAt
		out.AppointmentAt = &at
	}
	return out
}

func cloneUUIDPtr(in *uuid.UUID) *uuid.UUID {
	if in == nil {
		return nil
	}
	id := *in
	return &id
}

func cloneFloatPtr(in *float64) *float64 {
	if in == nil {
		return nil
	}
	f := *in
	return &f
}
