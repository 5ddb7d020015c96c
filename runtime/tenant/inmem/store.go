// Package inmem provides an in-memory implementation of tenant.Store.
//
// It is intended for tests and local development. Production deployments use
// the Mongo-backed implementation under features/store/mongo.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/tenant"
)

// Store is an in-memory implementation of tenant.Store.
// It is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	dealerships map[uuid.UUID]tenant.Dealership
	profiles    map[uuid.UUID]tenant.UserProfile
	invites     map[uuid.UUID]tenant.Invite
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		dealerships: make(map[uuid.UUID]tenant.Dealership),
		profiles:    make(map[uuid.UUID]tenant.UserProfile),
		invites:     make(map[uuid.UUID]tenant.Invite),
	}
}

// CreateDealership implements tenant.Store.
func (s *Store) CreateDealership(_ context.Context, d tenant.Dealership) (tenant.Dealership, error) {
	if d.Name == "" {
		return tenant.Dealership{}, errors.New("name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	} else {
		d.CreatedAt = d.CreatedAt.UTC()
	}
	s.dealerships[d.ID] = cloneDealership(d)
	return cloneDealership(d), nil
}

// GetDealership implements tenant.Store.
func (s *Store) GetDealership(_ context.Context, id uuid.UUID) (tenant.Dealership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dealerships[id]
	if !ok {
		return tenant.Dealership{}, tenant.ErrNotFound
	}
	return cloneDealership(d), nil
}

// ListDealerships implements tenant.Store.
func (s *Store) ListDealerships(_ context.Context) ([]tenant.Dealership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tenant.Dealership, 0, len(s.dealerships))
	for _, d := range s.dealerships {
		out = append(out, cloneDealership(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateIntegrations implements tenant.Store.
func (s *Store) UpdateIntegrations(_ context.Context, id uuid.UUID, integrations map[string]tenant.IntegrationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dealerships[id]
	if !ok {
		return tenant.ErrNotFound
	}
	d.Integrations = cloneIntegrations(integrations)
	s.dealerships[id] = d
	return nil
}

// CreateProfile implements tenant.Store.
func (s *Store) CreateProfile(_ context.Context, p tenant.UserProfile) (tenant.UserProfile, error) {
	if p.UserID == "" {
		return tenant.UserProfile{}, errors.New("user id is required")
	}
	if p.DealershipID == uuid.Nil {
		return tenant.UserProfile{}, errors.New("dealership id is required")
	}
	if !tenant.ValidRole(p.Role) {
		return tenant.UserProfile{}, errors.New("invalid role")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.profiles {
		if existing.UserID == p.UserID && existing.DealershipID == p.DealershipID {
			return tenant.UserProfile{}, tenant.ErrDuplicateMembership
		}
		if p.Phone != "" && existing.DealershipID == p.DealershipID && existing.Phone == p.Phone {
			return tenant.UserProfile{}, tenant.ErrDuplicatePhone
		}
	}

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	} else {
		p.CreatedAt = p.CreatedAt.UTC()
	}
	s.profiles[p.ID] = p
	return p, nil
}

// GetProfile implements tenant.Store.
func (s *Store) GetProfile(_ context.Context, id uuid.UUID) (tenant.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return tenant.UserProfile{}, tenant.ErrNotFound
	}
	return p, nil
}

// GetProfileByUser implements tenant.Store.
func (s *Store) GetProfileByUser(_ context.Context, userID string) (tenant.UserProfile, error) {
	if userID == "" {
		return tenant.UserProfile{}, errors.New("user id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found bool
		best  tenant.UserProfile
	)
	for _, p := range s.profiles {
		if p.UserID != userID {
			continue
		}
		if !found || p.CreatedAt.Before(best.CreatedAt) {
			best = p
			found = true
		}
	}
	if !found {
		return tenant.UserProfile{}, tenant.ErrNotFound
	}
	return best, nil
}

// GetProfileByUserAndDealership implements tenant.Store.
func (s *Store) GetProfileByUserAndDealership(_ context.Context, userID string, dealershipID uuid.UUID) (tenant.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.profiles {
		if p.UserID == userID && p.DealershipID == dealershipID {
			return p, nil
		}
	}
	return tenant.UserProfile{}, tenant.ErrNotFound
}

// GetProfileByPhone implements tenant.Store.
func (s *Store) GetProfileByPhone(_ context.Context, dealershipID uuid.UUID, phoneNumber string) (tenant.UserProfile, error) {
	if phoneNumber == "" {
		return tenant.UserProfile{}, errors.New("phone is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.profiles {
		if p.DealershipID == dealershipID && p.Phone == phoneNumber {
			return p, nil
		}
	}
	return tenant.UserProfile{}, tenant.ErrNotFound
}

// ListProfiles implements tenant.Store.
func (s *Store) ListProfiles(_ context.Context, dealershipID uuid.UUID) ([]tenant.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tenant.UserProfile, 0)
	for _, p := range s.profiles {
		if p.DealershipID == dealershipID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateProfileRole implements tenant.Store.
func (s *Store) UpdateProfileRole(_ context.Context, id uuid.UUID, role tenant.Role) error {
	if !tenant.ValidRole(role) {
		return errors.New("invalid role")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return tenant.ErrNotFound
	}
	p.Role = role
	s.profiles[id] = p
	return nil
}

// DeleteProfile implements tenant.Store.
func (s *Store) DeleteProfile(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return tenant.ErrNotFound
	}
	delete(s.profiles, id)
	return nil
}

// CreateInvite implements tenant.Store.
func (s *Store) CreateInvite(_ context.Context, inv tenant.Invite) (tenant.Invite, error) {
	if inv.DealershipID == uuid.Nil {
		return tenant.Invite{}, errors.New("dealership id is required")
	}
	if inv.Email == "" {
		return tenant.Invite{}, errors.New("email is required")
	}
	if inv.TokenHash == "" {
		return tenant.Invite{}, errors.New("token hash is required")
	}
	if !tenant.ValidRole(inv.Role) {
		return tenant.Invite{}, errors.New("invalid role")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	} else {
		inv.CreatedAt = inv.CreatedAt.UTC()
	}
	if inv.ExpiresAt.IsZero() {
		inv.ExpiresAt = inv.CreatedAt.Add(tenant.InviteTTL)
	}
	if inv.Status == "" {
		inv.Status = tenant.InviteStatusPending
	}
	s.invites[inv.ID] = cloneInvite(inv)
	return cloneInvite(inv), nil
}

// GetInviteByTokenHash implements tenant.Store.
func (s *Store) GetInviteByTokenHash(_ context.Context, hash string) (tenant.Invite, error) {
	if hash == "" {
		return tenant.Invite{}, errors.New("token hash is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inv := range s.invites {
		if inv.TokenHash == hash {
			return cloneInvite(inv), nil
		}
	}
	return tenant.Invite{}, tenant.ErrNotFound
}

// MarkInviteUsed implements tenant.Store.
func (s *Store) MarkInviteUsed(_ context.Context, id uuid.UUID, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return tenant.ErrNotFound
	}
	if inv.Status != tenant.InviteStatusPending {
		return tenant.ErrInviteNotPending
	}
	at := usedAt.UTC()
	inv.Status = tenant.InviteStatusAccepted
	inv.UsedAt = &at
	s.invites[id] = inv
	return nil
}

// CancelInvite implements tenant.Store.
func (s *Store) CancelInvite(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return tenant.ErrNotFound
	}
	if inv.Status != tenant.InviteStatusPending {
		return tenant.ErrInviteNotPending
	}
	inv.Status = tenant.InviteStatusCancelled
	s.invites[id] = inv
	return nil
}

// ListInvites implements tenant.Store.
func (s *Store) ListInvites(_ context.Context, dealershipID uuid.UUID) ([]tenant.Invite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tenant.Invite, 0)
	for _, inv := range s.invites {
		if inv.DealershipID == dealershipID {
			out = append(out, cloneInvite(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func cloneDealership(in tenant.Dealership) tenant.Dealership {
	out := in
	out.Integrations = cloneIntegrations(in.Integrations)
	if in.SubscriptionID != nil {
		id := *in.SubscriptionID
		out.SubscriptionID = &id
	}
	return out
}

func cloneIntegrations(in map[string]tenant.IntegrationConfig) map[string]tenant.IntegrationConfig {
	if in == nil {
		return nil
	}
	out := make(map[string]tenant.IntegrationConfig, len(in))
	for name, cfg := range in {
		numbers := make([]string, len(cfg.PhoneNumbers))
		copy(numbers, cfg.PhoneNumbers)
		out[name] = tenant.IntegrationConfig{PhoneNumbers: numbers}
	}
	return out
}

func cloneInvite(in tenant.Invite) tenant.Invite {
	out := in
	if in.UsedAt != nil {
		at := *in.UsedAt
		out.UsedAt = &at
	}
	return out
}
