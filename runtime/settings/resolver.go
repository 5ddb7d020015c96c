package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Resolver answers effective-value queries and validates writes against the
// catalog. Role checks for dealership writes happen at the API layer; the
// resolver only enforces what the catalog itself declares.
type Resolver struct {
	catalog *Catalog
	store   Store
}

// NewResolver returns a Resolver over the given catalog and store.
func NewResolver(catalog *Catalog, store Store) (*Resolver, error) {
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Resolver{catalog: catalog, store: store}, nil
}

// Catalog returns the resolver's catalog.
func (r *Resolver) Catalog() *Catalog { return r.catalog }

// EffectiveForUser resolves the value of key for a user: the user's own
// value wins, then the dealership's, then the catalog default. Unknown keys
// return ErrUnknownKey.
func (r *Resolver) EffectiveForUser(ctx context.Context, userID, dealershipID uuid.UUID, key string) (string, error) {
	def, ok := r.catalog.Definition(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if v, err := r.store.GetUser(ctx, userID, key); err == nil {
		return v.Raw, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if v, err := r.store.GetDealership(ctx, dealershipID, key); err == nil {
		return v.Raw, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	return def.Default, nil
}

// ForDealership resolves the dealership-level value of key, falling back to
// the catalog default. Unknown keys return ErrUnknownKey.
func (r *Resolver) ForDealership(ctx context.Context, dealershipID uuid.UUID, key string) (string, error) {
	def, ok := r.catalog.Definition(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if v, err := r.store.GetDealership(ctx, dealershipID, key); err == nil {
		return v.Raw, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	return def.Default, nil
}

// SetUser validates and stores a per-user value. Keys whose definition does
// not allow user-level values return ErrLevelNotAllowed.
func (r *Resolver) SetUser(ctx context.Context, userID uuid.UUID, key, value string) error {
	def, ok := r.catalog.Definition(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if !def.UserLevel {
		return fmt.Errorf("%w: %s", ErrLevelNotAllowed, key)
	}
	canonical, err := Validate(def, value)
	if err != nil {
		return err
	}
	return r.store.SetUser(ctx, userID, key, canonical)
}

// SetDealership validates and stores a dealership-wide value. Keys whose
// definition does not allow dealership-level values return
// ErrLevelNotAllowed.
func (r *Resolver) SetDealership(ctx context.Context, dealershipID uuid.UUID, key, value string) error {
	def, ok := r.catalog.Definition(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if !def.DealershipLevel {
		return fmt.Errorf("%w: %s", ErrLevelNotAllowed, key)
	}
	canonical, err := Validate(def, value)
	if err != nil {
		return err
	}
	return r.store.SetDealership(ctx, dealershipID, key, canonical)
}

// DeleteUser removes a per-user override so the dealership value or default
// applies again.
func (r *Resolver) DeleteUser(ctx context.Context, userID uuid.UUID, key string) error {
	if _, ok := r.catalog.Definition(key); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return r.store.DeleteUser(ctx, userID, key)
}
