// Package replicated provides a replicated-map backed phone-number index for
// the dealership directory.
//
// The index stores normalized number → dealership assignments in a Pulse
// replicated map (rmap), which is backed by Redis. Every gateway node sees
// the same routing table, so a dealership's integration update on one node
// is visible to webhook traffic landing on any other.
package replicated

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/directory"
	"github.com/driveline-ai/driveline/runtime/phone"
	"github.com/driveline-ai/driveline/runtime/tenant"
)

type (
	// Map is the minimal replicated-map contract required by the index.
	//
	// Map is satisfied by `*rmap.Map` from `goa.design/pulse/rmap`.
	// It is defined here to:
	//   - keep the index unit-testable without Redis, and
	//   - avoid coupling callers to a concrete Pulse implementation.
	//
	// Implementations must be safe for concurrent use.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
	}

	// Index maps provider phone numbers to dealership IDs through a
	// replicated map. It is safe for concurrent use when backed by a
	// concurrent-safe map (such as rmap.Map).
	Index struct {
		m Map
	}
)

const numberKeyPrefix = "directory:number:"

// New creates a new replicated index backed by the given map.
func New(m Map) *Index {
	return &Index{m: m}
}

// Compile-time check that Index implements directory.NumberIndex.
var _ directory.NumberIndex = (*Index)(nil)

// Lookup implements directory.NumberIndex.
func (x *Index) Lookup(ctx context.Context, number string) (uuid.UUID, bool, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, false, err
	}
	val, ok := x.m.Get(numberKey(number))
	if !ok {
		return uuid.Nil, false, nil
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parse dealership for %q: %w", number, err)
	}
	return id, true, nil
}

// SetDealership replaces the dealership's number assignments with the
// numbers in its current integration configuration. Numbers the dealership
// dropped are removed; numbers are normalized before storage so lookups
// never depend on how they were entered.
func (x *Index) SetDealership(ctx context.Context, d tenant.Dealership) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	want := make(map[string]struct{})
	for _, cfg := range d.Integrations {
		for _, raw := range cfg.PhoneNumbers {
			if n := phone.Normalize(raw); n != "" {
				want[n] = struct{}{}
			}
		}
	}

	id := d.ID.String()
	for _, key := range x.m.Keys() {
		if !strings.HasPrefix(key, numberKeyPrefix) {
			continue
		}
		val, ok := x.m.Get(key)
		if !ok || val != id {
			continue
		}
		number := strings.TrimPrefix(key, numberKeyPrefix)
		if _, keep := want[number]; keep {
			delete(want, number)
			continue
		}
		if _, err := x.m.Delete(ctx, key); err != nil {
			return fmt.Errorf("unassign number %q: %w", number, err)
		}
	}
	for number := range want {
		if _, err := x.m.Set(ctx, numberKey(number), id); err != nil {
			return fmt.Errorf("assign number %q: %w", number, err)
		}
	}
	return nil
}

// Rebuild repopulates the index from every dealership's integration
// configuration. Safe to run on startup; existing assignments are
// overwritten in place.
func (x *Index) Rebuild(ctx context.Context, store directory.DealershipLister) error {
	dealerships, err := store.ListDealerships(ctx)
	if err != nil {
		return fmt.Errorf("list dealerships: %w", err)
	}
	for _, d := range dealerships {
		if err := x.SetDealership(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func numberKey(number string) string {
	return numberKeyPrefix + number
}
