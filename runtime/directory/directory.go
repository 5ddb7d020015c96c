// Package directory maps inbound phone numbers to dealerships.
//
// Every webhook delivery carries only a pair of phone numbers, so the
// directory is the first routing decision the gateway makes: which tenant
// owns this conversation. Resolution prefers an existing lead (the customer
// already talked to someone), then the numbers dealerships configured for
// their messaging providers, then an optional default dealership for
// single-tenant deployments.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/lead"
	"github.com/driveline-ai/driveline/runtime/phone"
	"github.com/driveline-ai/driveline/runtime/telemetry"
	"github.com/driveline-ai/driveline/runtime/tenant"
)

// ErrNoDealership is returned when no lead, configured number, or default
// dealership matches the input.
var ErrNoDealership = errors.New("directory: no dealership for number")

// LeadLookup is the slice of lead.Store the resolver needs.
type LeadLookup interface {
	// FindDealershipByPhone returns the dealership owning a lead with the
	// given normalized phone number, or lead.ErrNotFound.
	FindDealershipByPhone(ctx context.Context, phone string) (uuid.UUID, error)
}

// NumberIndex answers which dealership configured a given provider number.
// The number passed to Lookup is already normalized.
type NumberIndex interface {
	Lookup(ctx context.Context, number string) (uuid.UUID, bool, error)
}

// Resolver resolves an inbound message's phone pair to a dealership ID.
//
// Contract: resolution order is fixed. An existing lead with the sender's
// number wins, then a NumberIndex hit on the destination number, then the
// configured default dealership. When all three miss, Resolve returns
// ErrNoDealership.
type Resolver struct {
	leads     LeadLookup
	index     NumberIndex
	defaultID uuid.UUID
	logger    telemetry.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDefaultDealership sets the dealership used when neither leads nor
// configured numbers match. Zero means no fallback.
func WithDefaultDealership(id uuid.UUID) Option {
	return func(r *Resolver) { r.defaultID = id }
}

// WithLogger sets the resolver's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver builds a Resolver over the given lead store slice and number
// index. index may be nil when dealership numbers are not indexed.
func NewResolver(leads LeadLookup, index NumberIndex, opts ...Option) *Resolver {
	r := &Resolver{
		leads:  leads,
		index:  index,
		logger: telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps an inbound message's phone pair to a dealership ID. from is
// the sender, to is the provider number the message arrived on. Both are
// normalized before any lookup, so callers can pass numbers exactly as the
// provider delivered them.
//
// A returning customer is recognized by their own number even when the
// destination number was never configured, so lead lookup uses from and the
// integration-number lookup uses to.
func (r *Resolver) Resolve(ctx context.Context, from, to string) (uuid.UUID, error) {
	sender := phone.Normalize(from)
	number := phone.Normalize(to)
	if sender == "" && number == "" {
		return uuid.Nil, errors.New("directory: phone is required")
	}

	if sender != "" {
		id, err := r.leads.FindDealershipByPhone(ctx, sender)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, lead.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("directory: lead lookup: %w", err)
		}
	}

	if number != "" && r.index != nil {
		id, ok, err := r.index.Lookup(ctx, number)
		if err != nil {
			return uuid.Nil, fmt.Errorf("directory: number index: %w", err)
		}
		if ok {
			return id, nil
		}
	}

	if r.defaultID != uuid.Nil {
		r.logger.Debug(ctx, "no dealership for number, using default",
			"number", number, "dealership_id", r.defaultID.String())
		return r.defaultID, nil
	}
	return uuid.Nil, ErrNoDealership
}

// DealershipLister is the slice of tenant.Store the tenant-scan index needs.
type DealershipLister interface {
	ListDealerships(ctx context.Context) ([]tenant.Dealership, error)
}

// TenantIndex is a NumberIndex that scans the tenant store's integration
// configuration on every lookup. Numbers are stored as entered, so each is
// normalized before comparison. Suitable for single-node deployments and
// tests; multi-node gateways use the replicated index instead.
type TenantIndex struct {
	store DealershipLister
}

// NewTenantIndex builds a TenantIndex over store.
func NewTenantIndex(store DealershipLister) *TenantIndex {
	return &TenantIndex{store: store}
}

// Lookup implements NumberIndex. Dealerships are scanned in listing order and
// the first configured match wins.
func (x *TenantIndex) Lookup(ctx context.Context, number string) (uuid.UUID, bool, error) {
	dealerships, err := x.store.ListDealerships(ctx)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("list dealerships: %w", err)
	}
	for _, d := range dealerships {
		for _, cfg := range d.Integrations {
			for _, configured := range cfg.PhoneNumbers {
				if phone.Match(configured, number) {
					return d.ID, true, nil
				}
			}
		}
	}
	return uuid.Nil, false, nil
}
