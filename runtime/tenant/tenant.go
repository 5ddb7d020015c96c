// Package tenant defines the dealership tenancy primitives: dealerships,
// staff memberships, and invites. A Dealership is the tenant root; every
// other entity in the system is scoped to exactly one dealership.
package tenant

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// Dealership is the tenant root. It owns inventory, leads, user profiles,
	// pending approvals, settings, and invites.
	Dealership struct {
		// ID is the durable dealership identifier.
		ID uuid.UUID `json:"id"`
		// Name is the display name.
		Name string `json:"name"`
		// Location is a free-form address or market description.
		Location string `json:"location,omitempty"`
		// Integrations maps a provider name to its phone-number configuration.
		Integrations map[string]IntegrationConfig `json:"integrations,omitempty"`
		// SubscriptionID references the current billing subscription, if any.
		// Billing itself is handled outside the gateway.
		SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
		// CreatedAt records when the dealership was created.
		CreatedAt time.Time `json:"created_at"`
	}

	// IntegrationConfig holds the provider-specific routing configuration for
	// a dealership.
	IntegrationConfig struct {
		// PhoneNumbers lists the numbers the dealership receives messages on
		// for this provider. Stored as entered; compared after normalization.
		PhoneNumbers []string `json:"phone_numbers"`
	}

	// UserProfile is a staff member's membership in a dealership.
	//
	// Contract:
	// - Exactly one role per (UserID, DealershipID).
	// - Phone is unique within a dealership when present; inbound messages
	//   from a profile phone are classified as salesperson traffic.
	UserProfile struct {
		// ID is the durable profile identifier.
		ID uuid.UUID `json:"id"`
		// UserID is the external auth identity (token subject).
		UserID string `json:"user_id"`
		// DealershipID scopes the membership.
		DealershipID uuid.UUID `json:"dealership_id"`
		// FullName is the staff member's display name.
		FullName string `json:"full_name"`
		// Phone is the member's E.164 number, empty when not on SMS.
		Phone string `json:"phone,omitempty"`
		// Role is the member's role within the dealership.
		Role Role `json:"role"`
		// Timezone is an IANA zone name used for scheduling display.
		Timezone string `json:"timezone,omitempty"`
		// CreatedAt records when the membership was created.
		CreatedAt time.Time `json:"created_at"`
	}

	// Invite is a pending offer of membership in a dealership.
	//
	// Contract:
	// - The plain token is never stored; only a salted hash.
	// - Status transitions are one-way out of StatusPending.
	Invite struct {
		// ID is the durable invite identifier.
		ID uuid.UUID `json:"id"`
		// DealershipID scopes the invite.
		DealershipID uuid.UUID `json:"dealership_id"`
		// Email is the invitee's address.
		Email string `json:"email"`
		// TokenHash is the salted SHA-256 of the plain token. Never exposed
		// over the API.
		TokenHash string `json:"-"`
		// Role is the role granted on acceptance.
		Role Role `json:"role"`
		// InvitedBy is the profile ID of the inviting manager or owner.
		InvitedBy uuid.UUID `json:"invited_by"`
		// CreatedAt records when the invite was issued.
		CreatedAt time.Time `json:"created_at"`
		// ExpiresAt is when the invite stops being redeemable. Defaults to
		// CreatedAt + InviteTTL.
		ExpiresAt time.Time `json:"expires_at"`
		// UsedAt is set when the invite is accepted.
		UsedAt *time.Time `json:"used_at,omitempty"`
		// Status is the invite lifecycle state.
		Status InviteStatus `json:"status"`
	}

	// Store persists dealerships, memberships, and invites.
	//
	// Implementations must be safe for concurrent use and must enforce the
	// uniqueness contracts (one role per membership pair, unique profile phone
	// within a dealership, unique invite token hash).
	Store interface {
		// CreateDealership persists a new dealership. A zero ID is assigned.
		CreateDealership(ctx context.Context, d Dealership) (Dealership, error)
		// GetDealership loads a dealership. Returns ErrNotFound when missing.
		GetDealership(ctx context.Context, id uuid.UUID) (Dealership, error)
		// ListDealerships returns all dealerships.
		ListDealerships(ctx context.Context) ([]Dealership, error)
		// UpdateIntegrations replaces the provider phone-number configuration.
		UpdateIntegrations(ctx context.Context, id uuid.UUID, integrations map[string]IntegrationConfig) error

		// CreateProfile persists a new membership. Returns
		// ErrDuplicateMembership when the (user, dealership) pair exists and
		// ErrDuplicatePhone when the phone is taken within the dealership.
		CreateProfile(ctx context.Context, p UserProfile) (UserProfile, error)
		// GetProfile loads a profile by ID. Returns ErrNotFound when missing.
		GetProfile(ctx context.Context, id uuid.UUID) (UserProfile, error)
		// GetProfileByUser resolves a user's membership. When the user belongs
		// to several dealerships the earliest-created membership wins; callers
		// that need a specific one use GetProfileByUserAndDealership.
		GetProfileByUser(ctx context.Context, userID string) (UserProfile, error)
		// GetProfileByUserAndDealership loads the membership for the exact pair.
		GetProfileByUserAndDealership(ctx context.Context, userID string, dealershipID uuid.UUID) (UserProfile, error)
		// GetProfileByPhone finds the member owning phone within a dealership.
		// The phone must be normalized before the call.
		GetProfileByPhone(ctx context.Context, dealershipID uuid.UUID, phone string) (UserProfile, error)
		// ListProfiles returns a dealership's memberships.
		ListProfiles(ctx context.Context, dealershipID uuid.UUID) ([]UserProfile, error)
		// UpdateProfileRole changes a member's role.
		UpdateProfileRole(ctx context.Context, id uuid.UUID, role Role) error
		// DeleteProfile removes a membership.
		DeleteProfile(ctx context.Context, id uuid.UUID) error

		// CreateInvite persists a new invite. A zero ExpiresAt defaults to
		// CreatedAt + InviteTTL.
		CreateInvite(ctx context.Context, inv Invite) (Invite, error)
		// GetInviteByTokenHash loads an invite by its token hash. Returns
		// ErrNotFound when no invite carries the hash.
		GetInviteByTokenHash(ctx context.Context, hash string) (Invite, error)
		// MarkInviteUsed transitions pending → accepted and records usedAt.
		// Returns ErrInviteNotPending for any other starting status.
		MarkInviteUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) error
		// CancelInvite transitions pending → cancelled.
		// Returns ErrInviteNotPending for any other starting status.
		CancelInvite(ctx context.Context, id uuid.UUID) error
		// ListInvites returns a dealership's invites, newest first.
		ListInvites(ctx context.Context, dealershipID uuid.UUID) ([]Invite, error)
	}

	// Role is a member's role within a dealership.
	Role string

	// InviteStatus is the invite lifecycle state.
	InviteStatus string
)

const (
	// RoleOwner has full control of the dealership, including role assignment.
	RoleOwner Role = "owner"
	// RoleManager can manage settings, invites, and inventory.
	RoleManager Role = "manager"
	// RoleSalesperson handles leads and approvals.
	RoleSalesperson Role = "salesperson"

	// InviteStatusPending indicates the invite is open for redemption.
	InviteStatusPending InviteStatus = "pending"
	// InviteStatusAccepted indicates the invite was redeemed.
	InviteStatusAccepted InviteStatus = "accepted"
	// InviteStatusExpired indicates the invite lapsed without redemption.
	InviteStatusExpired InviteStatus = "expired"
	// InviteStatusCancelled indicates the invite was withdrawn.
	InviteStatusCancelled InviteStatus = "cancelled"
)

// InviteTTL is the default invite validity window.
const InviteTTL = 7 * 24 * time.Hour

var (
	// ErrNotFound indicates the dealership, profile, or invite does not exist.
	ErrNotFound = errors.New("tenant: not found")
	// ErrDuplicateMembership indicates the (user, dealership) pair already has
	// a profile.
	ErrDuplicateMembership = errors.New("tenant: membership already exists")
	// ErrDuplicatePhone indicates the phone is already assigned to another
	// member of the dealership.
	ErrDuplicatePhone = errors.New("tenant: phone already in use")
	// ErrInviteNotPending indicates a transition was attempted on an invite
	// that already left the pending state.
	ErrInviteNotPending = errors.New("tenant: invite is not pending")
)

// ValidRole reports whether r is one of the defined roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleOwner, RoleManager, RoleSalesperson:
		return true
	}
	return false
}

// NewInviteToken generates the plain invite token handed to the invitee.
// Only its hash is persisted.
func NewInviteToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate invite token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashInviteToken computes the salted hash stored and looked up for an invite
// token. The salt is deployment-wide configuration.
func HashInviteToken(salt, token string) string {
	sum := sha256.Sum256([]byte(salt + token))
	return hex.EncodeToString(sum[:])
}

// Expired reports whether the invite has lapsed at now. Pending invites past
// their expiry are treated as expired by readers even before a sweeper
// updates the stored status.
func (i Invite) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}
