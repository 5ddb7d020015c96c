package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/driveline-ai/driveline/runtime/tenant"
	"github.com/driveline-ai/driveline/runtime/tenant/inmem"
)

func TestCreateDealership(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	d, err := store.CreateDealership(ctx, tenant.Dealership{
		Name:     "Sunset Motors",
		Location: "Austin, TX",
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, d.ID)
	require.False(t, d.CreatedAt.IsZero())

	got, err := store.GetDealership(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, "Sunset Motors", got.Name)
	require.Equal(t, "Austin, TX", got.Location)
}

func TestCreateDealershipRequiresName(t *testing.T) {
	_, err := inmem.New().CreateDealership(context.Background(), tenant.Dealership{})
	require.EqualError(t, err, "name is required")
}

func TestGetDealershipNotFound(t *testing.T) {
	_, err := inmem.New().GetDealership(context.Background(), uuid.New())
	require.ErrorIs(t, err, tenant.ErrNotFound)
}

func TestUpdateIntegrations(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	d, err := store.CreateDealership(ctx, tenant.Dealership{Name: "Sunset Motors"})
	require.NoError(t, err)

	err = store.UpdateIntegrations(ctx, d.ID, map[string]tenant.IntegrationConfig{
		"twilio": {PhoneNumbers: []string{"+15551234567"}},
	})
	require.NoError(t, err)

	got, err := store.GetDealership(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"+15551234567"}, got.Integrations["twilio"].PhoneNumbers)

	// Mutating the returned copy must not affect the stored value.
	got.Integrations["twilio"].PhoneNumbers[0] = "+10000000000"
	again, err := store.GetDealership(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"+15551234567"}, again.Integrations["twilio"].PhoneNumbers)
}

func TestCreateProfileDuplicateMembership(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	dealershipID := uuid.New()

	_, err := store.CreateProfile(ctx, tenant.UserProfile{
		UserID:       "auth0|abc",
		DealershipID: dealershipID,
		Role:         tenant.RoleSalesperson,
	})
	require.NoError(t, err)

	_, err = store.CreateProfile(ctx, tenant.UserProfile{
		UserID:       "auth0|abc",
		DealershipID: dealershipID,
		Role:         tenant.RoleManager,
	})
	require.ErrorIs(t, err, tenant.ErrDuplicateMembership)

	// Same user in a different dealership is allowed.
	_, err = store.CreateProfile(ctx, tenant.UserProfile{
		UserID:       "auth0|abc",
		DealershipID: uuid.New(),
		Role:         tenant.RoleManager,
	})
	require.NoError(t, err)
}

func TestCreateProfileDuplicatePhone(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	dealershipID := uuid.New()

	_, err := store.CreateProfile(ctx, tenant.UserProfile{
		UserID:       "auth0|abc",
		DealershipID: dealershipID,
		Phone:        "+15551234567",
		Role:         tenant.RoleSalesperson,
	})
	require.NoError(t, err)

	_, err = store.CreateProfile(ctx, tenant.UserProfile{
		UserID:       "auth0|def",
		DealershipID: dealershipID,
		Phone:        "+15551234567",
		Role:         tenant.RoleSalesperson,
	})
	require.ErrorIs(t, err, tenant.ErrDuplicatePhone)

	// Same phone in a different dealership is allowed.
	_, err = store.CreateProfile(ctx, tenant.UserProfile{
		UserID:       "auth0|def",
		DealershipID: uuid.New(),
		Phone:        "+15551234567",
		Role:         tenant.RoleSalesperson,
	})
	require.NoError(t, err)
}

func TestGetProfileByUserEarliestWins(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	later, err := store.CreateProfile(ctx, tenant.UserProfile{
		UserID:       "auth0|abc",
		DealershipID: uuid.New(),
		Role:         tenant.RoleManager,
		CreatedAt:    base.Add(time.Hour),
	})
	require.NoError(t, err)
	earlier, err := store.CreateProfile(ctx, tenant.UserProfile{
		UserID:       "auth0|abc",
		DealershipID: uuid.New(),
		Role:         tenant.RoleSalesperson,
		CreatedAt:    base,
	})
	require.NoError(t, err)

	got, err := store.GetProfileByUser(ctx, "auth0|abc")
	require.NoError(t, err)
	require.Equal(t, earlier.ID, got.ID)
	require.NotEqual(t, later.ID, got.ID)
}

func TestGetProfileByPhone(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	dealershipID := uuid.New()

	p, err := store.CreateProfile(ctx, tenant.UserProfile{
		UserID:       "auth0|abc",
		DealershipID: dealershipID,
		Phone:        "+15551234567",
		Role:         tenant.RoleSalesperson,
	})
	require.NoError(t, err)

	got, err := store.GetProfileByPhone(ctx, dealershipID, "+15551234567")
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)

	_, err = store.GetProfileByPhone(ctx, uuid.New(), "+15551234567")
	require.ErrorIs(t, err, tenant.ErrNotFound)
}

func TestUpdateProfileRole(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	p, err := store.CreateProfile(ctx, tenant.UserProfile{
		UserID:       "auth0|abc",
		DealershipID: uuid.New(),
		Role:         tenant.RoleSalesperson,
	})
	require.NoError(t, err)

	require.NoError(t, store.UpdateProfileRole(ctx, p.ID, tenant.RoleManager))
	got, err := store.GetProfile(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, tenant.RoleManager, got.Role)

	require.EqualError(t, store.UpdateProfileRole(ctx, p.ID, tenant.Role("janitor")), "invalid role")
}

func TestDeleteProfile(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	p, err := store.CreateProfile(ctx, tenant.UserProfile{
		UserID:       "auth0|abc",
		DealershipID: uuid.New(),
		Role:         tenant.RoleOwner,
	})
	require.NoError(t, err)

	require.NoError(t, store.DeleteProfile(ctx, p.ID))
	require.ErrorIs(t, store.DeleteProfile(ctx, p.ID), tenant.ErrNotFound)
	_, err = store.GetProfile(ctx, p.ID)
	require.ErrorIs(t, err, tenant.ErrNotFound)
}

func TestInviteLifecycle(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	dealershipID := uuid.New()

	token, err := tenant.NewInviteToken()
	require.NoError(t, err)
	hash := tenant.HashInviteToken("salt", token)

	inv, err := store.CreateInvite(ctx, tenant.Invite{
		DealershipID: dealershipID,
		Email:        "sales@example.com",
		TokenHash:    hash,
		Role:         tenant.RoleSalesperson,
		InvitedBy:    uuid.New(),
	})
	require.NoError(t, err)
	require.Equal(t, tenant.InviteStatusPending, inv.Status)
	require.Equal(t, inv.CreatedAt.Add(tenant.InviteTTL), inv.ExpiresAt)

	got, err := store.GetInviteByTokenHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, inv.ID, got.ID)

	usedAt := time.Now().UTC()
	require.NoError(t, store.MarkInviteUsed(ctx, inv.ID, usedAt))

	got, err = store.GetInviteByTokenHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, tenant.InviteStatusAccepted, got.Status)
	require.NotNil(t, got.UsedAt)

	// Accepted invites cannot be used or cancelled again.
	require.ErrorIs(t, store.MarkInviteUsed(ctx, inv.ID, usedAt), tenant.ErrInviteNotPending)
	require.ErrorIs(t, store.CancelInvite(ctx, inv.ID), tenant.ErrInviteNotPending)
}

func TestCancelInvite(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	inv, err := store.CreateInvite(ctx, tenant.Invite{
		DealershipID: uuid.New(),
		Email:        "sales@example.com",
		TokenHash:    "hash",
		Role:         tenant.RoleManager,
	})
	require.NoError(t, err)

	require.NoError(t, store.CancelInvite(ctx, inv.ID))
	got, err := store.GetInviteByTokenHash(ctx, "hash")
	require.NoError(t, err)
	require.Equal(t, tenant.InviteStatusCancelled, got.Status)
	require.ErrorIs(t, store.MarkInviteUsed(ctx, inv.ID, time.Now()), tenant.ErrInviteNotPending)
}

func TestListInvitesNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	dealershipID := uuid.New()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := store.CreateInvite(ctx, tenant.Invite{
			DealershipID: dealershipID,
			Email:        "sales@example.com",
			TokenHash:    uuid.NewString(),
			Role:         tenant.RoleSalesperson,
			CreatedAt:    base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	invites, err := store.ListInvites(ctx, dealershipID)
	require.NoError(t, err)
	require.Len(t, invites, 3)
	require.True(t, invites[0].CreatedAt.After(invites[1].CreatedAt))
	require.True(t, invites[1].CreatedAt.After(invites[2].CreatedAt))
}

func TestInviteExpired(t *testing.T) {
	now := time.Now().UTC()
	inv := tenant.Invite{ExpiresAt: now.Add(time.Hour)}
	require.False(t, inv.Expired(now))
	require.True(t, inv.Expired(now.Add(2*time.Hour)))
}
