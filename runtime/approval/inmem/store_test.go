package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/driveline-ai/driveline/runtime/approval"
	"github.com/driveline-ai/driveline/runtime/approval/inmem"
)

func newApproval(userID, dealershipID uuid.UUID) approval.Approval {
	return approval.Approval{
		LeadID:            uuid.New(),
		UserID:            userID,
		DealershipID:      dealershipID,
		CustomerMessage:   "Do you have any trucks?",
		GeneratedResponse: "We have a 2022 Tacoma in stock.",
		CustomerPhone:     "+15551234567",
	}
}

func TestCreateDefaults(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	a, err := store.Create(ctx, newApproval(uuid.New(), uuid.New()))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, a.ID)
	require.Equal(t, approval.StatusPending, a.Status)
	require.Equal(t, a.CreatedAt.Add(approval.DefaultTTL), a.ExpiresAt)
}

func TestCreateExpiresPreviousPending(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	userID, dealershipID := uuid.New(), uuid.New()

	first, err := store.Create(ctx, newApproval(userID, dealershipID))
	require.NoError(t, err)
	second, err := store.Create(ctx, newApproval(userID, dealershipID))
	require.NoError(t, err)

	got, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, approval.StatusExpired, got.Status)

	pending, err := store.GetPending(ctx, userID, dealershipID)
	require.NoError(t, err)
	require.Equal(t, second.ID, pending.ID)
}

func TestCreateDoesNotTouchOtherPairs(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	userID, dealershipID := uuid.New(), uuid.New()

	other, err := store.Create(ctx, newApproval(uuid.New(), dealershipID))
	require.NoError(t, err)
	_, err = store.Create(ctx, newApproval(userID, dealershipID))
	require.NoError(t, err)

	got, err := store.Get(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, approval.StatusPending, got.Status)
}

func TestGetPendingSkipsExpired(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	userID, dealershipID := uuid.New(), uuid.New()

	a := newApproval(userID, dealershipID)
	a.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	a.ExpiresAt = a.CreatedAt.Add(approval.DefaultTTL)
	_, err := store.Create(ctx, a)
	require.NoError(t, err)

	_, err = store.GetPending(ctx, userID, dealershipID)
	require.ErrorIs(t, err, approval.ErrNotFound)
}

func TestUpdateStatusOneWay(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	a, err := store.Create(ctx, newApproval(uuid.New(), uuid.New()))
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, a.ID, approval.StatusApproved))
	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, approval.StatusApproved, got.Status)

	// A second decision on the same approval is rejected.
	require.ErrorIs(t, store.UpdateStatus(ctx, a.ID, approval.StatusApproved), approval.ErrAlreadyDecided)
	require.ErrorIs(t, store.UpdateStatus(ctx, a.ID, approval.StatusRejected), approval.ErrAlreadyDecided)

	require.EqualError(t, store.UpdateStatus(ctx, a.ID, approval.StatusPending), "status must be terminal")
	require.ErrorIs(t, store.UpdateStatus(ctx, uuid.New(), approval.StatusApproved), approval.ErrNotFound)
}

func TestUpdateResponse(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	a, err := store.Create(ctx, newApproval(uuid.New(), uuid.New()))
	require.NoError(t, err)

	require.NoError(t, store.UpdateResponse(ctx, a.ID, "Swing by Saturday and ask for Sam."))
	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "Swing by Saturday and ask for Sam.", got.GeneratedResponse)

	require.NoError(t, store.UpdateStatus(ctx, a.ID, approval.StatusRejected))
	require.ErrorIs(t, store.UpdateResponse(ctx, a.ID, "too late"), approval.ErrAlreadyDecided)
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	now := time.Now().UTC()

	stale := newApproval(uuid.New(), uuid.New())
	stale.CreatedAt = now.Add(-2 * time.Hour)
	stale.ExpiresAt = now.Add(-time.Hour)
	created, err := store.Create(ctx, stale)
	require.NoError(t, err)

	fresh, err := store.Create(ctx, newApproval(uuid.New(), uuid.New()))
	require.NoError(t, err)

	swept, err := store.ExpireStale(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, approval.StatusExpired, got.Status)

	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, approval.StatusPending, got.Status)

	// Second sweep finds nothing.
	swept, err = store.ExpireStale(ctx, now)
	require.NoError(t, err)
	require.Zero(t, swept)
}

func TestExpiredHelper(t *testing.T) {
	now := time.Now().UTC()
	a := approval.Approval{Status: approval.StatusPending, ExpiresAt: now.Add(time.Minute)}
	require.False(t, a.Expired(now))
	require.True(t, a.Expired(now.Add(time.Minute)))

	a.Status = approval.StatusApproved
	require.False(t, a.Expired(now.Add(time.Hour)))
}
