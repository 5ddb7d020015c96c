package settings_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/driveline-ai/driveline/runtime/settings"
	"github.com/driveline-ai/driveline/runtime/settings/inmem"
)

func newResolver(t *testing.T) (*settings.Resolver, settings.Store) {
	t.Helper()
	store := inmem.New()
	r, err := settings.NewResolver(settings.MustDefaultCatalog(), store)
	require.NoError(t, err)
	return r, store
}

func TestEffectiveForUserPrecedence(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t)
	userID, dealershipID := uuid.New(), uuid.New()

	// Nothing set: the catalog default applies.
	got, err := r.EffectiveForUser(ctx, userID, dealershipID, settings.KeyAutoSendEnabled)
	require.NoError(t, err)
	require.Equal(t, "false", got)

	// Dealership value overrides the default.
	require.NoError(t, r.SetDealership(ctx, dealershipID, settings.KeyAutoSendEnabled, "true"))
	got, err = r.EffectiveForUser(ctx, userID, dealershipID, settings.KeyAutoSendEnabled)
	require.NoError(t, err)
	require.Equal(t, "true", got)

	// User value overrides the dealership.
	require.NoError(t, r.SetUser(ctx, userID, settings.KeyAutoSendEnabled, "false"))
	got, err = r.EffectiveForUser(ctx, userID, dealershipID, settings.KeyAutoSendEnabled)
	require.NoError(t, err)
	require.Equal(t, "false", got)

	// Deleting the user override surfaces the dealership value again.
	require.NoError(t, r.DeleteUser(ctx, userID, settings.KeyAutoSendEnabled))
	got, err = r.EffectiveForUser(ctx, userID, dealershipID, settings.KeyAutoSendEnabled)
	require.NoError(t, err)
	require.Equal(t, "true", got)
}

func TestEffectiveForUserUnknownKey(t *testing.T) {
	r, _ := newResolver(t)
	_, err := r.EffectiveForUser(context.Background(), uuid.New(), uuid.New(), "no_such_key")
	require.ErrorIs(t, err, settings.ErrUnknownKey)
}

func TestForDealership(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t)
	dealershipID := uuid.New()

	got, err := r.ForDealership(ctx, dealershipID, settings.KeyReplyTimingMode)
	require.NoError(t, err)
	require.Equal(t, settings.TimingInstant, got)

	require.NoError(t, r.SetDealership(ctx, dealershipID, settings.KeyReplyTimingMode, settings.TimingBusinessHours))
	got, err = r.ForDealership(ctx, dealershipID, settings.KeyReplyTimingMode)
	require.NoError(t, err)
	require.Equal(t, settings.TimingBusinessHours, got)
}

func TestSetRejectsInvalidValues(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t)
	dealershipID := uuid.New()

	err := r.SetDealership(ctx, dealershipID, settings.KeyReplyTimingMode, "whenever")
	require.ErrorContains(t, err, "must be one of")

	err = r.SetDealership(ctx, dealershipID, settings.KeyReplyDelaySeconds, "9999")
	require.ErrorContains(t, err, "between 0 and 300")

	err = r.SetDealership(ctx, dealershipID, settings.KeyBusinessHoursStart, "9am")
	require.ErrorContains(t, err, "HH:MM")

	err = r.SetDealership(ctx, dealershipID, "no_such_key", "x")
	require.ErrorIs(t, err, settings.ErrUnknownKey)
}

func TestSetEnforcesLevels(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t)

	// reply_timing_mode is dealership-level only.
	err := r.SetUser(ctx, uuid.New(), settings.KeyReplyTimingMode, settings.TimingInstant)
	require.ErrorIs(t, err, settings.ErrLevelNotAllowed)

	// auto_send_enabled allows both levels.
	require.NoError(t, r.SetUser(ctx, uuid.New(), settings.KeyAutoSendEnabled, "true"))
	require.NoError(t, r.SetDealership(ctx, uuid.New(), settings.KeyAutoSendEnabled, "true"))
}

func TestStoreListAndDelete(t *testing.T) {
	ctx := context.Background()
	r, store := newResolver(t)
	dealershipID := uuid.New()

	require.NoError(t, r.SetDealership(ctx, dealershipID, settings.KeyTimezone, "America/Chicago"))
	require.NoError(t, r.SetDealership(ctx, dealershipID, settings.KeyReplyDelaySeconds, "45"))

	values, err := store.ListDealership(ctx, dealershipID)
	require.NoError(t, err)
	require.Len(t, values, 2)
	require.Equal(t, settings.KeyReplyDelaySeconds, values[0].Key)
	require.Equal(t, settings.KeyTimezone, values[1].Key)

	require.NoError(t, store.DeleteDealership(ctx, dealershipID, settings.KeyTimezone))
	_, err = store.GetDealership(ctx, dealershipID, settings.KeyTimezone)
	require.ErrorIs(t, err, settings.ErrNotFound)
}
