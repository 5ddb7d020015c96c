package inmem_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/driveline-ai/driveline/runtime/inventory"
	"github.com/driveline-ai/driveline/runtime/inventory/inmem"
)

func TestCreateDefaults(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	v, err := store.Create(ctx, inventory.Vehicle{
		DealershipID: uuid.New(),
		Make:         "Toyota",
		Model:        "Tacoma",
		Year:         2022,
		Price:        31500,
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, v.ID)
	require.Equal(t, inventory.StatusActive, v.Status)
	require.False(t, v.CreatedAt.IsZero())
	require.Equal(t, v.CreatedAt, v.UpdatedAt)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	_, err := store.Create(ctx, inventory.Vehicle{Make: "Toyota", Model: "Tacoma"})
	require.EqualError(t, err, "dealership id is required")

	_, err = store.Create(ctx, inventory.Vehicle{DealershipID: uuid.New(), Make: "Toyota"})
	require.EqualError(t, err, "make and model are required")
}

func TestUpdatePreservesImmutableFields(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	dealershipID := uuid.New()

	v, err := store.Create(ctx, inventory.Vehicle{
		DealershipID: dealershipID,
		Make:         "Toyota",
		Model:        "Tacoma",
		Year:         2022,
		Price:        31500,
	})
	require.NoError(t, err)

	v.Price = 29900
	v.DealershipID = uuid.New() // must be ignored
	updated, err := store.Update(ctx, v)
	require.NoError(t, err)
	require.Equal(t, 29900.0, updated.Price)
	require.Equal(t, dealershipID, updated.DealershipID)
	require.Equal(t, v.CreatedAt, updated.CreatedAt)
	require.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))
}

func TestListFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	dealershipID := uuid.New()

	active, err := store.Create(ctx, inventory.Vehicle{DealershipID: dealershipID, Make: "Toyota", Model: "Tacoma"})
	require.NoError(t, err)
	sold, err := store.Create(ctx, inventory.Vehicle{DealershipID: dealershipID, Make: "Honda", Model: "Civic", Status: inventory.StatusSold})
	require.NoError(t, err)
	_, err = store.Create(ctx, inventory.Vehicle{DealershipID: uuid.New(), Make: "Ford", Model: "F-150"})
	require.NoError(t, err)

	all, err := store.List(ctx, dealershipID, inventory.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	activeOnly, err := store.List(ctx, dealershipID, inventory.ListFilter{Status: inventory.StatusActive})
	require.NoError(t, err)
	require.Len(t, activeOnly, 1)
	require.Equal(t, active.ID, activeOnly[0].ID)

	soldOnly, err := store.List(ctx, dealershipID, inventory.ListFilter{Status: inventory.StatusSold})
	require.NoError(t, err)
	require.Len(t, soldOnly, 1)
	require.Equal(t, sold.ID, soldOnly[0].ID)
}

func TestEmbeddingLifecycle(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	dealershipID := uuid.New()

	v, err := store.Create(ctx, inventory.Vehicle{DealershipID: dealershipID, Make: "Toyota", Model: "Tacoma"})
	require.NoError(t, err)

	err = store.PutEmbedding(ctx, inventory.Embedding{
		VehicleID:    v.ID,
		DealershipID: dealershipID,
		Vector:       []float32{0.1, 0.2, 0.3},
		InputHash:    inventory.InputHash(v),
	})
	require.NoError(t, err)

	e, err := store.GetEmbedding(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, e.Vector)
	require.False(t, e.UpdatedAt.IsZero())

	list, err := store.ListEmbeddings(ctx, dealershipID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, store.DeleteEmbedding(ctx, v.ID))
	_, err = store.GetEmbedding(ctx, v.ID)
	require.ErrorIs(t, err, inventory.ErrNotFound)

	// Deleting an absent embedding is a no-op.
	require.NoError(t, store.DeleteEmbedding(ctx, v.ID))
}

func TestPutEmbeddingRequiresVehicle(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	err := store.PutEmbedding(ctx, inventory.Embedding{
		VehicleID: uuid.New(),
		Vector:    []float32{0.1},
		InputHash: "abc",
	})
	require.ErrorIs(t, err, inventory.ErrNotFound)
}

func TestDeleteVehicleRemovesEmbedding(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	dealershipID := uuid.New()

	v, err := store.Create(ctx, inventory.Vehicle{DealershipID: dealershipID, Make: "Toyota", Model: "Tacoma"})
	require.NoError(t, err)
	require.NoError(t, store.PutEmbedding(ctx, inventory.Embedding{
		VehicleID:    v.ID,
		DealershipID: dealershipID,
		Vector:       []float32{0.5},
		InputHash:    "abc",
	}))

	require.NoError(t, store.Delete(ctx, v.ID))
	_, err = store.Get(ctx, v.ID)
	require.ErrorIs(t, err, inventory.ErrNotFound)
	_, err = store.GetEmbedding(ctx, v.ID)
	require.ErrorIs(t, err, inventory.ErrNotFound)

	list, err := store.ListEmbeddings(ctx, dealershipID)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestEmbeddingInputStable(t *testing.T) {
	v := inventory.Vehicle{
		Make:      "Toyota",
		Model:     "Tacoma",
		Year:      2022,
		Price:     31500,
		Mileage:   24000,
		Condition: "used",
		Features:  []string{"tow package", "AWD"},
	}
	first := inventory.EmbeddingInput(v)
	second := inventory.EmbeddingInput(v)
	require.Equal(t, first, second)
	require.Contains(t, first, "2022 Toyota Tacoma")
	require.Contains(t, first, "$31500")
	require.Contains(t, first, "tow package, AWD")
	require.Equal(t, inventory.InputHash(v), inventory.InputHash(v))

	v.Price = 29900
	require.NotEqual(t, first, inventory.EmbeddingInput(v))
}

func TestLabel(t *testing.T) {
	v := inventory.Vehicle{Make: "Honda", Model: "Civic", Year: 2023}
	require.Equal(t, "2023 Honda Civic", v.Label())
}
