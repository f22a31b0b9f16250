package postgres_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rat-data/agentd/internal/domain"
	"github.com/rat-data/agentd/internal/postgres"
)

func TestFlowStore_CreateAndGet(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewFlowStore(pool)

	f := &domain.Flow{Slug: "invoices", Name: "Invoices", Meta: map[string]string{"team": "finance"}}
	require.NoError(t, store.CreateFlow(t.Context(), f))
	assert.NotEqual(t, "", f.ID.String())

	got, err := store.GetFlow(t.Context(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, "invoices", got.Slug)
	assert.Equal(t, "Invoices", got.Name)
}

func TestFlowStore_CreateFlow_DuplicateSlug_ReturnsAlreadyExists(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewFlowStore(pool)

	require.NoError(t, store.CreateFlow(t.Context(), &domain.Flow{Slug: "invoices", Name: "Invoices"}))
	err := store.CreateFlow(t.Context(), &domain.Flow{Slug: "invoices", Name: "Invoices Dup"})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestFlowStore_GetFlow_NotFound(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewFlowStore(pool)

	_, err := store.GetFlow(t.Context(), newTestUUID())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFlowStore_GetFlowBySlug(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewFlowStore(pool)

	f := &domain.Flow{Slug: "receipts", Name: "Receipts"}
	require.NoError(t, store.CreateFlow(t.Context(), f))

	got, err := store.GetFlowBySlug(t.Context(), "receipts")
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)

	_, err = store.GetFlowBySlug(t.Context(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFlowStore_ListFlows_OrderedNewestFirst(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewFlowStore(pool)

	require.NoError(t, store.CreateFlow(t.Context(), &domain.Flow{Slug: "a", Name: "A"}))
	require.NoError(t, store.CreateFlow(t.Context(), &domain.Flow{Slug: "b", Name: "B"}))

	flows, err := store.ListFlows(t.Context(), 10, 0)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "b", flows[0].Slug)
}

func TestFlowStore_TouchFlow_BumpsUpdatedAt(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewFlowStore(pool)

	f := &domain.Flow{Slug: "touch", Name: "Touch"}
	require.NoError(t, store.CreateFlow(t.Context(), f))
	before := f.UpdatedAt

	require.NoError(t, store.TouchFlow(t.Context(), f.ID))

	got, err := store.GetFlow(t.Context(), f.ID)
	require.NoError(t, err)
	assert.True(t, !got.UpdatedAt.Before(before))
}
