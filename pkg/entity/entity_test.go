package entity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/database"
	"github.com/Mindburn-Labs/keel/pkg/migrate"
)

func setupStore(t *testing.T) (*database.DB, *Store) {
	t.Helper()
	db, err := database.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = migrate.Up(context.Background(), db)
	require.NoError(t, err)

	return db, New()
}

func inTx(t *testing.T, db *database.DB, fn func(uow *database.UnitOfWork) error) error {
	t.Helper()
	return database.InTx(context.Background(), db, fn)
}

func TestCreateAndGet(t *testing.T) {
	db, store := setupStore(t)
	ctx := context.Background()
	fixed := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)
	store = New(WithClock(func() time.Time { return fixed }))

	err := inTx(t, db, func(uow *database.UnitOfWork) error {
		created, err := store.Create(ctx, uow, contracts.Entity{
			EntityType: "vendor",
			EntityID:   "v_1",
			Attributes: map[string]any{"name": "Acme GmbH", "country": "DE"},
		})
		require.NoError(t, err)
		require.Equal(t, int64(1), created.Version)
		require.Equal(t, "default", created.LegalEntity)
		require.Equal(t, fixed, created.CreatedAt)

		loaded, err := store.Get(ctx, uow, "vendor", "v_1")
		require.NoError(t, err)
		require.Equal(t, "Acme GmbH", loaded.Attributes["name"])
		require.Equal(t, fixed, loaded.UpdatedAt)
		return nil
	})
	require.NoError(t, err)
}

func TestGetMissing(t *testing.T) {
	db, store := setupStore(t)

	err := inTx(t, db, func(uow *database.UnitOfWork) error {
		_, err := store.Get(context.Background(), uow, "vendor", "nope")
		return err
	})
	require.True(t, apperr.IsNotFound(err))
}

func TestCreateDuplicateConflicts(t *testing.T) {
	db, store := setupStore(t)
	ctx := context.Background()

	err := inTx(t, db, func(uow *database.UnitOfWork) error {
		_, err := store.Create(ctx, uow, contracts.Entity{EntityType: "vendor", EntityID: "v_1"})
		require.NoError(t, err)

		_, err = store.Create(ctx, uow, contracts.Entity{EntityType: "vendor", EntityID: "v_1"})
		var conflict *apperr.ConcurrencyConflictError
		require.ErrorAs(t, err, &conflict)
		require.Equal(t, int64(0), conflict.Expected)
		require.Equal(t, int64(1), conflict.Actual)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateCompareAndSwap(t *testing.T) {
	db, store := setupStore(t)
	ctx := context.Background()

	err := inTx(t, db, func(uow *database.UnitOfWork) error {
		_, err := store.Create(ctx, uow, contracts.Entity{
			EntityType: "vendor",
			EntityID:   "v_1",
			Attributes: map[string]any{"name": "Acme", "status": "active"},
		})
		require.NoError(t, err)

		updated, err := store.Update(ctx, uow, "vendor", "v_1",
			map[string]any{"name": "Acme", "status": "blocked"}, 1)
		require.NoError(t, err)
		require.Equal(t, int64(2), updated.Version)
		require.Equal(t, "blocked", updated.Attributes["status"])

		// Stale writers carry yesterday's version and must not win.
		_, err = store.Update(ctx, uow, "vendor", "v_1",
			map[string]any{"status": "active"}, 1)
		var conflict *apperr.ConcurrencyConflictError
		require.ErrorAs(t, err, &conflict)
		require.Equal(t, int64(1), conflict.Expected)
		require.Equal(t, int64(2), conflict.Actual)

		loaded, err := store.Get(ctx, uow, "vendor", "v_1")
		require.NoError(t, err)
		require.Equal(t, "blocked", loaded.Attributes["status"])
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateMissingEntity(t *testing.T) {
	db, store := setupStore(t)

	err := inTx(t, db, func(uow *database.UnitOfWork) error {
		_, err := store.Update(context.Background(), uow, "vendor", "ghost", map[string]any{}, 1)
		return err
	})
	require.True(t, apperr.IsNotFound(err))
}

func TestFindByAttribute(t *testing.T) {
	db, store := setupStore(t)
	ctx := context.Background()

	err := inTx(t, db, func(uow *database.UnitOfWork) error {
		for _, e := range []contracts.Entity{
			{EntityType: "item", EntityID: "i_1", Attributes: map[string]any{"sku": "SKU-100", "name": "Bolt"}},
			{EntityType: "item", EntityID: "i_2", Attributes: map[string]any{"sku": "SKU-200", "name": "Nut"}},
			{EntityType: "vendor", EntityID: "v_1", Attributes: map[string]any{"sku": "SKU-100"}},
		} {
			_, err := store.Create(ctx, uow, e)
			require.NoError(t, err)
		}

		matches, err := store.FindByAttribute(ctx, uow, "item", "sku", "SKU-100", "")
		require.NoError(t, err)
		require.Len(t, matches, 1)
		require.Equal(t, "i_1", matches[0].EntityID)

		none, err := store.FindByAttribute(ctx, uow, "item", "sku", "SKU-999", "")
		require.NoError(t, err)
		require.Empty(t, none)
		return nil
	})
	require.NoError(t, err)
}

func TestScopeIsolation(t *testing.T) {
	db, store := setupStore(t)
	ctx := context.Background()

	err := inTx(t, db, func(uow *database.UnitOfWork) error {
		_, err := store.Create(ctx, uow, contracts.Entity{
			EntityType:  "vendor",
			EntityID:    "v_de",
			LegalEntity: "acme-de",
			Attributes:  map[string]any{"name": "Acme GmbH"},
		})
		require.NoError(t, err)

		// The row exists under acme-de only; acme-us must not see it at all.
		_, err = store.GetInScope(ctx, uow, "vendor", "v_de", "acme-us")
		require.True(t, apperr.IsNotFound(err))

		scoped, err := store.GetInScope(ctx, uow, "vendor", "v_de", "acme-de")
		require.NoError(t, err)
		require.Equal(t, "acme-de", scoped.LegalEntity)

		unscoped, err := store.GetInScope(ctx, uow, "vendor", "v_de", "")
		require.NoError(t, err)
		require.Equal(t, "v_de", unscoped.EntityID)

		matches, err := store.FindByAttribute(ctx, uow, "vendor", "name", "Acme GmbH", "acme-us")
		require.NoError(t, err)
		require.Empty(t, matches)

		matches, err = store.FindByAttribute(ctx, uow, "vendor", "name", "Acme GmbH", "acme-de")
		require.NoError(t, err)
		require.Len(t, matches, 1)

		n, err := store.CountByType(ctx, uow, "vendor", "acme-us")
		require.NoError(t, err)
		require.Zero(t, n)
		return nil
	})
	require.NoError(t, err)
}

func TestListAndCountByType(t *testing.T) {
	db, _ := setupStore(t)
	ctx := context.Background()

	// Advance the clock per create so list order follows creation order.
	now := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)
	store := New(WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))

	err := inTx(t, db, func(uow *database.UnitOfWork) error {
		for _, id := range []string{"v_3", "v_1", "v_2"} {
			_, err := store.Create(ctx, uow, contracts.Entity{EntityType: "vendor", EntityID: id})
			require.NoError(t, err)
		}

		all, err := store.ListByType(ctx, uow, "vendor", "", 10, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, "v_3", all[0].EntityID)
		require.Equal(t, "v_1", all[1].EntityID)

		page, err := store.ListByType(ctx, uow, "vendor", "", 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		require.Equal(t, "v_2", page[0].EntityID)

		n, err := store.CountByType(ctx, uow, "vendor", "")
		require.NoError(t, err)
		require.Equal(t, int64(3), n)
		return nil
	})
	require.NoError(t, err)
}
