package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/database"
	"github.com/Mindburn-Labs/keel/pkg/migrate"
)

const vendorSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["vendor_id", "name"],
	"properties": {
		"vendor_id": {"type": "string"},
		"name": {"type": "string", "minLength": 1},
		"country": {"type": "string"}
	},
	"additionalProperties": true
}`

func setupDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = migrate.Up(context.Background(), db)
	require.NoError(t, err)
	return db
}

func inTx(t *testing.T, db *database.DB, fn func(uow *database.UnitOfWork) error) error {
	t.Helper()
	return database.InTx(context.Background(), db, fn)
}

func TestRegistry_RegisterAndValidate(t *testing.T) {
	db := setupDB(t)
	reg := New()
	ctx := context.Background()

	err := inTx(t, db, func(uow *database.UnitOfWork) error {
		if err := reg.Register(ctx, uow, "mdm.vendor.created", "1.0.0", json.RawMessage(vendorSchema), "vendor created"); err != nil {
			return err
		}

		// Valid payload passes.
		if err := reg.Validate(ctx, uow, "mdm.vendor.created", "1.0.0", map[string]any{
			"vendor_id": "v-001", "name": "Acme GmbH", "country": "DE",
		}); err != nil {
			return err
		}

		// Missing required field fails with a ValidationError.
		err := reg.Validate(ctx, uow, "mdm.vendor.created", "1.0.0", map[string]any{"vendor_id": "v-002"})
		var ve *apperr.ValidationError
		require.ErrorAs(t, err, &ve)
		require.Equal(t, "schema_validation", ve.Code)
		require.NotEmpty(t, ve.Details)
		return nil
	})
	require.NoError(t, err)
}

func TestRegistry_UnknownTypeIsNotFound(t *testing.T) {
	db := setupDB(t)
	reg := New()
	ctx := context.Background()

	_ = inTx(t, db, func(uow *database.UnitOfWork) error {
		err := reg.Validate(ctx, uow, "mdm.ghost.created", "", map[string]any{})
		require.True(t, apperr.IsNotFound(err), "expected not-found, got %v", err)
		return nil
	})
}

func TestRegistry_LatestUsesSemverOrder(t *testing.T) {
	db := setupDB(t)
	reg := New()
	ctx := context.Background()

	err := inTx(t, db, func(uow *database.UnitOfWork) error {
		for _, v := range []string{"1.0.0", "1.10.0", "1.2.0"} {
			if err := reg.Register(ctx, uow, "mdm.item.created", v, json.RawMessage(`{"type":"object"}`), ""); err != nil {
				return err
			}
		}
		latest, err := reg.Latest(ctx, uow, "mdm.item.created")
		if err != nil {
			return err
		}
		// Lexical order would say 1.2.0; semver says 1.10.0.
		require.Equal(t, "1.10.0", latest.SchemaVersion)

		versions, err := reg.ListVersions(ctx, uow, "mdm.item.created")
		if err != nil {
			return err
		}
		got := make([]string, len(versions))
		for i, rv := range versions {
			got[i] = rv.SchemaVersion
		}
		require.Equal(t, []string{"1.0.0", "1.2.0", "1.10.0"}, got)
		return nil
	})
	require.NoError(t, err)
}

func TestRegistry_VersionsAreImmutable(t *testing.T) {
	db := setupDB(t)
	reg := New()
	ctx := context.Background()

	err := inTx(t, db, func(uow *database.UnitOfWork) error {
		require.NoError(t, reg.Register(ctx, uow, "mdm.vendor.created", "1.0.0", json.RawMessage(vendorSchema), ""))

		// Same schema again: no-op.
		require.NoError(t, reg.Register(ctx, uow, "mdm.vendor.created", "1.0.0", json.RawMessage(vendorSchema), ""))

		// Different schema under the same version: rejected.
		err := reg.Register(ctx, uow, "mdm.vendor.created", "1.0.0", json.RawMessage(`{"type":"object"}`), "")
		var ve *apperr.ValidationError
		require.ErrorAs(t, err, &ve)
		require.Equal(t, "version_immutable", ve.Code)
		return nil
	})
	require.NoError(t, err)
}

func TestRegistry_RejectsBadInput(t *testing.T) {
	db := setupDB(t)
	reg := New()
	ctx := context.Background()

	_ = inTx(t, db, func(uow *database.UnitOfWork) error {
		var ve *apperr.ValidationError

		err := reg.Register(ctx, uow, "mdm.vendor.created", "not-a-version", json.RawMessage(`{}`), "")
		require.ErrorAs(t, err, &ve)
		require.Equal(t, "invalid_semver", ve.Code)

		err = reg.Register(ctx, uow, "mdm.vendor.created", "1.0.0", json.RawMessage(`{"type": 42}`), "")
		require.True(t, errors.As(err, &ve), "bad schema should be a validation error, got %v", err)
		return nil
	})
}

func TestRegistry_ListTypes(t *testing.T) {
	db := setupDB(t)
	reg := New()
	ctx := context.Background()

	err := inTx(t, db, func(uow *database.UnitOfWork) error {
		require.NoError(t, reg.Register(ctx, uow, "mdm.vendor.created", "1.0.0", json.RawMessage(`{"type":"object"}`), "vendor created"))
		require.NoError(t, reg.Register(ctx, uow, "mdm.vendor.created", "1.1.0", json.RawMessage(`{"type":"object","required":[]}`), ""))
		require.NoError(t, reg.Register(ctx, uow, "mdm.item.created", "1.0.0", json.RawMessage(`{"type":"object"}`), "item created"))

		summaries, err := reg.ListTypes(ctx, uow)
		if err != nil {
			return err
		}
		require.Len(t, summaries, 2)
		require.Equal(t, "mdm.item.created", summaries[0].TypeName)
		require.Equal(t, "mdm.vendor.created", summaries[1].TypeName)
		require.Equal(t, "1.1.0", summaries[1].LatestVersion)
		require.Equal(t, 2, summaries[1].VersionCount)
		return nil
	})
	require.NoError(t, err)
}
