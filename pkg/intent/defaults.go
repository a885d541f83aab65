package intent

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/keel/pkg/database"
	"github.com/Mindburn-Labs/keel/pkg/entity"
	"github.com/Mindburn-Labs/keel/pkg/registry"
	"github.com/Mindburn-Labs/keel/pkg/rules"
)

//go:embed schemas/*.json rulesets/*.yaml
var defaultsFS embed.FS

// defaultSchemas are the seeded event types. Versions are immutable once
// registered, so editing an embedded schema in place requires bumping the
// version here.
var defaultSchemas = []struct {
	TypeName    string
	Version     string
	File        string
	Description string
}{
	{"mdm.vendor.created", "1.0.0", "schemas/vendor_created.json", "Vendor master record created"},
	{"mdm.vendor.updated", "1.0.0", "schemas/vendor_updated.json", "Vendor master record updated"},
	{"mdm.item.created", "1.0.0", "schemas/item_created.json", "Item master record created"},
	{"mdm.item.updated", "1.0.0", "schemas/item_updated.json", "Item master record updated"},
}

// RegisterDefaultSchemas registers the embedded schemas for the seeded event
// types. Safe to run on every start: re-registering an identical schema is a
// no-op.
func RegisterDefaultSchemas(ctx context.Context, db *database.DB, reg *registry.Registry) error {
	return database.InTx(ctx, db, func(uow *database.UnitOfWork) error {
		for _, s := range defaultSchemas {
			data, err := defaultsFS.ReadFile(s.File)
			if err != nil {
				return fmt.Errorf("read embedded schema %s: %w", s.File, err)
			}
			if err := reg.Register(ctx, uow, s.TypeName, s.Version, json.RawMessage(data), s.Description); err != nil {
				return fmt.Errorf("register %s@%s: %w", s.TypeName, s.Version, err)
			}
		}
		return nil
	})
}

// LoadDefaultRules loads the embedded rulesets into the engine. Returns the
// number of ruleset files loaded.
func LoadDefaultRules(eng *rules.Engine) (int, error) {
	return eng.LoadFS(defaultsFS, "rulesets")
}

// DefaultHandlers builds the seeded vendor and item handlers.
func DefaultHandlers(entities *entity.Store) ([]Handler, error) {
	cfgs := []HandlerConfig{
		{
			IntentType:    "mdm.vendor.create",
			EventType:     "mdm.vendor.created",
			EntityType:    "vendor",
			Mode:          ModeCreate,
			IDField:       "vendor_id",
			RequiredAttrs: []string{"name"},
			Defaults:      map[string]any{"status": "active"},
		},
		{
			IntentType:    "mdm.vendor.update",
			EventType:     "mdm.vendor.updated",
			EntityType:    "vendor",
			Mode:          ModeUpdate,
			IDField:       "vendor_id",
			RequiredAttrs: []string{"name"},
		},
		{
			IntentType:    "mdm.item.create",
			EventType:     "mdm.item.created",
			EntityType:    "item",
			Mode:          ModeCreate,
			IDField:       "item_id",
			RequiredAttrs: []string{"name", "sku"},
			UniqueAttrs:   []string{"sku"},
			Defaults:      map[string]any{"status": "active", "uom": "EA"},
		},
		{
			IntentType:  "mdm.item.update",
			EventType:   "mdm.item.updated",
			EntityType:  "item",
			Mode:        ModeUpdate,
			IDField:     "item_id",
			UniqueAttrs: []string{"sku"},
		},
	}

	out := make([]Handler, 0, len(cfgs))
	for _, cfg := range cfgs {
		h, err := NewEntityHandler(cfg, entities)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
