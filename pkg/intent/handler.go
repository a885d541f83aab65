package intent

import (
	"context"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/database"
	"github.com/Mindburn-Labs/keel/pkg/entity"
	"github.com/Mindburn-Labs/keel/pkg/ident"
)

// Handler modes.
const (
	ModeCreate = "create"
	ModeUpdate = "update"
)

// HandlerConfig declares how one intent type maps onto the entity graph and
// the event log. Defaults apply on create only; UniqueAttrs drive the
// per-attribute duplicate flags the rules consult.
type HandlerConfig struct {
	IntentType    string
	EventType     string
	SchemaVersion string
	EntityType    string
	Mode          string
	IDField       string
	RequiredAttrs []string
	UniqueAttrs   []string
	Defaults      map[string]any
}

// Prepared is a handler's view of an intent after preconditions: the subject
// entity (updates), the version OCC compares against, and the rule context.
type Prepared struct {
	EntityID    string
	Subject     *contracts.Entity
	BaseVersion int64
	Context     map[string]any
}

// Handler resolves an intent's preconditions into a rule context. The
// pipeline owns everything after that: rules, mutation, append, projections.
type Handler interface {
	Config() HandlerConfig
	Prepare(ctx context.Context, uow *database.UnitOfWork, in *contracts.Intent, scope contracts.Scope) (*Prepared, error)
}

// EntityHandler is the generic handler for intents that create or update one
// entity. The rule context it builds merges, in order: defaults (create) or
// the subject's current attributes (update), then the intent data, then the
// derived underscore flags. Underscore keys never persist.
type EntityHandler struct {
	cfg      HandlerConfig
	entities *entity.Store
}

// NewEntityHandler validates the config and builds the handler.
func NewEntityHandler(cfg HandlerConfig, entities *entity.Store) (*EntityHandler, error) {
	switch {
	case cfg.IntentType == "":
		return nil, fmt.Errorf("handler config: missing intent type")
	case cfg.EventType == "":
		return nil, fmt.Errorf("handler %s: missing event type", cfg.IntentType)
	case cfg.EntityType == "":
		return nil, fmt.Errorf("handler %s: missing entity type", cfg.IntentType)
	case cfg.IDField == "":
		return nil, fmt.Errorf("handler %s: missing id field", cfg.IntentType)
	}
	switch cfg.Mode {
	case ModeCreate, ModeUpdate:
	default:
		return nil, fmt.Errorf("handler %s: unknown mode %q", cfg.IntentType, cfg.Mode)
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = "1.0.0"
	}
	return &EntityHandler{cfg: cfg, entities: entities}, nil
}

// Config returns the handler's configuration.
func (h *EntityHandler) Config() HandlerConfig { return h.cfg }

// Prepare loads the subject for updates, assigns the entity id for creates,
// and derives the rule context flags.
func (h *EntityHandler) Prepare(ctx context.Context, uow *database.UnitOfWork, in *contracts.Intent, scope contracts.Scope) (*Prepared, error) {
	data := in.Data
	if data == nil {
		data = map[string]any{}
	}

	ruleCtx := make(map[string]any, len(data)+len(h.cfg.Defaults)+8)
	var (
		subject     *contracts.Entity
		baseVersion int64
	)

	switch h.cfg.Mode {
	case ModeUpdate:
		entityID := stringValue(data[h.cfg.IDField])
		if entityID == "" {
			return nil, apperr.Validation(h.cfg.IDField, "required",
				fmt.Sprintf("%s intents require %s", h.cfg.IntentType, h.cfg.IDField))
		}
		var err error
		subject, err = h.entities.GetInScope(ctx, uow, h.cfg.EntityType, entityID, scope.LegalEntity)
		if err != nil {
			return nil, err
		}
		baseVersion = subject.Version
		for k, v := range subject.Attributes {
			ruleCtx[k] = v
		}
	case ModeCreate:
		for k, v := range h.cfg.Defaults {
			ruleCtx[k] = v
		}
	}
	for k, v := range data {
		ruleCtx[k] = v
	}

	entityID := stringValue(ruleCtx[h.cfg.IDField])
	if entityID == "" {
		entityID = ident.New(h.cfg.EntityType)
	}
	ruleCtx[h.cfg.IDField] = entityID

	for _, attr := range h.cfg.RequiredAttrs {
		ruleCtx["_"+attr+"_missing"] = isBlank(ruleCtx[attr])
	}
	for _, attr := range h.cfg.UniqueAttrs {
		dup, err := h.duplicateExists(ctx, uow, attr, stringValue(ruleCtx[attr]), entityID, scope)
		if err != nil {
			return nil, err
		}
		ruleCtx["_"+attr+"_duplicate_exists"] = dup
	}

	ruleCtx["_intent_type"] = in.IntentType
	ruleCtx["_actor_id"] = in.Actor.ActorID
	ruleCtx["_actor_type"] = string(in.Actor.ActorType)
	ruleCtx["_legal_entity"] = scope.LegalEntity
	ruleCtx["_entity_version"] = baseVersion

	return &Prepared{
		EntityID:    entityID,
		Subject:     subject,
		BaseVersion: baseVersion,
		Context:     ruleCtx,
	}, nil
}

// duplicateExists reports whether another entity in scope already carries the
// attribute value. An empty value never counts as a duplicate.
func (h *EntityHandler) duplicateExists(ctx context.Context, uow *database.UnitOfWork, attr, value, selfID string, scope contracts.Scope) (bool, error) {
	if value == "" {
		return false, nil
	}
	matches, err := h.entities.FindByAttribute(ctx, uow, h.cfg.EntityType, attr, value, scope.LegalEntity)
	if err != nil {
		return false, err
	}
	for _, m := range matches {
		if m.EntityID != selfID {
			return true, nil
		}
	}
	return false, nil
}

// attributesFrom strips the derived underscore keys, leaving what persists
// as entity attributes and event payload.
func attributesFrom(ruleCtx map[string]any) map[string]any {
	attrs := make(map[string]any, len(ruleCtx))
	for k, v := range ruleCtx {
		if strings.HasPrefix(k, "_") {
			continue
		}
		attrs[k] = v
	}
	return attrs
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	default:
		return false
	}
}
