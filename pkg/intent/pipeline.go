// Package intent orchestrates the platform's write path. One submitted
// intent is one database transaction: idempotency check, rule evaluation,
// entity mutation, event append and projection update commit together or not
// at all. Rejections and approval routing are results, not errors.
package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/database"
	"github.com/Mindburn-Labs/keel/pkg/entity"
	"github.com/Mindburn-Labs/keel/pkg/eventstore"
	"github.com/Mindburn-Labs/keel/pkg/ident"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/projection"
	"github.com/Mindburn-Labs/keel/pkg/registry"
	"github.com/Mindburn-Labs/keel/pkg/rules"
)

// errDiscardTx signals InTx to roll back a turn that produced a result but
// must leave no trace: rejections and idempotent replays.
var errDiscardTx = errors.New("intent: discard transaction")

// Deps are the collaborating stores and engines a Pipeline drives.
type Deps struct {
	DB          *database.DB
	Events      *eventstore.Store
	Entities    *entity.Store
	Registry    *registry.Registry
	Rules       *rules.Engine
	Projections *projection.Engine
}

// Pipeline routes intents to handlers and runs the canonical turn.
// Handlers register at startup; Submit and Approve are safe for concurrent
// use afterwards.
type Pipeline struct {
	deps     Deps
	handlers map[string]Handler
	intents  *intentStore
	log      *slog.Logger
	obs      *observability.Provider
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithClock fixes stored-intent timestamps for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithTelemetry traces and meters each turn through the given provider.
func WithTelemetry(obs *observability.Provider) Option {
	return func(p *Pipeline) { p.obs = obs }
}

// NewPipeline builds a Pipeline with no handlers registered.
func NewPipeline(deps Deps, opts ...Option) *Pipeline {
	p := &Pipeline{
		deps:     deps,
		handlers: make(map[string]Handler),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.intents = &intentStore{now: func() time.Time { return p.now() }}
	return p
}

// Register adds a handler for its intent type.
func (p *Pipeline) Register(hs ...Handler) error {
	for _, h := range hs {
		it := h.Config().IntentType
		if _, dup := p.handlers[it]; dup {
			return fmt.Errorf("handler for %s already registered", it)
		}
		p.handlers[it] = h
	}
	return nil
}

// IntentTypes lists the registered intent types.
func (p *Pipeline) IntentTypes() []string {
	out := make([]string, 0, len(p.handlers))
	for it := range p.handlers {
		out = append(out, it)
	}
	return out
}

// Submit runs one intent through the canonical turn. The returned result may
// be unsuccessful (rejected, pending approval) without err being set; err
// carries the taxonomy errors: validation, authorization, not-found,
// concurrency and idempotency conflicts, storage.
func (p *Pipeline) Submit(ctx context.Context, in contracts.Intent) (result *contracts.IntentResult, err error) {
	if p.obs != nil {
		var finish func(error)
		ctx, finish = p.obs.TrackOperation(ctx, "intent.submit",
			observability.IntentOperation(in.IntentType, in.Actor.ActorID)...)
		defer func() { finish(err) }()
	}

	if _, ok := p.handlers[in.IntentType]; !ok {
		return nil, apperr.Validation("intent_type", "unknown_intent_type",
			fmt.Sprintf("no handler registered for %q", in.IntentType))
	}
	if !in.Actor.HasCapability(in.IntentType) {
		return nil, &apperr.AuthorizationError{
			Message:    fmt.Sprintf("actor %s lacks capability %s", in.Actor.ActorID, in.IntentType),
			Capability: in.IntentType,
		}
	}

	err = database.InTx(ctx, p.deps.DB, func(uow *database.UnitOfWork) error {
		res, err := p.turn(ctx, uow, &in, turnOptions{})
		if err != nil {
			return err
		}
		result = res
		if res.Replayed || res.Status == contracts.StatusRejected {
			return errDiscardTx
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDiscardTx) {
		return nil, err
	}

	p.log.Info("intent processed",
		"intent_type", in.IntentType,
		"status", result.Status,
		"intent_id", result.IntentID,
		"event_id", result.EventID,
		"replayed", result.Replayed)
	return result, nil
}

// Approve resumes a stored pending intent. The approver must hold the
// required approver role; the resubmission runs with the approver as actor
// and routing decisions suppressed, all in one transaction with the status
// transition. A rejection at approval time leaves the intent pending.
func (p *Pipeline) Approve(ctx context.Context, intentID string, approver contracts.Actor) (result *contracts.IntentResult, err error) {
	if p.obs != nil {
		var finish func(error)
		ctx, finish = p.obs.TrackOperation(ctx, "intent.approve",
			observability.AttrIntentID.String(intentID))
		defer func() { finish(err) }()
	}

	err = database.InTx(ctx, p.deps.DB, func(uow *database.UnitOfWork) error {
		stored, err := p.intents.get(ctx, uow, intentID)
		if err != nil {
			return err
		}
		if stored.Status != contracts.IntentPendingApproval {
			return apperr.Validation("status", "not_pending_approval",
				fmt.Sprintf("intent %s is %s", intentID, stored.Status))
		}
		if stored.RequiredApproverRole != "" && !approver.HasRole(stored.RequiredApproverRole) {
			return &apperr.AuthorizationError{
				Message:    fmt.Sprintf("approval requires role %s", stored.RequiredApproverRole),
				Capability: stored.RequiredApproverRole,
			}
		}
		if err := p.intents.markDecided(ctx, uow, intentID, approver, contracts.IntentApproved); err != nil {
			return err
		}

		in := contracts.Intent{
			IntentType:     stored.IntentType,
			Data:           stored.Data,
			Scope:          stored.Scope,
			Actor:          approver,
			IdempotencyKey: stored.IdempotencyKey,
		}
		res, err := p.turn(ctx, uow, &in, turnOptions{
			intentID:        stored.IntentID,
			suppressRouting: true,
		})
		if err != nil {
			return err
		}
		result = res
		if !res.Success {
			return errDiscardTx
		}
		return p.intents.markStatus(ctx, uow, intentID, contracts.IntentCompleted)
	})
	if err != nil && !errors.Is(err, errDiscardTx) {
		return nil, err
	}

	p.log.Info("intent approval processed",
		"intent_id", intentID,
		"approver", approver.ActorID,
		"status", result.Status)
	return result, nil
}

// GetIntent loads one stored intent.
func (p *Pipeline) GetIntent(ctx context.Context, intentID string) (*contracts.StoredIntent, error) {
	var stored *contracts.StoredIntent
	err := database.InTx(ctx, p.deps.DB, func(uow *database.UnitOfWork) error {
		var err error
		stored, err = p.intents.get(ctx, uow, intentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// PendingIntents lists intents awaiting approval, oldest first.
func (p *Pipeline) PendingIntents(ctx context.Context, limit int) ([]contracts.StoredIntent, error) {
	var out []contracts.StoredIntent
	err := database.InTx(ctx, p.deps.DB, func(uow *database.UnitOfWork) error {
		var err error
		out, err = p.intents.listByStatus(ctx, uow, contracts.IntentPendingApproval, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type turnOptions struct {
	intentID        string
	suppressRouting bool
}

// turn executes the canonical steps inside the caller's transaction.
func (p *Pipeline) turn(ctx context.Context, uow *database.UnitOfWork, in *contracts.Intent, opts turnOptions) (*contracts.IntentResult, error) {
	h := p.handlers[in.IntentType]
	if h == nil {
		return nil, apperr.Validation("intent_type", "unknown_intent_type",
			fmt.Sprintf("no handler registered for %q", in.IntentType))
	}
	cfg := h.Config()
	scope := contracts.Scope{
		TenantID:    in.Scope.TenantID,
		LegalEntity: resolveLegalEntity(in),
	}

	// Idempotency short-circuit. The same key with the same fingerprint is a
	// replay of the original event; a pending stored intent under the key is
	// returned as-is instead of being queued again.
	fingerprint := ""
	if in.IdempotencyKey != "" {
		fp, err := ident.Fingerprint(fingerprintView(in, scope))
		if err != nil {
			return nil, apperr.Validation("data", "not_serializable", err.Error())
		}
		fingerprint = fp

		existing, existingFP, err := p.deps.Events.GetByIdempotencyKey(ctx, uow, in.IdempotencyKey)
		switch {
		case err == nil:
			if existingFP != "" && existingFP != fingerprint {
				return nil, &apperr.IdempotencyConflictError{
					Key:             in.IdempotencyKey,
					ExistingEventID: existing.EventID,
				}
			}
			return replayResult(existing), nil
		case apperr.IsNotFound(err):
		default:
			return nil, err
		}

		if !opts.suppressRouting {
			pending, err := p.intents.getPendingByKey(ctx, uow, in.IdempotencyKey)
			switch {
			case err == nil:
				return pendingResult(pending, nil), nil
			case apperr.IsNotFound(err):
			default:
				return nil, err
			}
		}
	}

	// Preconditions: subject entity, derived flags, rule context.
	prep, err := h.Prepare(ctx, uow, in, scope)
	if err != nil {
		return nil, err
	}

	// Explicit OCC for update intents.
	if in.ExpectedEntityVersion != nil && prep.Subject != nil &&
		*in.ExpectedEntityVersion != prep.Subject.Version {
		return nil, &apperr.ConcurrencyConflictError{
			EntityType: cfg.EntityType,
			EntityID:   prep.EntityID,
			Expected:   *in.ExpectedEntityVersion,
			Actual:     prep.Subject.Version,
		}
	}

	intentID := opts.intentID
	if intentID == "" {
		intentID = ident.NewIntentID()
	}

	outcome := p.deps.Rules.Evaluate(in.IntentType, prep.Context)
	switch outcome.Decision {
	case rules.DecisionReject:
		return &contracts.IntentResult{
			Status:     contracts.StatusRejected,
			IntentID:   intentID,
			Error:      outcome.RejectionMessage,
			RejectedBy: outcome.RejectedBy,
			Traces:     outcome.Traces,
		}, nil
	case rules.DecisionRouteForApproval:
		if !opts.suppressRouting {
			stored := &contracts.StoredIntent{
				IntentID:             intentID,
				IntentType:           in.IntentType,
				Status:               contracts.IntentPendingApproval,
				Actor:                in.Actor,
				Scope:                scope,
				Data:                 in.Data,
				RequiredApproverRole: outcome.RequiredApproverRole,
				IdempotencyKey:       in.IdempotencyKey,
			}
			if err := p.intents.create(ctx, uow, stored); err != nil {
				return nil, err
			}
			return pendingResult(stored, outcome.Traces), nil
		}
	}

	attrs := attributesFrom(outcome.Context)

	// Payloads validate against the registered schema; an unregistered type
	// is accepted as-is.
	if err := p.deps.Registry.Validate(ctx, uow, cfg.EventType, cfg.SchemaVersion, attrs); err != nil {
		if !apperr.IsNotFound(err) {
			return nil, err
		}
	}

	evt := contracts.Event{
		EventType:       cfg.EventType,
		SchemaVersion:   cfg.SchemaVersion,
		EffectiveDate:   in.EffectiveDate,
		Scope:           scope,
		Actor:           in.Actor,
		IntentID:        intentID,
		CorrelationID:   in.CorrelationID,
		CausedByEventID: in.CausedByEventID,
		Payload:         attrs,
		Entities: []contracts.EntityRef{{
			EntityType:   cfg.EntityType,
			EntityID:     prep.EntityID,
			Role:         contracts.RoleSubject,
			VersionAfter: prep.BaseVersion + 1,
		}},
		RulesEvaluated: outcome.Traces,
		IdempotencyKey: in.IdempotencyKey,
	}
	if in.OccurredAt != nil {
		evt.OccurredAt = *in.OccurredAt
	}

	var appended *contracts.Event
	replayed := false
	switch cfg.Mode {
	case ModeCreate:
		// Create-then-append: the duplicate-key conflict must surface before
		// an event exists for an entity that was never created.
		if _, err := p.deps.Entities.Create(ctx, uow, contracts.Entity{
			EntityType:  cfg.EntityType,
			EntityID:    prep.EntityID,
			Attributes:  attrs,
			LegalEntity: scope.LegalEntity,
		}); err != nil {
			return nil, err
		}
		appended, replayed, err = p.deps.Events.Append(ctx, uow, eventstore.AppendRequest{
			Event:              evt,
			RequestFingerprint: fingerprint,
		})
		if err != nil {
			return nil, err
		}
	case ModeUpdate:
		// Append-then-update: the event and the entity row agree on the same
		// version baseline, with the event as the source of truth.
		appended, replayed, err = p.deps.Events.Append(ctx, uow, eventstore.AppendRequest{
			Event:              evt,
			RequestFingerprint: fingerprint,
			Subject: &eventstore.SubjectCheck{
				EntityType:      cfg.EntityType,
				EntityID:        prep.EntityID,
				ExpectedVersion: prep.BaseVersion,
			},
		})
		if err != nil {
			return nil, err
		}
		if !replayed {
			if _, err := p.deps.Entities.Update(ctx, uow, cfg.EntityType, prep.EntityID, attrs, prep.BaseVersion); err != nil {
				return nil, err
			}
		}
	default:
		return nil, apperr.Validation("mode", "unknown_mode",
			fmt.Sprintf("handler %s: unknown mode %q", cfg.IntentType, cfg.Mode))
	}
	if replayed {
		// A concurrent submission with the same key won the race mid-turn.
		return replayResult(appended), nil
	}

	if err := p.deps.Projections.Apply(ctx, uow, appended); err != nil {
		return nil, err
	}

	return &contracts.IntentResult{
		Success:       true,
		Status:        contracts.StatusCompleted,
		IntentID:      intentID,
		EventID:       appended.EventID,
		Sequence:      appended.Sequence,
		EntityType:    cfg.EntityType,
		EntityID:      prep.EntityID,
		EntityVersion: prep.BaseVersion + 1,
		Traces:        outcome.Traces,
	}, nil
}

// resolveLegalEntity falls back from the intent's scope to the actor's, then
// to "default" for tenant-less system intents.
func resolveLegalEntity(in *contracts.Intent) string {
	if in.Scope.LegalEntity != "" {
		return in.Scope.LegalEntity
	}
	if in.Actor.LegalEntity != "" {
		return in.Actor.LegalEntity
	}
	return "default"
}

// fingerprintView is the part of an intent that defines its identity under
// an idempotency key. The resolved scope stands in for the submitted one so
// a retry fingerprints identically to the approval resubmission it may race.
// Telemetry fields (correlation id, occurred_at) are excluded: a retry may
// legitimately carry fresh ones.
func fingerprintView(in *contracts.Intent, scope contracts.Scope) map[string]any {
	return map[string]any{
		"intent_type":             in.IntentType,
		"data":                    in.Data,
		"scope":                   scope,
		"expected_entity_version": in.ExpectedEntityVersion,
	}
}

func replayResult(evt *contracts.Event) *contracts.IntentResult {
	res := &contracts.IntentResult{
		Success:  true,
		Status:   contracts.StatusCompleted,
		IntentID: evt.IntentID,
		EventID:  evt.EventID,
		Sequence: evt.Sequence,
		Replayed: true,
		Traces:   evt.RulesEvaluated,
	}
	for _, ref := range evt.Entities {
		if ref.Role == contracts.RoleSubject {
			res.EntityType = ref.EntityType
			res.EntityID = ref.EntityID
			res.EntityVersion = ref.VersionAfter
			break
		}
	}
	return res
}

func pendingResult(stored *contracts.StoredIntent, traces []contracts.RuleTrace) *contracts.IntentResult {
	return &contracts.IntentResult{
		Status:               contracts.StatusPendingApproval,
		IntentID:             stored.IntentID,
		RequiredApproverRole: stored.RequiredApproverRole,
		Traces:               traces,
	}
}
