// Package eventstore owns the append-only event log. Events are immutable;
// the only write is the append, and it happens inside the caller's unit of
// work so the log, the entity graph and the projections commit together.
//
// Sequences come from a single counter row updated under its row lock, which
// serializes concurrent appends without advisory locks. A rolled-back turn
// burns its number: sequences are strictly increasing, not gap-free.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/database"
	"github.com/Mindburn-Labs/keel/pkg/ident"
)

// Read limits.
const (
	DefaultReadLimit = 100
	MaxReadLimit     = 1000
)

// SubjectCheck asks Append to verify an entity's current version before
// writing, the optimistic concurrency gate for update intents.
type SubjectCheck struct {
	EntityType      string
	EntityID        string
	ExpectedVersion int64
}

// AppendRequest carries one event to append. EventID, Sequence, RecordedAt
// and SchemaVersion are filled by the store when empty.
type AppendRequest struct {
	Event              contracts.Event
	RequestFingerprint string
	Subject            *SubjectCheck
}

// StreamFilter selects a slice of the log, always ordered by sequence.
// EventType matches one type; EventTypes matches any of several, as used by
// subscription polling.
type StreamFilter struct {
	AfterSequence contracts.Sequence
	Limit         int
	EventType     string
	EventTypes    []string
	CorrelationID string
	TenantID      string
	LegalEntity   string
}

// StreamPage is one page of the log. NextSequence feeds the next
// after_sequence query parameter.
type StreamPage struct {
	Events       []contracts.Event  `json:"events"`
	HasMore      bool               `json:"has_more"`
	NextSequence contracts.Sequence `json:"next_sequence"`
}

// Store reads and appends events.
type Store struct {
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock fixes recorded_at for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds a Store.
func New(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const eventColumns = `event_id, sequence, event_type, schema_version, occurred_at, recorded_at,
	effective_date, tenant_id, legal_entity, actor, intent_id, correlation_id,
	caused_by_event_id, payload, entities, rules_evaluated, idempotency_key`

// Append writes one event. The bool result reports an idempotent replay:
// the key was seen before with the same request fingerprint and the original
// event is returned instead of a new one. The same key with a different
// fingerprint is an IdempotencyConflictError.
func (s *Store) Append(ctx context.Context, uow *database.UnitOfWork, req AppendRequest) (*contracts.Event, bool, error) {
	evt := req.Event

	if evt.IdempotencyKey != "" {
		existing, fingerprint, err := s.GetByIdempotencyKey(ctx, uow, evt.IdempotencyKey)
		switch {
		case err == nil:
			return resolveReplay(existing, fingerprint, req)
		case !apperr.IsNotFound(err):
			return nil, false, err
		}
	}

	if req.Subject != nil {
		if err := checkSubjectVersion(ctx, uow, req.Subject); err != nil {
			return nil, false, err
		}
	}

	if evt.EventID == "" {
		evt.EventID = ident.NewEventID()
	}
	if evt.SchemaVersion == "" {
		evt.SchemaVersion = "1.0.0"
	}
	now := s.now()
	if evt.RecordedAt.IsZero() {
		evt.RecordedAt = now.UTC()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = evt.RecordedAt
	}
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}
	if evt.Entities == nil {
		evt.Entities = []contracts.EntityRef{}
	}
	if evt.RulesEvaluated == nil {
		evt.RulesEvaluated = []contracts.RuleTrace{}
	}

	seq, err := allocateSequence(ctx, uow)
	if err != nil {
		return nil, false, err
	}
	evt.Sequence = seq

	actorJSON, _ := json.Marshal(evt.Actor)
	payloadJSON, _ := json.Marshal(evt.Payload)
	entitiesJSON, _ := json.Marshal(evt.Entities)
	rulesJSON, _ := json.Marshal(evt.RulesEvaluated)

	// The insert runs under a savepoint: a unique violation aborts the
	// enclosing transaction on Postgres, and the race lookup below needs a
	// live one.
	if err := uow.Savepoint(ctx, "append_event"); err != nil {
		return nil, false, apperr.Storage("append event", err)
	}
	_, err = uow.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`, request_fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.EventID, int64(evt.Sequence), evt.EventType, evt.SchemaVersion,
		database.FormatTime(evt.OccurredAt), database.FormatTime(evt.RecordedAt),
		nullIfEmpty(evt.EffectiveDate), evt.Scope.TenantID, evt.Scope.LegalEntity,
		string(actorJSON), nullIfEmpty(evt.IntentID), nullIfEmpty(evt.CorrelationID),
		nullIfEmpty(evt.CausedByEventID), string(payloadJSON), string(entitiesJSON),
		string(rulesJSON), nullIfEmpty(evt.IdempotencyKey), nullIfEmpty(req.RequestFingerprint))
	if err != nil {
		if database.IsUniqueViolation(err) && evt.IdempotencyKey != "" {
			// Lost the race to a concurrent append with the same key.
			if rbErr := uow.RollbackTo(ctx, "append_event"); rbErr != nil {
				return nil, false, apperr.Storage("resolve idempotency race", err)
			}
			existing, fingerprint, lookupErr := s.GetByIdempotencyKey(ctx, uow, evt.IdempotencyKey)
			if lookupErr != nil {
				return nil, false, apperr.Storage("resolve idempotency race", err)
			}
			return resolveReplay(existing, fingerprint, req)
		}
		return nil, false, apperr.Storage("append event", err)
	}
	if err := uow.Release(ctx, "append_event"); err != nil {
		return nil, false, apperr.Storage("append event", err)
	}

	return &evt, false, nil
}

func resolveReplay(existing *contracts.Event, fingerprint string, req AppendRequest) (*contracts.Event, bool, error) {
	if fingerprint == req.RequestFingerprint {
		return existing, true, nil
	}
	return nil, false, &apperr.IdempotencyConflictError{
		Key:             req.Event.IdempotencyKey,
		ExistingEventID: existing.EventID,
	}
}

func checkSubjectVersion(ctx context.Context, uow *database.UnitOfWork, subject *SubjectCheck) error {
	var version int64
	err := uow.QueryRowContext(ctx,
		`SELECT version FROM entities WHERE entity_type = ? AND entity_id = ?`,
		subject.EntityType, subject.EntityID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("entity", subject.EntityType+"/"+subject.EntityID)
	}
	if err != nil {
		return apperr.Storage("check subject version", err)
	}
	if version != subject.ExpectedVersion {
		return &apperr.ConcurrencyConflictError{
			EntityType: subject.EntityType,
			EntityID:   subject.EntityID,
			Expected:   subject.ExpectedVersion,
			Actual:     version,
		}
	}
	return nil
}

func allocateSequence(ctx context.Context, uow *database.UnitOfWork) (contracts.Sequence, error) {
	var value int64
	err := uow.QueryRowContext(ctx,
		`UPDATE event_sequence SET value = value + 1 WHERE id = 1 RETURNING value`).Scan(&value)
	if err != nil {
		return 0, apperr.Storage("allocate sequence", err)
	}
	return contracts.Sequence(value), nil
}

// GetByID loads one event.
func (s *Store) GetByID(ctx context.Context, uow *database.UnitOfWork, eventID string) (*contracts.Event, error) {
	row := uow.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = ?`, eventID)
	evt, _, err := scanEvent(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("event", eventID)
	}
	if err != nil {
		return nil, apperr.Storage("get event", err)
	}
	return evt, nil
}

// GetByIdempotencyKey loads an event and its request fingerprint by key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, uow *database.UnitOfWork, key string) (*contracts.Event, string, error) {
	row := uow.QueryRowContext(ctx,
		`SELECT `+eventColumns+`, request_fingerprint FROM events WHERE idempotency_key = ?`, key)
	evt, fingerprint, err := scanEvent(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", apperr.NotFound("event for idempotency key", key)
	}
	if err != nil {
		return nil, "", apperr.Storage("get event by key", err)
	}
	return evt, fingerprint, nil
}

// ReadStream pages through the log in sequence order.
func (s *Store) ReadStream(ctx context.Context, uow *database.UnitOfWork, filter StreamFilter) (*StreamPage, error) {
	limit := clampLimit(filter.Limit)

	where := []string{"sequence > ?"}
	args := []any{int64(filter.AfterSequence)}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if len(filter.EventTypes) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(filter.EventTypes)), ", ")
		where = append(where, "event_type IN ("+marks+")")
		for _, et := range filter.EventTypes {
			args = append(args, et)
		}
	}
	if filter.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, filter.CorrelationID)
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.LegalEntity != "" {
		where = append(where, "legal_entity = ?")
		args = append(args, filter.LegalEntity)
	}
	args = append(args, limit+1) // probe one past the page for has_more

	query := `SELECT ` + eventColumns + ` FROM events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY sequence ASC LIMIT ?`

	rows, err := uow.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("read stream", err)
	}
	defer func() { _ = rows.Close() }()

	page := &StreamPage{Events: []contracts.Event{}, NextSequence: filter.AfterSequence}
	for rows.Next() {
		if len(page.Events) == limit {
			page.HasMore = true
			break
		}
		evt, _, err := scanEvent(rows, false)
		if err != nil {
			return nil, apperr.Storage("scan event", err)
		}
		page.Events = append(page.Events, *evt)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("read stream", err)
	}
	if n := len(page.Events); n > 0 {
		page.NextSequence = page.Events[n-1].Sequence
	}
	return page, nil
}

// ReadForEntity returns events that touched one entity, oldest first.
func (s *Store) ReadForEntity(ctx context.Context, uow *database.UnitOfWork, entityType, entityID string, after contracts.Sequence, limit int) ([]contracts.Event, error) {
	limit = clampLimit(limit)

	var query string
	if uow.Dialect() == database.DialectSQLite {
		query = `SELECT ` + eventColumns + ` FROM events
			WHERE sequence > ? AND EXISTS (
				SELECT 1 FROM json_each(events.entities) je
				WHERE json_extract(je.value, '$.entity_type') = ?
				  AND json_extract(je.value, '$.entity_id') = ?
			)
			ORDER BY sequence ASC LIMIT ?`
	} else {
		query = `SELECT ` + eventColumns + ` FROM events
			WHERE sequence > ? AND entities @> ?
			ORDER BY sequence ASC LIMIT ?`
	}

	var args []any
	if uow.Dialect() == database.DialectSQLite {
		args = []any{int64(after), entityType, entityID, limit}
	} else {
		ref, _ := json.Marshal([]map[string]string{{"entity_type": entityType, "entity_id": entityID}})
		args = []any{int64(after), string(ref), limit}
	}

	rows, err := uow.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("read entity events", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Event
	for rows.Next() {
		evt, _, err := scanEvent(rows, false)
		if err != nil {
			return nil, apperr.Storage("scan event", err)
		}
		out = append(out, *evt)
	}
	return out, rows.Err()
}

// MaxSequence returns the highest committed sequence, 0 on an empty log.
func (s *Store) MaxSequence(ctx context.Context, uow *database.UnitOfWork) (contracts.Sequence, error) {
	var max int64
	err := uow.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM events`).Scan(&max)
	if err != nil {
		return 0, apperr.Storage("max sequence", err)
	}
	return contracts.Sequence(max), nil
}

// CountAll returns the number of events on the log.
func (s *Store) CountAll(ctx context.Context, uow *database.UnitOfWork) (int64, error) {
	var n int64
	if err := uow.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, apperr.Storage("count events", err)
	}
	return n, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultReadLimit
	}
	if limit > MaxReadLimit {
		return MaxReadLimit
	}
	return limit
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner, withFingerprint bool) (*contracts.Event, string, error) {
	var (
		evt                     contracts.Event
		sequence                int64
		occurredAt, recordedAt  any
		effectiveDate           sql.NullString
		actorJSON               []byte
		intentID, correlationID sql.NullString
		causedBy                sql.NullString
		payloadJSON             []byte
		entitiesJSON            []byte
		rulesJSON               []byte
		idempotencyKey          sql.NullString
		fingerprint             sql.NullString
	)

	dest := []any{
		&evt.EventID, &sequence, &evt.EventType, &evt.SchemaVersion,
		&occurredAt, &recordedAt, &effectiveDate, &evt.Scope.TenantID,
		&evt.Scope.LegalEntity, &actorJSON, &intentID, &correlationID,
		&causedBy, &payloadJSON, &entitiesJSON, &rulesJSON, &idempotencyKey,
	}
	if withFingerprint {
		dest = append(dest, &fingerprint)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, "", err
	}

	evt.Sequence = contracts.Sequence(sequence)
	evt.EffectiveDate = effectiveDate.String
	evt.IntentID = intentID.String
	evt.CorrelationID = correlationID.String
	evt.CausedByEventID = causedBy.String
	evt.IdempotencyKey = idempotencyKey.String

	var err error
	if evt.OccurredAt, err = database.ScanTime(occurredAt); err != nil {
		return nil, "", fmt.Errorf("occurred_at: %w", err)
	}
	if evt.RecordedAt, err = database.ScanTime(recordedAt); err != nil {
		return nil, "", fmt.Errorf("recorded_at: %w", err)
	}
	if err := json.Unmarshal(actorJSON, &evt.Actor); err != nil {
		return nil, "", fmt.Errorf("actor: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &evt.Payload); err != nil {
		return nil, "", fmt.Errorf("payload: %w", err)
	}
	if err := json.Unmarshal(entitiesJSON, &evt.Entities); err != nil {
		return nil, "", fmt.Errorf("entities: %w", err)
	}
	if err := json.Unmarshal(rulesJSON, &evt.RulesEvaluated); err != nil {
		return nil, "", fmt.Errorf("rules_evaluated: %w", err)
	}
	return &evt, fingerprint.String, nil
}
