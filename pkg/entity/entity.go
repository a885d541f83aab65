// Package entity persists the current state of master-data entities. State
// here is derived: every row is the fold of the entity's events, updated in
// the same transaction that appended them. Versions count mutations and back
// the optimistic concurrency checks.
package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/database"
)

// Store reads and writes entity rows.
type Store struct {
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock fixes timestamps for deterministic tests.
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

const entityColumns = `entity_type, entity_id, version, attributes, legal_entity, created_at, updated_at`

// Create inserts a new entity at version 1. Creating an ID that already
// exists reports a concurrency conflict carrying the current version.
func (s *Store) Create(ctx context.Context, uow *database.UnitOfWork, e contracts.Entity) (*contracts.Entity, error) {
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
	if e.LegalEntity == "" {
		e.LegalEntity = "default"
	}
	e.Version = 1
	now := s.now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return nil, apperr.Validation("attributes", "not_serializable", err.Error())
	}

	// The insert runs under a savepoint so the duplicate lookup below still
	// has a live transaction on Postgres.
	if err := uow.Savepoint(ctx, "create_entity"); err != nil {
		return nil, apperr.Storage("create entity", err)
	}
	_, err = uow.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EntityType, e.EntityID, e.Version, string(attrs), e.LegalEntity,
		database.FormatTime(e.CreatedAt), database.FormatTime(e.UpdatedAt))
	if err != nil {
		if database.IsUniqueViolation(err) {
			actual := int64(0)
			if rbErr := uow.RollbackTo(ctx, "create_entity"); rbErr == nil {
				if existing, getErr := s.Get(ctx, uow, e.EntityType, e.EntityID); getErr == nil {
					actual = existing.Version
				}
			}
			return nil, &apperr.ConcurrencyConflictError{
				EntityType: e.EntityType,
				EntityID:   e.EntityID,
				Expected:   0,
				Actual:     actual,
			}
		}
		return nil, apperr.Storage("create entity", err)
	}
	if err := uow.Release(ctx, "create_entity"); err != nil {
		return nil, apperr.Storage("create entity", err)
	}
	return &e, nil
}

// Get loads one entity regardless of legal entity.
func (s *Store) Get(ctx context.Context, uow *database.UnitOfWork, entityType, entityID string) (*contracts.Entity, error) {
	return s.GetInScope(ctx, uow, entityType, entityID, "")
}

// GetInScope loads one entity within a legal entity. A row that exists under
// a different legal entity reads as not found: tenancy isolation never leaks
// the record's existence. An empty legalEntity disables the scope check.
func (s *Store) GetInScope(ctx context.Context, uow *database.UnitOfWork, entityType, entityID, legalEntity string) (*contracts.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE entity_type = ? AND entity_id = ?`
	args := []any{entityType, entityID}
	if legalEntity != "" {
		query += ` AND legal_entity = ?`
		args = append(args, legalEntity)
	}
	row := uow.QueryRowContext(ctx, query, args...)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("entity", entityType+"/"+entityID)
	}
	if err != nil {
		return nil, apperr.Storage("get entity", err)
	}
	return e, nil
}

// Update replaces attributes under a compare-and-swap on version. The write
// succeeds only when the stored version still equals expectedVersion; a miss
// is rechecked to distinguish a missing entity from a stale caller.
func (s *Store) Update(ctx context.Context, uow *database.UnitOfWork, entityType, entityID string, attributes map[string]any, expectedVersion int64) (*contracts.Entity, error) {
	if attributes == nil {
		attributes = map[string]any{}
	}
	attrs, err := json.Marshal(attributes)
	if err != nil {
		return nil, apperr.Validation("attributes", "not_serializable", err.Error())
	}
	updatedAt := s.now().UTC()

	res, err := uow.ExecContext(ctx, `
		UPDATE entities SET version = version + 1, attributes = ?, updated_at = ?
		WHERE entity_type = ? AND entity_id = ? AND version = ?`,
		string(attrs), database.FormatTime(updatedAt), entityType, entityID, expectedVersion)
	if err != nil {
		return nil, apperr.Storage("update entity", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, apperr.Storage("update entity", err)
	}
	if affected == 0 {
		current, getErr := s.Get(ctx, uow, entityType, entityID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &apperr.ConcurrencyConflictError{
			EntityType: entityType,
			EntityID:   entityID,
			Expected:   expectedVersion,
			Actual:     current.Version,
		}
	}

	return s.Get(ctx, uow, entityType, entityID)
}

// FindByAttribute returns entities of a type whose JSON attribute equals
// value, optionally restricted to one legal entity. key must be a trusted
// identifier from handler configuration.
func (s *Store) FindByAttribute(ctx context.Context, uow *database.UnitOfWork, entityType, key string, value any, legalEntity string) ([]contracts.Entity, error) {
	query := fmt.Sprintf(`SELECT %s FROM entities WHERE entity_type = ? AND %s = ?`,
		entityColumns, uow.JSONField("attributes", key))
	args := []any{entityType, fmt.Sprintf("%v", value)}
	if legalEntity != "" {
		query += ` AND legal_entity = ?`
		args = append(args, legalEntity)
	}
	rows, err := uow.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("find entities by attribute", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, apperr.Storage("scan entity", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ListByType returns entities of one type in creation order, entity_id
// breaking ties between rows created in the same instant.
func (s *Store) ListByType(ctx context.Context, uow *database.UnitOfWork, entityType, legalEntity string, limit, offset int) ([]contracts.Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + entityColumns + ` FROM entities WHERE entity_type = ?`
	args := []any{entityType}
	if legalEntity != "" {
		query += ` AND legal_entity = ?`
		args = append(args, legalEntity)
	}
	query += ` ORDER BY created_at, entity_id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	rows, err := uow.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("list entities", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, apperr.Storage("scan entity", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// CountByType reports how many entities of a type exist.
func (s *Store) CountByType(ctx context.Context, uow *database.UnitOfWork, entityType, legalEntity string) (int64, error) {
	query := `SELECT COUNT(*) FROM entities WHERE entity_type = ?`
	args := []any{entityType}
	if legalEntity != "" {
		query += ` AND legal_entity = ?`
		args = append(args, legalEntity)
	}
	var n int64
	if err := uow.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, apperr.Storage("count entities", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*contracts.Entity, error) {
	var (
		e                    contracts.Entity
		attrs                []byte
		createdAt, updatedAt any
	)
	if err := row.Scan(&e.EntityType, &e.EntityID, &e.Version, &attrs,
		&e.LegalEntity, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
		return nil, fmt.Errorf("attributes: %w", err)
	}
	var err error
	if e.CreatedAt, err = database.ScanTime(createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if e.UpdatedAt, err = database.ScanTime(updatedAt); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	return &e, nil
}
