package intent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/database"
)

// intentStore persists intents routed for approval. Straight-through
// traffic never lands here.
type intentStore struct {
	now func() time.Time
}

const intentColumns = `intent_id, intent_type, status, actor, tenant_id, legal_entity,
	payload, required_approver_role, idempotency_key, created_at, updated_at,
	decided_by, decided_at`

func (s *intentStore) create(ctx context.Context, uow *database.UnitOfWork, si *contracts.StoredIntent) error {
	actor, err := json.Marshal(si.Actor)
	if err != nil {
		return apperr.Validation("actor", "not_serializable", err.Error())
	}
	payload, err := json.Marshal(si.Data)
	if err != nil {
		return apperr.Validation("data", "not_serializable", err.Error())
	}

	now := s.now().UTC()
	si.CreatedAt = now
	si.UpdatedAt = now

	_, err = uow.ExecContext(ctx, `
		INSERT INTO intents
			(intent_id, intent_type, status, actor, tenant_id, legal_entity,
			 payload, required_approver_role, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		si.IntentID, si.IntentType, si.Status, string(actor),
		si.Scope.TenantID, si.Scope.LegalEntity, string(payload),
		nullIfEmpty(si.RequiredApproverRole), nullIfEmpty(si.IdempotencyKey),
		database.FormatTime(now), database.FormatTime(now))
	if err != nil {
		return apperr.Storage("store intent", err)
	}
	return nil
}

func (s *intentStore) get(ctx context.Context, uow *database.UnitOfWork, intentID string) (*contracts.StoredIntent, error) {
	row := uow.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM intents WHERE intent_id = ?`, intentID)
	si, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("intent", intentID)
	}
	if err != nil {
		return nil, apperr.Storage("get intent", err)
	}
	return si, nil
}

// getPendingByKey finds an undecided intent stored under an idempotency key,
// so resubmitting a routed intent returns the pending record instead of
// queueing it twice.
func (s *intentStore) getPendingByKey(ctx context.Context, uow *database.UnitOfWork, key string) (*contracts.StoredIntent, error) {
	row := uow.QueryRowContext(ctx, `
		SELECT `+intentColumns+` FROM intents
		WHERE idempotency_key = ? AND status = ?`,
		key, contracts.IntentPendingApproval)
	si, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("intent", key)
	}
	if err != nil {
		return nil, apperr.Storage("get intent by key", err)
	}
	return si, nil
}

func (s *intentStore) markDecided(ctx context.Context, uow *database.UnitOfWork, intentID string, decidedBy contracts.Actor, status string) error {
	actor, err := json.Marshal(decidedBy)
	if err != nil {
		return apperr.Validation("actor", "not_serializable", err.Error())
	}
	now := database.FormatTime(s.now().UTC())
	res, err := uow.ExecContext(ctx, `
		UPDATE intents SET status = ?, decided_by = ?, decided_at = ?, updated_at = ?
		WHERE intent_id = ?`,
		status, string(actor), now, now, intentID)
	if err != nil {
		return apperr.Storage("decide intent", err)
	}
	return requireRow(res, intentID)
}

func (s *intentStore) markStatus(ctx context.Context, uow *database.UnitOfWork, intentID, status string) error {
	res, err := uow.ExecContext(ctx, `
		UPDATE intents SET status = ?, updated_at = ? WHERE intent_id = ?`,
		status, database.FormatTime(s.now().UTC()), intentID)
	if err != nil {
		return apperr.Storage("update intent status", err)
	}
	return requireRow(res, intentID)
}

// listByStatus returns stored intents in arrival order, oldest first.
func (s *intentStore) listByStatus(ctx context.Context, uow *database.UnitOfWork, status string, limit int) ([]contracts.StoredIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := uow.QueryContext(ctx, `
		SELECT `+intentColumns+` FROM intents
		WHERE status = ? ORDER BY created_at, intent_id LIMIT ?`,
		status, limit)
	if err != nil {
		return nil, apperr.Storage("list intents", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.StoredIntent
	for rows.Next() {
		si, err := scanIntent(rows)
		if err != nil {
			return nil, apperr.Storage("scan intent", err)
		}
		out = append(out, *si)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, intentID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Storage("update intent", err)
	}
	if affected == 0 {
		return apperr.NotFound("intent", intentID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*contracts.StoredIntent, error) {
	var (
		si                   contracts.StoredIntent
		actor, payload       []byte
		approverRole, key    sql.NullString
		createdAt, updatedAt any
		decidedBy            []byte
		decidedAt            any
	)
	if err := row.Scan(&si.IntentID, &si.IntentType, &si.Status, &actor,
		&si.Scope.TenantID, &si.Scope.LegalEntity, &payload,
		&approverRole, &key, &createdAt, &updatedAt, &decidedBy, &decidedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(actor, &si.Actor); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &si.Data); err != nil {
		return nil, err
	}
	si.RequiredApproverRole = approverRole.String
	si.IdempotencyKey = key.String

	var err error
	if si.CreatedAt, err = database.ScanTime(createdAt); err != nil {
		return nil, err
	}
	if si.UpdatedAt, err = database.ScanTime(updatedAt); err != nil {
		return nil, err
	}
	if len(decidedBy) > 0 {
		var by contracts.Actor
		if err := json.Unmarshal(decidedBy, &by); err != nil {
			return nil, err
		}
		si.DecidedBy = &by
	}
	if decidedAt != nil {
		at, err := database.ScanTime(decidedAt)
		if err != nil {
			return nil, err
		}
		si.DecidedAt = &at
	}
	return &si, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
