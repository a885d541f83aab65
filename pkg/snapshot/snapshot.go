// Package snapshot captures projection tables as point-in-time dumps and
// restores them. Each snapshot records the event sequence high-water mark at
// creation, so a restored table can be caught up by replaying the log from
// that sequence onward.
package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/blob"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/database"
	"github.com/Mindburn-Labs/keel/pkg/eventstore"
	"github.com/Mindburn-Labs/keel/pkg/ident"
	"github.com/Mindburn-Labs/keel/pkg/projection"
)

// Snapshot describes one stored table dump. Listings omit the blob itself.
type Snapshot struct {
	SnapshotID     string             `json:"snapshot_id"`
	ProjectionType string             `json:"projection_type"`
	Sequence       contracts.Sequence `json:"sequence"`
	IsStale        bool               `json:"is_stale"`
	RowCount       int                `json:"row_count"`
	ArchiveRef     string             `json:"archive_ref,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// TableDump is the stored blob: column order plus row tuples in primary-key
// order.
type TableDump struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Service creates, lists and restores projection snapshots. Create and
// Restore each run in their own transaction.
type Service struct {
	db      *database.DB
	engine  *projection.Engine
	events  *eventstore.Store
	archive blob.Store
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithArchive additionally writes each snapshot blob to a content-addressed
// store and records the returned ref on the snapshot row.
func WithArchive(store blob.Store) Option {
	return func(s *Service) { s.archive = store }
}

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithClock fixes snapshot timestamps for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds a Service over the registered projections.
func New(db *database.DB, engine *projection.Engine, events *eventstore.Store, opts ...Option) *Service {
	s := &Service{
		db:     db,
		engine: engine,
		events: events,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create captures the projection's live table and the current sequence
// high-water mark in one transaction. Prior snapshots of the same projection
// are marked stale.
func (s *Service) Create(ctx context.Context, projectionType string) (*Snapshot, error) {
	spec, err := s.engine.Table(projectionType)
	if err != nil {
		return nil, err
	}

	var snap *Snapshot
	err = database.InTx(ctx, s.db, func(uow *database.UnitOfWork) error {
		dump, err := dumpTable(ctx, uow, spec)
		if err != nil {
			return err
		}
		seq, err := s.events.MaxSequence(ctx, uow)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(dump)
		if err != nil {
			return apperr.Storage("encode snapshot", err)
		}

		archiveRef := sql.NullString{}
		if s.archive != nil {
			ref, err := s.archive.Put(ctx, payload)
			if err != nil {
				return apperr.Storage("archive snapshot", err)
			}
			archiveRef = sql.NullString{String: ref, Valid: true}
		}

		if _, err := uow.ExecContext(ctx,
			`UPDATE projection_snapshots SET is_stale = ? WHERE projection_type = ? AND is_stale = ?`,
			true, projectionType, false); err != nil {
			return apperr.Storage("mark prior snapshots stale", err)
		}

		id := ident.NewSnapshotID()
		createdAt := s.now().UTC()
		if _, err := uow.ExecContext(ctx, `
			INSERT INTO projection_snapshots
				(snapshot_id, projection_type, sequence, is_stale, row_count, blob, archive_ref, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, projectionType, int64(seq), false, len(dump.Rows),
			string(payload), archiveRef, database.FormatTime(createdAt)); err != nil {
			return apperr.Storage("insert snapshot", err)
		}

		snap = &Snapshot{
			SnapshotID:     id,
			ProjectionType: projectionType,
			Sequence:       seq,
			RowCount:       len(dump.Rows),
			ArchiveRef:     archiveRef.String,
			CreatedAt:      createdAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("snapshot created",
		"snapshot_id", snap.SnapshotID,
		"projection", projectionType,
		"rows", snap.RowCount,
		"sequence", snap.Sequence.String())
	return snap, nil
}

// Restore clears the projection's live table and re-inserts the snapshot's
// rows, returning how many were written. The caller is expected to rebuild or
// replay from snap.Sequence afterwards if the log has moved on.
func (s *Service) Restore(ctx context.Context, snapshotID string) (int, error) {
	var (
		restored       int
		projectionType string
	)
	err := database.InTx(ctx, s.db, func(uow *database.UnitOfWork) error {
		var raw []byte
		err := uow.QueryRowContext(ctx,
			`SELECT projection_type, blob FROM projection_snapshots WHERE snapshot_id = ?`,
			snapshotID).Scan(&projectionType, &raw)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("snapshot", snapshotID)
		}
		if err != nil {
			return apperr.Storage("load snapshot", err)
		}

		spec, err := s.engine.Table(projectionType)
		if err != nil {
			return err
		}

		// UseNumber keeps integer literals intact through the JSON round
		// trip; both drivers coerce the textual form to column affinity.
		var dump TableDump
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&dump); err != nil {
			return apperr.Storage("decode snapshot", err)
		}

		live, err := tableColumns(ctx, uow, spec.TableName)
		if err != nil {
			return err
		}
		for _, col := range dump.Columns {
			if !live[col] {
				return apperr.Storage("restore snapshot",
					fmt.Errorf("column %q not in table %s", col, spec.TableName))
			}
		}

		if _, err := uow.ExecContext(ctx, `DELETE FROM `+spec.TableName); err != nil {
			return apperr.Storage("clear projection table", err)
		}
		if len(dump.Rows) == 0 {
			return nil
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(dump.Columns)), ", ")
		insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
			spec.TableName, strings.Join(dump.Columns, ", "), placeholders)
		for _, row := range dump.Rows {
			if len(row) != len(dump.Columns) {
				return apperr.Storage("restore snapshot",
					fmt.Errorf("row arity %d does not match %d columns", len(row), len(dump.Columns)))
			}
			if _, err := uow.ExecContext(ctx, insert, row...); err != nil {
				return apperr.Storage("restore snapshot row", err)
			}
		}
		restored = len(dump.Rows)
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Info("snapshot restored",
		"snapshot_id", snapshotID,
		"projection", projectionType,
		"rows", restored)
	return restored, nil
}

// List returns snapshots newest first, optionally for one projection.
func (s *Service) List(ctx context.Context, projectionType string) ([]Snapshot, error) {
	out := []Snapshot{}
	err := database.InTx(ctx, s.db, func(uow *database.UnitOfWork) error {
		query := `
			SELECT snapshot_id, projection_type, sequence, is_stale, row_count, archive_ref, created_at
			FROM projection_snapshots`
		args := []any{}
		if projectionType != "" {
			query += ` WHERE projection_type = ?`
			args = append(args, projectionType)
		}
		query += ` ORDER BY created_at DESC, snapshot_id`

		rows, err := uow.QueryContext(ctx, query, args...)
		if err != nil {
			return apperr.Storage("list snapshots", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				snap       Snapshot
				seq        int64
				archiveRef sql.NullString
				createdAt  any
			)
			if err := rows.Scan(&snap.SnapshotID, &snap.ProjectionType, &seq,
				&snap.IsStale, &snap.RowCount, &archiveRef, &createdAt); err != nil {
				return apperr.Storage("scan snapshot", err)
			}
			snap.Sequence = contracts.Sequence(seq)
			snap.ArchiveRef = archiveRef.String
			if snap.CreatedAt, err = database.ScanTime(createdAt); err != nil {
				return apperr.Storage("scan snapshot", err)
			}
			out = append(out, snap)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// dumpTable reads the full live table in primary-key order. Identifiers come
// from the registered TableSpec, never from request input.
func dumpTable(ctx context.Context, uow *database.UnitOfWork, spec projection.TableSpec) (*TableDump, error) {
	rows, err := uow.QueryxContext(ctx, fmt.Sprintf(
		`SELECT * FROM %s ORDER BY %s`, spec.TableName, spec.PrimaryKey))
	if err != nil {
		return nil, apperr.Storage("read projection table", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, apperr.Storage("read projection table", err)
	}

	dump := &TableDump{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, apperr.Storage("scan projection row", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		dump.Rows = append(dump.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("read projection table", err)
	}
	return dump, nil
}

func tableColumns(ctx context.Context, uow *database.UnitOfWork, table string) (map[string]bool, error) {
	rows, err := uow.QueryxContext(ctx, `SELECT * FROM `+table+` LIMIT 0`)
	if err != nil {
		return nil, apperr.Storage("describe projection table", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, apperr.Storage("describe projection table", err)
	}
	out := make(map[string]bool, len(cols))
	for _, c := range cols {
		out[c] = true
	}
	return out, nil
}
