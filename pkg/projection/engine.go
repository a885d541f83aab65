// Package projection maintains read models derived from the event log.
// Handlers apply events synchronously inside the pipeline's unit of work, so
// a projection is never ahead of or behind the log it derives from. Rebuild
// replays the whole log; a poison event is quarantined to the dead-letter
// table without sinking the events around it.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/database"
	"github.com/Mindburn-Labs/keel/pkg/eventstore"
	"github.com/Mindburn-Labs/keel/pkg/ident"
)

// Handler folds events of its subscribed types into one read model.
// Implementations must be idempotent per event: replays and rebuilds apply
// the same event again.
type Handler interface {
	ProjectionType() string
	EventTypes() []string
	Apply(ctx context.Context, uow *database.UnitOfWork, evt *contracts.Event) error
	Reset(ctx context.Context, uow *database.UnitOfWork) error
}

// TableSpec registers the table behind a projection so the snapshot service
// can capture and restore it without knowing the handler. SearchColumn, when
// set, names the fold-normalized column SearchRows matches against.
type TableSpec struct {
	ProjectionType string `json:"projection_type"`
	TableName      string `json:"table_name"`
	PrimaryKey     string `json:"primary_key"`
	SearchColumn   string `json:"search_column,omitempty"`
}

// DeadLetter is one event a projection handler could not apply.
type DeadLetter struct {
	ID             string             `json:"id"`
	ProjectionType string             `json:"projection_type"`
	EventID        string             `json:"event_id"`
	Sequence       contracts.Sequence `json:"sequence"`
	Error          string             `json:"error"`
	FailedAt       time.Time          `json:"failed_at"`
	RetryCount     int                `json:"retry_count"`
}

// Report summarizes one rebuild run.
type Report struct {
	ProjectionType  string `json:"projection_type"`
	EventsProcessed int    `json:"events_processed"`
	DeadLettered    int    `json:"dead_lettered"`
	Batches         int    `json:"batches"`
}

// RebuildOptions tune a rebuild. Zero values take defaults.
type RebuildOptions struct {
	BatchSize int
}

// DefaultBatchSize is the rebuild read-page size.
const DefaultBatchSize = 500

// Engine routes events to registered handlers. Registration happens at
// startup; Apply and Rebuild are safe for concurrent use afterwards.
type Engine struct {
	mu      sync.RWMutex
	byEvent map[string][]Handler
	byType  map[string][]Handler
	tables  map[string]TableSpec
	events  *eventstore.Store
	log     *slog.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the rebuild progress logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock fixes dead-letter timestamps for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an Engine reading the log through events.
func NewEngine(events *eventstore.Store, opts ...Option) *Engine {
	e := &Engine{
		byEvent: make(map[string][]Handler),
		byType:  make(map[string][]Handler),
		tables:  make(map[string]TableSpec),
		events:  events,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register subscribes a handler to its event types and records the table it
// maintains. Handlers sharing a projection type must agree on the table.
func (e *Engine) Register(h Handler, table TableSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pt := h.ProjectionType()
	if existing, ok := e.tables[pt]; ok && existing != table {
		return fmt.Errorf("projection %s already registered with table %s", pt, existing.TableName)
	}
	e.tables[pt] = table
	e.byType[pt] = append(e.byType[pt], h)
	for _, et := range h.EventTypes() {
		e.byEvent[et] = append(e.byEvent[et], h)
	}
	return nil
}

// Tables lists every registered projection table.
func (e *Engine) Tables() []TableSpec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]TableSpec, 0, len(e.tables))
	for _, spec := range e.tables {
		out = append(out, spec)
	}
	return out
}

// Table resolves one projection's table spec.
func (e *Engine) Table(projectionType string) (TableSpec, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	spec, ok := e.tables[projectionType]
	if !ok {
		return TableSpec{}, apperr.NotFound("projection", projectionType)
	}
	return spec, nil
}

// Apply invokes every handler subscribed to the event's type inside the
// caller's unit of work. Any handler error aborts the caller's transaction:
// projections are all-or-nothing with the event they derive from.
func (e *Engine) Apply(ctx context.Context, uow *database.UnitOfWork, evt *contracts.Event) error {
	e.mu.RLock()
	handlers := e.byEvent[evt.EventType]
	e.mu.RUnlock()

	for _, h := range handlers {
		if err := h.Apply(ctx, uow, evt); err != nil {
			return fmt.Errorf("projection %s apply %s: %w", h.ProjectionType(), evt.EventID, err)
		}
	}
	return nil
}

// Rebuild resets one projection and replays the log into it. Each batch runs
// in its own transaction; within a batch every event applies under a
// savepoint so one poison event rolls back alone and lands in the
// dead-letter table while the replay continues.
func (e *Engine) Rebuild(ctx context.Context, db *database.DB, projectionType string, opts RebuildOptions) (*Report, error) {
	e.mu.RLock()
	handlers := append([]Handler(nil), e.byType[projectionType]...)
	e.mu.RUnlock()
	if len(handlers) == 0 {
		return nil, apperr.NotFound("projection", projectionType)
	}

	subscribed := make(map[string]bool)
	for _, h := range handlers {
		for _, et := range h.EventTypes() {
			subscribed[et] = true
		}
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	// Events already dead-lettered; a clean replay clears their entry.
	stale, err := e.deadLetterIDs(ctx, db, projectionType)
	if err != nil {
		return nil, err
	}

	report := &Report{ProjectionType: projectionType}
	cursor := contracts.Sequence(0)
	first := true

	for {
		var page *eventstore.StreamPage
		err := database.InTx(ctx, db, func(uow *database.UnitOfWork) error {
			if first {
				for _, h := range handlers {
					if err := h.Reset(ctx, uow); err != nil {
						return fmt.Errorf("reset %s: %w", h.ProjectionType(), err)
					}
				}
			}

			var err error
			page, err = e.events.ReadStream(ctx, uow, eventstore.StreamFilter{
				AfterSequence: cursor,
				Limit:         batchSize,
			})
			if err != nil {
				return err
			}

			for i := range page.Events {
				evt := &page.Events[i]
				report.EventsProcessed++
				if !subscribed[evt.EventType] {
					continue
				}
				deadLettered, err := e.replayOne(ctx, uow, handlers, projectionType, evt)
				if err != nil {
					return err
				}
				if deadLettered {
					report.DeadLettered++
				} else if stale[evt.EventID] {
					if _, err := uow.ExecContext(ctx, `
						DELETE FROM projection_dead_letters
						WHERE projection_type = ? AND event_id = ?`,
						projectionType, evt.EventID); err != nil {
						return apperr.Storage("clear dead letter", err)
					}
					delete(stale, evt.EventID)
				}
			}
			return nil
		})
		if err != nil {
			return report, err
		}

		first = false
		report.Batches++
		cursor = page.NextSequence
		if !page.HasMore {
			break
		}
	}

	e.log.Info("projection rebuilt",
		"projection", projectionType,
		"events_processed", report.EventsProcessed,
		"dead_lettered", report.DeadLettered,
		"batches", report.Batches)
	return report, nil
}

// replayOne applies one event under a savepoint. A handler failure rolls the
// savepoint back and records a dead letter in the surrounding transaction.
func (e *Engine) replayOne(ctx context.Context, uow *database.UnitOfWork, handlers []Handler, projectionType string, evt *contracts.Event) (bool, error) {
	sp := fmt.Sprintf("replay_%d", int64(evt.Sequence))
	if err := uow.Savepoint(ctx, sp); err != nil {
		return false, err
	}

	var applyErr error
	for _, h := range handlers {
		if !subscribes(h, evt.EventType) {
			continue
		}
		if applyErr = h.Apply(ctx, uow, evt); applyErr != nil {
			break
		}
	}

	if applyErr != nil {
		if err := uow.RollbackTo(ctx, sp); err != nil {
			return false, err
		}
		if err := e.deadLetter(ctx, uow, projectionType, evt, applyErr); err != nil {
			return false, err
		}
		e.log.Warn("projection event dead-lettered",
			"projection", projectionType,
			"event_id", evt.EventID,
			"sequence", evt.Sequence.String(),
			"error", applyErr)
	}
	if err := uow.Release(ctx, sp); err != nil {
		return false, err
	}
	return applyErr != nil, nil
}

func subscribes(h Handler, eventType string) bool {
	for _, et := range h.EventTypes() {
		if et == eventType {
			return true
		}
	}
	return false
}

func (e *Engine) deadLetter(ctx context.Context, uow *database.UnitOfWork, projectionType string, evt *contracts.Event, cause error) error {
	_, err := uow.ExecContext(ctx, `
		INSERT INTO projection_dead_letters (id, projection_type, event_id, sequence, error, failed_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (projection_type, event_id) DO UPDATE SET
			error = excluded.error,
			failed_at = excluded.failed_at,
			retry_count = projection_dead_letters.retry_count + 1`,
		ident.NewDeadLetterID(), projectionType, evt.EventID, int64(evt.Sequence),
		cause.Error(), database.FormatTime(e.now()))
	if err != nil {
		return apperr.Storage("record dead letter", err)
	}
	return nil
}

// DeadLetters lists the dead letters of one projection, oldest failure first.
func (e *Engine) DeadLetters(ctx context.Context, uow *database.UnitOfWork, projectionType string) ([]DeadLetter, error) {
	rows, err := uow.QueryContext(ctx, `
		SELECT id, projection_type, event_id, sequence, error, failed_at, retry_count
		FROM projection_dead_letters
		WHERE projection_type = ?
		ORDER BY sequence ASC`, projectionType)
	if err != nil {
		return nil, apperr.Storage("list dead letters", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl       DeadLetter
			seq      int64
			failedAt any
		)
		if err := rows.Scan(&dl.ID, &dl.ProjectionType, &dl.EventID, &seq, &dl.Error, &failedAt, &dl.RetryCount); err != nil {
			return nil, apperr.Storage("scan dead letter", err)
		}
		dl.Sequence = contracts.Sequence(seq)
		if dl.FailedAt, err = database.ScanTime(failedAt); err != nil {
			return nil, apperr.Storage("scan dead letter", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (e *Engine) deadLetterIDs(ctx context.Context, db *database.DB, projectionType string) (map[string]bool, error) {
	ids := map[string]bool{}
	err := database.InTx(ctx, db, func(uow *database.UnitOfWork) error {
		rows, err := uow.QueryContext(ctx,
			`SELECT event_id FROM projection_dead_letters WHERE projection_type = ?`,
			projectionType)
		if err != nil {
			return apperr.Storage("list dead letters", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return apperr.Storage("scan dead letter", err)
			}
			ids[id] = true
		}
		return rows.Err()
	})
	return ids, err
}

// ListRows reads a projection table generically, ordered by its primary key.
// Column names come from the registered TableSpec, never from request input.
func ListRows(ctx context.Context, uow *database.UnitOfWork, spec TableSpec, limit, offset int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT * FROM %s ORDER BY %s LIMIT ? OFFSET ?`,
		spec.TableName, spec.PrimaryKey)
	rows, err := uow.QueryxContext(ctx, query, limit, offset)
	if err != nil {
		return nil, apperr.Storage("list projection rows", err)
	}
	defer func() { _ = rows.Close() }()

	return collectRows(rows)
}

// SearchRows reads rows whose search column contains the folded form of q.
// Tables registered without a search column reject the query.
func SearchRows(ctx context.Context, uow *database.UnitOfWork, spec TableSpec, q string, limit, offset int) ([]map[string]any, error) {
	if spec.SearchColumn == "" {
		return nil, apperr.Validation("q", "search_unsupported",
			fmt.Sprintf("projection %s has no search column", spec.ProjectionType))
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s LIKE ? ESCAPE '\' ORDER BY %s LIMIT ? OFFSET ?`,
		spec.TableName, spec.SearchColumn, spec.PrimaryKey)
	rows, err := uow.QueryxContext(ctx, query, "%"+likeEscape(SearchKey(q))+"%", limit, offset)
	if err != nil {
		return nil, apperr.Storage("search projection rows", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRows(rows)
}

func collectRows(rows *sqlx.Rows) ([]map[string]any, error) {
	out := []map[string]any{}
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, apperr.Storage("scan projection row", err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// likeEscape neutralizes LIKE metacharacters in user input.
func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
