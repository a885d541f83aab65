// Package subscription tracks durable consumer cursors over the event log.
// A subscriber polls events past its cursor and acknowledges the highest
// sequence it has durably processed; the cursor only ever moves forward.
package subscription

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
	"github.com/Mindburn-Labs/keel/pkg/eventstore"
)

// Subscription is one consumer's registration and cursor position.
type Subscription struct {
	SubscriberID     string             `json:"subscriber_id"`
	EventTypes       []string           `json:"event_types"`
	LastProcessedSeq contracts.Sequence `json:"last_processed_sequence"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Service manages subscriptions. Each operation runs in its own transaction.
type Service struct {
	db     *database.DB
	events *eventstore.Store
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock fixes cursor timestamps for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds a Service reading the log through events.
func New(db *database.DB, events *eventstore.Store, opts ...Option) *Service {
	s := &Service{db: db, events: events, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates the subscription or, if it already exists, updates its
// event-type filter while keeping the cursor. An empty filter receives every
// event type.
func (s *Service) Register(ctx context.Context, subscriberID string, eventTypes []string) (*Subscription, error) {
	if subscriberID == "" {
		return nil, apperr.Validation("subscriber_id", "required", "subscriber_id must not be empty")
	}
	if eventTypes == nil {
		eventTypes = []string{}
	}
	types, err := json.Marshal(eventTypes)
	if err != nil {
		return nil, apperr.Validation("event_types", "not_serializable", err.Error())
	}

	var sub *Subscription
	err = database.InTx(ctx, s.db, func(uow *database.UnitOfWork) error {
		now := database.FormatTime(s.now().UTC())
		if _, err := uow.ExecContext(ctx, `
			INSERT INTO subscriptions (subscriber_id, event_types, last_processed_seq, created_at, updated_at)
			VALUES (?, ?, 0, ?, ?)
			ON CONFLICT (subscriber_id) DO UPDATE SET
				event_types = excluded.event_types,
				updated_at = excluded.updated_at`,
			subscriberID, string(types), now, now); err != nil {
			return apperr.Storage("register subscription", err)
		}
		var err error
		sub, err = s.get(ctx, uow, subscriberID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Get returns one subscription.
func (s *Service) Get(ctx context.Context, subscriberID string) (*Subscription, error) {
	var sub *Subscription
	err := database.InTx(ctx, s.db, func(uow *database.UnitOfWork) error {
		var err error
		sub, err = s.get(ctx, uow, subscriberID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// List returns every subscription ordered by subscriber id.
func (s *Service) List(ctx context.Context) ([]Subscription, error) {
	out := []Subscription{}
	err := database.InTx(ctx, s.db, func(uow *database.UnitOfWork) error {
		rows, err := uow.QueryContext(ctx, `
			SELECT subscriber_id, event_types, last_processed_seq, created_at, updated_at
			FROM subscriptions ORDER BY subscriber_id`)
		if err != nil {
			return apperr.Storage("list subscriptions", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			sub, err := scanSubscription(rows)
			if err != nil {
				return err
			}
			out = append(out, *sub)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Acknowledge advances the cursor to sequence. The cursor is monotonic: a
// sequence at or below the current position is rejected so a crashed consumer
// cannot silently rewind what it already confirmed.
func (s *Service) Acknowledge(ctx context.Context, subscriberID string, sequence contracts.Sequence) (*Subscription, error) {
	var sub *Subscription
	err := database.InTx(ctx, s.db, func(uow *database.UnitOfWork) error {
		current, err := s.get(ctx, uow, subscriberID)
		if err != nil {
			return err
		}
		if sequence <= current.LastProcessedSeq {
			return apperr.Validation("sequence", "cursor_regression",
				fmt.Sprintf("sequence %d does not advance cursor %d",
					int64(sequence), int64(current.LastProcessedSeq)))
		}

		if _, err := uow.ExecContext(ctx, `
			UPDATE subscriptions SET last_processed_seq = ?, updated_at = ?
			WHERE subscriber_id = ?`,
			int64(sequence), database.FormatTime(s.now().UTC()), subscriberID); err != nil {
			return apperr.Storage("acknowledge subscription", err)
		}
		sub, err = s.get(ctx, uow, subscriberID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Poll returns events past the subscriber's cursor without moving it; only
// Acknowledge advances the cursor.
func (s *Service) Poll(ctx context.Context, subscriberID string, limit int) (*eventstore.StreamPage, error) {
	var page *eventstore.StreamPage
	err := database.InTx(ctx, s.db, func(uow *database.UnitOfWork) error {
		sub, err := s.get(ctx, uow, subscriberID)
		if err != nil {
			return err
		}
		page, err = s.events.ReadStream(ctx, uow, eventstore.StreamFilter{
			AfterSequence: sub.LastProcessedSeq,
			Limit:         limit,
			EventTypes:    sub.EventTypes,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (s *Service) get(ctx context.Context, uow *database.UnitOfWork, subscriberID string) (*Subscription, error) {
	row := uow.QueryRowContext(ctx, `
		SELECT subscriber_id, event_types, last_processed_seq, created_at, updated_at
		FROM subscriptions WHERE subscriber_id = ?`, subscriberID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("subscription", subscriberID)
	}
	return sub, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub                  Subscription
		types                []byte
		seq                  int64
		createdAt, updatedAt any
	)
	if err := row.Scan(&sub.SubscriberID, &types, &seq, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, apperr.Storage("scan subscription", err)
	}
	if err := json.Unmarshal(types, &sub.EventTypes); err != nil {
		return nil, apperr.Storage("scan subscription", err)
	}
	sub.LastProcessedSeq = contracts.Sequence(seq)
	var err error
	if sub.CreatedAt, err = database.ScanTime(createdAt); err != nil {
		return nil, apperr.Storage("scan subscription", err)
	}
	if sub.UpdatedAt, err = database.ScanTime(updatedAt); err != nil {
		return nil, apperr.Storage("scan subscription", err)
	}
	return &sub, nil
}
