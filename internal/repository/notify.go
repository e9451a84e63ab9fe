package repository

import (
	"context"
	"fmt"
	"time"

	"alertd/internal/entity"
	"alertd/pkg/storage/postgres"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

const eventTable = "notification_events"

var eventColumns = []string{
	"id", "alert_id", "owner_user_id", "origin", "destination",
	"travel_date", "price", "currency", "triggered_at",
	"channel", "target", "state", "held", "attempts",
	"next_attempt_at", "hold_until", "last_error", "sent_at", "updated_at",
}

type EventRepository struct {
	db *postgres.Postgres
}

func NewEventRepository(db *postgres.Postgres) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) Create(ctx context.Context, events ...entity.NotificationEvent) error {
	const op = "repository.EventRepository.Create"

	if len(events) == 0 {
		return nil
	}

	insert := r.db.Insert(eventTable).Columns(eventColumns...)
	for i := range events {
		insert = insert.Values(eventValues(&events[i])...)
	}
	sql, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("%s: insert query: %w", op, err)
	}

	if _, err = r.db.Exec(ctx, sql, args...); err != nil {
		return conflictOr(op, err)
	}
	return nil
}

func (r *EventRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.NotificationEvent, error) {
	const op = "repository.EventRepository.GetByID"

	ev, err := r.get(ctx, nil, id, false)
	if err != nil {
		return nil, notFound(op, err, entity.ErrEventNotFound)
	}
	return ev, nil
}

func (r *EventRepository) Update(ctx context.Context, id uuid.UUID, fn func(*entity.NotificationEvent) error) (*entity.NotificationEvent, error) {
	const op = "repository.EventRepository.Update"

	var updated *entity.NotificationEvent
	err := r.db.ExecuteInTransaction(ctx, "update_event", func(tx postgres.QueryExecuter) error {
		cur, err := r.get(ctx, tx, id, true)
		if err != nil {
			return notFound("select", err, entity.ErrEventNotFound)
		}
		if err := fn(cur); err != nil {
			return err
		}
		cur.ID = id

		set := make(map[string]any, len(eventColumns))
		values := eventValues(cur)
		for i, col := range eventColumns {
			if col != "id" {
				set[col] = values[i]
			}
		}
		sql, args, err := r.db.Update(eventTable).
			SetMap(set).
			Where(squirrel.Eq{"id": id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("update query: %w", err)
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return err
		}
		updated = cur
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return updated, nil
}

// ClaimDue selects due pending events with SKIP LOCKED and pushes their next
// attempt out by lease, so concurrent schedulers never publish the same row.
func (r *EventRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit uint64) ([]entity.NotificationEvent, error) {
	const op = "repository.EventRepository.ClaimDue"

	if limit == 0 {
		return nil, fmt.Errorf("%s: limit must be > 0", op)
	}

	var claimed []entity.NotificationEvent
	err := r.db.ExecuteInTransaction(ctx, "claim_due", func(tx postgres.QueryExecuter) error {
		sql, args, err := r.db.Select(eventColumns...).
			From(eventTable).
			Where(squirrel.Eq{"state": entity.StatePending}).
			Where(squirrel.LtOrEq{"next_attempt_at": now}).
			OrderBy("next_attempt_at ASC").
			Limit(limit).
			Suffix("FOR UPDATE SKIP LOCKED").
			ToSql()
		if err != nil {
			return fmt.Errorf("select query: %w", err)
		}

		claimed, err = r.scanAll(tx.Query(ctx, sql, args...))
		if err != nil || len(claimed) == 0 {
			return err
		}

		ids := make([]uuid.UUID, len(claimed))
		next := now.Add(lease)
		for i := range claimed {
			ids[i] = claimed[i].ID
			claimed[i].NextAttemptAt = next
		}
		sql, args, err = r.db.Update(eventTable).
			Set("next_attempt_at", next).
			Where(squirrel.Eq{"id": ids}).
			ToSql()
		if err != nil {
			return fmt.Errorf("update query: %w", err)
		}
		_, err = tx.Exec(ctx, sql, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return claimed, nil
}

func (r *EventRepository) ListHeld(ctx context.Context, ownerUserID string) ([]entity.NotificationEvent, error) {
	const op = "repository.EventRepository.ListHeld"

	sql, args, err := r.db.Select(eventColumns...).
		From(eventTable).
		Where(squirrel.Eq{"owner_user_id": ownerUserID, "held": true, "state": entity.StatePending}).
		OrderBy("triggered_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	events, err := r.scanAll(r.db.Query(ctx, sql, args...))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return events, nil
}

func (r *EventRepository) ListByState(ctx context.Context, state entity.DeliveryState, limit uint64) ([]entity.NotificationEvent, error) {
	const op = "repository.EventRepository.ListByState"

	q := r.db.Select(eventColumns...).
		From(eventTable).
		Where(squirrel.Eq{"state": state}).
		OrderBy("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	events, err := r.scanAll(r.db.Query(ctx, sql, args...))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return events, nil
}

func (r *EventRepository) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	const op = "repository.EventRepository.PurgeTerminal"

	sql, args, err := r.db.Delete(eventTable).
		Where(squirrel.Eq{"state": []entity.DeliveryState{entity.StateSent, entity.StateFailed, entity.StateSuppressed}}).
		Where(squirrel.Lt{"updated_at": before}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("%s: delete query: %w", op, err)
	}

	res, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(res.RowsAffected()), nil
}

func (r *EventRepository) get(ctx context.Context, qe postgres.QueryExecuter, id uuid.UUID, forUpdate bool) (*entity.NotificationEvent, error) {
	q := r.db.Select(eventColumns...).
		From(eventTable).
		Where(squirrel.Eq{"id": id})
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("select query: %w", err)
	}
	return scanEvent(exec(r.db, qe).QueryRow(ctx, sql, args...))
}

func (r *EventRepository) scanAll(rows pgxRows, err error) ([]entity.NotificationEvent, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []entity.NotificationEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}

type pgxRows interface {
	rowScanner
	Next() bool
	Err() error
	Close()
}

func scanEvent(row rowScanner) (*entity.NotificationEvent, error) {
	var (
		ev        entity.NotificationEvent
		channel   pgtype.Text
		target    pgtype.Text
		lastError pgtype.Text
	)
	err := row.Scan(
		&ev.ID,
		&ev.AlertID,
		&ev.OwnerUserID,
		&ev.Origin,
		&ev.Destination,
		&ev.TravelDate,
		&ev.Price,
		&ev.Currency,
		&ev.TriggeredAt,
		&channel,
		&target,
		&ev.State,
		&ev.Held,
		&ev.Attempts,
		&ev.NextAttemptAt,
		&ev.HoldUntil,
		&lastError,
		&ev.SentAt,
		&ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if channel.Valid {
		ev.Channel = entity.Channel(channel.String)
	}
	if target.Valid {
		ev.Target = target.String
	}
	if lastError.Valid {
		ev.LastError = lastError.String
	}
	return &ev, nil
}

func eventValues(ev *entity.NotificationEvent) []any {
	return []any{
		ev.ID,
		ev.AlertID,
		ev.OwnerUserID,
		ev.Origin,
		ev.Destination,
		ev.TravelDate,
		ev.Price,
		ev.Currency,
		ev.TriggeredAt,
		nullText(string(ev.Channel)),
		nullText(ev.Target),
		ev.State,
		ev.Held,
		ev.Attempts,
		ev.NextAttemptAt,
		ev.HoldUntil,
		nullText(ev.LastError),
		ev.SentAt,
		ev.UpdatedAt,
	}
}
