package repository

import (
	"context"
	"fmt"
	"time"

	"alertd/internal/entity"
	"alertd/pkg/storage/postgres"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

const alertTable = "alerts"

var alertColumns = []string{
	"id", "owner_user_id", "origin", "destination",
	"max_price", "month_year", "month_month",
	"adults", "children", "infants", "state",
	"last_notified_at", "last_notified_price",
	"claim_event_id", "claim_expires_at",
	"created_at", "updated_at",
}

type AlertRepository struct {
	db *postgres.Postgres
}

func NewAlertRepository(db *postgres.Postgres) *AlertRepository {
	return &AlertRepository{db: db}
}

func (r *AlertRepository) Create(ctx context.Context, alert entity.Alert) (*entity.Alert, error) {
	const op = "repository.AlertRepository.Create"

	sql, args, err := r.db.Insert(alertTable).
		Columns(alertColumns...).
		Values(alertValues(&alert)...).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: insert query: %w", op, err)
	}

	if _, err = r.db.Exec(ctx, sql, args...); err != nil {
		return nil, conflictOr(op, err)
	}
	return &alert, nil
}

func (r *AlertRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Alert, error) {
	const op = "repository.AlertRepository.GetByID"

	a, err := r.get(ctx, nil, id, false)
	if err != nil {
		return nil, notFound(op, err, entity.ErrAlertNotFound)
	}
	return a, nil
}

func (r *AlertRepository) FindActiveByUser(ctx context.Context, ownerUserID string) ([]entity.Alert, error) {
	return r.list(ctx, "repository.AlertRepository.FindActiveByUser", squirrel.Eq{
		"owner_user_id": ownerUserID,
		"state":         entity.AlertActive,
	})
}

func (r *AlertRepository) FindActiveByRoute(ctx context.Context, origin, destination string) ([]entity.Alert, error) {
	return r.list(ctx, "repository.AlertRepository.FindActiveByRoute", squirrel.Eq{
		"origin":      origin,
		"destination": destination,
		"state":       entity.AlertActive,
	})
}

func (r *AlertRepository) DeactivateAll(ctx context.Context, ownerUserID string, now time.Time) (int, error) {
	const op = "repository.AlertRepository.DeactivateAll"

	sql, args, err := r.db.Update(alertTable).
		Set("state", entity.AlertDeactivated).
		Set("claim_event_id", nil).
		Set("claim_expires_at", nil).
		Set("updated_at", now).
		Where(squirrel.Eq{"owner_user_id": ownerUserID}).
		Where(squirrel.NotEq{"state": entity.AlertDeactivated}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("%s: update query: %w", op, err)
	}

	res, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(res.RowsAffected()), nil
}

// Update locks the row, applies fn and writes the result back in the same
// transaction.
func (r *AlertRepository) Update(ctx context.Context, id uuid.UUID, fn func(*entity.Alert) error) (*entity.Alert, error) {
	const op = "repository.AlertRepository.Update"

	var updated *entity.Alert
	err := r.db.ExecuteInTransaction(ctx, "update_alert", func(tx postgres.QueryExecuter) error {
		cur, err := r.get(ctx, tx, id, true)
		if err != nil {
			return notFound("select", err, entity.ErrAlertNotFound)
		}
		if err := fn(cur); err != nil {
			return err
		}
		cur.ID = id

		sql, args, err := r.db.Update(alertTable).
			SetMap(alertSetMap(cur)).
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

func (r *AlertRepository) get(ctx context.Context, qe postgres.QueryExecuter, id uuid.UUID, forUpdate bool) (*entity.Alert, error) {
	q := r.db.Select(alertColumns...).
		From(alertTable).
		Where(squirrel.Eq{"id": id})
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("select query: %w", err)
	}
	return scanAlert(exec(r.db, qe).QueryRow(ctx, sql, args...))
}

func (r *AlertRepository) list(ctx context.Context, op string, where squirrel.Eq) ([]entity.Alert, error) {
	sql, args, err := r.db.Select(alertColumns...).
		From(alertTable).
		Where(where).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var alerts []entity.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan row: %w", op, err)
		}
		alerts = append(alerts, *a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows error: %w", op, err)
	}
	return alerts, nil
}

func scanAlert(row rowScanner) (*entity.Alert, error) {
	var (
		a          entity.Alert
		monthYear  *int32
		monthMonth *int32
	)
	err := row.Scan(
		&a.ID,
		&a.OwnerUserID,
		&a.Origin,
		&a.Destination,
		&a.Criteria.MaxPrice,
		&monthYear,
		&monthMonth,
		&a.Passengers.Adults,
		&a.Passengers.Children,
		&a.Passengers.Infants,
		&a.State,
		&a.LastNotifiedAt,
		&a.LastNotifiedPrice,
		&a.ClaimEventID,
		&a.ClaimExpiresAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if monthYear != nil && monthMonth != nil {
		a.Criteria.Month = &entity.YearMonth{Year: int(*monthYear), Month: time.Month(*monthMonth)}
	}
	return &a, nil
}

func alertValues(a *entity.Alert) []any {
	m := alertSetMap(a)
	values := make([]any, 0, len(alertColumns))
	for _, col := range alertColumns {
		if col == "id" {
			values = append(values, a.ID)
			continue
		}
		values = append(values, m[col])
	}
	return values
}

func alertSetMap(a *entity.Alert) map[string]any {
	var monthYear, monthMonth any
	if a.Criteria.Month != nil {
		monthYear, monthMonth = a.Criteria.Month.Year, int(a.Criteria.Month.Month)
	}
	return map[string]any{
		"owner_user_id":       a.OwnerUserID,
		"origin":              a.Origin,
		"destination":         a.Destination,
		"max_price":           a.Criteria.MaxPrice,
		"month_year":          monthYear,
		"month_month":         monthMonth,
		"adults":              a.Passengers.Adults,
		"children":            a.Passengers.Children,
		"infants":             a.Passengers.Infants,
		"state":               a.State,
		"last_notified_at":    a.LastNotifiedAt,
		"last_notified_price": a.LastNotifiedPrice,
		"claim_event_id":      a.ClaimEventID,
		"claim_expires_at":    a.ClaimExpiresAt,
		"created_at":          a.CreatedAt,
		"updated_at":          a.UpdatedAt,
	}
}
