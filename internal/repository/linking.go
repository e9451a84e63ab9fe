package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alertd/internal/entity"
	"alertd/pkg/storage/postgres"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const (
	codeTable     = "linking_codes"
	identityTable = "channel_identities"
)

var (
	codeColumns     = []string{"code", "owner_user_id", "created_at", "expires_at", "consumed_at", "consumed_by"}
	identityColumns = []string{"channel", "channel_user_id", "linked_owner_user_id", "linked_at"}
)

type LinkRepository struct {
	db *postgres.Postgres
}

func NewLinkRepository(db *postgres.Postgres) *LinkRepository {
	return &LinkRepository{db: db}
}

// ReplaceCode drops the owner's unconsumed codes and stores code. A live
// code with the same value is a collision.
func (r *LinkRepository) ReplaceCode(ctx context.Context, code entity.LinkingCode, now time.Time) error {
	const op = "repository.LinkRepository.ReplaceCode"

	err := r.db.ExecuteInTransaction(ctx, "replace_code", func(tx postgres.QueryExecuter) error {
		existing, err := r.getCode(ctx, tx, code.Code)
		switch {
		case err == nil && existing.IsLive(now):
			return entity.ErrConflictingData
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		sql, args, err := r.db.Delete(codeTable).
			Where(squirrel.Or{
				squirrel.And{
					squirrel.Eq{"owner_user_id": code.OwnerUserID},
					squirrel.Eq{"consumed_at": nil},
				},
				squirrel.Eq{"code": code.Code},
			}).
			ToSql()
		if err != nil {
			return fmt.Errorf("delete query: %w", err)
		}
		if _, err = tx.Exec(ctx, sql, args...); err != nil {
			return err
		}

		sql, args, err = r.db.Insert(codeTable).
			Columns(codeColumns...).
			Values(code.Code, code.OwnerUserID, code.CreatedAt, code.ExpiresAt, code.ConsumedAt, nullText(code.ConsumedBy)).
			ToSql()
		if err != nil {
			return fmt.Errorf("insert query: %w", err)
		}
		_, err = tx.Exec(ctx, sql, args...)
		return err
	})
	if err != nil {
		return conflictOr(op, err)
	}
	return nil
}

// ConsumeCode locks the code and the channel identity, then marks the code
// used and binds the identity in one transaction.
func (r *LinkRepository) ConsumeCode(ctx context.Context, code string, channel entity.Channel, channelUserID string, now time.Time) (string, error) {
	const op = "repository.LinkRepository.ConsumeCode"

	var owner string
	err := r.db.ExecuteInTransaction(ctx, "consume_code", func(tx postgres.QueryExecuter) error {
		c, err := r.getCode(ctx, tx, code)
		if err != nil {
			return notFound("select code", err, entity.ErrCodeNotFound)
		}
		if err := c.Consume(channelUserID, now); err != nil {
			return err
		}

		// make sure a row exists so concurrent binds serialize on its lock
		sql, args, err := r.db.Insert(identityTable).
			Columns("channel", "channel_user_id").
			Values(channel, channelUserID).
			Suffix("ON CONFLICT (channel, channel_user_id) DO NOTHING").
			ToSql()
		if err != nil {
			return fmt.Errorf("insert identity query: %w", err)
		}
		if _, err = tx.Exec(ctx, sql, args...); err != nil {
			return err
		}

		identity, err := r.getIdentity(ctx, tx, channel, channelUserID, true)
		if err != nil {
			return err
		}
		if err := identity.Bind(c.OwnerUserID, now); err != nil {
			return err
		}

		if err := r.saveIdentity(ctx, tx, identity); err != nil {
			return err
		}

		sql, args, err = r.db.Update(codeTable).
			Set("consumed_at", c.ConsumedAt).
			Set("consumed_by", c.ConsumedBy).
			Where(squirrel.Eq{"code": code}).
			ToSql()
		if err != nil {
			return fmt.Errorf("update code query: %w", err)
		}
		if _, err = tx.Exec(ctx, sql, args...); err != nil {
			return err
		}
		owner = c.OwnerUserID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return owner, nil
}

func (r *LinkRepository) GetIdentity(ctx context.Context, channel entity.Channel, channelUserID string) (*entity.ChannelIdentity, error) {
	const op = "repository.LinkRepository.GetIdentity"

	identity, err := r.getIdentity(ctx, nil, channel, channelUserID, false)
	if err != nil {
		return nil, notFound(op, err, entity.ErrDataNotFound)
	}
	return identity, nil
}

func (r *LinkRepository) FindIdentityByOwner(ctx context.Context, ownerUserID string, channel entity.Channel) (*entity.ChannelIdentity, error) {
	const op = "repository.LinkRepository.FindIdentityByOwner"

	sql, args, err := r.db.Select(identityColumns...).
		From(identityTable).
		Where(squirrel.Eq{"linked_owner_user_id": ownerUserID, "channel": channel}).
		OrderBy("linked_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	identity, err := scanIdentity(r.db.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, notFound(op, err, entity.ErrChannelNotLinked)
	}
	return identity, nil
}

func (r *LinkRepository) Unlink(ctx context.Context, channel entity.Channel, channelUserID string) (string, error) {
	const op = "repository.LinkRepository.Unlink"

	var owner string
	err := r.db.ExecuteInTransaction(ctx, "unlink", func(tx postgres.QueryExecuter) error {
		identity, err := r.getIdentity(ctx, tx, channel, channelUserID, true)
		if err != nil {
			return notFound("select identity", err, entity.ErrChannelNotLinked)
		}
		if !identity.IsLinked() {
			return entity.ErrChannelNotLinked
		}
		owner = *identity.LinkedOwnerUserID
		identity.Unbind()
		return r.saveIdentity(ctx, tx, identity)
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return owner, nil
}

func (r *LinkRepository) PurgeExpiredCodes(ctx context.Context, before time.Time) (int, error) {
	const op = "repository.LinkRepository.PurgeExpiredCodes"

	sql, args, err := r.db.Delete(codeTable).
		Where(squirrel.Lt{"expires_at": before}).
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

func (r *LinkRepository) getCode(ctx context.Context, qe postgres.QueryExecuter, code string) (*entity.LinkingCode, error) {
	sql, args, err := r.db.Select(codeColumns...).
		From(codeTable).
		Where(squirrel.Eq{"code": code}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("select code query: %w", err)
	}

	var (
		c          entity.LinkingCode
		consumedBy pgtype.Text
	)
	err = exec(r.db, qe).QueryRow(ctx, sql, args...).Scan(
		&c.Code,
		&c.OwnerUserID,
		&c.CreatedAt,
		&c.ExpiresAt,
		&c.ConsumedAt,
		&consumedBy,
	)
	if err != nil {
		return nil, err
	}
	if consumedBy.Valid {
		c.ConsumedBy = consumedBy.String
	}
	return &c, nil
}

func (r *LinkRepository) getIdentity(
	ctx context.Context,
	qe postgres.QueryExecuter,
	channel entity.Channel,
	channelUserID string,
	forUpdate bool,
) (*entity.ChannelIdentity, error) {
	q := r.db.Select(identityColumns...).
		From(identityTable).
		Where(squirrel.Eq{"channel": channel, "channel_user_id": channelUserID})
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("select identity query: %w", err)
	}
	return scanIdentity(exec(r.db, qe).QueryRow(ctx, sql, args...))
}

func (r *LinkRepository) saveIdentity(ctx context.Context, tx postgres.QueryExecuter, identity *entity.ChannelIdentity) error {
	sql, args, err := r.db.Update(identityTable).
		Set("linked_owner_user_id", identity.LinkedOwnerUserID).
		Set("linked_at", identity.LinkedAt).
		Where(squirrel.Eq{"channel": identity.Channel, "channel_user_id": identity.ChannelUserID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("update identity query: %w", err)
	}
	_, err = tx.Exec(ctx, sql, args...)
	return err
}

func scanIdentity(row rowScanner) (*entity.ChannelIdentity, error) {
	var identity entity.ChannelIdentity
	if err := row.Scan(
		&identity.Channel,
		&identity.ChannelUserID,
		&identity.LinkedOwnerUserID,
		&identity.LinkedAt,
	); err != nil {
		return nil, err
	}
	return &identity, nil
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
