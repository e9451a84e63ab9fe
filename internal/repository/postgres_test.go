package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"alertd/internal/entity"
	"alertd/internal/repository/migrations"
	"alertd/pkg/storage/postgres"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// openTestDB connects to ALERTD_TEST_POSTGRES_DSN and migrates it up. The
// tests use random owners and ids so they can share one database.
func openTestDB(t *testing.T) *postgres.Postgres {
	t.Helper()

	dsn := os.Getenv("ALERTD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ALERTD_TEST_POSTGRES_DSN not set")
	}
	require.NoError(t, migrations.Run(dsn, migrations.Up))

	db, err := postgres.New(context.Background(), dsn, zaptest.NewLogger(t), postgres.MaxConnAttempts(1))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

var pgNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newOwner() string { return "pg-" + uuid.NewString() }

func pgAlert(owner string) entity.Alert {
	maxPrice := 300.0
	return entity.Alert{
		ID:          uuid.New(),
		OwnerUserID: owner,
		Origin:      "SDQ",
		Destination: "BOG",
		Criteria:    entity.Criteria{MaxPrice: &maxPrice, Month: &entity.YearMonth{Year: 2026, Month: time.April}},
		Passengers:  entity.Passengers{Adults: 2, Infants: 1},
		State:       entity.AlertActive,
		CreatedAt:   pgNow,
		UpdatedAt:   pgNow,
	}
}

func TestAlertRepository_Postgres(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewAlertRepository(db)
	owner := newOwner()

	a := pgAlert(owner)
	_, err := repo.Create(ctx, a)
	require.NoError(t, err)
	_, err = repo.Create(ctx, a)
	require.ErrorIs(t, err, entity.ErrConflictingData)

	got, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, owner, got.OwnerUserID)
	require.NotNil(t, got.Criteria.Month)
	assert.Equal(t, time.April, got.Criteria.Month.Month)
	assert.Equal(t, 1, got.Passengers.Infants)

	eventID := uuid.New()
	_, err = repo.Update(ctx, a.ID, func(cur *entity.Alert) error {
		cur.Claim(eventID, pgNow.Add(time.Minute))
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = repo.Update(ctx, a.ID, func(cur *entity.Alert) error {
		assert.True(t, cur.HoldsClaim(eventID))
		cur.ReleaseClaim()
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err = repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.HoldsClaim(eventID))

	n, err := repo.DeactivateAll(ctx, owner, pgNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := repo.FindActiveByUser(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = repo.GetByID(ctx, uuid.New())
	require.ErrorIs(t, err, entity.ErrAlertNotFound)
}

func TestLinkRepository_Postgres(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewLinkRepository(db)
	owner := newOwner()
	channelUser := "tg-" + uuid.NewString()
	code := entity.LinkingCode{
		Code:        uuid.NewString()[:6],
		OwnerUserID: owner,
		CreatedAt:   pgNow,
		ExpiresAt:   pgNow.Add(15 * time.Minute),
	}

	require.NoError(t, repo.ReplaceCode(ctx, code, pgNow))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.ConsumeCode(ctx, code.Code, entity.Telegram, channelUser, pgNow); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	_, err := repo.ConsumeCode(ctx, code.Code, entity.Telegram, channelUser, pgNow)
	require.ErrorIs(t, err, entity.ErrCodeAlreadyConsumed)

	identity, err := repo.FindIdentityByOwner(ctx, owner, entity.Telegram)
	require.NoError(t, err)
	assert.Equal(t, channelUser, identity.ChannelUserID)

	unlinked, err := repo.Unlink(ctx, entity.Telegram, channelUser)
	require.NoError(t, err)
	assert.Equal(t, owner, unlinked)

	_, err = repo.FindIdentityByOwner(ctx, owner, entity.Telegram)
	require.ErrorIs(t, err, entity.ErrChannelNotLinked)

	_, err = repo.PurgeExpiredCodes(ctx, pgNow.Add(time.Hour))
	require.NoError(t, err)
	_, err = repo.ConsumeCode(ctx, code.Code, entity.Telegram, channelUser, pgNow)
	require.ErrorIs(t, err, entity.ErrCodeNotFound)
}

func TestEventRepository_Postgres(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	alerts := NewAlertRepository(db)
	repo := NewEventRepository(db)
	owner := newOwner()

	a := pgAlert(owner)
	_, err := alerts.Create(ctx, a)
	require.NoError(t, err)

	ev := entity.NotificationEvent{
		ID:            uuid.New(),
		AlertID:       a.ID,
		OwnerUserID:   owner,
		Origin:        "SDQ",
		Destination:   "BOG",
		TravelDate:    time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC),
		Price:         280,
		Currency:      "USD",
		TriggeredAt:   pgNow,
		State:         entity.StatePending,
		NextAttemptAt: pgNow.Add(-time.Minute),
		HoldUntil:     pgNow.Add(24 * time.Hour),
		UpdatedAt:     pgNow,
	}
	require.NoError(t, repo.Create(ctx, ev))

	claimed, err := repo.ClaimDue(ctx, pgNow, 30*time.Second, 1000)
	require.NoError(t, err)
	var found bool
	for _, c := range claimed {
		found = found || c.ID == ev.ID
	}
	assert.True(t, found)

	_, err = repo.Update(ctx, ev.ID, func(cur *entity.NotificationEvent) error {
		cur.Held = true
		cur.LastError = "channel not linked"
		return nil
	})
	require.NoError(t, err)

	held, err := repo.ListHeld(ctx, owner)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "channel not linked", held[0].LastError)

	sentAt := pgNow
	_, err = repo.Update(ctx, ev.ID, func(cur *entity.NotificationEvent) error {
		cur.State = entity.StateSent
		cur.Channel = entity.Telegram
		cur.Target = "tg-1"
		cur.SentAt = &sentAt
		return nil
	})
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StateSent, got.State)
	assert.Equal(t, entity.Telegram, got.Channel)
	require.NotNil(t, got.SentAt)

	n, err := repo.PurgeTerminal(ctx, pgNow.Add(time.Second))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	_, err = repo.GetByID(ctx, ev.ID)
	require.ErrorIs(t, err, entity.ErrEventNotFound)
}
