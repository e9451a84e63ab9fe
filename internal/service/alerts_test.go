package service

import (
	"context"
	"testing"
	"time"

	"alertd/internal/entity"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertStore_UpsertValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	valid := func() entity.Alert {
		return entity.Alert{
			OwnerUserID: "u1",
			Origin:      "SDQ",
			Destination: "BOG",
			Criteria:    entity.Criteria{MaxPrice: ptr(300.0)},
			Passengers:  entity.Passengers{Adults: 1},
		}
	}

	tests := []struct {
		name   string
		mutate func(*entity.Alert)
	}{
		{"missing owner", func(a *entity.Alert) { a.OwnerUserID = "" }},
		{"lowercase origin", func(a *entity.Alert) { a.Origin = "sdq" }},
		{"same endpoints", func(a *entity.Alert) { a.Destination = "SDQ" }},
		{"no criteria", func(a *entity.Alert) { a.Criteria = entity.Criteria{} }},
		{"zero max price", func(a *entity.Alert) { a.Criteria.MaxPrice = ptr(0.0) }},
		{"no adults", func(a *entity.Alert) { a.Passengers.Adults = 0 }},
		{"more infants than adults", func(a *entity.Alert) { a.Passengers.Infants = 2 }},
		{"bad month", func(a *entity.Alert) { a.Criteria.Month = &entity.YearMonth{Year: 2026, Month: 13} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := valid()
			tt.mutate(&a)
			_, err := h.store.Upsert(ctx, a)
			require.ErrorIs(t, err, entity.ErrInvalidData)
		})
	}

	all, err := h.alertRepo.FindActiveByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAlertStore_UpsertCreatesThenUpdates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.createAlert(t, "u1", "SDQ", "BOG", 300)
	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.Equal(t, entity.AlertActive, a.State)
	assert.Equal(t, testStart, a.CreatedAt)

	h.clock.Advance(time.Minute)
	edit := *a
	edit.Criteria.MaxPrice = ptr(250.0)
	edit.State = entity.AlertPaused
	updated, err := h.store.Upsert(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, a.ID, updated.ID)
	assert.InDelta(t, 250.0, *updated.Criteria.MaxPrice, 0.001)
	assert.Equal(t, entity.AlertPaused, updated.State)
	assert.Equal(t, testStart, updated.CreatedAt)
	assert.Equal(t, testStart.Add(time.Minute), updated.UpdatedAt)

	// client-chosen id that does not exist yet
	fresh := edit
	fresh.ID = uuid.New()
	created, err := h.store.Upsert(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, created.ID)
	assert.Equal(t, entity.AlertActive, created.State)
}

func TestAlertStore_CrossUserAccessIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.createAlert(t, "u1", "SDQ", "BOG", 300)

	_, err := h.store.Get(ctx, a.ID, "u2")
	require.ErrorIs(t, err, entity.ErrAlertNotFound)

	steal := *a
	steal.OwnerUserID = "u2"
	_, err = h.store.Upsert(ctx, steal)
	require.ErrorIs(t, err, entity.ErrAlertNotFound)

	ok, err := h.store.Deactivate(ctx, a.ID, "u2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.store.SetState(ctx, a.ID, "u2", entity.AlertPaused)
	require.ErrorIs(t, err, entity.ErrAlertNotFound)

	got, err := h.store.Get(ctx, a.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, entity.AlertActive, got.State)
	assert.Equal(t, "u1", got.OwnerUserID)
}

func TestAlertStore_DeactivateIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.createAlert(t, "u1", "SDQ", "BOG", 300)

	ok, err := h.store.Deactivate(ctx, a.ID, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.store.Deactivate(ctx, a.ID, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.store.Deactivate(ctx, uuid.New(), "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.store.SetState(ctx, a.ID, "u1", entity.AlertActive)
	require.ErrorIs(t, err, entity.ErrAlertDeactivated)

	_, err = h.store.Upsert(ctx, *a)
	require.ErrorIs(t, err, entity.ErrAlertDeactivated)

	active, err := h.store.FindActiveByRoute(ctx, "SDQ", "BOG")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestAlertStore_PauseAndResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.createAlert(t, "u1", "SDQ", "BOG", 300)

	_, err := h.store.SetState(ctx, a.ID, "u1", entity.AlertPaused)
	require.NoError(t, err)
	assert.Empty(t, h.observe(t, "SDQ", "BOG", 100))

	_, err = h.store.SetState(ctx, a.ID, "u1", entity.AlertActive)
	require.NoError(t, err)
	assert.Len(t, h.observe(t, "SDQ", "BOG", 100), 1)
}

func TestAlertStore_DeactivateAllAndChannelLookup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.createAlert(t, "u1", "SDQ", "BOG", 300)
	h.createAlert(t, "u1", "SDQ", "MIA", 300)
	h.link(t, "u1", "tg-1")

	alerts, err := h.store.FindActiveByChannel(ctx, h.links, entity.Telegram, "tg-1")
	require.NoError(t, err)
	assert.Len(t, alerts, 2)

	_, err = h.store.FindActiveByChannel(ctx, h.links, entity.Telegram, "tg-unknown")
	require.ErrorIs(t, err, entity.ErrChannelNotLinked)

	n, err := h.store.DeactivateAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	alerts, err = h.store.FindActiveByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}
