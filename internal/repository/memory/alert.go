// Package memory keeps alerts, links and events in process memory. It backs
// the single-node mode and the service tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"alertd/internal/entity"

	"github.com/google/uuid"
)

type AlertRepository struct {
	mu      sync.RWMutex
	alerts  map[uuid.UUID]*entity.Alert
	byRoute map[string]map[uuid.UUID]struct{}
}

func NewAlertRepository() *AlertRepository {
	return &AlertRepository{
		alerts:  make(map[uuid.UUID]*entity.Alert),
		byRoute: make(map[string]map[uuid.UUID]struct{}),
	}
}

func (r *AlertRepository) Create(_ context.Context, alert entity.Alert) (*entity.Alert, error) {
	const op = "memory.AlertRepository.Create"

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.alerts[alert.ID]; ok {
		return nil, fmt.Errorf("%s: %w", op, entity.ErrConflictingData)
	}
	stored := cloneAlert(alert)
	r.alerts[alert.ID] = &stored
	r.index(&stored)

	out := cloneAlert(stored)
	return &out, nil
}

func (r *AlertRepository) GetByID(_ context.Context, id uuid.UUID) (*entity.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.alerts[id]
	if !ok {
		return nil, fmt.Errorf("memory.AlertRepository.GetByID: %w", entity.ErrAlertNotFound)
	}
	out := cloneAlert(*a)
	return &out, nil
}

func (r *AlertRepository) FindActiveByUser(_ context.Context, ownerUserID string) ([]entity.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []entity.Alert
	for _, a := range r.alerts {
		if a.OwnerUserID == ownerUserID && a.IsActive() {
			out = append(out, cloneAlert(*a))
		}
	}
	sortAlerts(out)
	return out, nil
}

func (r *AlertRepository) FindActiveByRoute(_ context.Context, origin, destination string) ([]entity.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []entity.Alert
	for id := range r.byRoute[entity.RouteKey(origin, destination)] {
		if a := r.alerts[id]; a.IsActive() {
			out = append(out, cloneAlert(*a))
		}
	}
	sortAlerts(out)
	return out, nil
}

func (r *AlertRepository) DeactivateAll(_ context.Context, ownerUserID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, a := range r.alerts {
		if a.OwnerUserID != ownerUserID || a.State == entity.AlertDeactivated {
			continue
		}
		if err := a.Transition(entity.AlertDeactivated, now); err != nil {
			return count, fmt.Errorf("memory.AlertRepository.DeactivateAll: %w", err)
		}
		count++
	}
	return count, nil
}

// Update applies fn to a copy and stores it only when fn succeeds.
func (r *AlertRepository) Update(_ context.Context, id uuid.UUID, fn func(*entity.Alert) error) (*entity.Alert, error) {
	const op = "memory.AlertRepository.Update"

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, entity.ErrAlertNotFound)
	}
	next := cloneAlert(*cur)
	if err := fn(&next); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	next.ID = id

	r.unindex(cur)
	r.alerts[id] = &next
	r.index(&next)

	out := cloneAlert(next)
	return &out, nil
}

func (r *AlertRepository) index(a *entity.Alert) {
	key := entity.RouteKey(a.Origin, a.Destination)
	ids, ok := r.byRoute[key]
	if !ok {
		ids = make(map[uuid.UUID]struct{})
		r.byRoute[key] = ids
	}
	ids[a.ID] = struct{}{}
}

func (r *AlertRepository) unindex(a *entity.Alert) {
	key := entity.RouteKey(a.Origin, a.Destination)
	delete(r.byRoute[key], a.ID)
	if len(r.byRoute[key]) == 0 {
		delete(r.byRoute, key)
	}
}

func sortAlerts(alerts []entity.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].ID.String() < alerts[j].ID.String()
		}
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
}

func cloneAlert(a entity.Alert) entity.Alert {
	out := a
	if a.Criteria.MaxPrice != nil {
		v := *a.Criteria.MaxPrice
		out.Criteria.MaxPrice = &v
	}
	if a.Criteria.Month != nil {
		v := *a.Criteria.Month
		out.Criteria.Month = &v
	}
	if a.LastNotifiedAt != nil {
		v := *a.LastNotifiedAt
		out.LastNotifiedAt = &v
	}
	if a.LastNotifiedPrice != nil {
		v := *a.LastNotifiedPrice
		out.LastNotifiedPrice = &v
	}
	if a.ClaimEventID != nil {
		v := *a.ClaimEventID
		out.ClaimEventID = &v
	}
	if a.ClaimExpiresAt != nil {
		v := *a.ClaimExpiresAt
		out.ClaimExpiresAt = &v
	}
	return out
}
