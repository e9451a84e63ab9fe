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

type EventRepository struct {
	mu     sync.Mutex
	events map[uuid.UUID]*entity.NotificationEvent
}

func NewEventRepository() *EventRepository {
	return &EventRepository{events: make(map[uuid.UUID]*entity.NotificationEvent)}
}

func (r *EventRepository) Create(_ context.Context, events ...entity.NotificationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ev := range events {
		if _, ok := r.events[ev.ID]; ok {
			return fmt.Errorf("memory.EventRepository.Create: event %s: %w", ev.ID, entity.ErrConflictingData)
		}
	}
	for _, ev := range events {
		stored := cloneEvent(ev)
		r.events[ev.ID] = &stored
	}
	return nil
}

func (r *EventRepository) GetByID(_ context.Context, id uuid.UUID) (*entity.NotificationEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.events[id]
	if !ok {
		return nil, fmt.Errorf("memory.EventRepository.GetByID: %w", entity.ErrEventNotFound)
	}
	out := cloneEvent(*ev)
	return &out, nil
}

func (r *EventRepository) Update(_ context.Context, id uuid.UUID, fn func(*entity.NotificationEvent) error) (*entity.NotificationEvent, error) {
	const op = "memory.EventRepository.Update"

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.events[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, entity.ErrEventNotFound)
	}
	next := cloneEvent(*cur)
	if err := fn(&next); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	next.ID = id
	r.events[id] = &next

	out := cloneEvent(next)
	return &out, nil
}

// ClaimDue returns pending events due at now, oldest first, and pushes
// their next attempt out by lease so a concurrent sweep skips them.
func (r *EventRepository) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit uint64) ([]entity.NotificationEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*entity.NotificationEvent
	for _, ev := range r.events {
		if ev.State == entity.StatePending && !ev.NextAttemptAt.After(now) {
			due = append(due, ev)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && uint64(len(due)) > limit {
		due = due[:limit]
	}

	out := make([]entity.NotificationEvent, 0, len(due))
	for _, ev := range due {
		ev.NextAttemptAt = now.Add(lease)
		out = append(out, cloneEvent(*ev))
	}
	return out, nil
}

func (r *EventRepository) ListHeld(_ context.Context, ownerUserID string) ([]entity.NotificationEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []entity.NotificationEvent
	for _, ev := range r.events {
		if ev.Held && ev.State == entity.StatePending && ev.OwnerUserID == ownerUserID {
			out = append(out, cloneEvent(*ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out, nil
}

// ListByState returns the most recently updated events first.
func (r *EventRepository) ListByState(_ context.Context, state entity.DeliveryState, limit uint64) ([]entity.NotificationEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []entity.NotificationEvent
	for _, ev := range r.events {
		if ev.State == state {
			out = append(out, cloneEvent(*ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && uint64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *EventRepository) PurgeTerminal(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, ev := range r.events {
		if ev.State.IsTerminal() && ev.UpdatedAt.Before(before) {
			delete(r.events, id)
			n++
		}
	}
	return n, nil
}

func cloneEvent(ev entity.NotificationEvent) entity.NotificationEvent {
	out := ev
	if ev.SentAt != nil {
		v := *ev.SentAt
		out.SentAt = &v
	}
	return out
}
