// Package memstore keeps notifications, deliveries, preferences and
// templates in process memory. It backs tests and STORE_DRIVER=memory.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/notification"
)

type Store struct {
	mu            sync.Mutex
	notifications map[uuid.UUID]*notification.Notification
	byEvent       map[string]uuid.UUID
	deliveries    map[uuid.UUID][]*notification.Delivery
	preferences   map[string]*notification.Preferences
	templates     map[string]*notification.Template
	now           func() time.Time
}

func New() *Store {
	return &Store{
		notifications: make(map[uuid.UUID]*notification.Notification),
		byEvent:       make(map[string]uuid.UUID),
		deliveries:    make(map[uuid.UUID][]*notification.Delivery),
		preferences:   make(map[string]*notification.Preferences),
		templates:     make(map[string]*notification.Template),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

var _ dispatch.Store = (*Store)(nil)

func copyOf(n *notification.Notification) *notification.Notification {
	c := *n
	return &c
}

func (s *Store) Create(_ context.Context, n *notification.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEvent[n.ExternalEventID]; exists {
		return dispatch.ErrDuplicate
	}
	s.notifications[n.ID] = copyOf(n)
	s.byEvent[n.ExternalEventID] = n.ID
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*notification.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, notification.ErrNotFound
	}
	return copyOf(n), nil
}

func (s *Store) FindByExternalEventID(_ context.Context, externalEventID string) (*notification.Notification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEvent[externalEventID]
	if !ok {
		return nil, false, nil
	}
	return copyOf(s.notifications[id]), true, nil
}

func due(n *notification.Notification, now time.Time) bool {
	return n.NextAttemptAt == nil || !n.NextAttemptAt.After(now)
}

func (s *Store) ClaimNext(_ context.Context, q dispatch.ClaimQuery) ([]*notification.Notification, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*notification.Notification
	for _, n := range s.notifications {
		if n.Status != q.From || !due(n, q.Now) {
			continue
		}
		if n.Status == notification.StatusFailed && !notification.CanRetry(n) {
			continue
		}
		eligible = append(eligible, n)
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if len(eligible) > q.Limit {
		eligible = eligible[:q.Limit]
	}

	out := make([]*notification.Notification, 0, len(eligible))
	for _, n := range eligible {
		if err := notification.Claim(n, q.Now); err != nil {
			continue
		}
		out = append(out, copyOf(n))
	}
	return out, nil
}

func (s *Store) Claim(_ context.Context, id uuid.UUID, from []notification.Status, now time.Time) (*notification.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, notification.ErrNotFound
	}
	if !statusIn(n.Status, from) {
		return nil, dispatch.ErrConflict
	}
	if err := notification.Claim(n, now); err != nil {
		return nil, dispatch.ErrConflict
	}
	return copyOf(n), nil
}

func statusIn(s notification.Status, set []notification.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (s *Store) Save(_ context.Context, n *notification.Notification, expect ...notification.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.notifications[n.ID]
	if !ok {
		return notification.ErrNotFound
	}
	if len(expect) > 0 && !statusIn(cur.Status, expect) {
		return dispatch.ErrConflict
	}
	s.notifications[n.ID] = copyOf(n)
	return nil
}

func (s *Store) SaveDelivery(_ context.Context, d *notification.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *d
	list := s.deliveries[d.NotificationID]
	for i, existing := range list {
		if existing.ID == d.ID {
			list[i] = &c
			return nil
		}
	}
	s.deliveries[d.NotificationID] = append(list, &c)
	return nil
}

func (s *Store) ListDeliveries(_ context.Context, notificationID uuid.UUID) ([]*notification.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.deliveries[notificationID]
	out := make([]*notification.Delivery, 0, len(list))
	for _, d := range list {
		c := *d
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func (s *Store) ListByRecipient(_ context.Context, recipientID string, p dispatch.Page) ([]*notification.Notification, error) {
	return s.list(func(n *notification.Notification) bool { return n.RecipientID == recipientID }, true, p), nil
}

func (s *Store) ListPending(_ context.Context, limit int) ([]*notification.Notification, error) {
	return s.list(func(n *notification.Notification) bool {
		return n.Status == notification.StatusPending
	}, false, dispatch.Page{Limit: limit}), nil
}

func (s *Store) ListFailedRetryable(_ context.Context, limit int) ([]*notification.Notification, error) {
	return s.list(notification.CanRetry, false, dispatch.Page{Limit: limit}), nil
}

func (s *Store) list(match func(*notification.Notification) bool, newestFirst bool, p dispatch.Page) []*notification.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*notification.Notification
	for _, n := range s.notifications {
		if match(n) {
			out = append(out, copyOf(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if p.Offset > 0 {
		if p.Offset >= len(out) {
			return nil
		}
		out = out[p.Offset:]
	}
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out
}
