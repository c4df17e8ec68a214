package webhook

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps subscribers and deliveries in process memory.
type MemoryStore struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	deliveries  map[string]*Delivery
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscribers: make(map[string]*Subscriber),
		deliveries:  make(map[string]*Delivery),
	}
}

// CreateSubscriber implements Store.
func (s *MemoryStore) CreateSubscriber(_ context.Context, sub *Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscribers[sub.ID]; exists {
		return invalidSubscriber("duplicate id %q", sub.ID)
	}
	s.subscribers[sub.ID] = sub.Clone()
	return nil
}

// GetSubscriber implements Store.
func (s *MemoryStore) GetSubscriber(_ context.Context, id string) (*Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[id]
	if !ok {
		return nil, ErrSubscriberNotFound
	}
	return sub.Clone(), nil
}

// UpdateSubscriber implements Store.
func (s *MemoryStore) UpdateSubscriber(_ context.Context, id string, fn func(*Subscriber) error) (*Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[id]
	if !ok {
		return nil, ErrSubscriberNotFound
	}
	working := sub.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = id
	s.subscribers[id] = working
	return working.Clone(), nil
}

// ListSubscribers implements Store.
func (s *MemoryStore) ListSubscribers(_ context.Context, filter SubscriberFilter) ([]*Subscriber, error) {
	s.mu.Lock()
	out := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if filter.Match(sub) {
			out = append(out, sub.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, filter.Offset, filter.Limit), nil
}

// CreateDelivery implements Store.
func (s *MemoryStore) CreateDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = d.Clone()
	return nil
}

// GetDelivery implements Store.
func (s *MemoryStore) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return d.Clone(), nil
}

// UpdateDelivery implements Store.
func (s *MemoryStore) UpdateDelivery(_ context.Context, id string, fn func(*Delivery) error) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	working := d.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = id
	s.deliveries[id] = working
	return working.Clone(), nil
}

// ListDeliveries implements Store. Results are ordered oldest first.
func (s *MemoryStore) ListDeliveries(_ context.Context, filter DeliveryFilter) ([]*Delivery, error) {
	s.mu.Lock()
	out := make([]*Delivery, 0)
	for _, d := range s.deliveries {
		if filter.Match(d) {
			out = append(out, d.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
