package webhook

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// CreateSubscriber validates sub, assigns an id and a fresh signing secret,
// and stores it. The returned subscriber carries the secret; callers show it
// once.
func (d *Dispatcher) CreateSubscriber(ctx context.Context, sub Subscriber) (*Subscriber, error) {
	created := sub.Clone()
	created.normalize()
	created.ID = d.newID()
	created.Monitoring.Metrics = Metrics{}
	if created.Status == SubscriberDeleted {
		return nil, invalidSubscriber("cannot create a deleted subscriber")
	}
	if err := created.Validate(); err != nil {
		return nil, err
	}
	secret, err := GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("webhook: generate secret: %w", err)
	}
	now := d.clock.Now()
	created.Secret = secret
	created.CreatedAt = now
	created.UpdatedAt = now
	created.SecretRotatedAt = nil
	if err = d.store.CreateSubscriber(ctx, created); err != nil {
		return nil, err
	}
	return created, nil
}

// GetSubscriber returns one subscriber, deleted ones included.
func (d *Dispatcher) GetSubscriber(ctx context.Context, id string) (*Subscriber, error) {
	return d.store.GetSubscriber(ctx, id)
}

// ListSubscribers returns subscribers matching filter, newest first.
func (d *Dispatcher) ListSubscribers(ctx context.Context, filter SubscriberFilter) ([]*Subscriber, error) {
	return d.store.ListSubscribers(ctx, filter)
}

// UpdateSubscriber replaces the configurable fields of a subscriber with
// those of next. Identity, secret, status and metrics are kept.
func (d *Dispatcher) UpdateSubscriber(ctx context.Context, id string, next Subscriber) (*Subscriber, error) {
	now := d.clock.Now()
	return d.store.UpdateSubscriber(ctx, id, func(cur *Subscriber) error {
		if cur.Status == SubscriberDeleted {
			return ErrSubscriberNotFound
		}
		candidate := next.Clone()
		candidate.normalize()
		candidate.ID = cur.ID
		candidate.Secret = cur.Secret
		candidate.SecretRotatedAt = cur.SecretRotatedAt
		candidate.Status = cur.Status
		candidate.Monitoring.Metrics = cur.Monitoring.Metrics
		candidate.CreatedAt = cur.CreatedAt
		candidate.UpdatedAt = now
		if err := candidate.Validate(); err != nil {
			return err
		}
		*cur = *candidate
		return nil
	})
}

// SetStatus moves a subscriber to status. Deleted subscribers stay deleted.
// Pending retries for a subscriber that is not active become no-ops when
// their timer fires; reactivating the subscriber re-arms them.
func (d *Dispatcher) SetStatus(ctx context.Context, id string, status SubscriberStatus) (*Subscriber, error) {
	switch status {
	case SubscriberActive, SubscriberInactive, SubscriberSuspended, SubscriberFailed, SubscriberDeleted:
	default:
		return nil, invalidSubscriber("unknown status %q", status)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := d.clock.Now()
	var previous SubscriberStatus
	sub, err := d.store.UpdateSubscriber(ctx, id, func(cur *Subscriber) error {
		if cur.Status == SubscriberDeleted && status != SubscriberDeleted {
			return invalidSubscriber("subscriber %s is deleted", id)
		}
		previous = cur.Status
		cur.Status = status
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if status == SubscriberActive && previous != SubscriberActive {
		n, errResume := d.resume(ctx, id)
		if errResume != nil {
			log.WithError(errResume).WithField("subscriber", id).Warn("webhook: resume deliveries failed")
		} else if n > 0 {
			log.WithField("subscriber", id).Infof("webhook: resumed %d deliveries", n)
		}
	}
	return sub, nil
}

// DeleteSubscriber soft-deletes a subscriber. Its delivery history is kept.
func (d *Dispatcher) DeleteSubscriber(ctx context.Context, id string) error {
	_, err := d.SetStatus(ctx, id, SubscriberDeleted)
	return err
}

// RotateSecret replaces the signing secret. Deliveries created afterwards are
// signed with the new secret; existing records keep their signature.
func (d *Dispatcher) RotateSecret(ctx context.Context, id string) (*Subscriber, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("webhook: generate secret: %w", err)
	}
	now := d.clock.Now()
	return d.store.UpdateSubscriber(ctx, id, func(cur *Subscriber) error {
		if cur.Status == SubscriberDeleted {
			return ErrSubscriberNotFound
		}
		cur.Secret = secret
		rotated := now
		cur.SecretRotatedAt = &rotated
		cur.UpdatedAt = now
		return nil
	})
}

// Deliveries lists delivery records, oldest first.
func (d *Dispatcher) Deliveries(ctx context.Context, filter DeliveryFilter) ([]*Delivery, error) {
	return d.store.ListDeliveries(ctx, filter)
}

// Delivery returns one delivery record.
func (d *Dispatcher) Delivery(ctx context.Context, id string) (*Delivery, error) {
	return d.store.GetDelivery(ctx, id)
}
