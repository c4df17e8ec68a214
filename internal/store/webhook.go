package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/router-for-me/TrafficGovernor/internal/models"
	"github.com/router-for-me/TrafficGovernor/internal/webhook"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var errVersionConflict = errors.New("gorm webhook store: concurrent update conflict")

// GormWebhookStore persists webhook subscribers and deliveries through GORM.
type GormWebhookStore struct {
	db *gorm.DB
}

// NewGormWebhookStore constructs a GormWebhookStore.
func NewGormWebhookStore(db *gorm.DB) *GormWebhookStore {
	return &GormWebhookStore{db: db}
}

// CreateSubscriber implements webhook.Store.
func (s *GormWebhookStore) CreateSubscriber(ctx context.Context, sub *webhook.Subscriber) error {
	row, err := subscriberRow(sub)
	if err != nil {
		return err
	}
	row.Version = 1
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		if errors.Is(errCreate, gorm.ErrDuplicatedKey) || isUniqueViolation(errCreate) {
			return fmt.Errorf("%w: duplicate id %q", webhook.ErrInvalidSubscriber, sub.ID)
		}
		return fmt.Errorf("gorm webhook store: create subscriber: %w", errCreate)
	}
	return nil
}

// GetSubscriber implements webhook.Store.
func (s *GormWebhookStore) GetSubscriber(ctx context.Context, id string) (*webhook.Subscriber, error) {
	row, err := s.loadSubscriber(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return decodeSubscriber(row)
}

// UpdateSubscriber implements webhook.Store.
func (s *GormWebhookStore) UpdateSubscriber(ctx context.Context, id string, fn func(*webhook.Subscriber) error) (*webhook.Subscriber, error) {
	for attempt := 0; attempt < gormMaxUpdateRetries; attempt++ {
		row, err := s.loadSubscriber(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		sub, err := decodeSubscriber(row)
		if err != nil {
			return nil, err
		}
		if errFn := fn(sub); errFn != nil {
			return nil, errFn
		}
		sub.ID = id
		next, err := subscriberRow(sub)
		if err != nil {
			return nil, err
		}
		res := s.db.WithContext(ctx).
			Model(&models.WebhookSubscriber{}).
			Where("id = ? AND version = ?", id, row.Version).
			Updates(map[string]any{
				"owner":       next.Owner,
				"name":        next.Name,
				"type":        next.Type,
				"status":      next.Status,
				"environment": next.Environment,
				"document":    next.Document,
				"version":     row.Version + 1,
				"updated_at":  next.UpdatedAt,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("gorm webhook store: update subscriber: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return sub, nil
		}
	}
	return nil, errVersionConflict
}

// ListSubscribers implements webhook.Store. Event filters are applied after
// loading since events live in the document.
func (s *GormWebhookStore) ListSubscribers(ctx context.Context, filter webhook.SubscriberFilter) ([]*webhook.Subscriber, error) {
	q := s.db.WithContext(ctx).Model(&models.WebhookSubscriber{})
	if filter.Owner != "" {
		q = q.Where("owner = ?", filter.Owner)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", string(filter.Type))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Environment != "" {
		q = q.Where("environment = ?", string(filter.Environment))
	}
	q = q.Order("created_at DESC").Order("id ASC")
	pushPaging := filter.Event == ""
	if pushPaging {
		q = applyPaging(q, filter.Offset, filter.Limit)
	}

	var rows []models.WebhookSubscriber
	if errFind := q.Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("gorm webhook store: list subscribers: %w", errFind)
	}
	out := make([]*webhook.Subscriber, 0, len(rows))
	for _, row := range rows {
		sub, err := decodeSubscriber(row)
		if err != nil {
			return nil, err
		}
		if filter.Match(sub) {
			out = append(out, sub)
		}
	}
	if pushPaging {
		return out, nil
	}
	return pageSlice(out, filter.Offset, filter.Limit), nil
}

// CreateDelivery implements webhook.Store.
func (s *GormWebhookStore) CreateDelivery(ctx context.Context, d *webhook.Delivery) error {
	row, err := deliveryRow(d)
	if err != nil {
		return err
	}
	row.Version = 1
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("gorm webhook store: create delivery: %w", errCreate)
	}
	return nil
}

// GetDelivery implements webhook.Store.
func (s *GormWebhookStore) GetDelivery(ctx context.Context, id string) (*webhook.Delivery, error) {
	var row models.WebhookDelivery
	if errFind := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, webhook.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("gorm webhook store: get delivery: %w", errFind)
	}
	return decodeDelivery(row)
}

// UpdateDelivery implements webhook.Store.
func (s *GormWebhookStore) UpdateDelivery(ctx context.Context, id string, fn func(*webhook.Delivery) error) (*webhook.Delivery, error) {
	for attempt := 0; attempt < gormMaxUpdateRetries; attempt++ {
		var row models.WebhookDelivery
		if errFind := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return nil, webhook.ErrDeliveryNotFound
			}
			return nil, fmt.Errorf("gorm webhook store: load delivery: %w", errFind)
		}
		d, err := decodeDelivery(row)
		if err != nil {
			return nil, err
		}
		if errFn := fn(d); errFn != nil {
			return nil, errFn
		}
		d.ID = id
		next, err := deliveryRow(d)
		if err != nil {
			return nil, err
		}
		res := s.db.WithContext(ctx).
			Model(&models.WebhookDelivery{}).
			Where("id = ? AND version = ?", id, row.Version).
			Updates(map[string]any{
				"status":       next.Status,
				"queued":       next.Queued,
				"next_attempt": next.NextAttempt,
				"document":     next.Document,
				"version":      row.Version + 1,
				"updated_at":   next.UpdatedAt,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("gorm webhook store: update delivery: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return d, nil
		}
	}
	return nil, errVersionConflict
}

// ListDeliveries implements webhook.Store. Results are ordered oldest first.
func (s *GormWebhookStore) ListDeliveries(ctx context.Context, filter webhook.DeliveryFilter) ([]*webhook.Delivery, error) {
	q := s.db.WithContext(ctx).Model(&models.WebhookDelivery{})
	if filter.SubscriberID != "" {
		q = q.Where("subscriber_id = ?", filter.SubscriberID)
	}
	if filter.Event != "" {
		q = q.Where("event = ?", filter.Event)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		q = q.Where("status IN ?", statuses)
	}
	if filter.Queued != nil {
		q = q.Where("queued = ?", *filter.Queued)
	}
	q = applyPaging(q.Order("created_at ASC").Order("id ASC"), filter.Offset, filter.Limit)

	var rows []models.WebhookDelivery
	if errFind := q.Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("gorm webhook store: list deliveries: %w", errFind)
	}
	out := make([]*webhook.Delivery, 0, len(rows))
	for _, row := range rows {
		d, err := decodeDelivery(row)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *GormWebhookStore) loadSubscriber(ctx context.Context, db *gorm.DB, id string) (models.WebhookSubscriber, error) {
	var row models.WebhookSubscriber
	if errFind := db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return row, webhook.ErrSubscriberNotFound
		}
		return row, fmt.Errorf("gorm webhook store: load subscriber: %w", errFind)
	}
	return row, nil
}

func subscriberRow(sub *webhook.Subscriber) (models.WebhookSubscriber, error) {
	doc, errMarshal := json.Marshal(sub)
	if errMarshal != nil {
		return models.WebhookSubscriber{}, fmt.Errorf("gorm webhook store: marshal subscriber: %w", errMarshal)
	}
	return models.WebhookSubscriber{
		ID:          sub.ID,
		Owner:       sub.Owner,
		Name:        sub.Name,
		Type:        string(sub.Type),
		Status:      string(sub.Status),
		Environment: string(sub.Metadata.Environment),
		Document:    datatypes.JSON(doc),
		CreatedAt:   sub.CreatedAt,
		UpdatedAt:   sub.UpdatedAt,
	}, nil
}

func decodeSubscriber(row models.WebhookSubscriber) (*webhook.Subscriber, error) {
	sub := &webhook.Subscriber{}
	if errDecode := json.Unmarshal(row.Document, sub); errDecode != nil {
		return nil, fmt.Errorf("gorm webhook store: decode subscriber %s: %w", row.ID, errDecode)
	}
	sub.ID = row.ID
	return sub, nil
}

func deliveryRow(d *webhook.Delivery) (models.WebhookDelivery, error) {
	doc, errMarshal := json.Marshal(d)
	if errMarshal != nil {
		return models.WebhookDelivery{}, fmt.Errorf("gorm webhook store: marshal delivery: %w", errMarshal)
	}
	return models.WebhookDelivery{
		ID:           d.ID,
		SubscriberID: d.SubscriberID,
		Event:        d.Event,
		Status:       string(d.Status),
		Queued:       d.Queued,
		NextAttempt:  d.NextAttemptAt,
		Document:     datatypes.JSON(doc),
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}, nil
}

func decodeDelivery(row models.WebhookDelivery) (*webhook.Delivery, error) {
	d := &webhook.Delivery{}
	if errDecode := json.Unmarshal(row.Document, d); errDecode != nil {
		return nil, fmt.Errorf("gorm webhook store: decode delivery %s: %w", row.ID, errDecode)
	}
	d.ID = row.ID
	return d, nil
}

func applyPaging(q *gorm.DB, offset, limit int) *gorm.DB {
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q
}

func pageSlice[T any](items []T, offset, limit int) []T {
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

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
