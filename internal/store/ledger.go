package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/router-for-me/TrafficGovernor/internal/models"
	"github.com/router-for-me/TrafficGovernor/internal/ratelimit"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const gormMaxUpdateRetries = 32

// GormLedgerStore persists rate limit ledgers through GORM. Updates are
// optimistic: a row is rewritten only if its version is unchanged since it
// was read, and the update function is replayed otherwise.
type GormLedgerStore struct {
	db *gorm.DB
}

// NewGormLedgerStore constructs a GormLedgerStore.
func NewGormLedgerStore(db *gorm.DB) *GormLedgerStore {
	return &GormLedgerStore{db: db}
}

func ledgerUnavailable(op string, cause error) error {
	return fmt.Errorf("%w: gorm %s: %w", ratelimit.ErrStoreUnavailable, op, cause)
}

// Update implements ratelimit.Store.
func (s *GormLedgerStore) Update(ctx context.Context, key string, fn ratelimit.UpdateFunc) (*ratelimit.Ledger, error) {
	if s == nil || s.db == nil {
		return nil, ledgerUnavailable("update", errors.New("not initialized"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for attempt := 0; attempt < gormMaxUpdateRetries; attempt++ {
		var row models.RateLimitLedger
		errFind := s.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
		created := errors.Is(errFind, gorm.ErrRecordNotFound)
		if errFind != nil && !created {
			return nil, ledgerUnavailable("load", errFind)
		}

		ledger := &ratelimit.Ledger{Key: key}
		if !created {
			if errDecode := json.Unmarshal(row.Document, ledger); errDecode != nil {
				return nil, ledgerUnavailable("decode", errDecode)
			}
		}
		if errFn := fn(ledger, created); errFn != nil {
			return nil, errFn
		}
		ledger.Key = key
		next, errRow := ledgerRow(ledger)
		if errRow != nil {
			return nil, errRow
		}

		if created {
			next.Version = 1
			res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoNothing: true,
			}).Create(&next)
			if res.Error != nil {
				return nil, ledgerUnavailable("insert", res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			return ledger, nil
		}

		res := s.db.WithContext(ctx).
			Model(&models.RateLimitLedger{}).
			Where("id = ? AND version = ?", row.ID, row.Version).
			Updates(map[string]any{
				"category":     next.Category,
				"target_type":  next.TargetType,
				"target_value": next.TargetValue,
				"status":       next.Status,
				"block_until":  next.BlockUntil,
				"document":     next.Document,
				"version":      row.Version + 1,
				"updated_at":   next.UpdatedAt,
			})
		if res.Error != nil {
			return nil, ledgerUnavailable("update", res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		return ledger, nil
	}
	return nil, ratelimit.ErrConflict
}

// Get implements ratelimit.Store.
func (s *GormLedgerStore) Get(ctx context.Context, key string) (*ratelimit.Ledger, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var row models.RateLimitLedger
	if errFind := s.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ratelimit.ErrNotFound
		}
		return nil, ledgerUnavailable("get", errFind)
	}
	return decodeLedgerRow(row)
}

// Search implements ratelimit.Store. Tag filters need the document, so they
// are applied after loading; everything else is pushed into SQL.
func (s *GormLedgerStore) Search(ctx context.Context, filter ratelimit.Filter) ([]*ratelimit.Ledger, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	q := s.db.WithContext(ctx).Model(&models.RateLimitLedger{})
	if filter.Category != "" {
		q = q.Where("category = ?", string(filter.Category))
	}
	if filter.TargetType != "" {
		q = q.Where("target_type = ?", string(filter.TargetType))
	}
	if filter.TargetValue != "" {
		q = q.Where("target_value = ?", filter.TargetValue)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	q = q.Order("key ASC")
	pushPaging := filter.Tag == ""
	if pushPaging {
		if filter.Offset > 0 {
			q = q.Offset(filter.Offset)
		}
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
	}

	var rows []models.RateLimitLedger
	if errFind := q.Find(&rows).Error; errFind != nil {
		return nil, ledgerUnavailable("search", errFind)
	}
	out := make([]*ratelimit.Ledger, 0, len(rows))
	for _, row := range rows {
		ledger, errDecode := decodeLedgerRow(row)
		if errDecode != nil {
			return nil, errDecode
		}
		if filter.Match(ledger) {
			out = append(out, ledger)
		}
	}
	if pushPaging {
		return out, nil
	}
	return filter.Page(out), nil
}

// Sweep deletes ledgers untouched since before now-idle whose block, if any,
// has expired.
func (s *GormLedgerStore) Sweep(ctx context.Context, now time.Time, idle time.Duration) (int64, error) {
	if idle <= 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("updated_at < ?", now.Add(-idle)).
		Where("(block_until IS NULL OR block_until <= ?)", now).
		Delete(&models.RateLimitLedger{})
	if res.Error != nil {
		return 0, ledgerUnavailable("sweep", res.Error)
	}
	return res.RowsAffected, nil
}

func ledgerRow(ledger *ratelimit.Ledger) (models.RateLimitLedger, error) {
	doc, errMarshal := json.Marshal(ledger)
	if errMarshal != nil {
		return models.RateLimitLedger{}, fmt.Errorf("gorm ledger store: marshal: %w", errMarshal)
	}
	updatedAt := ledger.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return models.RateLimitLedger{
		Key:         ledger.Key,
		Category:    string(ledger.Category),
		TargetType:  string(ledger.Target.Type),
		TargetValue: ledger.Target.Value,
		Status:      string(ledger.Status),
		BlockUntil:  ledger.BlockUntil,
		Document:    datatypes.JSON(doc),
		UpdatedAt:   updatedAt,
	}, nil
}

func decodeLedgerRow(row models.RateLimitLedger) (*ratelimit.Ledger, error) {
	ledger := &ratelimit.Ledger{}
	if errDecode := json.Unmarshal(row.Document, ledger); errDecode != nil {
		return nil, ledgerUnavailable("decode", errDecode)
	}
	ledger.Key = row.Key
	return ledger, nil
}
