package entitlements

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/oraclepay/app/models"
)

// ErrConcurrentUpdate is returned when the entitlement row changed between
// read and write inside Apply. The caller must retry.
var ErrConcurrentUpdate = errors.New("entitlement was modified concurrently")

// Delta is one captured order to be applied to a user's ledger.
type Delta struct {
	OrderID   string
	ProductID string
	Provider  string
}

// ApplyResult describes the outcome of Apply.
type ApplyResult struct {
	Entitlement *models.Entitlement
	Product     Product
	// Duplicate is true when OrderID had already been applied; nothing changed.
	Duplicate bool
}

// Store is the transactional per-user entitlement ledger.
type Store struct {
	db      *gorm.DB
	catalog *Catalog
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCatalog overrides the product catalog.
func WithCatalog(c *Catalog) Option {
	return func(s *Store) { s.catalog = c }
}

// NewStore creates a ledger over db.
func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, catalog: DefaultCatalog(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Catalog exposes the product catalog used for delta computation.
func (s *Store) Catalog() *Catalog {
	return s.catalog
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Get returns the user's entitlement, creating the default record on first read.
func (s *Store) Get(ctx context.Context, userID string) (*models.Entitlement, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user_id is required")
	}

	var e models.Entitlement
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&e).Error
	if err == nil {
		return &e, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Create-if-absent; a concurrent first read may win the insert.
	def := NewDefault(userID, s.now())
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&def).Error; err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// Apply merges the delta for a captured order into the user's ledger inside
// one transaction. The processed_orders row for delta.OrderID is inserted in
// the same transaction, so an order is applied at most once. Unknown products
// are rejected before anything is written.
func (s *Store) Apply(ctx context.Context, userID string, delta Delta) (*ApplyResult, error) {
	userID = strings.TrimSpace(userID)
	orderID := strings.TrimSpace(delta.OrderID)
	if userID == "" || orderID == "" {
		return nil, errors.New("user_id and order_id are required")
	}

	product, err := s.catalog.Lookup(delta.ProductID)
	if err != nil {
		return nil, err
	}

	if _, err := s.Get(ctx, userID); err != nil {
		return nil, err
	}

	result := &ApplyResult{Product: product}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		marker := models.ProcessedOrder{
			OrderID:     orderID,
			UserID:      userID,
			ProductID:   product.ID,
			Provider:    delta.Provider,
			ProcessedAt: now,
		}
		ins := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoNothing: true,
		}).Create(&marker)
		if ins.Error != nil {
			return ins.Error
		}

		var current models.Entitlement
		if err := tx.Where("user_id = ?", userID).First(&current).Error; err != nil {
			return err
		}

		if ins.RowsAffected == 0 {
			result.Duplicate = true
			result.Entitlement = &current
			return nil
		}

		if !MutatesLedger(product.Class) {
			result.Entitlement = &current
			return nil
		}

		next := Merge(current, product, now)
		next.Version = current.Version + 1
		upd := tx.Model(&models.Entitlement{}).
			Where("id = ? AND version = ?", current.ID, current.Version).
			Updates(map[string]interface{}{
				"paid_credits":   next.PaidCredits,
				"is_vip":         next.IsVip,
				"vip_expires_at": next.VipExpiresAt,
				"version":        next.Version,
				"updated_at":     now,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		next.UpdatedAt = now
		result.Entitlement = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
