package billing

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/oraclepay/app/models"
)

// Repository provides DB operations used by the reconciler.
type Repository interface {
	CreateOrderIfNotExists(ctx context.Context, order *models.PaymentOrder) (bool, *models.PaymentOrder, error)
	GetOrder(ctx context.Context, provider, orderID string) (*models.PaymentOrder, error)
	// UpdateOrderIfStatus applies updates only while the order is in one of
	// the given states and reports whether a row changed.
	UpdateOrderIfStatus(ctx context.Context, id uint, from []string, updates map[string]interface{}) (bool, error)
	UpdateOrder(ctx context.Context, id uint, updates map[string]interface{}) error
	// ClaimForCapture moves a CREATED or FAILED order, or a CAPTURE_PENDING
	// order untouched since staleBefore, to CAPTURE_PENDING. Only one caller
	// wins the claim.
	ClaimForCapture(ctx context.Context, id uint, staleBefore time.Time) (bool, error)
	ListOrdersByStatus(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]models.PaymentOrder, error)
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateOrderIfNotExists(ctx context.Context, order *models.PaymentOrder) (bool, *models.PaymentOrder, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "order_id"},
		},
		DoNothing: true,
	}).Create(order)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	stored, err := r.GetOrder(ctx, order.Provider, order.OrderID)
	if err != nil {
		return false, nil, err
	}
	return created, stored, nil
}

func (r *gormRepository) GetOrder(ctx context.Context, provider, orderID string) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	err := r.db.WithContext(ctx).Where("provider = ? AND order_id = ?", provider, orderID).First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *gormRepository) UpdateOrderIfStatus(ctx context.Context, id uint, from []string, updates map[string]interface{}) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.PaymentOrder{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) ClaimForCapture(ctx context.Context, id uint, staleBefore time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.PaymentOrder{}).
		Where("id = ?", id).
		Where("status IN ? OR (status = ? AND updated_at < ?)",
			[]string{models.OrderStatusCreated, models.OrderStatusFailed},
			models.OrderStatusCapturePending, staleBefore).
		Updates(map[string]interface{}{"status": models.OrderStatusCapturePending})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) UpdateOrder(ctx context.Context, id uint, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&models.PaymentOrder{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) ListOrdersByStatus(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]models.PaymentOrder, error) {
	var orders []models.PaymentOrder
	q := r.db.WithContext(ctx).Where("status = ? AND updated_at < ?", status, updatedBefore).Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&orders).Error
	return orders, err
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.WithContext(ctx).Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
