package models

import "time"

// Payment provider constants used across payment-related models.
const (
	PaymentProviderPayPal = "paypal"
	PaymentProviderZPay   = "zpay"
	PaymentProviderWeChat = "wechat"
	PaymentProviderCreem  = "creem"
)

// Order states of the capture reconciliation state machine.
const (
	OrderStatusCreated        = "CREATED"
	OrderStatusCapturePending = "CAPTURE_PENDING"
	OrderStatusCaptured       = "CAPTURED"
	OrderStatusEntitled       = "ENTITLED"
	OrderStatusFailed         = "FAILED"
)

// PaymentOrder tracks one provider order from creation to entitlement.
type PaymentOrder struct {
	ID             uint       `gorm:"primaryKey" json:"-"`
	OrderID        string     `gorm:"type:varchar(191);not null;index:ux_payment_orders_provider_order,unique,priority:2" json:"order_id"`
	Provider       string     `gorm:"type:varchar(20);not null;index:ux_payment_orders_provider_order,unique,priority:1" json:"provider"`
	ProductID      string     `gorm:"type:varchar(64);not null" json:"product_id"`
	UserID         *string    `gorm:"type:varchar(128);default:null;index" json:"user_id,omitempty"`
	Status         string     `gorm:"type:varchar(20);not null;default:'CREATED';index" json:"status"`
	Amount         string     `gorm:"type:varchar(32);default:''" json:"amount"`
	Currency       string     `gorm:"type:varchar(8);default:''" json:"currency"`
	ProviderStatus string     `gorm:"type:varchar(32);default:''" json:"provider_status"`
	RawCaptureJSON string     `gorm:"type:longtext" json:"-"`
	LastError      string     `gorm:"type:text" json:"last_error,omitempty"`
	ApplyAttempts  int        `gorm:"not null;default:0" json:"apply_attempts"`
	CapturedAt     *time.Time `gorm:"type:timestamp;default:null" json:"captured_at,omitempty"`
	EntitledAt     *time.Time `gorm:"type:timestamp;default:null" json:"entitled_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsGuest reports whether the order was placed without an authenticated user.
func (o *PaymentOrder) IsGuest() bool {
	return o.UserID == nil || *o.UserID == ""
}

// WasCaptured reports whether the provider already confirmed payment for this order.
func (o *PaymentOrder) WasCaptured() bool {
	return o.CapturedAt != nil
}
