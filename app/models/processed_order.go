package models

import "time"

// ProcessedOrder is the idempotency record written in the same transaction
// as the entitlement update. OrderID is the primary key, so a second insert
// for the same order is a no-op.
type ProcessedOrder struct {
	OrderID     string    `gorm:"primaryKey;type:varchar(191)" json:"order_id"`
	UserID      string    `gorm:"type:varchar(128);not null;index" json:"user_id"`
	ProductID   string    `gorm:"type:varchar(64);not null" json:"product_id"`
	Provider    string    `gorm:"type:varchar(20);not null;default:''" json:"provider"`
	ProcessedAt time.Time `gorm:"type:timestamp;not null" json:"processed_at"`
}
