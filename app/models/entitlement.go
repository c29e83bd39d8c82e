package models

import (
	"time"
)

// Entitlement is the per-user ledger of free credits, paid credits and VIP state.
// VipExpiresAt == nil while IsVip is true means lifetime VIP.
type Entitlement struct {
	ID                  uint       `gorm:"primaryKey" json:"-"`
	UserID              string     `gorm:"type:varchar(128);not null;uniqueIndex" json:"user_id"`
	FreeCredits         int        `gorm:"not null;default:0" json:"free_credits"`
	FreeCreditsExpireAt time.Time  `gorm:"type:timestamp;not null" json:"free_credits_expire_at"`
	PaidCredits         int        `gorm:"not null;default:0" json:"paid_credits"`
	IsVip               bool       `gorm:"not null;default:false" json:"is_vip"`
	VipExpiresAt        *time.Time `gorm:"type:timestamp;default:null" json:"vip_expires_at"`
	LastConsumptionTime *time.Time `gorm:"type:timestamp;default:null" json:"last_consumption_time,omitempty"`
	Version             uint       `gorm:"not null;default:1" json:"-"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsLifetimeVip reports whether the VIP grant never expires.
func (e *Entitlement) IsLifetimeVip() bool {
	return e != nil && e.IsVip && e.VipExpiresAt == nil
}

// FreeCreditsRemaining returns usable free credits; zero once now >= FreeCreditsExpireAt.
func (e *Entitlement) FreeCreditsRemaining(now time.Time) int {
	if e == nil || !now.Before(e.FreeCreditsExpireAt) {
		return 0
	}
	if e.FreeCredits < 0 {
		return 0
	}
	return e.FreeCredits
}

// VipActive reports whether VIP is in effect at now.
func (e *Entitlement) VipActive(now time.Time) bool {
	if e == nil || !e.IsVip {
		return false
	}
	if e.VipExpiresAt == nil {
		return true
	}
	return now.Before(*e.VipExpiresAt)
}
