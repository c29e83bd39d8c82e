package entitlements

import (
	"time"

	"github.com/ManuelReschke/oraclepay/app/models"
)

// NewDefault returns the initial entitlement for a user created at now.
func NewDefault(userID string, now time.Time) models.Entitlement {
	return models.Entitlement{
		UserID:              userID,
		FreeCredits:         DefaultFreeCredits,
		FreeCreditsExpireAt: now.Add(FreeCreditsValidity),
		PaidCredits:         0,
		IsVip:               false,
		Version:             1,
	}
}

// Merge applies the ledger effect of product to current and returns the
// result. current is not modified.
func Merge(current models.Entitlement, product Product, now time.Time) models.Entitlement {
	next := current
	switch product.Class {
	case ClassCreditPack:
		next.PaidCredits = current.PaidCredits + product.Credits
	case ClassVipMonthly:
		if current.IsLifetimeVip() {
			return next
		}
		base := now
		if current.IsVip && current.VipExpiresAt != nil && current.VipExpiresAt.After(now) {
			base = *current.VipExpiresAt
		}
		exp := base.Add(VipMonthlyPeriod)
		next.IsVip = true
		next.VipExpiresAt = &exp
	case ClassVipLifetime:
		next.IsVip = true
		next.VipExpiresAt = nil
	case ClassGuestUnlock:
		// delivered through a guest unlock session
	}
	return next
}

// MutatesLedger reports whether the product class changes the entitlement row.
func MutatesLedger(class ProductClass) bool {
	switch class {
	case ClassCreditPack, ClassVipMonthly, ClassVipLifetime:
		return true
	default:
		return false
	}
}

// View is the public read model returned by GET /entitlements.
type View struct {
	FreeCreditsRemaining int        `json:"freeCreditsRemaining"`
	FreeCreditsExpireAt  time.Time  `json:"freeCreditsExpireAt"`
	PaidCreditsRemaining int        `json:"paidCreditsRemaining"`
	IsVip                bool       `json:"isVip"`
	VipExpiresAt         *time.Time `json:"vipExpiresAt"`
}

// NewView computes expiry-dependent fields at now instead of trusting stored flags.
func NewView(e *models.Entitlement, now time.Time) View {
	v := View{
		FreeCreditsRemaining: e.FreeCreditsRemaining(now),
		FreeCreditsExpireAt:  e.FreeCreditsExpireAt.UTC(),
		PaidCreditsRemaining: e.PaidCredits,
		IsVip:                e.VipActive(now),
	}
	if v.IsVip && e.VipExpiresAt != nil {
		t := e.VipExpiresAt.UTC()
		v.VipExpiresAt = &t
	}
	return v
}
