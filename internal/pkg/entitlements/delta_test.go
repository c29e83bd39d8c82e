package entitlements

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/oraclepay/app/models"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func mustProduct(t *testing.T, id string) Product {
	t.Helper()
	p, err := DefaultCatalog().Lookup(id)
	require.NoError(t, err)
	return p
}

func TestFreeCreditsBoundary(t *testing.T) {
	e := NewDefault("u1", t0)

	assert.Equal(t, DefaultFreeCredits, e.FreeCreditsRemaining(t0.Add(71*time.Hour+59*time.Minute)))
	assert.Equal(t, 0, e.FreeCreditsRemaining(t0.Add(72*time.Hour)))
	assert.Equal(t, 0, e.FreeCreditsRemaining(t0.Add(100*time.Hour)))
}

func TestMerge_CreditPack(t *testing.T) {
	cur := NewDefault("u1", t0)
	next := Merge(cur, mustProduct(t, "credits_10"), t0)

	assert.Equal(t, 10, next.PaidCredits)
	assert.False(t, next.IsVip)
	assert.Equal(t, 0, cur.PaidCredits, "input must not be modified")
}

func TestMerge_MonthlyFromNothing(t *testing.T) {
	next := Merge(NewDefault("u1", t0), mustProduct(t, "vip_monthly"), t0)

	require.True(t, next.IsVip)
	require.NotNil(t, next.VipExpiresAt)
	assert.True(t, next.VipExpiresAt.Equal(t0.Add(VipMonthlyPeriod)))
}

func TestMerge_MonthlyStacksFromCurrentExpiry(t *testing.T) {
	cur := NewDefault("u1", t0)
	future := t0.Add(10 * 24 * time.Hour)
	cur.IsVip = true
	cur.VipExpiresAt = &future

	next := Merge(cur, mustProduct(t, "vip_monthly"), t0)
	assert.True(t, next.VipExpiresAt.Equal(future.Add(VipMonthlyPeriod)), "pre-paid time must not be lost")
}

func TestMerge_MonthlyAfterExpiryStartsFromNow(t *testing.T) {
	cur := NewDefault("u1", t0)
	past := t0.Add(-24 * time.Hour)
	cur.IsVip = true
	cur.VipExpiresAt = &past

	next := Merge(cur, mustProduct(t, "vip_monthly"), t0)
	assert.True(t, next.VipExpiresAt.Equal(t0.Add(VipMonthlyPeriod)))
}

func TestMerge_LifetimeIsAbsorbing(t *testing.T) {
	cur := Merge(NewDefault("u1", t0), mustProduct(t, "vip_lifetime"), t0)
	require.True(t, cur.IsLifetimeVip())

	next := Merge(cur, mustProduct(t, "vip_monthly"), t0.Add(time.Hour))
	assert.True(t, next.IsVip)
	assert.Nil(t, next.VipExpiresAt)
}

func TestMerge_AnnualIsLifetime(t *testing.T) {
	future := t0.Add(5 * 24 * time.Hour)
	cur := NewDefault("u1", t0)
	cur.IsVip = true
	cur.VipExpiresAt = &future

	next := Merge(cur, mustProduct(t, "vip_annual"), t0)
	assert.True(t, next.IsLifetimeVip())
}

func TestMerge_GuestUnlockLeavesLedger(t *testing.T) {
	cur := NewDefault("u1", t0)
	next := Merge(cur, mustProduct(t, "guest_unlock"), t0)
	assert.Equal(t, cur, next)
	assert.False(t, MutatesLedger(ClassGuestUnlock))
}

func TestCatalog_UnknownProduct(t *testing.T) {
	_, err := DefaultCatalog().Lookup("credits_9000")
	var unknown *UnknownProductError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "credits_9000", unknown.ProductID)
}

func TestNewView(t *testing.T) {
	exp := t0.Add(time.Hour)
	e := &models.Entitlement{
		FreeCredits:         3,
		FreeCreditsExpireAt: t0,
		PaidCredits:         7,
		IsVip:               true,
		VipExpiresAt:        &exp,
	}

	v := NewView(e, t0)
	assert.Equal(t, 0, v.FreeCreditsRemaining)
	assert.Equal(t, 7, v.PaidCreditsRemaining)
	assert.True(t, v.IsVip)
	require.NotNil(t, v.VipExpiresAt)

	expired := NewView(e, t0.Add(2*time.Hour))
	assert.False(t, expired.IsVip)
	assert.Nil(t, expired.VipExpiresAt)
}
