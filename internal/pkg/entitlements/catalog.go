package entitlements

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProductClass groups products by the effect they have on the ledger.
type ProductClass string

const (
	ClassCreditPack  ProductClass = "credit_pack"
	ClassVipMonthly  ProductClass = "vip_monthly"
	ClassVipLifetime ProductClass = "vip_lifetime"
	ClassGuestUnlock ProductClass = "guest_unlock"
)

const (
	// DefaultFreeCredits is granted once when the entitlement record is created.
	DefaultFreeCredits = 3
	// FreeCreditsValidity is how long the initial free credits stay usable.
	FreeCreditsValidity = 72 * time.Hour
	// VipMonthlyPeriod is added per monthly purchase.
	VipMonthlyPeriod = 30 * 24 * time.Hour
)

// Product is a purchasable item and its ledger effect.
type Product struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Class       ProductClass `json:"class"`
	Credits     int          `json:"credits,omitempty"`
	Amount      string       `json:"amount"`
	Currency    string       `json:"currency"`
	AmountCNY   string       `json:"amount_cny"`
}

// Catalog resolves product ids to products.
type Catalog struct {
	products map[string]Product
}

// NewCatalog builds a catalog from the given products; later ids win.
func NewCatalog(products ...Product) *Catalog {
	c := &Catalog{products: make(map[string]Product, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

// DefaultCatalog is the product list sold by the site.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Product{ID: "credits_10", Name: "10 Readings", Description: "Pack of 10 divination readings", Class: ClassCreditPack, Credits: 10, Amount: "4.99", Currency: "USD", AmountCNY: "29.90"},
		Product{ID: "credits_50", Name: "50 Readings", Description: "Pack of 50 divination readings", Class: ClassCreditPack, Credits: 50, Amount: "19.99", Currency: "USD", AmountCNY: "129.00"},
		Product{ID: "vip_monthly", Name: "VIP Monthly", Description: "Unlimited readings for 30 days", Class: ClassVipMonthly, Amount: "9.99", Currency: "USD", AmountCNY: "59.00"},
		Product{ID: "vip_annual", Name: "VIP Annual", Description: "Unlimited readings, never expires", Class: ClassVipLifetime, Amount: "59.99", Currency: "USD", AmountCNY: "399.00"},
		Product{ID: "vip_lifetime", Name: "VIP Lifetime", Description: "Unlimited readings forever", Class: ClassVipLifetime, Amount: "99.99", Currency: "USD", AmountCNY: "699.00"},
		Product{ID: "guest_unlock", Name: "Single Reading", Description: "Unlock the current reading", Class: ClassGuestUnlock, Amount: "0.99", Currency: "USD", AmountCNY: "6.90"},
	)
}

// Lookup returns the product for id or an *UnknownProductError.
func (c *Catalog) Lookup(id string) (Product, error) {
	p, ok := c.products[strings.TrimSpace(id)]
	if !ok {
		return Product{}, &UnknownProductError{ProductID: id}
	}
	return p, nil
}

// List returns all products ordered by id.
func (c *Catalog) List() []Product {
	out := make([]Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UnknownProductError is returned for product ids with no defined delta.
type UnknownProductError struct {
	ProductID string
}

func (e *UnknownProductError) Error() string {
	return fmt.Sprintf("unknown product %q", e.ProductID)
}
