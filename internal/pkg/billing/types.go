package billing

import (
	"fmt"

	"github.com/ManuelReschke/oraclepay/app/models"
	"github.com/ManuelReschke/oraclepay/internal/pkg/payment"
)

// CaptureRequest identifies an order to capture. An empty UserID marks a
// guest purchase; an empty ProductID falls back to the stored order.
type CaptureRequest struct {
	Provider  string
	OrderID   string
	ProductID string
	UserID    string
}

// CaptureResult is the reconciled outcome of a capture. A non-nil ApplyErr
// never means the payment failed: the capture stays valid and the ledger
// write is retried later.
type CaptureResult struct {
	Order       *models.PaymentOrder
	Capture     *payment.Capture
	Entitlement *models.Entitlement
	// Replayed is true when the provider was not contacted because the order
	// had already been captured.
	Replayed bool
	Guest    bool
	ApplyErr *EntitlementApplyError
}

// Paid reports whether the provider confirmed the payment.
func (r *CaptureResult) Paid() bool {
	return r != nil && r.Capture.Completed()
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	OrderID         string
	PayloadJSON     string
	SignatureValid  bool
}

// EntitlementApplyError reports that a captured payment could not be
// written to the user's ledger.
type EntitlementApplyError struct {
	OrderID   string
	UserID    string
	ProductID string
	Attempts  int
	Queued    bool
	Err       error
}

func (e *EntitlementApplyError) Error() string {
	return fmt.Sprintf("entitlement apply failed for order %s (user %s, product %s) after %d attempt(s): %v",
		e.OrderID, e.UserID, e.ProductID, e.Attempts, e.Err)
}

func (e *EntitlementApplyError) Unwrap() error { return e.Err }

// ValidationError reports a capture request that contradicts the stored order.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// PriceMismatchError reports a completed payment whose amount or currency
// differs from the price of the ordered product.
type PriceMismatchError struct {
	ProductID        string
	ExpectedAmount   string
	ExpectedCurrency string
	PaidAmount       string
	PaidCurrency     string
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("paid %s %s for product %s, expected %s %s",
		e.PaidAmount, e.PaidCurrency, e.ProductID, e.ExpectedAmount, e.ExpectedCurrency)
}
