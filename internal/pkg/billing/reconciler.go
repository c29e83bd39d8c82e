package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/oraclepay/app/models"
	"github.com/ManuelReschke/oraclepay/internal/pkg/entitlements"
	"github.com/ManuelReschke/oraclepay/internal/pkg/metrics"
	"github.com/ManuelReschke/oraclepay/internal/pkg/payment"
)

const (
	// DefaultApplyAttempts is the number of in-process ledger writes tried
	// before the order is handed to the retry queue.
	DefaultApplyAttempts = 3
	DefaultApplyBackoff  = 100 * time.Millisecond

	// CaptureClaimTimeout is how long a CAPTURE_PENDING claim blocks other
	// callers before it is considered abandoned.
	CaptureClaimTimeout = 2 * time.Minute
)

var (
	// ErrOrderNotFound is returned for orders the reconciler has never seen.
	ErrOrderNotFound = errors.New("order not found")
	// ErrCaptureInProgress is returned while another request holds the capture claim.
	ErrCaptureInProgress = errors.New("capture already in progress")
)

// Ledger is the subset of entitlements.Store used by the reconciler.
type Ledger interface {
	Apply(ctx context.Context, userID string, delta entitlements.Delta) (*entitlements.ApplyResult, error)
}

// RetryEnqueuer schedules a deferred entitlement apply for a captured order.
type RetryEnqueuer interface {
	EnqueueEntitlementApply(ctx context.Context, provider, orderID string) error
}

// Reconciler drives orders through CREATED, CAPTURE_PENDING, CAPTURED and
// finally ENTITLED or FAILED. A captured payment is never lost: ledger
// failures leave the order CAPTURED for the retry queue.
type Reconciler struct {
	repo      Repository
	providers *payment.Registry
	ledger    Ledger
	catalog   *entitlements.Catalog
	retry     RetryEnqueuer
	attempts  int
	backoff   time.Duration
	now       func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithRetryEnqueuer sets the deferred retry target.
func WithRetryEnqueuer(q RetryEnqueuer) Option {
	return func(r *Reconciler) { r.retry = q }
}

// WithApplyRetry overrides the in-process apply attempts and base backoff.
func WithApplyRetry(attempts int, backoff time.Duration) Option {
	return func(r *Reconciler) {
		if attempts > 0 {
			r.attempts = attempts
		}
		r.backoff = backoff
	}
}

// WithCatalog overrides the product catalog.
func WithCatalog(c *entitlements.Catalog) Option {
	return func(r *Reconciler) { r.catalog = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a reconciler from injected collaborators.
func NewReconciler(repo Repository, providers *payment.Registry, ledger Ledger, opts ...Option) *Reconciler {
	r := &Reconciler{
		repo:      repo,
		providers: providers,
		ledger:    ledger,
		catalog:   entitlements.DefaultCatalog(),
		attempts:  DefaultApplyAttempts,
		backoff:   DefaultApplyBackoff,
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewReconcilerFromDB wires the gorm repository and ledger over db.
func NewReconcilerFromDB(db *gorm.DB, providers *payment.Registry, opts ...Option) *Reconciler {
	return NewReconciler(NewRepository(db), providers, entitlements.NewStore(db), opts...)
}

// Providers exposes the provider registry.
func (r *Reconciler) Providers() *payment.Registry {
	return r.providers
}

// Catalog exposes the product catalog.
func (r *Reconciler) Catalog() *entitlements.Catalog {
	return r.catalog
}

// NewMerchantOrderID returns a fresh merchant order number.
func NewMerchantOrderID() string {
	return "OP" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:24]
}

// CreateOrder creates the provider order for productID and records it as
// CREATED. Unknown products are rejected before the provider is contacted.
func (r *Reconciler) CreateOrder(ctx context.Context, providerName, productID, userID string, oc payment.OrderContext) (*payment.OrderRef, *models.PaymentOrder, error) {
	product, err := r.catalog.Lookup(productID)
	if err != nil {
		return nil, nil, err
	}
	provider, err := r.providers.Get(providerName)
	if err != nil {
		return nil, nil, err
	}
	if oc.OrderID == "" {
		oc.OrderID = NewMerchantOrderID()
	}
	oc.UserID = userID

	ref, err := provider.CreateOrder(ctx, product, oc)
	if err != nil {
		return nil, nil, err
	}
	order, err := r.RecordCreatedOrder(ctx, provider.Name(), ref.ID, product.ID, userID)
	if err != nil {
		return ref, nil, err
	}
	return ref, order, nil
}

// RecordCreatedOrder persists a CREATED order so later captures and
// notifications can be reconciled without trusting client input. Recording
// the same order twice keeps the first record.
func (r *Reconciler) RecordCreatedOrder(ctx context.Context, provider, orderID, productID, userID string) (*models.PaymentOrder, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	orderID = strings.TrimSpace(orderID)
	if provider == "" || orderID == "" {
		return nil, errors.New("provider and order_id are required")
	}

	order := &models.PaymentOrder{
		OrderID:   orderID,
		Provider:  provider,
		ProductID: strings.TrimSpace(productID),
		Status:    models.OrderStatusCreated,
	}
	if uid := strings.TrimSpace(userID); uid != "" {
		order.UserID = &uid
	}
	if p, err := r.catalog.Lookup(order.ProductID); err == nil {
		order.Amount = p.Amount
		order.Currency = p.Currency
	}
	_, stored, err := r.repo.CreateOrderIfNotExists(ctx, order)
	return stored, err
}

// GetOrder returns the stored order or ErrOrderNotFound.
func (r *Reconciler) GetOrder(ctx context.Context, provider, orderID string) (*models.PaymentOrder, error) {
	order, err := r.repo.GetOrder(ctx, strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(orderID))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrOrderNotFound, provider, orderID)
	}
	return order, err
}

// Capture verifies payment with the provider and applies the purchase.
// Orders captured earlier are replayed from the stored capture without
// contacting the provider again.
func (r *Reconciler) Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	provider, err := r.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return nil, &ValidationError{Field: "orderID", Message: "is required"}
	}

	order, err := r.loadForCapture(ctx, provider.Name(), orderID, req)
	if err != nil {
		return nil, err
	}

	result := &CaptureResult{Order: order, Guest: order.IsGuest()}
	if order.WasCaptured() {
		result.Replayed = true
		result.Capture = storedCapture(order)
		metrics.CapturesTotal.WithLabelValues(provider.Name(), "replayed").Inc()
		r.applyCaptured(ctx, order, result, true)
		return result, nil
	}

	claimed, err := r.repo.ClaimForCapture(ctx, order.ID, r.now().Add(-CaptureClaimTimeout))
	if err != nil {
		return nil, err
	}
	if !claimed {
		fresh, err := r.repo.GetOrder(ctx, order.Provider, order.OrderID)
		if err != nil {
			return nil, err
		}
		if !fresh.WasCaptured() {
			return nil, fmt.Errorf("%w: %s/%s", ErrCaptureInProgress, order.Provider, order.OrderID)
		}
		result.Order = fresh
		result.Replayed = true
		result.Capture = storedCapture(fresh)
		metrics.CapturesTotal.WithLabelValues(provider.Name(), "replayed").Inc()
		r.applyCaptured(ctx, fresh, result, true)
		return result, nil
	}

	capture, err := provider.CaptureOrder(ctx, orderID)
	if err != nil {
		metrics.CapturesTotal.WithLabelValues(provider.Name(), "provider_error").Inc()
		log.Warnf("[Billing] capture %s/%s failed: %v", provider.Name(), orderID, err)
		if _, uerr := r.repo.UpdateOrderIfStatus(ctx, order.ID,
			[]string{models.OrderStatusCreated, models.OrderStatusCapturePending},
			map[string]interface{}{"status": models.OrderStatusFailed, "last_error": truncateError(err)},
		); uerr != nil {
			log.Errorf("[Billing] could not mark order %s failed: %v", orderID, uerr)
		}
		return nil, err
	}
	result.Capture = capture

	if !capture.Completed() {
		metrics.CapturesTotal.WithLabelValues(provider.Name(), "not_completed").Inc()
		// Not paid yet; the order may be captured again later.
		if _, err := r.repo.UpdateOrderIfStatus(ctx, order.ID,
			[]string{models.OrderStatusCapturePending},
			map[string]interface{}{"status": models.OrderStatusCreated, "provider_status": capture.Status},
		); err != nil {
			return nil, err
		}
		order.Status = models.OrderStatusCreated
		order.ProviderStatus = capture.Status
		return result, nil
	}

	metrics.CapturesTotal.WithLabelValues(provider.Name(), "completed").Inc()
	if err := r.markCaptured(ctx, order, capture); err != nil {
		return nil, err
	}
	r.applyCaptured(ctx, order, result, true)
	return result, nil
}

// loadForCapture returns the stored order, creating it when the capture is
// the first time this order is seen, and checks the request against it.
func (r *Reconciler) loadForCapture(ctx context.Context, provider, orderID string, req CaptureRequest) (*models.PaymentOrder, error) {
	order, err := r.repo.GetOrder(ctx, provider, orderID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	productID := strings.TrimSpace(req.ProductID)
	userID := strings.TrimSpace(req.UserID)

	if order == nil {
		if productID == "" {
			return nil, &ValidationError{Field: "productId", Message: "is required for unknown orders"}
		}
		return r.RecordCreatedOrder(ctx, provider, orderID, productID, userID)
	}

	if productID != "" && productID != order.ProductID {
		return nil, &ValidationError{Field: "productId", Message: "does not match the order"}
	}
	if userID != "" {
		switch {
		case order.IsGuest():
			// The buyer signed in between checkout and capture.
			if !order.WasCaptured() {
				if err := r.repo.UpdateOrder(ctx, order.ID, map[string]interface{}{"user_id": userID}); err != nil {
					return nil, err
				}
				order.UserID = &userID
			}
		case *order.UserID != userID:
			return nil, &ValidationError{Field: "userId", Message: "order belongs to another user"}
		}
	}
	return order, nil
}

func (r *Reconciler) markCaptured(ctx context.Context, order *models.PaymentOrder, capture *payment.Capture) error {
	// whole seconds, so the value reads back identically from every driver
	now := r.now().UTC().Truncate(time.Second)
	raw, err := json.Marshal(capture)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"status":           models.OrderStatusCaptured,
		"provider_status":  capture.Status,
		"amount":           capture.Amount,
		"currency":         capture.Currency,
		"raw_capture_json": string(raw),
		"captured_at":      &now,
		"last_error":       "",
	}
	changed, err := r.repo.UpdateOrderIfStatus(ctx, order.ID,
		[]string{models.OrderStatusCreated, models.OrderStatusCapturePending, models.OrderStatusFailed},
		updates,
	)
	if err != nil {
		return err
	}
	if !changed {
		// A concurrent capture already moved the order on.
		fresh, err := r.repo.GetOrder(ctx, order.Provider, order.OrderID)
		if err != nil {
			return err
		}
		*order = *fresh
		return nil
	}
	order.Status = models.OrderStatusCaptured
	order.ProviderStatus = capture.Status
	order.Amount = capture.Amount
	order.Currency = capture.Currency
	order.RawCaptureJSON = string(raw)
	order.CapturedAt = &now
	order.LastError = ""
	return nil
}

// applyCaptured moves a CAPTURED order to ENTITLED or FAILED. Ledger errors
// are reported on the result, never returned. With enqueue set, exhausted
// retries hand the order to the retry queue.
func (r *Reconciler) applyCaptured(ctx context.Context, order *models.PaymentOrder, result *CaptureResult, enqueue bool) {
	product, err := r.catalog.Lookup(order.ProductID)
	if err != nil {
		log.Warnf("[Billing] order %s captured for unknown product %q", order.OrderID, order.ProductID)
		r.failCaptured(ctx, order, result, "unknown_product", err)
		return
	}
	if !result.Capture.MatchesPrice(order.Provider, product) {
		wantAmount, wantCurrency := payment.Price(order.Provider, product)
		mismatch := &PriceMismatchError{
			ProductID:        product.ID,
			ExpectedAmount:   wantAmount,
			ExpectedCurrency: wantCurrency,
		}
		if result.Capture != nil {
			mismatch.PaidAmount = result.Capture.Amount
			mismatch.PaidCurrency = result.Capture.Currency
		}
		log.Warnf("[Billing] order %s/%s: %v", order.Provider, order.OrderID, mismatch)
		r.failCaptured(ctx, order, result, "price_mismatch", mismatch)
		return
	}

	if order.IsGuest() {
		metrics.EntitlementAppliesTotal.WithLabelValues("guest").Inc()
		r.markEntitled(ctx, order)
		return
	}

	userID := *order.UserID
	res, attempts, err := r.applyWithRetry(ctx, order)
	if err == nil {
		result.Entitlement = res.Entitlement
		r.markEntitled(ctx, order)
		return
	}

	applyErr := &EntitlementApplyError{
		OrderID:   order.OrderID,
		UserID:    userID,
		ProductID: order.ProductID,
		Attempts:  attempts,
		Err:       err,
	}
	log.Errorf("[Billing] %v", applyErr)
	if uerr := r.repo.UpdateOrder(ctx, order.ID, map[string]interface{}{
		"last_error":     truncateError(err),
		"apply_attempts": gorm.Expr("apply_attempts + ?", attempts),
	}); uerr != nil {
		log.Errorf("[Billing] could not record apply failure for %s: %v", order.OrderID, uerr)
	}
	if enqueue && r.retry != nil {
		if qerr := r.retry.EnqueueEntitlementApply(ctx, order.Provider, order.OrderID); qerr != nil {
			log.Errorf("[Billing] could not enqueue apply retry for %s: %v", order.OrderID, qerr)
		} else {
			applyErr.Queued = true
		}
	}
	result.ApplyErr = applyErr
}

// failCaptured parks a captured order in FAILED for manual follow-up. The
// payment itself stays reported as captured.
func (r *Reconciler) failCaptured(ctx context.Context, order *models.PaymentOrder, result *CaptureResult, outcome string, err error) {
	metrics.EntitlementAppliesTotal.WithLabelValues(outcome).Inc()
	if uerr := r.repo.UpdateOrder(ctx, order.ID, map[string]interface{}{
		"status":     models.OrderStatusFailed,
		"last_error": truncateError(err),
	}); uerr != nil {
		log.Errorf("[Billing] could not mark order %s failed: %v", order.OrderID, uerr)
	}
	order.Status = models.OrderStatusFailed
	order.LastError = truncateError(err)

	var userID string
	if !order.IsGuest() {
		userID = *order.UserID
	}
	result.ApplyErr = &EntitlementApplyError{OrderID: order.OrderID, UserID: userID, ProductID: order.ProductID, Err: err}
}

func (r *Reconciler) applyWithRetry(ctx context.Context, order *models.PaymentOrder) (*entitlements.ApplyResult, int, error) {
	delta := entitlements.Delta{OrderID: order.OrderID, ProductID: order.ProductID, Provider: order.Provider}

	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		res, err := r.ledger.Apply(ctx, *order.UserID, delta)
		if err == nil {
			if res.Duplicate {
				metrics.EntitlementAppliesTotal.WithLabelValues("duplicate").Inc()
			} else {
				metrics.EntitlementAppliesTotal.WithLabelValues("applied").Inc()
			}
			return res, attempt, nil
		}
		lastErr = err
		metrics.EntitlementAppliesTotal.WithLabelValues("error").Inc()

		var unknown *entitlements.UnknownProductError
		if errors.As(err, &unknown) || attempt == r.attempts {
			return nil, attempt, lastErr
		}
		if !errors.Is(err, entitlements.ErrConcurrentUpdate) {
			log.Warnf("[Billing] apply attempt %d/%d for %s failed: %v", attempt, r.attempts, order.OrderID, err)
		}
		if err := sleepCtx(ctx, r.backoff*time.Duration(attempt)); err != nil {
			return nil, attempt, lastErr
		}
	}
	return nil, r.attempts, lastErr
}

func (r *Reconciler) markEntitled(ctx context.Context, order *models.PaymentOrder) {
	if order.Status == models.OrderStatusEntitled {
		return
	}
	now := r.now().UTC()
	if err := r.repo.UpdateOrder(ctx, order.ID, map[string]interface{}{
		"status":      models.OrderStatusEntitled,
		"entitled_at": &now,
		"last_error":  "",
	}); err != nil {
		// The ledger write is durable; the sweeper will converge the status.
		log.Errorf("[Billing] could not mark order %s entitled: %v", order.OrderID, err)
		return
	}
	order.Status = models.OrderStatusEntitled
	order.EntitledAt = &now
	order.LastError = ""
}

// RetryApply re-runs the ledger write for a CAPTURED order. It is called by
// the retry worker and returns an error while the order stays unapplied.
func (r *Reconciler) RetryApply(ctx context.Context, provider, orderID string) error {
	order, err := r.GetOrder(ctx, provider, orderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusCaptured {
		return nil
	}
	result := &CaptureResult{Order: order, Capture: storedCapture(order), Replayed: true}
	// The worker owns the retry schedule from here on.
	r.applyCaptured(ctx, order, result, false)
	if order.Status == models.OrderStatusFailed {
		// needs an operator, not another attempt
		log.Warnf("[Billing] deferred apply for order %s gave up: %v", orderID, result.ApplyErr)
		return nil
	}
	if result.ApplyErr != nil {
		return result.ApplyErr
	}
	log.Infof("[Billing] deferred apply for order %s succeeded", orderID)
	return nil
}

// SweepCaptured re-enqueues orders stuck in CAPTURED since before olderThan.
func (r *Reconciler) SweepCaptured(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if r.retry == nil {
		return 0, nil
	}
	orders, err := r.repo.ListOrdersByStatus(ctx, models.OrderStatusCaptured, r.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, o := range orders {
		if err := r.retry.EnqueueEntitlementApply(ctx, o.Provider, o.OrderID); err != nil {
			log.Errorf("[Billing] sweep could not enqueue %s/%s: %v", o.Provider, o.OrderID, err)
			continue
		}
		queued++
	}
	return queued, nil
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (r *Reconciler) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		OrderID:         strings.TrimSpace(in.OrderID),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return r.repo.CreateWebhookEventIfNotExists(ctx, event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (r *Reconciler) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return r.repo.MarkWebhookProcessed(ctx, webhookEventID, errMsg)
}

// HandleNotification records a verified provider notification and, when it
// reports a completed payment, reconciles the stored order through Capture.
// Already processed events return (nil, false, nil).
func (r *Reconciler) HandleNotification(ctx context.Context, n *payment.Notification) (*CaptureResult, bool, error) {
	created, event, err := r.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:        n.Provider,
		ProviderEventID: n.EventID,
		EventType:       n.EventType,
		OrderID:         n.OrderID,
		PayloadJSON:     string(n.Raw),
		SignatureValid:  true,
	})
	if err != nil {
		return nil, false, err
	}
	if !created && event.ProcessedAt != nil && event.ProcessingError == "" {
		return nil, false, nil
	}

	var result *CaptureResult
	var procErr error
	switch {
	case !n.Completed():
		log.Infof("[Billing] %s event %s for order %s is %q, nothing to capture", n.Provider, n.EventID, n.OrderID, n.Status)
	case n.OrderID == "":
		procErr = errors.New("notification carries no order reference")
	default:
		if _, err := r.GetOrder(ctx, n.Provider, n.OrderID); err != nil {
			procErr = err
			break
		}
		result, procErr = r.Capture(ctx, CaptureRequest{Provider: n.Provider, OrderID: n.OrderID})
		if procErr == nil && result.ApplyErr != nil {
			procErr = result.ApplyErr
		}
	}

	if err := r.MarkWebhookProcessed(ctx, event.ID, procErr); err != nil {
		log.Errorf("[Billing] could not mark webhook %d processed: %v", event.ID, err)
	}
	if procErr != nil {
		var applyErr *EntitlementApplyError
		if errors.As(procErr, &applyErr) {
			// Captured; the apply is retried by the queue or parked as FAILED.
			return result, true, nil
		}
		return result, true, procErr
	}
	return result, true, nil
}

func storedCapture(order *models.PaymentOrder) *payment.Capture {
	c := &payment.Capture{}
	if order.RawCaptureJSON != "" && json.Unmarshal([]byte(order.RawCaptureJSON), c) == nil {
		return c
	}
	return &payment.Capture{
		OrderID:  order.OrderID,
		Status:   order.ProviderStatus,
		Amount:   order.Amount,
		Currency: order.Currency,
	}
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > 1000 {
		return msg[:1000]
	}
	return msg
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
