package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/oraclepay/app/models"
	"github.com/ManuelReschke/oraclepay/internal/pkg/billing"
	"github.com/ManuelReschke/oraclepay/internal/pkg/entitlements"
	"github.com/ManuelReschke/oraclepay/internal/pkg/guestunlock"
	"github.com/ManuelReschke/oraclepay/internal/pkg/payment"
	"github.com/ManuelReschke/oraclepay/internal/pkg/usercontext"
)

const (
	// DefaultProviderCallTimeout bounds a whole create or capture request.
	DefaultProviderCallTimeout = 30 * time.Second

	serverWarningQueued  = "Payment received. Your balance update is delayed and will be applied automatically."
	serverWarningManual  = "Payment received but could not be credited automatically. Support has been notified."
	serverWarningNotPaid = "Payment has not been completed yet."

	maxOrderStatusWait = 20
)

// PaymentConfig holds the request-independent settings of the payment endpoints.
type PaymentConfig struct {
	// PublicBaseURL is used to build provider notify and return URLs.
	PublicBaseURL  string
	PayPalClientID string
	PayPalEnv      string
	GuestUnlockKey string
	// AllowMockPay enables POST /api/wechat/mock-pay.
	AllowMockPay bool
	CallTimeout  time.Duration
}

// PaymentController serves order creation, capture and status polling.
type PaymentController struct {
	reconciler *billing.Reconciler
	wechat     *payment.WeChatMockProvider
	cfg        PaymentConfig
}

// NewPaymentController creates the controller; wechat may be nil when the
// mock provider is not registered.
func NewPaymentController(reconciler *billing.Reconciler, wechat *payment.WeChatMockProvider, cfg PaymentConfig) *PaymentController {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultProviderCallTimeout
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &PaymentController{reconciler: reconciler, wechat: wechat, cfg: cfg}
}

type productRef struct {
	ID string `json:"id" validate:"required"`
}

type createOrderRequest struct {
	Product   *productRef `json:"product" validate:"required"`
	UserID    string      `json:"userID"`
	Channel   string      `json:"channel" validate:"omitempty,oneof=alipay wxpay"`
	ReturnURL string      `json:"returnUrl" validate:"omitempty,url"`
}

type createOrderResponse struct {
	OrderID     string `json:"orderId"`
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	Status      string `json:"status"`
	ApproveURL  string `json:"approve_url,omitempty"`
	CodeURL     string `json:"code_url,omitempty"`
	PayURL      string `json:"payurl,omitempty"`
	QRCode      string `json:"qrcode,omitempty"`
	CheckoutURL string `json:"checkout_url,omitempty"`
}

// HandleCreateOrder creates a payable order at the provider named in the path.
func (pc *PaymentController) HandleCreateOrder(c *fiber.Ctx) error {
	providerName := strings.ToLower(c.Params("provider"))

	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "Request body must be JSON")
	}
	if err := validate.Struct(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", validationMessage(err))
	}

	userID := usercontext.GetUserID(c)
	if userID == "" {
		userID = strings.TrimSpace(req.UserID)
	}

	oc := payment.OrderContext{
		UserID:    userID,
		ClientIP:  GetClientIP(c),
		ReturnURL: req.ReturnURL,
		Channel:   req.Channel,
	}
	if pc.cfg.PublicBaseURL != "" {
		oc.NotifyURL = pc.cfg.PublicBaseURL + "/api/" + providerName + "/notify"
		if oc.ReturnURL == "" {
			oc.ReturnURL = pc.cfg.PublicBaseURL + "/payment/return"
		}
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), pc.cfg.CallTimeout)
	defer cancel()

	ref, order, err := pc.reconciler.CreateOrder(ctx, providerName, req.Product.ID, userID, oc)
	if err != nil {
		return pc.createOrderError(c, providerName, err)
	}

	resp := createOrderResponse{
		OrderID:     ref.ID,
		ID:          ref.ID,
		Provider:    providerName,
		ApproveURL:  ref.ApproveURL,
		CodeURL:     ref.CodeURL,
		PayURL:      ref.PayURL,
		QRCode:      ref.QRCode,
		CheckoutURL: ref.CheckoutURL,
	}
	if order != nil {
		resp.Status = order.Status
	}
	return c.JSON(resp)
}

func (pc *PaymentController) createOrderError(c *fiber.Ctx, providerName string, err error) error {
	var unknown *entitlements.UnknownProductError
	var cfgErr *payment.ConfigurationError
	var provErr *payment.ProviderError
	switch {
	case errors.As(err, &unknown):
		return jsonError(c, fiber.StatusBadRequest, "invalid_product", unknown.Error())
	case errors.Is(err, payment.ErrUnknownProvider):
		return jsonError(c, fiber.StatusNotFound, "unknown_provider", "Unknown payment provider")
	case errors.As(err, &cfgErr):
		log.Errorf("[Payment] create-order %s: %v", providerName, err)
		return jsonError(c, fiber.StatusServiceUnavailable, "service_unavailable", "Payment provider is not configured")
	case errors.As(err, &provErr):
		log.Warnf("[Payment] create-order %s rejected: %v", providerName, err)
		msg := provErr.Message
		if msg == "" {
			msg = "Payment provider rejected the order"
		}
		return jsonError(c, fiber.StatusBadGateway, "provider_error", msg)
	default:
		log.Errorf("[Payment] create-order %s failed: %v", providerName, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to create order")
	}
}

type captureOrderRequest struct {
	OrderID   string          `json:"orderID" validate:"required"`
	UserID    string          `json:"userID"`
	ProductID string          `json:"productID"`
	Provider  string          `json:"provider"`
	Snapshot  json.RawMessage `json:"snapshot"`
}

type guestUnlockResponse struct {
	Token      string    `json:"token"`
	UnlockedAt time.Time `json:"unlockedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type captureOrderResponse struct {
	OrderID               string               `json:"orderID"`
	Provider              string               `json:"provider"`
	Status                string               `json:"status"`
	OrderStatus           string               `json:"order_status"`
	Paid                  bool                 `json:"paid"`
	Replayed              bool                 `json:"replayed,omitempty"`
	Amount                string               `json:"amount,omitempty"`
	Currency              string               `json:"currency,omitempty"`
	Capture               json.RawMessage      `json:"capture,omitempty"`
	Entitlements          *entitlements.View   `json:"entitlements,omitempty"`
	EntitlementApplyError string               `json:"entitlement_apply_error,omitempty"`
	ServerWarning         string               `json:"server_warning,omitempty"`
	GuestUnlock           *guestUnlockResponse `json:"guest_unlock,omitempty"`
}

// HandleCaptureOrder confirms payment with the provider and applies the
// purchase. A ledger failure after a successful capture is reported next to
// the capture, never as a failed payment.
func (pc *PaymentController) HandleCaptureOrder(c *fiber.Ctx) error {
	var req captureOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "Request body must be JSON")
	}
	if err := validate.Struct(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", validationMessage(err))
	}

	providerName := strings.ToLower(c.Params("provider"))
	if providerName == "" {
		providerName = strings.ToLower(strings.TrimSpace(req.Provider))
	}
	if providerName == "" {
		providerName = payment.ProviderPayPal
	}

	// A verified token always wins over the body.
	userID := usercontext.GetUserID(c)
	if userID == "" {
		userID = strings.TrimSpace(req.UserID)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), pc.cfg.CallTimeout)
	defer cancel()

	result, err := pc.reconciler.Capture(ctx, billing.CaptureRequest{
		Provider:  providerName,
		OrderID:   req.OrderID,
		ProductID: req.ProductID,
		UserID:    userID,
	})
	if err != nil {
		return pc.captureOrderError(c, providerName, req.OrderID, err)
	}

	resp := captureOrderResponse{
		OrderID:     result.Order.OrderID,
		Provider:    result.Order.Provider,
		OrderStatus: result.Order.Status,
		Paid:        result.Paid(),
		Replayed:    result.Replayed,
	}
	if result.Capture != nil {
		resp.Status = result.Capture.Status
		resp.Amount = result.Capture.Amount
		resp.Currency = result.Capture.Currency
		resp.Capture = result.Capture.Raw
	}
	if !resp.Paid {
		resp.ServerWarning = serverWarningNotPaid
		return c.JSON(resp)
	}

	if result.Entitlement != nil {
		view := entitlements.NewView(result.Entitlement, time.Now())
		resp.Entitlements = &view
	}
	if result.ApplyErr != nil {
		resp.EntitlementApplyError = result.ApplyErr.Error()
		resp.ServerWarning = serverWarningManual
		if result.ApplyErr.Queued {
			resp.ServerWarning = serverWarningQueued
		}
	}

	if pc.grantsGuestUnlock(result) {
		var capturedAt time.Time
		if result.Order.CapturedAt != nil {
			capturedAt = *result.Order.CapturedAt
		}
		unlock, err := pc.mintGuestUnlock(result.Order.OrderID, capturedAt, req.Snapshot)
		if err != nil {
			log.Errorf("[Payment] could not mint guest unlock for %s: %v", result.Order.OrderID, err)
		} else {
			resp.GuestUnlock = unlock
		}
	}
	return c.JSON(resp)
}

func (pc *PaymentController) grantsGuestUnlock(result *billing.CaptureResult) bool {
	if result.Order.Status == models.OrderStatusFailed {
		return false
	}
	if result.Guest {
		return true
	}
	product, err := pc.reconciler.Catalog().Lookup(result.Order.ProductID)
	return err == nil && product.Class == entitlements.ClassGuestUnlock
}

func (pc *PaymentController) mintGuestUnlock(orderID string, capturedAt time.Time, snapshot json.RawMessage) (*guestUnlockResponse, error) {
	session := guestunlock.MintForOrderAt(orderID, capturedAt, snapshot)
	token, err := guestunlock.Encode(session, guestunlock.TTLAfterPurchase, pc.cfg.GuestUnlockKey)
	if err != nil {
		return nil, err
	}
	return &guestUnlockResponse{
		Token:      token,
		UnlockedAt: session.UnlockedAt,
		ExpiresAt:  session.ExpiresAt(guestunlock.TTLAfterPurchase),
	}, nil
}

func (pc *PaymentController) captureOrderError(c *fiber.Ctx, providerName, orderID string, err error) error {
	var verr *billing.ValidationError
	var cfgErr *payment.ConfigurationError
	switch {
	case errors.As(err, &verr):
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", verr.Error())
	case errors.Is(err, payment.ErrUnknownProvider):
		return jsonError(c, fiber.StatusNotFound, "unknown_provider", "Unknown payment provider")
	case errors.Is(err, payment.ErrOrderNotFound):
		return jsonError(c, fiber.StatusNotFound, "order_not_found", "Order not found at payment provider")
	case errors.Is(err, billing.ErrCaptureInProgress):
		return jsonError(c, fiber.StatusConflict, "capture_in_progress", "Order is already being captured, retry shortly")
	case errors.As(err, &cfgErr):
		log.Errorf("[Payment] capture %s/%s: %v", providerName, orderID, err)
		return jsonError(c, fiber.StatusServiceUnavailable, "service_unavailable", "Payment provider is not configured")
	default:
		log.Errorf("[Payment] capture %s/%s failed: %v", providerName, orderID, err)
		return jsonError(c, fiber.StatusInternalServerError, "capture_failed", "Failed to capture order")
	}
}

// HandleOrderStatus returns the provider trade state for polling clients.
func (pc *PaymentController) HandleOrderStatus(c *fiber.Ctx) error {
	outTradeNo := strings.TrimSpace(c.Query("out_trade_no"))
	if outTradeNo == "" {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "out_trade_no is required")
	}
	providerName := strings.ToLower(c.Query("provider", payment.ProviderWeChat))

	provider, err := pc.reconciler.Providers().Get(providerName)
	if err != nil {
		return jsonError(c, fiber.StatusNotFound, "unknown_provider", "Unknown payment provider")
	}
	poller, ok := provider.(payment.StatusPoller)
	if !ok {
		return jsonError(c, fiber.StatusBadRequest, "unsupported", "Provider does not support status polling")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), pc.cfg.CallTimeout)
	defer cancel()

	// wait=N holds the request for up to N seconds until the order is paid.
	wait := c.QueryInt("wait", 0)
	if wait > maxOrderStatusWait {
		wait = maxOrderStatusWait
	}
	state, err := payment.PollUntilPaid(ctx, poller, outTradeNo, time.Second, wait+1)
	if errors.Is(err, payment.ErrPollExhausted) || (wait > 0 && errors.Is(err, context.DeadlineExceeded) && state != "") {
		err = nil
	}
	if err != nil {
		if errors.Is(err, payment.ErrOrderNotFound) {
			return jsonError(c, fiber.StatusNotFound, "order_not_found", "Order not found")
		}
		log.Warnf("[Payment] order-status %s/%s: %v", providerName, outTradeNo, err)
		return jsonError(c, fiber.StatusBadGateway, "provider_error", "Could not query order status")
	}
	return c.JSON(fiber.Map{"out_trade_no": outTradeNo, "trade_state": state})
}

// HandleWeChatMockPay marks a mock WeChat order as paid. Development only.
func (pc *PaymentController) HandleWeChatMockPay(c *fiber.Ctx) error {
	if !pc.cfg.AllowMockPay || pc.wechat == nil {
		return jsonError(c, fiber.StatusNotFound, "not_found", "Not found")
	}
	outTradeNo := strings.TrimSpace(c.Query("out_trade_no"))
	if outTradeNo == "" {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "out_trade_no is required")
	}
	order, err := pc.wechat.MarkPaid(c.UserContext(), outTradeNo)
	if err != nil {
		if errors.Is(err, payment.ErrOrderNotFound) {
			return jsonError(c, fiber.StatusNotFound, "order_not_found", "Order not found")
		}
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to update order")
	}
	return c.JSON(fiber.Map{"out_trade_no": order.OutTradeNo, "trade_state": order.TradeState})
}

// HandlePayPalConfig exposes the public PayPal client id for the JS SDK.
func (pc *PaymentController) HandlePayPalConfig(c *fiber.Ctx) error {
	if pc.cfg.PayPalClientID == "" {
		return jsonError(c, fiber.StatusServiceUnavailable, "service_unavailable", "PayPal is not configured")
	}
	env := pc.cfg.PayPalEnv
	if env == "" {
		env = "sandbox"
	}
	return c.JSON(fiber.Map{"clientId": pc.cfg.PayPalClientID, "environment": env, "currency": "USD", "intent": "capture"})
}

// HandleListProducts returns the purchasable catalog.
func (pc *PaymentController) HandleListProducts(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"products": pc.reconciler.Catalog().List(), "providers": pc.reconciler.Providers().Names()})
}
