package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/oraclepay/internal/pkg/billing"
	"github.com/ManuelReschke/oraclepay/internal/pkg/database"
	"github.com/ManuelReschke/oraclepay/internal/pkg/entitlements"
	"github.com/ManuelReschke/oraclepay/internal/pkg/guestunlock"
	"github.com/ManuelReschke/oraclepay/internal/pkg/middleware"
	"github.com/ManuelReschke/oraclepay/internal/pkg/payment"
)

const (
	testJWTSecret   = "controller-test-secret"
	testUnlockKey   = "unlock-key"
	testPayPalOrder = "PAYPAL-ORDER-1"
)

type mapSecrets map[string]string

func (m mapSecrets) Get(_ context.Context, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", errors.New("secret not found")
	}
	return v, nil
}

type memoryWeChatStore struct {
	mu     sync.Mutex
	orders map[string]payment.WeChatOrder
}

func (s *memoryWeChatStore) Save(_ context.Context, order payment.WeChatOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.OutTradeNo] = order
	return nil
}

func (s *memoryWeChatStore) Load(_ context.Context, id string) (*payment.WeChatOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, payment.ErrOrderNotFound
	}
	return &o, nil
}

// stubPayPal stands in for the PayPal adapter.
type stubPayPal struct {
	createErr  error
	captureErr error
	status     string
	amount     string
}

func (s *stubPayPal) Name() string { return payment.ProviderPayPal }

func (s *stubPayPal) CreateOrder(context.Context, entitlements.Product, payment.OrderContext) (*payment.OrderRef, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &payment.OrderRef{ID: testPayPalOrder, ApproveURL: "https://paypal.test/approve"}, nil
}

func (s *stubPayPal) CaptureOrder(_ context.Context, ref string) (*payment.Capture, error) {
	if s.captureErr != nil {
		return nil, s.captureErr
	}
	amount := s.amount
	if amount == "" {
		amount = "4.99"
	}
	return &payment.Capture{OrderID: ref, Status: s.status, Amount: amount, Currency: "USD"}, nil
}

type testServer struct {
	app    *fiber.App
	store  *entitlements.Store
	paypal *stubPayPal
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	secrets := mapSecrets{payment.SecretWeChatMchID: "mch-1"}
	wechat := payment.NewWeChatMockProvider(&memoryWeChatStore{orders: map[string]payment.WeChatOrder{}}, secrets)
	paypal := &stubPayPal{status: payment.StatusCompleted}
	store := entitlements.NewStore(db)
	rec := billing.NewReconciler(billing.NewRepository(db), payment.NewRegistry(paypal, wechat), store, billing.WithApplyRetry(1, 0))

	pc := NewPaymentController(rec, wechat, PaymentConfig{GuestUnlockKey: testUnlockKey, AllowMockPay: true, PayPalClientID: "public-id"})
	ec := NewEntitlementController(store)
	verifier := middleware.NewTokenVerifier(testJWTSecret)

	app := fiber.New()
	app.Get("/api/products", pc.HandleListProducts)
	app.Get("/api/paypal/config", pc.HandlePayPalConfig)
	app.Post("/api/capture-order", middleware.OptionalBearerAuth(verifier), pc.HandleCaptureOrder)
	app.Post("/api/:provider/create-order", middleware.OptionalBearerAuth(verifier), pc.HandleCreateOrder)
	app.Post("/api/:provider/capture-order", middleware.OptionalBearerAuth(verifier), pc.HandleCaptureOrder)
	app.Get("/api/order-status", pc.HandleOrderStatus)
	app.Post("/api/wechat/mock-pay", pc.HandleWeChatMockPay)
	app.Get("/api/entitlements", middleware.RequireBearerAuth(verifier), ec.HandleGetEntitlements)

	return &testServer{app: app, store: store, paypal: paypal}
}

func bearer(t *testing.T, uid string) string {
	t.Helper()
	token, err := middleware.IssueToken(testJWTSecret, uid, "", time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, token string) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestCreateOrder_MissingProduct(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, http.MethodPost, "/api/paypal/create-order", map[string]interface{}{}, "")
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", body["error"])

	status, body = s.do(t, http.MethodPost, "/api/paypal/create-order", map[string]interface{}{"product": map[string]string{"id": "nope"}}, "")
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_product", body["error"])
}

func TestCreateOrder_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	req := map[string]interface{}{"product": map[string]string{"id": "credits_10"}}

	s.paypal.createErr = &payment.ConfigurationError{Provider: "paypal", Secret: payment.SecretPayPalClientID}
	status, body := s.do(t, http.MethodPost, "/api/paypal/create-order", req, "")
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "service_unavailable", body["error"])

	s.paypal.createErr = &payment.ProviderError{Provider: "paypal", Operation: "create_order", StatusCode: 422, Message: "UNPROCESSABLE_ENTITY"}
	status, body = s.do(t, http.MethodPost, "/api/paypal/create-order", req, "")
	assert.Equal(t, fiber.StatusBadGateway, status)
	assert.Equal(t, "UNPROCESSABLE_ENTITY", body["message"])

	status, _ = s.do(t, http.MethodPost, "/api/stripe/create-order", req, "")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestCaptureOrder_PayPalCreditsOnce(t *testing.T) {
	s := newTestServer(t)
	token := bearer(t, "user-42")

	status, body := s.do(t, http.MethodPost, "/api/paypal/create-order", map[string]interface{}{"product": map[string]string{"id": "credits_10"}}, token)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, testPayPalOrder, body["orderId"])
	assert.Equal(t, "CREATED", body["status"])

	capture := map[string]string{"orderID": testPayPalOrder, "productID": "credits_10"}
	for i := 0; i < 2; i++ {
		status, body = s.do(t, http.MethodPost, "/api/capture-order", capture, token)
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, true, body["paid"])
		assert.Equal(t, "ENTITLED", body["order_status"])
		assert.Nil(t, body["entitlement_apply_error"])
	}

	status, body = s.do(t, http.MethodGet, "/api/entitlements", nil, token)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 10, body["paidCreditsRemaining"])
	assert.Equal(t, false, body["isVip"])
}

func TestCaptureOrder_ProviderFailureIs500(t *testing.T) {
	s := newTestServer(t)
	s.paypal.captureErr = &payment.ProviderError{Provider: "paypal", Operation: "capture_order", StatusCode: 500}

	status, body := s.do(t, http.MethodPost, "/api/capture-order", map[string]string{"orderID": "X1", "productID": "credits_10", "userID": "u1"}, "")
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "capture_failed", body["error"])
}

func TestCaptureOrder_MissingOrderID(t *testing.T) {
	s := newTestServer(t)
	status, _ := s.do(t, http.MethodPost, "/api/capture-order", map[string]string{"productID": "credits_10"}, "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestCaptureOrder_UnknownProductKeepsPayment(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, http.MethodPost, "/api/capture-order", map[string]string{"orderID": "X2", "productID": "mystery", "userID": "u1"}, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["paid"])
	assert.Equal(t, "FAILED", body["order_status"])
	assert.Contains(t, body["entitlement_apply_error"], "mystery")
	assert.NotEmpty(t, body["server_warning"])
}

func TestCaptureOrder_GuestGetsUnlockToken(t *testing.T) {
	s := newTestServer(t)
	s.paypal.amount = "0.99"
	status, body := s.do(t, http.MethodPost, "/api/capture-order", map[string]interface{}{
		"orderID":   "G1",
		"productID": "guest_unlock",
		"snapshot":  map[string]string{"hexagram": "11"},
	}, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["paid"])

	unlock, ok := body["guest_unlock"].(map[string]interface{})
	require.True(t, ok)
	session, err := guestunlock.Decode(unlock["token"].(string), testUnlockKey)
	require.NoError(t, err)
	assert.Equal(t, "G1", session.OrderID)
	assert.JSONEq(t, `{"hexagram":"11"}`, string(session.Snapshot))
}

func TestCaptureOrder_GuestReplayKeepsExpiry(t *testing.T) {
	s := newTestServer(t)
	s.paypal.amount = "0.99"
	capture := map[string]interface{}{"orderID": "G2", "productID": "guest_unlock"}

	status, body := s.do(t, http.MethodPost, "/api/capture-order", capture, "")
	require.Equal(t, fiber.StatusOK, status)
	first, ok := body["guest_unlock"].(map[string]interface{})
	require.True(t, ok)

	time.Sleep(1100 * time.Millisecond)

	status, body = s.do(t, http.MethodPost, "/api/capture-order", capture, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["replayed"])
	again, ok := body["guest_unlock"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, first["unlockedAt"], again["unlockedAt"])
	assert.Equal(t, first["expiresAt"], again["expiresAt"], "replaying a capture must not extend the unlock")
}

func TestCaptureOrder_UnderpaidGuestGetsNoUnlock(t *testing.T) {
	s := newTestServer(t)
	// 4.99 paid, but the order names a product that costs 0.99
	status, body := s.do(t, http.MethodPost, "/api/capture-order", map[string]interface{}{
		"orderID":   "G3",
		"productID": "guest_unlock",
	}, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["paid"])
	assert.Equal(t, "FAILED", body["order_status"])
	assert.Contains(t, body["entitlement_apply_error"], "expected 0.99 USD")
	assert.Nil(t, body["guest_unlock"])
}

func TestCaptureOrder_PriceMismatchGrantsNothing(t *testing.T) {
	s := newTestServer(t)
	token := bearer(t, "user-77")
	status, body := s.do(t, http.MethodPost, "/api/capture-order", map[string]string{"orderID": "CLIENT-1", "productID": "vip_lifetime"}, token)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["paid"])
	assert.Equal(t, "FAILED", body["order_status"])
	assert.Contains(t, body["entitlement_apply_error"], "vip_lifetime")

	status, body = s.do(t, http.MethodGet, "/api/entitlements", nil, token)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["isVip"])
}

func TestWeChatMockFlow(t *testing.T) {
	s := newTestServer(t)
	token := bearer(t, "wx-user")

	status, body := s.do(t, http.MethodPost, "/api/wechat/create-order", map[string]interface{}{"product": map[string]string{"id": "vip_monthly"}}, token)
	require.Equal(t, fiber.StatusOK, status)
	orderID := body["orderId"].(string)
	assert.Contains(t, body["code_url"], "weixin://")

	status, body = s.do(t, http.MethodGet, "/api/order-status?out_trade_no="+orderID, nil, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, payment.WeChatNotPay, body["trade_state"])

	status, body = s.do(t, http.MethodPost, "/api/wechat/capture-order", map[string]string{"orderID": orderID}, token)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["paid"])
	assert.Equal(t, "CREATED", body["order_status"])

	status, _ = s.do(t, http.MethodPost, "/api/wechat/mock-pay?out_trade_no="+orderID, nil, "")
	require.Equal(t, fiber.StatusOK, status)

	status, body = s.do(t, http.MethodGet, "/api/order-status?wait=5&out_trade_no="+orderID, nil, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, payment.WeChatSuccess, body["trade_state"])

	status, body = s.do(t, http.MethodPost, "/api/wechat/capture-order", map[string]string{"orderID": orderID}, token)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["paid"])
	ent, ok := body["entitlements"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, ent["isVip"])
	assert.NotNil(t, ent["vipExpiresAt"])
}

func TestOrderStatus_Validation(t *testing.T) {
	s := newTestServer(t)
	status, _ := s.do(t, http.MethodGet, "/api/order-status", nil, "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodGet, "/api/order-status?out_trade_no=missing", nil, "")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = s.do(t, http.MethodGet, "/api/order-status?out_trade_no=x&provider=paypal", nil, "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestEntitlements_RequiresToken(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, http.MethodGet, "/api/entitlements", nil, "")
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["error"])

	status, body = s.do(t, http.MethodGet, "/api/entitlements", nil, bearer(t, "fresh-user"))
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, entitlements.DefaultFreeCredits, body["freeCreditsRemaining"])
	assert.EqualValues(t, 0, body["paidCreditsRemaining"])
}

func TestPayPalConfigAndProducts(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, http.MethodGet, "/api/paypal/config", nil, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "public-id", body["clientId"])

	status, body = s.do(t, http.MethodGet, "/api/products", nil, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["products"], len(entitlements.DefaultCatalog().List()))
	assert.ElementsMatch(t, []interface{}{"paypal", "wechat"}, body["providers"])
}
