package controllers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/oraclepay/app/models"
	"github.com/ManuelReschke/oraclepay/internal/pkg/billing"
	"github.com/ManuelReschke/oraclepay/internal/pkg/database"
	"github.com/ManuelReschke/oraclepay/internal/pkg/entitlements"
	"github.com/ManuelReschke/oraclepay/internal/pkg/payment"
)

var webhookSecrets = mapSecrets{
	payment.SecretZPayPID:            "1001",
	payment.SecretZPayKey:            "zkey",
	payment.SecretCreemAPIKey:        "ck_test",
	payment.SecretCreemWebhookSecret: "whsec",
}

type webhookFixture struct {
	app   *fiber.App
	rec   *billing.Reconciler
	store *entitlements.Store
}

// newWebhookFixture wires both adapters against a fake provider API that
// reports every order as paid.
func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api.php":
			_, _ = w.Write([]byte(`{"code":1,"msg":"ok","trade_no":"T1","out_trade_no":"` + r.URL.Query().Get("out_trade_no") + `","money":"29.90","status":1}`))
		case "/v1/checkouts":
			_, _ = w.Write([]byte(`{"id":"` + r.URL.Query().Get("checkout_id") + `","status":"completed","order":{"status":"paid","amount":9999,"currency":"usd"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(api.Close)

	db, err := database.OpenInMemory()
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	zpay := payment.NewZPayProvider(api.URL, "", webhookSecrets, api.Client())
	creem := payment.NewCreemProvider(api.URL, webhookSecrets, api.Client())
	store := entitlements.NewStore(db)
	rec := billing.NewReconciler(billing.NewRepository(db), payment.NewRegistry(zpay, creem), store, billing.WithApplyRetry(1, 0))

	wc := NewWebhookController(rec, zpay, creem)
	app := fiber.New()
	app.Post("/api/zpay/notify", wc.HandleZPayNotify)
	app.Post("/api/creem/webhook", wc.HandleCreemWebhook)
	return &webhookFixture{app: app, rec: rec, store: store}
}

func (f *webhookFixture) post(t *testing.T, path, contentType string, body []byte, header map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func zpayNotifyForm(orderID, key string) url.Values {
	params := url.Values{}
	params.Set("pid", "1001")
	params.Set("trade_no", "T1")
	params.Set("out_trade_no", orderID)
	params.Set("type", "alipay")
	params.Set("name", "10 Readings")
	params.Set("money", "29.90")
	params.Set("trade_status", payment.ZPayTradeSuccess)
	params.Set("sign", payment.SignParams(params, key))
	params.Set("sign_type", "MD5")
	return params
}

func TestZPayNotify_CreditsOnceAndAcknowledges(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := t.Context()
	_, err := f.rec.RecordCreatedOrder(ctx, payment.ProviderZPay, "OPZ1", "credits_10", "zuser")
	require.NoError(t, err)

	form := []byte(zpayNotifyForm("OPZ1", "zkey").Encode())
	for i := 0; i < 2; i++ {
		status, body := f.post(t, "/api/zpay/notify", fiber.MIMEApplicationForm, form, nil)
		assert.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, "success", body)
	}

	e, err := f.store.Get(ctx, "zuser")
	require.NoError(t, err)
	assert.Equal(t, 10, e.PaidCredits)
}

func TestZPayNotify_UnderpaidOrderIsParked(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := t.Context()
	// the provider reports 29.90 CNY, credits_50 costs 129.00
	_, err := f.rec.RecordCreatedOrder(ctx, payment.ProviderZPay, "OPZ3", "credits_50", "zuser3")
	require.NoError(t, err)

	status, body := f.post(t, "/api/zpay/notify", fiber.MIMEApplicationForm, []byte(zpayNotifyForm("OPZ3", "zkey").Encode()), nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "success", body)

	order, err := f.rec.GetOrder(ctx, payment.ProviderZPay, "OPZ3")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, order.Status)
	assert.Contains(t, order.LastError, "expected 129.00 CNY")

	e, err := f.store.Get(ctx, "zuser3")
	require.NoError(t, err)
	assert.Equal(t, 0, e.PaidCredits)
}

func TestZPayNotify_BadSignature(t *testing.T) {
	f := newWebhookFixture(t)
	form := []byte(zpayNotifyForm("OPZ2", "wrong-key").Encode())
	status, body := f.post(t, "/api/zpay/notify", fiber.MIMEApplicationForm, form, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "fail", body)
}

func TestZPayNotify_UnknownOrderIsAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)
	form := []byte(zpayNotifyForm("UNKNOWN", "zkey").Encode())
	status, body := f.post(t, "/api/zpay/notify", fiber.MIMEApplicationForm, form, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "success", body)
}

func creemSign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte("whsec"))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCreemWebhook_CheckoutCompleted(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := t.Context()
	_, err := f.rec.RecordCreatedOrder(ctx, payment.ProviderCreem, "ch_9", "vip_lifetime", "cuser")
	require.NoError(t, err)

	payload := []byte(`{"id":"evt_1","eventType":"checkout.completed","object":{"id":"ch_9","status":"completed","order":{"status":"paid","amount":9999,"currency":"usd"}}}`)
	header := map[string]string{payment.CreemSignatureHeader: creemSign(payload)}

	status, body := f.post(t, "/api/creem/webhook", fiber.MIMEApplicationJSON, payload, header)
	require.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, body, `"order_status":"ENTITLED"`)

	status, body = f.post(t, "/api/creem/webhook", fiber.MIMEApplicationJSON, payload, header)
	require.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, body, `"duplicate":true`)

	e, err := f.store.Get(ctx, "cuser")
	require.NoError(t, err)
	assert.True(t, e.IsVip)
	assert.Nil(t, e.VipExpiresAt)
}

func TestCreemWebhook_InvalidSignature(t *testing.T) {
	f := newWebhookFixture(t)
	payload := []byte(`{"id":"evt_2","eventType":"checkout.completed","object":{"id":"ch_x"}}`)
	status, body := f.post(t, "/api/creem/webhook", fiber.MIMEApplicationJSON, payload, map[string]string{payment.CreemSignatureHeader: strings.Repeat("0", 64)})
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Contains(t, body, "invalid_signature")
}
