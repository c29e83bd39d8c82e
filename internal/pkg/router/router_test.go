package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/oraclepay/app/controllers"
	"github.com/ManuelReschke/oraclepay/internal/pkg/billing"
	"github.com/ManuelReschke/oraclepay/internal/pkg/database"
	"github.com/ManuelReschke/oraclepay/internal/pkg/entitlements"
	"github.com/ManuelReschke/oraclepay/internal/pkg/middleware"
	"github.com/ManuelReschke/oraclepay/internal/pkg/payment"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := entitlements.NewStore(db)
	rec := billing.NewReconciler(billing.NewRepository(db), payment.NewRegistry(), store)

	app := fiber.New()
	InstallRouter(app, Dependencies{
		Payments:     controllers.NewPaymentController(rec, nil, controllers.PaymentConfig{}),
		Entitlements: controllers.NewEntitlementController(store),
		Webhooks:     controllers.NewWebhookController(rec, nil, nil),
		GuestUnlock:  controllers.NewGuestUnlockController(""),
		Verifier:     middleware.NewTokenVerifier("router-secret"),
		MonitorUsers: map[string]string{"admin": "secret"},
	})
	return app
}

func get(t *testing.T, app *fiber.App, path string) (*http.Response, string) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestRouter_OperationalRoutes(t *testing.T) {
	app := newTestApp(t)

	resp, _ := get(t, app, "/healthz")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	// Generate at least one counted request before scraping.
	_, _ = get(t, app, "/api/products")
	resp, body := get(t, app, "/metrics")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "oraclepay_http_requests_total")

	resp, _ = get(t, app, "/monitor")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_EntitlementsNeedsBearer(t *testing.T) {
	app := newTestApp(t)
	resp, body := get(t, app, "/api/entitlements")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "unauthorized")
}

func TestRouter_MockPayDisabledOutsideDev(t *testing.T) {
	app := newTestApp(t)
	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/wechat/mock-pay?out_trade_no=x", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestRouter_RateLimit(t *testing.T) {
	app := newTestApp(t)
	var last int
	for i := 0; i <= apiRateLimitMax; i++ {
		resp, _ := get(t, app, "/api/")
		last = resp.StatusCode
	}
	assert.Equal(t, fiber.StatusTooManyRequests, last)
}
