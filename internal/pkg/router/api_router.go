package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/oraclepay/internal/pkg/middleware"
)

const (
	apiRateLimitMax    = 60
	apiRateLimitWindow = time.Minute
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        apiRateLimitMax,
		Expiration: apiRateLimitWindow,
		Storage:    h.deps.LimiterStorage,
		Next: func(c *fiber.Ctx) bool {
			// Provider callbacks must never be throttled.
			return c.Path() == "/api/zpay/notify" || c.Path() == "/api/creem/webhook"
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited", "message": "Too many requests"})
		},
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	optionalAuth := middleware.OptionalBearerAuth(h.deps.Verifier)
	requireAuth := middleware.RequireBearerAuth(h.deps.Verifier)

	pc := h.deps.Payments
	api.Get("/products", pc.HandleListProducts)
	api.Get("/paypal/config", pc.HandlePayPalConfig)
	api.Get("/order-status", pc.HandleOrderStatus)
	api.Post("/wechat/mock-pay", pc.HandleWeChatMockPay)
	api.Post("/capture-order", optionalAuth, pc.HandleCaptureOrder)

	// Webhooks are signature-verified in the controller.
	wc := h.deps.Webhooks
	api.Post("/zpay/notify", wc.HandleZPayNotify)
	api.Get("/zpay/notify", wc.HandleZPayNotify)
	api.Post("/creem/webhook", wc.HandleCreemWebhook)

	api.Get("/entitlements", requireAuth, h.deps.Entitlements.HandleGetEntitlements)

	gc := h.deps.GuestUnlock
	api.Post("/guest-unlock/session", gc.HandleMint)
	api.Post("/guest-unlock/verify", gc.HandleVerify)

	// Provider-parameterized routes last so static segments above win.
	api.Post("/:provider/create-order", optionalAuth, pc.HandleCreateOrder)
	api.Post("/:provider/capture-order", optionalAuth, pc.HandleCaptureOrder)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
