package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/oraclepay/app/controllers"
	"github.com/ManuelReschke/oraclepay/internal/pkg/middleware"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the wired controllers and middleware the routes need.
type Dependencies struct {
	Payments     *controllers.PaymentController
	Entitlements *controllers.EntitlementController
	Webhooks     *controllers.WebhookController
	GuestUnlock  *controllers.GuestUnlockController
	Verifier     *middleware.TokenVerifier
	// LimiterStorage backs the API rate limiter; nil keeps counters in memory.
	LimiterStorage fiber.Storage
	// MonitorUsers guards /monitor with basic auth; empty disables the route.
	MonitorUsers map[string]string
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Operational routes go first so they stay outside the API limiter.
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
