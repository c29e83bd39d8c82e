package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/oraclepay/internal/pkg/metrics"
)

type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Request metrics for every route registered after this point.
	app.Use(metrics.Middleware())

	h.registerPublicRoutes(app)
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}
