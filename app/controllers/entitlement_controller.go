package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/oraclepay/internal/pkg/entitlements"
	"github.com/ManuelReschke/oraclepay/internal/pkg/usercontext"
)

// EntitlementController serves the entitlement read model.
type EntitlementController struct {
	store *entitlements.Store
}

func NewEntitlementController(store *entitlements.Store) *EntitlementController {
	return &EntitlementController{store: store}
}

// HandleGetEntitlements returns the caller's balance, creating the default
// record on first access. Free-credit expiry is evaluated at read time.
func (ec *EntitlementController) HandleGetEntitlements(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn || userCtx.UserID == "" {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	e, err := ec.store.Get(c.UserContext(), userCtx.UserID)
	if err != nil {
		log.Errorf("[Entitlements] load for %s failed: %v", userCtx.UserID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load entitlements")
	}
	return c.JSON(entitlements.NewView(e, ec.store.Now()))
}
