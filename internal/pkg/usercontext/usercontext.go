package usercontext

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// UserContext represents the authenticated caller of a request
type UserContext struct {
	UserID     string    `json:"user_id"`
	Email      string    `json:"email,omitempty"`
	IsLoggedIn bool      `json:"is_logged_in"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// GetUserContext retrieves the user context from fiber context
// Returns a default anonymous context if none is set
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx, ok := c.Locals(KeyUserContext).(UserContext); ok {
		return ctx
	}
	return UserContext{IsLoggedIn: false}
}

// Set stores the user context and the legacy user id local.
func Set(c *fiber.Ctx, uc UserContext) {
	c.Locals(KeyUserContext, uc)
	c.Locals(KeyUserID, uc.UserID)
	if !uc.ExpiresAt.IsZero() {
		c.Locals(KeyTokenExpiry, uc.ExpiresAt)
	}
}

// IsLoggedIn checks if the current user is logged in
func IsLoggedIn(c *fiber.Ctx) bool {
	return GetUserContext(c).IsLoggedIn
}

// GetUserID returns the current user's ID, or "" if not logged in
func GetUserID(c *fiber.Ctx) string {
	return GetUserContext(c).UserID
}
