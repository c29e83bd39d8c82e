package controllers

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/oraclepay/internal/pkg/guestunlock"
)

// GuestUnlockController mints and checks client-held guest unlock tokens.
type GuestUnlockController struct {
	signingKey string
}

func NewGuestUnlockController(signingKey string) *GuestUnlockController {
	return &GuestUnlockController{signingKey: signingKey}
}

type mintUnlockRequest struct {
	Snapshot json.RawMessage `json:"snapshot" validate:"required"`
}

// HandleMint starts a pre-reveal session for a precomputed reading.
func (gc *GuestUnlockController) HandleMint(c *fiber.Ctx) error {
	var req mintUnlockRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "Request body must be JSON")
	}
	if err := validate.Struct(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", validationMessage(err))
	}

	session := guestunlock.Mint(req.Snapshot)
	token, err := guestunlock.Encode(session, guestunlock.TTLBeforeReveal, gc.signingKey)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to mint session")
	}
	return c.JSON(guestUnlockResponse{
		Token:      token,
		UnlockedAt: session.UnlockedAt,
		ExpiresAt:  session.ExpiresAt(guestunlock.TTLBeforeReveal),
	})
}

type verifyUnlockRequest struct {
	Token string `json:"token" validate:"required"`
}

// HandleVerify decodes a token and returns its snapshot while it is valid.
func (gc *GuestUnlockController) HandleVerify(c *fiber.Ctx) error {
	var req verifyUnlockRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "Request body must be JSON")
	}
	if err := validate.Struct(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", validationMessage(err))
	}

	session, err := guestunlock.Decode(req.Token, gc.signingKey)
	if err != nil {
		if errors.Is(err, guestunlock.ErrExpiredToken) {
			return c.Status(fiber.StatusGone).JSON(fiber.Map{"valid": false, "error": "expired", "message": "Session expired"})
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"valid": false, "error": "invalid_token", "message": "Invalid session token"})
	}
	return c.JSON(fiber.Map{
		"valid":      true,
		"unlockedAt": session.UnlockedAt.Format(time.RFC3339),
		"orderId":    session.OrderID,
		"snapshot":   session.Snapshot,
	})
}
