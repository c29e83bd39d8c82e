package controllers

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/oraclepay/internal/pkg/billing"
	"github.com/ManuelReschke/oraclepay/internal/pkg/payment"
)

const webhookTimeout = 20 * time.Second

// WebhookController receives asynchronous provider notifications. Every
// notification is re-verified with the provider before anything is credited.
type WebhookController struct {
	reconciler *billing.Reconciler
	zpay       *payment.ZPayProvider
	creem      *payment.CreemProvider
}

// NewWebhookController creates the controller; nil providers disable their endpoint.
func NewWebhookController(reconciler *billing.Reconciler, zpay *payment.ZPayProvider, creem *payment.CreemProvider) *WebhookController {
	return &WebhookController{reconciler: reconciler, zpay: zpay, creem: creem}
}

// HandleZPayNotify handles Z-Pay notify callbacks. Z-Pay retries until the
// body is exactly "success".
func (wc *WebhookController) HandleZPayNotify(c *fiber.Ctx) error {
	if wc.zpay == nil {
		return c.Status(fiber.StatusNotFound).SendString("fail")
	}

	params := url.Values{}
	c.Request().URI().QueryArgs().VisitAll(func(k, v []byte) {
		params.Set(string(k), string(v))
	})
	c.Request().PostArgs().VisitAll(func(k, v []byte) {
		params.Set(string(k), string(v))
	})

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	n, err := wc.zpay.ParseNotify(ctx, params)
	if err != nil {
		log.Warnf("[Webhook] zpay notify rejected: %v", err)
		if errors.Is(err, payment.ErrInvalidSignature) {
			return c.Status(fiber.StatusUnauthorized).SendString("fail")
		}
		return c.Status(fiber.StatusBadRequest).SendString("fail")
	}

	if _, _, err := wc.reconciler.HandleNotification(ctx, n); err != nil {
		log.Errorf("[Webhook] zpay notify for %s failed: %v", n.OrderID, err)
		if errors.Is(err, billing.ErrOrderNotFound) {
			// Unknown to us; retries will not help.
			return c.SendString("success")
		}
		return c.Status(fiber.StatusInternalServerError).SendString("fail")
	}
	return c.SendString("success")
}

// HandleCreemWebhook handles signed Creem webhook deliveries.
func (wc *WebhookController) HandleCreemWebhook(c *fiber.Ctx) error {
	if wc.creem == nil {
		return jsonError(c, fiber.StatusNotFound, "not_found", "Not found")
	}
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get(payment.CreemSignatureHeader)

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	n, err := wc.creem.ParseWebhook(ctx, rawBody, signature)
	if err != nil {
		var cfgErr *payment.ConfigurationError
		switch {
		case errors.Is(err, payment.ErrInvalidSignature):
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
		case errors.As(err, &cfgErr):
			log.Errorf("[Webhook] creem webhook: %v", err)
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "service_unavailable"})
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
	}

	result, processed, err := wc.reconciler.HandleNotification(ctx, n)
	if err != nil {
		if errors.Is(err, billing.ErrOrderNotFound) {
			return c.JSON(fiber.Map{"ok": true, "ignored": true})
		}
		log.Errorf("[Webhook] creem event %s failed: %v", n.EventID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed"})
	}
	if !processed {
		return c.JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	resp := fiber.Map{"ok": true}
	if result != nil && result.Order != nil {
		resp["order_status"] = result.Order.Status
	}
	return c.JSON(resp)
}
