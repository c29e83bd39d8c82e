package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ManuelReschke/oraclepay/internal/pkg/entitlements"
)

const (
	ProviderCreem = "creem"

	CreemDefaultURL = "https://api.creem.io"
	CreemTestURL    = "https://test-api.creem.io"

	SecretCreemAPIKey        = "creem-api-key"
	SecretCreemWebhookSecret = "creem-webhook-secret"
	// creem product ids are configured per catalog product: creem-product-<id>
	creemProductSecretPrefix = "creem-product-"

	CreemSignatureHeader = "creem-signature"
)

// CreemProvider uses Creem hosted checkouts.
type CreemProvider struct {
	baseURL string
	secrets SecretSource
	client  *http.Client
}

// NewCreemProvider creates a Creem adapter; an empty baseURL selects production.
func NewCreemProvider(baseURL string, src SecretSource, client *http.Client) *CreemProvider {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = CreemDefaultURL
	}
	if client == nil {
		client = defaultHTTPClient()
	}
	return &CreemProvider{baseURL: strings.TrimRight(baseURL, "/"), secrets: src, client: client}
}

func (p *CreemProvider) Name() string { return ProviderCreem }

// CreemProductSecret names the secret holding the Creem product id for a catalog product.
func CreemProductSecret(productID string) string {
	return creemProductSecretPrefix + productID
}

type creemOrder struct {
	ID       string     `json:"id"`
	Status   string     `json:"status"`
	Amount   flexString `json:"amount"`
	Currency string     `json:"currency"`
}

type creemCheckout struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	RequestID   string            `json:"request_id"`
	CheckoutURL string            `json:"checkout_url"`
	Order       *creemOrder       `json:"order"`
	Metadata    map[string]string `json:"metadata"`
}

// normalizedStatus maps a completed and paid checkout to COMPLETED and
// passes every other state through in upper case.
func (c *creemCheckout) normalizedStatus() string {
	if strings.EqualFold(c.Status, "completed") && (c.Order == nil || c.Order.Status == "" || strings.EqualFold(c.Order.Status, "paid")) {
		return StatusCompleted
	}
	return strings.ToUpper(c.Status)
}

func (c *creemCheckout) amount() (string, string) {
	if c.Order == nil {
		return "", ""
	}
	return centsToDecimal(string(c.Order.Amount)), strings.ToUpper(c.Order.Currency)
}

func centsToDecimal(cents string) string {
	cents = strings.TrimSpace(cents)
	if cents == "" {
		return ""
	}
	var n int64
	if _, err := fmt.Sscan(cents, &n); err != nil {
		return cents
	}
	sign := ""
	if n < 0 {
		sign, n = "-", -n
	}
	return fmt.Sprintf("%s%d.%02d", sign, n/100, n%100)
}

func (p *CreemProvider) CreateOrder(ctx context.Context, product entitlements.Product, oc OrderContext) (*OrderRef, error) {
	creds, err := requireSecrets(ctx, p.secrets, ProviderCreem, SecretCreemAPIKey, CreemProductSecret(product.ID))
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"product_id": creds[CreemProductSecret(product.ID)],
		"metadata": map[string]string{
			"order_id":   oc.OrderID,
			"user_id":    oc.UserID,
			"product_id": product.ID,
		},
	}
	if oc.OrderID != "" {
		payload["request_id"] = oc.OrderID
	}
	if oc.ReturnURL != "" {
		payload["success_url"] = oc.ReturnURL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/checkouts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", creds[SecretCreemAPIKey])

	raw, _, err := doRequest(p.client, ProviderCreem, "create_order", req)
	if err != nil {
		return nil, err
	}
	var checkout creemCheckout
	if err := json.Unmarshal(raw, &checkout); err != nil || checkout.ID == "" {
		return nil, &ProviderError{Provider: ProviderCreem, Operation: "create_order", Message: "unexpected response", Err: err}
	}
	return &OrderRef{ID: checkout.ID, CheckoutURL: checkout.CheckoutURL, Raw: json.RawMessage(raw)}, nil
}

// CaptureOrder retrieves the checkout; Creem captures during checkout, so
// this only confirms the outcome.
func (p *CreemProvider) CaptureOrder(ctx context.Context, ref string) (*Capture, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("checkout id is required")
	}
	creds, err := requireSecrets(ctx, p.secrets, ProviderCreem, SecretCreemAPIKey)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/checkouts?checkout_id="+url.QueryEscape(ref), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", creds[SecretCreemAPIKey])

	raw, status, err := doRequest(p.client, ProviderCreem, "get_checkout", req)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, ref)
		}
		return nil, err
	}
	var checkout creemCheckout
	if err := json.Unmarshal(raw, &checkout); err != nil {
		return nil, &ProviderError{Provider: ProviderCreem, Operation: "get_checkout", Message: "unexpected response", Err: err}
	}
	if checkout.ID == "" {
		checkout.ID = ref
	}
	amount, currency := checkout.amount()
	return &Capture{
		OrderID:  checkout.ID,
		Status:   checkout.normalizedStatus(),
		Amount:   amount,
		Currency: currency,
		Raw:      json.RawMessage(raw),
	}, nil
}

type creemWebhookEvent struct {
	ID        string        `json:"id"`
	EventType string        `json:"eventType"`
	Object    creemCheckout `json:"object"`
}

// ParseWebhook verifies the creem-signature header and normalizes the event.
// Only checkout events carry an order reference.
func (p *CreemProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Notification, error) {
	creds, err := requireSecrets(ctx, p.secrets, ProviderCreem, SecretCreemWebhookSecret)
	if err != nil {
		return nil, err
	}
	if !VerifyCreemSignature(payload, signature, creds[SecretCreemWebhookSecret]) {
		return nil, ErrInvalidSignature
	}

	var evt creemWebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("invalid creem webhook payload: %w", err)
	}
	if evt.ID == "" || evt.EventType == "" {
		return nil, errors.New("creem webhook is missing id or eventType")
	}

	n := &Notification{
		Provider:  ProviderCreem,
		EventID:   evt.ID,
		EventType: evt.EventType,
		OrderID:   evt.Object.ID,
		Raw:       json.RawMessage(payload),
	}
	if evt.EventType == "checkout.completed" {
		n.Status = evt.Object.normalizedStatus()
		n.Amount, n.Currency = evt.Object.amount()
	} else {
		n.Status = strings.ToUpper(evt.Object.Status)
	}
	return n, nil
}
