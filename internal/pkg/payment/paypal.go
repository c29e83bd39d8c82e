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
	"sync"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ManuelReschke/oraclepay/internal/pkg/entitlements"
)

const (
	ProviderPayPal = "paypal"

	PayPalSandboxURL = "https://api-m.sandbox.paypal.com"
	PayPalLiveURL    = "https://api-m.paypal.com"

	SecretPayPalClientID     = "paypal-client-id"
	SecretPayPalClientSecret = "paypal-client-secret"
)

// PayPalProvider talks to the PayPal Orders v2 API.
type PayPalProvider struct {
	baseURL string
	secrets SecretSource
	client  *http.Client

	mu       sync.Mutex
	tokenKey string
	tokenSrc oauth2.TokenSource
}

// NewPayPalProvider creates a PayPal adapter. An empty baseURL selects the sandbox.
func NewPayPalProvider(baseURL string, src SecretSource, client *http.Client) *PayPalProvider {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = PayPalSandboxURL
	}
	if client == nil {
		client = defaultHTTPClient()
	}
	return &PayPalProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		secrets: src,
		client:  client,
	}
}

func (p *PayPalProvider) Name() string { return ProviderPayPal }

// authedClient returns an HTTP client that attaches a cached client-credentials
// bearer token. Rotated credentials get a fresh token source.
func (p *PayPalProvider) authedClient(ctx context.Context) (*http.Client, error) {
	creds, err := requireSecrets(ctx, p.secrets, ProviderPayPal, SecretPayPalClientID, SecretPayPalClientSecret)
	if err != nil {
		return nil, err
	}
	id, secret := creds[SecretPayPalClientID], creds[SecretPayPalClientSecret]

	p.mu.Lock()
	defer p.mu.Unlock()
	key := id + ":" + secret
	if p.tokenSrc == nil || p.tokenKey != key {
		cfg := clientcredentials.Config{
			ClientID:     id,
			ClientSecret: secret,
			TokenURL:     p.baseURL + "/v1/oauth2/token",
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, p.client)
		p.tokenSrc = oauth2.ReuseTokenSource(nil, cfg.TokenSource(tokenCtx))
		p.tokenKey = key
	}
	return &http.Client{
		Timeout:   p.client.Timeout,
		Transport: &oauth2.Transport{Source: p.tokenSrc, Base: p.client.Transport},
	}, nil
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalOrder struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	Links         []paypalLink `json:"links"`
	PurchaseUnits []struct {
		ReferenceID string        `json:"reference_id"`
		Amount      *paypalAmount `json:"amount"`
		Payments    struct {
			Captures []struct {
				ID     string       `json:"id"`
				Status string       `json:"status"`
				Amount paypalAmount `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (o *paypalOrder) approveURL() string {
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

// capture converts the order into the normalized capture, preferring the
// captured amount and status over the order-level ones. An order can be
// COMPLETED while its capture is still PENDING.
func (o *paypalOrder) capture(raw []byte) *Capture {
	c := &Capture{OrderID: o.ID, Status: o.Status, Raw: json.RawMessage(raw)}
	for _, pu := range o.PurchaseUnits {
		if len(pu.Payments.Captures) > 0 {
			first := pu.Payments.Captures[0]
			if first.Status != "" {
				c.Status = first.Status
			}
			c.Amount = first.Amount.Value
			c.Currency = first.Amount.CurrencyCode
			return c
		}
		if pu.Amount != nil && c.Amount == "" {
			c.Amount = pu.Amount.Value
			c.Currency = pu.Amount.CurrencyCode
		}
	}
	return c
}

type paypalErrorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

func (b paypalErrorBody) hasIssue(issue string) bool {
	for _, d := range b.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

func (p *PayPalProvider) CreateOrder(ctx context.Context, product entitlements.Product, oc OrderContext) (*OrderRef, error) {
	hc, err := p.authedClient(ctx)
	if err != nil {
		return nil, err
	}

	value, currency := Price(ProviderPayPal, product)
	unit := map[string]interface{}{
		"reference_id": product.ID,
		"description":  product.Name,
		"amount": paypalAmount{
			CurrencyCode: currency,
			Value:        value,
		},
	}
	if oc.OrderID != "" {
		unit["custom_id"] = oc.OrderID
	}
	payload := map[string]interface{}{
		"intent":         "CAPTURE",
		"purchase_units": []interface{}{unit},
	}
	if oc.ReturnURL != "" {
		payload["application_context"] = map[string]string{
			"return_url": oc.ReturnURL,
			"cancel_url": oc.ReturnURL,
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/checkout/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if oc.OrderID != "" {
		req.Header.Set("PayPal-Request-Id", "create-"+oc.OrderID)
	}

	raw, _, err := doRequest(hc, ProviderPayPal, "create_order", req)
	if err != nil {
		return nil, err
	}

	var order paypalOrder
	if err := json.Unmarshal(raw, &order); err != nil || order.ID == "" {
		return nil, &ProviderError{Provider: ProviderPayPal, Operation: "create_order", Message: "unexpected response", Err: err}
	}
	return &OrderRef{ID: order.ID, ApproveURL: order.approveURL(), Raw: json.RawMessage(raw)}, nil
}

func (p *PayPalProvider) CaptureOrder(ctx context.Context, ref string) (*Capture, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("order id is required")
	}
	hc, err := p.authedClient(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v2/checkout/orders/%s/capture", p.baseURL, url.PathEscape(ref))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("PayPal-Request-Id", "capture-"+ref)

	raw, status, err := doRequest(hc, ProviderPayPal, "capture_order", req)
	if err != nil {
		var perr paypalErrorBody
		_ = json.Unmarshal(raw, &perr)
		switch {
		case status == http.StatusUnprocessableEntity && perr.hasIssue("ORDER_ALREADY_CAPTURED"):
			// A retried capture still reports the durable result.
			log.Infof("[PayPal] order %s already captured, fetching state", ref)
			return p.getOrder(ctx, hc, ref)
		case status == http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, ref)
		}
		return nil, err
	}

	var order paypalOrder
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, &ProviderError{Provider: ProviderPayPal, Operation: "capture_order", Message: "unexpected response", Err: err}
	}
	if order.ID == "" {
		order.ID = ref
	}
	return order.capture(raw), nil
}

func (p *PayPalProvider) getOrder(ctx context.Context, hc *http.Client, ref string) (*Capture, error) {
	endpoint := fmt.Sprintf("%s/v2/checkout/orders/%s", p.baseURL, url.PathEscape(ref))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	raw, _, err := doRequest(hc, ProviderPayPal, "get_order", req)
	if err != nil {
		return nil, err
	}
	var order paypalOrder
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, &ProviderError{Provider: ProviderPayPal, Operation: "get_order", Message: "unexpected response", Err: err}
	}
	if order.ID == "" {
		order.ID = ref
	}
	return order.capture(raw), nil
}
