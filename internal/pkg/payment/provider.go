package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/oraclepay/internal/pkg/entitlements"
	"github.com/ManuelReschke/oraclepay/internal/pkg/metrics"
	"github.com/ManuelReschke/oraclepay/internal/pkg/secrets"
)

// Normalized capture states. Only these two allow entitlement application.
const (
	StatusCompleted = "COMPLETED"
	StatusSuccess   = "SUCCESS"
)

// DefaultHTTPTimeout bounds every outbound provider call.
const DefaultHTTPTimeout = 15 * time.Second

// SecretSource resolves provider credentials; *secrets.Cache implements it.
type SecretSource interface {
	Get(ctx context.Context, name string) (string, error)
}

// OrderContext carries request data a provider may embed in the remote order.
type OrderContext struct {
	OrderID   string
	UserID    string
	ClientIP  string
	ReturnURL string
	NotifyURL string
	// Channel selects a sub-method where the provider offers several (Z-Pay: alipay, wxpay).
	Channel string
}

// OrderRef is the provider's reference to a payable order.
type OrderRef struct {
	ID          string          `json:"id"`
	ApproveURL  string          `json:"approve_url,omitempty"`
	CodeURL     string          `json:"code_url,omitempty"`
	PayURL      string          `json:"payurl,omitempty"`
	QRCode      string          `json:"qrcode,omitempty"`
	CheckoutURL string          `json:"checkout_url,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// Capture is the provider's view of a completed (or not) payment.
type Capture struct {
	OrderID  string          `json:"order_id"`
	Status   string          `json:"status"`
	Amount   string          `json:"amount"`
	Currency string          `json:"currency"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// Completed reports whether the capture may proceed to entitlement application.
func (c *Capture) Completed() bool {
	if c == nil {
		return false
	}
	switch strings.ToUpper(strings.TrimSpace(c.Status)) {
	case StatusCompleted, StatusSuccess:
		return true
	default:
		return false
	}
}

// Price returns the amount and currency provider charges for product.
// The CNY aggregators bill the local price.
func Price(provider string, product entitlements.Product) (string, string) {
	switch provider {
	case ProviderZPay, ProviderWeChat:
		return product.AmountCNY, "CNY"
	default:
		return product.Amount, strings.ToUpper(product.Currency)
	}
}

// MatchesPrice reports whether the captured amount and currency equal the
// price provider charges for product.
func (c *Capture) MatchesPrice(provider string, product entitlements.Product) bool {
	if c == nil {
		return false
	}
	wantAmount, wantCurrency := Price(provider, product)
	if !strings.EqualFold(strings.TrimSpace(c.Currency), wantCurrency) {
		return false
	}
	got, err := decimal.NewFromString(strings.TrimSpace(c.Amount))
	if err != nil {
		return false
	}
	want, err := decimal.NewFromString(strings.TrimSpace(wantAmount))
	if err != nil {
		return false
	}
	return got.Equal(want)
}

// Provider is the uniform capability implemented by every payment integration.
type Provider interface {
	Name() string
	CreateOrder(ctx context.Context, product entitlements.Product, oc OrderContext) (*OrderRef, error)
	CaptureOrder(ctx context.Context, ref string) (*Capture, error)
}

// StatusPoller is implemented by providers whose clients poll for completion.
type StatusPoller interface {
	PollStatus(ctx context.Context, orderID string) (string, error)
}

// Registry looks providers up by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry registers the given providers under their Name().
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the named provider or ErrUnknownProvider.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists registered provider names in order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for n := range r.providers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

var (
	// ErrUnknownProvider is returned for provider names that are not registered.
	ErrUnknownProvider = errors.New("unknown payment provider")
	// ErrOrderNotFound is returned when the provider has no record of an order.
	ErrOrderNotFound = errors.New("payment order not found")
	// ErrInvalidSignature is returned for notifications that fail verification.
	ErrInvalidSignature = errors.New("invalid notification signature")
)

// Notification is a verified asynchronous payment event from a provider.
type Notification struct {
	Provider  string
	EventID   string
	EventType string
	OrderID   string
	Status    string
	Amount    string
	Currency  string
	Raw       json.RawMessage
}

// Completed reports whether the event confirms a successful payment.
func (n *Notification) Completed() bool {
	if n == nil {
		return false
	}
	c := Capture{Status: n.Status}
	return c.Completed()
}

// ConfigurationError means a required credential is missing. It is raised
// before any network call and surfaces as service unavailable.
type ConfigurationError struct {
	Provider string
	Secret   string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s is not configured: secret %s unavailable", e.Provider, e.Secret)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ProviderError means the remote provider rejected a request or answered
// with an unexpected payload.
type ProviderError struct {
	Provider   string
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed: status=%d %s", e.Provider, e.Operation, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Provider, e.Operation, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// batchSecretSource is implemented by sources that resolve a whole
// credential set in one call, like *secrets.Cache.
type batchSecretSource interface {
	GetMany(ctx context.Context, names ...string) (map[string]string, error)
}

// requireSecrets resolves every named secret or returns a *ConfigurationError
// for the first one that is missing.
func requireSecrets(ctx context.Context, src SecretSource, provider string, names ...string) (map[string]string, error) {
	if src == nil {
		if len(names) == 0 {
			return map[string]string{}, nil
		}
		return nil, &ConfigurationError{Provider: provider, Secret: names[0]}
	}

	var vals map[string]string
	if batch, ok := src.(batchSecretSource); ok {
		got, err := batch.GetMany(ctx, names...)
		if err != nil {
			var missing *secrets.MissingError
			if errors.As(err, &missing) {
				return nil, &ConfigurationError{Provider: provider, Secret: missing.Name, Err: missing.Err}
			}
			return nil, &ConfigurationError{Provider: provider, Secret: strings.Join(names, ","), Err: err}
		}
		vals = got
	} else {
		vals = make(map[string]string, len(names))
		for _, n := range names {
			v, err := src.Get(ctx, n)
			if err != nil {
				return nil, &ConfigurationError{Provider: provider, Secret: n, Err: err}
			}
			vals[n] = v
		}
	}

	out := make(map[string]string, len(names))
	for _, n := range names {
		v := strings.TrimSpace(vals[n])
		if v == "" {
			return nil, &ConfigurationError{Provider: provider, Secret: n}
		}
		out[n] = v
	}
	return out, nil
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultHTTPTimeout}
}

// doRequest executes req and returns the body of a 2xx response. Non-2xx
// answers become *ProviderError carrying a truncated body.
func doRequest(client *http.Client, provider, operation string, req *http.Request) ([]byte, int, error) {
	start := time.Now()
	resp, err := client.Do(req)
	metrics.ObserveProvider(provider, operation, start)
	if err != nil {
		return nil, 0, &ProviderError{Provider: provider, Operation: operation, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, resp.StatusCode, &ProviderError{
			Provider:   provider,
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Message:    truncate(string(body), 300),
		}
	}
	return body, resp.StatusCode, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// flexString accepts JSON strings and numbers; some providers mix both.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(strings.TrimSpace(string(b)))
	return nil
}
