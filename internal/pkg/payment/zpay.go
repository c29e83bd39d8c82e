package payment

import (
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
	ProviderZPay = "zpay"

	ZPayDefaultURL = "https://zpayz.cn"

	SecretZPayPID = "zpay-pid"
	SecretZPayKey = "zpay-key"

	// ZPayTradeSuccess is the trade_status value of a paid notification.
	ZPayTradeSuccess = "TRADE_SUCCESS"
)

// ZPayProvider implements the Z-Pay (epay compatible) aggregator API.
type ZPayProvider struct {
	baseURL        string
	defaultChannel string
	secrets        SecretSource
	client         *http.Client
}

// NewZPayProvider creates a Z-Pay adapter; channel defaults to alipay.
func NewZPayProvider(baseURL, channel string, src SecretSource, client *http.Client) *ZPayProvider {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = ZPayDefaultURL
	}
	if strings.TrimSpace(channel) == "" {
		channel = "alipay"
	}
	if client == nil {
		client = defaultHTTPClient()
	}
	return &ZPayProvider{
		baseURL:        strings.TrimRight(baseURL, "/"),
		defaultChannel: channel,
		secrets:        src,
		client:         client,
	}
}

func (p *ZPayProvider) Name() string { return ProviderZPay }

type zpayCreateResponse struct {
	Code    flexString `json:"code"`
	Msg     string     `json:"msg"`
	TradeNo flexString `json:"trade_no"`
	OID     flexString `json:"O_id"`
	PayURL  string     `json:"payurl"`
	QRCode  string     `json:"qrcode"`
	Img     string     `json:"img"`
}

type zpayOrderResponse struct {
	Code       flexString `json:"code"`
	Msg        string     `json:"msg"`
	TradeNo    flexString `json:"trade_no"`
	OutTradeNo flexString `json:"out_trade_no"`
	Type       string     `json:"type"`
	Name       string     `json:"name"`
	Money      flexString `json:"money"`
	Status     flexString `json:"status"`
	Param      string     `json:"param"`
}

// CreateOrder registers a merchant order. oc.OrderID becomes out_trade_no and
// is the reference later used for capture.
func (p *ZPayProvider) CreateOrder(ctx context.Context, product entitlements.Product, oc OrderContext) (*OrderRef, error) {
	if strings.TrimSpace(oc.OrderID) == "" {
		return nil, errors.New("zpay requires a merchant order id")
	}
	creds, err := requireSecrets(ctx, p.secrets, ProviderZPay, SecretZPayPID, SecretZPayKey)
	if err != nil {
		return nil, err
	}

	channel := oc.Channel
	if channel == "" {
		channel = p.defaultChannel
	}
	params := url.Values{}
	params.Set("pid", creds[SecretZPayPID])
	params.Set("type", channel)
	params.Set("out_trade_no", oc.OrderID)
	params.Set("notify_url", oc.NotifyURL)
	params.Set("return_url", oc.ReturnURL)
	params.Set("name", product.Name)
	money, _ := Price(ProviderZPay, product)
	params.Set("money", money)
	params.Set("clientip", oc.ClientIP)
	params.Set("param", product.ID)
	params.Set("sign", SignParams(params, creds[SecretZPayKey]))
	params.Set("sign_type", "MD5")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/mapi.php", strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	raw, _, err := doRequest(p.client, ProviderZPay, "create_order", req)
	if err != nil {
		return nil, err
	}

	var res zpayCreateResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &ProviderError{Provider: ProviderZPay, Operation: "create_order", Message: "unexpected response", Err: err}
	}
	if string(res.Code) != "1" {
		return nil, &ProviderError{Provider: ProviderZPay, Operation: "create_order", Message: fmt.Sprintf("code=%s msg=%s", res.Code, res.Msg)}
	}
	return &OrderRef{
		ID:     oc.OrderID,
		PayURL: res.PayURL,
		QRCode: res.QRCode,
		Raw:    json.RawMessage(raw),
	}, nil
}

// CaptureOrder queries the order; Z-Pay settles on its own, so capture is a
// status lookup. status=1 maps to SUCCESS, anything else to NOTPAY.
func (p *ZPayProvider) CaptureOrder(ctx context.Context, ref string) (*Capture, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("out_trade_no is required")
	}
	creds, err := requireSecrets(ctx, p.secrets, ProviderZPay, SecretZPayPID, SecretZPayKey)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("act", "order")
	q.Set("pid", creds[SecretZPayPID])
	q.Set("key", creds[SecretZPayKey])
	q.Set("out_trade_no", ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api.php?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	raw, _, err := doRequest(p.client, ProviderZPay, "query_order", req)
	if err != nil {
		return nil, err
	}

	var res zpayOrderResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &ProviderError{Provider: ProviderZPay, Operation: "query_order", Message: "unexpected response", Err: err}
	}
	if string(res.Code) != "1" {
		if strings.Contains(res.Msg, "不存在") || strings.Contains(strings.ToLower(res.Msg), "not exist") {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, ref)
		}
		return nil, &ProviderError{Provider: ProviderZPay, Operation: "query_order", Message: fmt.Sprintf("code=%s msg=%s", res.Code, res.Msg)}
	}

	status := "NOTPAY"
	if string(res.Status) == "1" {
		status = StatusSuccess
	}
	return &Capture{
		OrderID:  ref,
		Status:   status,
		Amount:   string(res.Money),
		Currency: "CNY",
		Raw:      json.RawMessage(raw),
	}, nil
}

// PollStatus reports the Z-Pay trade state for client polling.
func (p *ZPayProvider) PollStatus(ctx context.Context, orderID string) (string, error) {
	c, err := p.CaptureOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return c.Status, nil
}

// ParseNotify verifies an asynchronous notify callback and normalizes it.
func (p *ZPayProvider) ParseNotify(ctx context.Context, params url.Values) (*Notification, error) {
	creds, err := requireSecrets(ctx, p.secrets, ProviderZPay, SecretZPayPID, SecretZPayKey)
	if err != nil {
		return nil, err
	}
	if !VerifyParamsSignature(params, creds[SecretZPayKey]) {
		return nil, ErrInvalidSignature
	}
	if pid := params.Get("pid"); pid != "" && pid != creds[SecretZPayPID] {
		return nil, ErrInvalidSignature
	}

	outTradeNo := params.Get("out_trade_no")
	if outTradeNo == "" {
		return nil, errors.New("out_trade_no is required")
	}
	status := params.Get("trade_status")
	if status == ZPayTradeSuccess {
		status = StatusSuccess
	}

	flat := make(map[string]string, len(params))
	for k := range params {
		flat[k] = params.Get(k)
	}
	raw, _ := json.Marshal(flat)

	eventID := params.Get("trade_no")
	if eventID == "" {
		eventID = outTradeNo
	}
	return &Notification{
		Provider:  ProviderZPay,
		EventID:   eventID,
		EventType: "notify",
		OrderID:   outTradeNo,
		Status:    status,
		Amount:    params.Get("money"),
		Currency:  "CNY",
		Raw:       raw,
	}, nil
}
