package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var zpaySecrets = mapSecrets{SecretZPayPID: "1001", SecretZPayKey: "merchant-key"}

func TestZPayCreateOrder_SignsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mapi.php", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form := r.PostForm
		assert.True(t, VerifyParamsSignature(form, "merchant-key"))
		assert.Equal(t, "29.90", form.Get("money"))
		assert.Equal(t, "wxpay", form.Get("type"))
		assert.Equal(t, "ORD-1", form.Get("out_trade_no"))
		_, _ = w.Write([]byte(`{"code":1,"msg":"ok","trade_no":"2024001","payurl":"https://pay.test/ORD-1","qrcode":"weixin://x"}`))
	}))
	defer srv.Close()

	p := NewZPayProvider(srv.URL, "alipay", zpaySecrets, srv.Client())
	ref, err := p.CreateOrder(context.Background(), product(t, "credits_10"), OrderContext{OrderID: "ORD-1", Channel: "wxpay"})
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", ref.ID)
	assert.Equal(t, "https://pay.test/ORD-1", ref.PayURL)
	assert.Equal(t, "weixin://x", ref.QRCode)
}

func TestZPayCreateOrder_RejectedCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"-1","msg":"sign error"}`))
	}))
	defer srv.Close()

	p := NewZPayProvider(srv.URL, "", zpaySecrets, srv.Client())
	_, err := p.CreateOrder(context.Background(), product(t, "credits_10"), OrderContext{OrderID: "ORD-1"})
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, perr.Message, "sign error")
}

func TestZPayCaptureOrder_StatusMapping(t *testing.T) {
	status := "0"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "order", r.URL.Query().Get("act"))
		assert.Equal(t, "merchant-key", r.URL.Query().Get("key"))
		_, _ = w.Write([]byte(`{"code":1,"msg":"ok","out_trade_no":"ORD-1","money":"29.90","status":` + status + `}`))
	}))
	defer srv.Close()

	p := NewZPayProvider(srv.URL, "", zpaySecrets, srv.Client())

	c, err := p.CaptureOrder(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "NOTPAY", c.Status)
	assert.False(t, c.Completed())

	status = "1"
	c, err = p.CaptureOrder(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.True(t, c.Completed())
	assert.Equal(t, "29.90", c.Amount)
	assert.Equal(t, "CNY", c.Currency)
}

func TestZPayParseNotify(t *testing.T) {
	p := NewZPayProvider("", "", zpaySecrets, nil)

	params := url.Values{}
	params.Set("pid", "1001")
	params.Set("trade_no", "2024001")
	params.Set("out_trade_no", "ORD-1")
	params.Set("type", "alipay")
	params.Set("name", "10 Readings")
	params.Set("money", "29.90")
	params.Set("trade_status", ZPayTradeSuccess)
	params.Set("sign", SignParams(params, "merchant-key"))
	params.Set("sign_type", "MD5")

	n, err := p.ParseNotify(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", n.OrderID)
	assert.Equal(t, "2024001", n.EventID)
	assert.True(t, n.Completed())

	params.Set("money", "0.01")
	_, err = p.ParseNotify(context.Background(), params)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
