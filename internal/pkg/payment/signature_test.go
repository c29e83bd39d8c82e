package payment

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"testing"
)

func TestSignParams_SortedNonEmptyWithKeyAppended(t *testing.T) {
	params := url.Values{}
	params.Set("pid", "1001")
	params.Set("money", "29.90")
	params.Set("name", "10 Readings")
	params.Set("out_trade_no", "ORD1")
	params.Set("type", "alipay")
	params.Set("clientip", "")
	params.Set("sign_type", "MD5")

	// money, name, out_trade_no, pid, type in ascending order; empty clientip skipped
	raw := "money=29.90&name=10 Readings&out_trade_no=ORD1&pid=1001&type=alipay" + "secret"
	sum := md5.Sum([]byte(raw))
	want := hex.EncodeToString(sum[:])

	if got := SignParams(params, "secret"); got != want {
		t.Fatalf("SignParams() = %q, want %q", got, want)
	}
}

func TestSigningString_KeyAppendedWithoutSeparator(t *testing.T) {
	params := url.Values{}
	params.Set("type", "wxpay")
	params.Set("pid", "1001")
	params.Set("money", "6.90")
	params.Set("sign", "stale")
	params.Set("sign_type", "MD5")

	got := signingString(params, "KEY")
	want := "money=6.90&pid=1001&type=wxpayKEY"
	if got != want {
		t.Fatalf("signingString() = %q, want %q", got, want)
	}

	empty := signingString(url.Values{}, "KEY")
	if empty != "KEY" {
		t.Fatalf("signingString(empty) = %q, want %q", empty, "KEY")
	}
}

func TestSignParams_IgnoresExistingSign(t *testing.T) {
	params := url.Values{"a": {"1"}, "b": {"2"}}
	before := SignParams(params, "k")
	params.Set("sign", before)
	if after := SignParams(params, "k"); after != before {
		t.Fatalf("sign field must not influence the digest")
	}
}

func TestVerifyParamsSignature(t *testing.T) {
	params := url.Values{"out_trade_no": {"ORD1"}, "trade_status": {"TRADE_SUCCESS"}, "money": {"6.90"}}
	params.Set("sign", SignParams(params, "merchant-key"))
	params.Set("sign_type", "MD5")

	if !VerifyParamsSignature(params, "merchant-key") {
		t.Fatalf("expected signature to verify")
	}
	if VerifyParamsSignature(params, "other-key") {
		t.Fatalf("expected wrong key to fail")
	}
	params.Set("money", "0.01")
	if VerifyParamsSignature(params, "merchant-key") {
		t.Fatalf("expected tampered params to fail")
	}
}

func TestVerifyCreemSignature(t *testing.T) {
	payload := []byte(`{"eventType":"checkout.completed"}`)
	secret := "whsec"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	valid := hex.EncodeToString(mac.Sum(nil))

	if !VerifyCreemSignature(payload, valid, secret) {
		t.Fatalf("expected signature to validate")
	}
	if VerifyCreemSignature(payload, "deadbeef", secret) {
		t.Fatalf("expected invalid signature to fail")
	}
	if VerifyCreemSignature(payload, valid, "") {
		t.Fatalf("expected missing secret to fail")
	}
}
