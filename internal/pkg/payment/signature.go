package payment

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"net/url"
	"sort"
	"strings"
)

// SignParams computes the Z-Pay/epay signature: the MD5 hex digest of
// signingString(params, key).
func SignParams(params url.Values, key string) string {
	sum := md5.Sum([]byte(signingString(params, key)))
	return hex.EncodeToString(sum[:])
}

// signingString joins every non-empty parameter except sign and sign_type,
// sorted by key, as key=value with "&", then appends the merchant key with
// no separator.
func signingString(params url.Values, key string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "sign" || k == "sign_type" {
			continue
		}
		if params.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params.Get(k))
	}
	b.WriteString(key)
	return b.String()
}

// VerifyParamsSignature recomputes the signature of params and compares it
// with the sign field in constant time.
func VerifyParamsSignature(params url.Values, key string) bool {
	got := strings.ToLower(strings.TrimSpace(params.Get("sign")))
	if got == "" || strings.TrimSpace(key) == "" {
		return false
	}
	want := SignParams(params, key)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// VerifyCreemSignature checks the creem-signature header, a hex HMAC-SHA256
// of the raw payload.
func VerifyCreemSignature(payload []byte, signatureHeader, webhookSecret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return false
	}

	decodedSig, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	return verifyHMAC(payload, decodedSig, []byte(secret), sha256.New)
}

func verifyHMAC(payload, expectedSig, secret []byte, hashFunc func() hash.Hash) bool {
	mac := hmac.New(hashFunc, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expectedSig)
}
