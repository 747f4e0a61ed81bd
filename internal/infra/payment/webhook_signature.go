package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/ports/adapter"
)

var _ adapter.WebhookVerifier = (*SignatureVerifier)(nil)

// VerifySignature reports whether signatureHex is the hex HMAC-SHA256 of
// rawPayload under secret. The comparison is constant time. An empty secret
// or signature, or a signature that is not valid hex, never verifies.
func VerifySignature(rawPayload []byte, signatureHex string, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	sig := strings.TrimSpace(signatureHex)
	if sig == "" {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(rawPayload)
	return hmac.Equal(mac.Sum(nil), got)
}

// Sign returns the hex HMAC-SHA256 of payload. Used by tests and tooling that
// replay deliveries.
func Sign(payload []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureVerifier checks inbound webhook deliveries against the shared secret.
type SignatureVerifier struct {
	secret []byte
}

func NewSignatureVerifier(secret string) (*SignatureVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: webhook secret is empty", domain.ErrConfiguration)
	}
	return &SignatureVerifier{secret: []byte(secret)}, nil
}

// Verify checks the raw, unparsed request body. The header value may be the
// bare hex digest or prefixed with "sha256=".
func (v *SignatureVerifier) Verify(rawPayload []byte, signatureHeader string) error {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" {
		return fmt.Errorf("%w: missing signature", domain.ErrSignatureInvalid)
	}
	if i := strings.IndexByte(sig, '='); i >= 0 {
		if !strings.EqualFold(sig[:i], "sha256") {
			return fmt.Errorf("%w: unsupported scheme", domain.ErrSignatureInvalid)
		}
		sig = sig[i+1:]
	}
	if !VerifySignature(rawPayload, sig, v.secret) {
		return domain.ErrSignatureInvalid
	}
	return nil
}
