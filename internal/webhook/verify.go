package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier authenticates a callback and returns its decoded event.
type Verifier interface {
	Verify(ctx context.Context, header http.Header, body []byte) (Event, error)
}

// HMACVerifier checks a hex HMAC-SHA256 of the raw body carried in a header.
type HMACVerifier struct {
	secret []byte
	header string
}

func NewHMACVerifier(secret, header string) *HMACVerifier {
	if header == "" {
		header = "X-Signature"
	}
	return &HMACVerifier{secret: []byte(secret), header: header}
}

func (v *HMACVerifier) Verify(_ context.Context, header http.Header, body []byte) (Event, error) {
	sig := strings.TrimSpace(header.Get(v.header))
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return nil, ErrInvalidSignature
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if !hmac.Equal(got, v.sum(body)) {
		return nil, ErrInvalidSignature
	}

	return Decode(body)
}

func (v *HMACVerifier) sum(body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the header value a sender must attach to body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
