package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/pquerna/otp/totp"
)

// Header names attached to signed broker requests.
const (
	HeaderAPIKey    = "X-API-KEY"
	HeaderTimestamp = "X-API-TIMESTAMP"
	HeaderSignature = "X-API-SIGNATURE"
	HeaderOTP       = "X-API-OTP"
)

// HMACAuth holds the credentials required for HMAC-authenticated requests
// against the broker REST API.
type HMACAuth struct {
	Key        string // API key
	Secret     string // API secret (raw bytes used as the HMAC key)
	TOTPSecret string // optional base32 TOTP seed for the second factor
}

// Headers returns the HTTP headers for a signed request. The signature is
// HMAC-SHA256(secret, timestamp+method+path+body) encoded as base64.
func (h *HMACAuth) Headers(method, path, body string) (map[string]string, error) {
	return h.HeadersAt(method, path, body, time.Now())
}

// HeadersAt is like Headers but lets the caller supply the clock (useful for
// deterministic testing). When a TOTP seed is configured the current one-time
// code is attached as well.
func (h *HMACAuth) HeadersAt(method, path, body string, at time.Time) (map[string]string, error) {
	ts := strconv.FormatInt(at.UnixMilli(), 10)

	headers := map[string]string{
		HeaderAPIKey:    h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: Sign(h.Secret, ts, method, path, body),
	}

	if h.TOTPSecret != "" {
		code, err := totp.GenerateCode(h.TOTPSecret, at)
		if err != nil {
			return nil, fmt.Errorf("crypto: totp code: %w", err)
		}
		headers[HeaderOTP] = code
	}
	return headers, nil
}

// Sign computes the request signature over timestamp+method+path+body.
func Sign(secret, ts, method, path, body string) string {
	return hmacSHA256Base64([]byte(secret), ts+method+path+body)
}

// Verify reports whether sig is the valid signature for the given request
// parts. It compares in constant time.
func Verify(secret, ts, method, path, body, sig string) bool {
	want := Sign(secret, ts, method, path, body)
	return hmac.Equal([]byte(want), []byte(sig))
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s, totp=%t}", redact(h.Key), redact(h.Secret), h.TOTPSecret != "")
}
