// Package signing computes and verifies the HMAC signatures carried by
// outbound webhook requests.
//
// The signed string is "<timestamp>.<raw body>" where timestamp is decimal
// Unix seconds. The signature header value is "sha256=<hex digest>".
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Scheme is the prefix of the signature header value.
const Scheme = "sha256="

var (
	ErrMissingHeaders    = errors.New("missing headers")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrStaleTimestamp    = errors.New("timestamp outside leeway")
	ErrBadScheme         = errors.New("bad signature scheme")
	ErrSignatureNotHex   = errors.New("signature not hex")
	ErrSignatureMismatch = errors.New("sig mismatch")
)

// Sign returns the lowercase hex HMAC-SHA256 of "<timestamp>.<body>" keyed by secret.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header formats a digest as a signature header value.
func Header(digest string) string {
	return Scheme + digest
}

// Verify checks a received request the way a receiver is expected to:
// the timestamp must be within leeway of now and the signature header must
// match the digest recomputed over the raw body.
func Verify(secret string, body []byte, tsHeader, sigHeader string, now time.Time, leeway time.Duration) error {
	if tsHeader == "" || sigHeader == "" {
		return ErrMissingHeaders
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(leeway.Seconds()) {
		return ErrStaleTimestamp
	}
	if !strings.HasPrefix(sigHeader, Scheme) {
		return ErrBadScheme
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sigHeader, Scheme))
	if err != nil {
		return ErrSignatureNotHex
	}
	want, _ := hex.DecodeString(Sign(secret, ts, body))
	if !hmac.Equal(got, want) {
		return ErrSignatureMismatch
	}
	return nil
}
