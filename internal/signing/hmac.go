// Package signing authenticates form webhooks with an HMAC over the
// timestamp and raw body.
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

const (
	HeaderTimestamp = "X-DripRelay-Timestamp"
	HeaderSignature = "X-DripRelay-Signature"

	prefix = "v1="
)

var (
	ErrMissing   = errors.New("signature headers missing")
	ErrMalformed = errors.New("signature malformed")
	ErrExpired   = errors.New("signature timestamp outside tolerance")
	ErrMismatch  = errors.New("signature mismatch")
)

// Sign returns the v1 signature for body sent at ts.
func Sign(secret string, ts time.Time, body []byte) string {
	return prefix + hex.EncodeToString(digest(secret, ts.Unix(), body))
}

// Verify checks a signature produced by Sign. Timestamps further than skew
// from now in either direction are rejected.
func Verify(secret, timestamp string, body []byte, signature string, now time.Time, skew time.Duration) error {
	if timestamp == "" || signature == "" {
		return ErrMissing
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrMalformed
	}
	if d := now.Sub(time.Unix(unix, 0)); d > skew || d < -skew {
		return ErrExpired
	}
	raw, ok := strings.CutPrefix(signature, prefix)
	if !ok {
		return ErrMalformed
	}
	got, err := hex.DecodeString(raw)
	if err != nil {
		return ErrMalformed
	}
	if !hmac.Equal(got, digest(secret, unix, body)) {
		return ErrMismatch
	}
	return nil
}

func digest(secret string, unix int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(unix, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}
