// Package signature computes and verifies the HMAC-SHA256 tag carried by outbound webhooks.
//
// The signed message is "{timestamp}.{payload}" where payload is the canonical JSON encoding
// of the delivery payload. Receivers rebuild the same bytes from the X-Timestamp header and the
// raw request body.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

var (
	ErrMissingHeaders   = errors.New("missing headers")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrStale            = errors.New("timestamp outside leeway")
	ErrNotHex           = errors.New("signature not hex")
	ErrMismatch         = errors.New("sig mismatch")
	ErrInvalidPayload   = errors.New("payload is not valid json")
)

// DefaultLeeway is how far a receiver tolerates X-Timestamp drifting from its clock.
const DefaultLeeway = 5 * time.Minute

// Canonicalize re-encodes payload into a byte-stable form: object keys sorted, number literals
// preserved, no HTML escaping, no insignificant whitespace.
func Canonicalize(payload []byte) ([]byte, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, ErrInvalidPayload
	}
	if dec.More() {
		return nil, ErrInvalidPayload
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, ErrInvalidPayload
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Message builds the exact byte sequence that gets signed.
func Message(timestamp int64, canonical []byte) []byte {
	ts := strconv.FormatInt(timestamp, 10)
	msg := make([]byte, 0, len(ts)+1+len(canonical))
	msg = append(msg, ts...)
	msg = append(msg, '.')
	return append(msg, canonical...)
}

// SignCanonical signs an already canonical payload.
func SignCanonical(secret string, timestamp int64, canonical []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(Message(timestamp, canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign canonicalizes payload and returns the hex HMAC-SHA256 of "{timestamp}.{payload}".
func Sign(secret string, timestamp int64, payload []byte) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return SignCanonical(secret, timestamp, canonical), nil
}

// Verify checks a received webhook. body must be the raw request body; ts and sig are the
// X-Timestamp and X-Signature header values. Freshness is enforced here, on the receiving side.
func Verify(secret string, body []byte, ts, sig string, leeway time.Duration, now time.Time) error {
	if ts == "" || sig == "" {
		return ErrMissingHeaders
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	if leeway > 0 && abs64(now.Unix()-unix) > int64(leeway.Seconds()) {
		return ErrStale
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrNotHex
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(Message(unix, body))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrMismatch
	}
	return nil
}

// abs64 returns the absolute value of an int64
func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
