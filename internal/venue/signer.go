package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Signer signs REST requests and stream auth frames with HMAC-SHA256.
type Signer struct {
	key    string
	secret []byte
}

func NewSigner(key, secret string) *Signer {
	return &Signer{key: key, secret: []byte(secret)}
}

// Key returns the api key.
func (s *Signer) Key() string {
	return s.key
}

// Headers returns the auth headers for a request whose payload is the query string
// (GET) or the body (POST).
func (s *Signer) Headers(now time.Time, recvWindow time.Duration, payload string) map[string]string {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	window := strconv.FormatInt(recvWindow.Milliseconds(), 10)
	return map[string]string{
		"X-API-KEY":         s.key,
		"X-API-TIMESTAMP":   ts,
		"X-API-RECV-WINDOW": window,
		"X-API-SIGN":        s.Sign(ts + s.key + window + payload),
	}
}

// StreamAuth returns the expiry and signature of a stream auth frame.
func (s *Signer) StreamAuth(now time.Time, ttl time.Duration) (int64, string) {
	expires := now.Add(ttl).UnixMilli()
	return expires, s.Sign("GET/realtime" + strconv.FormatInt(expires, 10))
}

// Sign returns the hex HMAC-SHA256 of payload.
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Wipe clears the secret from memory.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	for i := range s.secret {
		s.secret[i] = 0
	}
}
