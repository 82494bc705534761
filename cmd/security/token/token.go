package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// HMACEnvKey names the env var holding the signing secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "PAIRCHAT_TOKEN_HMAC_KEY"

	MinKeyBytes = 32
)

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// HMACKeyFromEnv returns the trimmed key bytes, enforcing minBytes.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	if minBytes > 0 && len(raw) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return []byte(raw), nil
}

// Signer issues and verifies bearer tokens under one key.
type Signer struct {
	key []byte
	ttl time.Duration
}

// NewSigner returns a Signer; ttl <= 0 defaults to 24h.
func NewSigner(key []byte, ttl time.Duration) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrHMACKeyMissing
	}
	if len(key) < MinKeyBytes {
		return nil, ErrHMACKeyTooShort
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{key: append([]byte(nil), key...), ttl: ttl}, nil
}

func (s *Signer) TTL() time.Duration { return s.ttl }

// Issue returns a token for userID valid until now+TTL.
func (s *Signer) Issue(userID int64, now time.Time) (string, time.Time) {
	exp := now.Add(s.ttl).UTC().Truncate(time.Second)
	claims := strconv.FormatInt(userID, 10) + "." + strconv.FormatInt(exp.Unix(), 10)
	return claims + "." + HashHMACSHA256Hex(claims, s.key), exp
}

// Verify checks the signature and expiry and returns the user id.
func (s *Signer) Verify(tok string, now time.Time) (int64, error) {
	i := strings.LastIndexByte(tok, '.')
	if i <= 0 {
		return 0, ErrMalformed
	}
	claims, mac := tok[:i], tok[i+1:]

	uidRaw, expRaw, ok := strings.Cut(claims, ".")
	if !ok {
		return 0, ErrMalformed
	}
	uid, err := strconv.ParseInt(uidRaw, 10, 64)
	if err != nil || uid <= 0 {
		return 0, ErrMalformed
	}
	exp, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		return 0, ErrMalformed
	}

	want := HashHMACSHA256Hex(claims, s.key)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(mac))) {
		return 0, ErrBadSignature
	}
	if !now.Before(time.Unix(exp, 0)) {
		return 0, ErrExpired
	}
	return uid, nil
}
