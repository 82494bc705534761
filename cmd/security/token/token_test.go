package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestSigner_IssueVerify(t *testing.T) {
	t.Parallel()

	s, err := NewSigner(testKey, time.Hour)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tok, exp := s.Issue(42, now)
	if !strings.HasPrefix(tok, "42.") {
		t.Fatalf("token %q does not start with user id", tok)
	}
	if !exp.Equal(now.Add(time.Hour)) {
		t.Fatalf("exp = %v", exp)
	}

	uid, err := s.Verify(tok, now.Add(59*time.Minute))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if uid != 42 {
		t.Fatalf("uid = %d, want 42", uid)
	}

	if _, err := s.Verify(tok, now.Add(time.Hour)); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestSigner_VerifyRejectsTampering(t *testing.T) {
	t.Parallel()

	s, _ := NewSigner(testKey, time.Hour)
	other, _ := NewSigner([]byte("ffffffffffffffffffffffffffffffff"), time.Hour)
	now := time.Now()
	tok, _ := s.Issue(7, now)

	tests := []struct {
		name string
		tok  string
		want error
	}{
		{name: "empty", tok: "", want: ErrMalformed},
		{name: "no claims", tok: "abc", want: ErrMalformed},
		{name: "bad uid", tok: "x" + tok[1:], want: ErrMalformed},
		{name: "swapped uid", tok: "8" + tok[1:], want: ErrBadSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Verify(tt.tok, now); !errors.Is(err, tt.want) {
				t.Fatalf("Verify err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := other.Verify(tok, now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("foreign key: err = %v", err)
	}
}

func TestNewSigner_KeyPolicy(t *testing.T) {
	t.Parallel()

	if _, err := NewSigner(nil, 0); !errors.Is(err, ErrHMACKeyMissing) {
		t.Fatalf("nil key: %v", err)
	}
	if _, err := NewSigner([]byte("short"), 0); !errors.Is(err, ErrHMACKeyTooShort) {
		t.Fatalf("short key: %v", err)
	}
	s, err := NewSigner(testKey, 0)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if s.TTL() != 24*time.Hour {
		t.Fatalf("default ttl = %v", s.TTL())
	}
}

func TestHMACKeyFromEnv(t *testing.T) {
	t.Setenv(HMACEnvKey, "  ")
	if _, err := HMACKeyFromEnv(MinKeyBytes); !errors.Is(err, ErrHMACKeyMissing) {
		t.Fatalf("blank: %v", err)
	}
	t.Setenv(HMACEnvKey, "tiny")
	if _, err := HMACKeyFromEnv(MinKeyBytes); !errors.Is(err, ErrHMACKeyTooShort) {
		t.Fatalf("short: %v", err)
	}
	t.Setenv(HMACEnvKey, string(testKey))
	k, err := HMACKeyFromEnv(MinKeyBytes)
	if err != nil || string(k) != string(testKey) {
		t.Fatalf("got %q, %v", k, err)
	}
}
