package password

import (
	"errors"
	"strings"
	"testing"
)

func cheapConfig() Config {
	cfg := DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func TestHashAndVerify(t *testing.T) {
	t.Parallel()

	cfg := cheapConfig()
	h, err := cfg.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(h, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected encoding: %q", h)
	}

	tests := []struct {
		name     string
		password string
		want     bool
	}{
		{name: "match", password: "correct horse battery", want: true},
		{name: "mismatch", password: "wrong horse battery", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := cfg.Verify(h, tt.password)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if ok != tt.want {
				t.Fatalf("Verify = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestVerify_RejectsMalformedAndExpensiveHashes(t *testing.T) {
	t.Parallel()

	cfg := cheapConfig()
	for _, enc := range []string{
		"not-a-hash",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0$a2V5a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0$a2V5a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$m=1048576,t=1,p=1$c2FsdHNhbHRzYWx0$a2V5a2V5a2V5a2V5a2V5a2V5",
	} {
		ok, err := cfg.Verify(enc, "whatever")
		if !errors.Is(err, ErrInvalidHash) {
			t.Fatalf("Verify(%q) err = %v, want ErrInvalidHash", enc, err)
		}
		if ok {
			t.Fatalf("Verify(%q) = true", enc)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Policy.MinLength = 8
	cfg.Policy.MaxLength = 16
	cfg.Policy.RejectVeryWeak = true

	tests := []struct {
		password string
		want     error
	}{
		{"short", ErrPasswordTooShort},
		{"this password is definitely too long", ErrPasswordTooLong},
		{"password", ErrWeakPassword},
		{"aaaaaaaaa", ErrWeakPassword},
		{"1234567890", ErrWeakPassword},
		{"blue-kettle-9", nil},
	}
	for _, tt := range tests {
		if err := cfg.Validate(tt.password); !errors.Is(err, tt.want) {
			t.Fatalf("Validate(%q) = %v, want %v", tt.password, err, tt.want)
		}
	}
}
