package identity

import (
	"errors"

	"pairchat/cmd/security/password"
)

// passwordConfig resolves the argon2id settings once per call so env changes
// in tests are honored. A broken env falls back to the package defaults.
func passwordConfig() password.Config {
	cfg, err := password.FromEnv()
	if err != nil {
		return password.DefaultConfig()
	}
	return cfg
}

// HashPassword validates plain against the password policy and returns its PHC hash.
func HashPassword(plain string) (string, error) {
	h, err := passwordConfig().Hash(plain)
	if err != nil {
		return "", invalid("identity.HashPassword", err.Error())
	}
	return h, nil
}

// VerifyPassword reports whether plain matches the stored hash of u.
// A malformed stored hash counts as a mismatch.
func VerifyPassword(u User, plain string) bool {
	if u.PasswordHash == "" {
		return false
	}
	ok, err := passwordConfig().Verify(u.PasswordHash, plain)
	if errors.Is(err, password.ErrInvalidHash) {
		return false
	}
	return err == nil && ok
}
