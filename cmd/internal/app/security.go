package app

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"pairchat/cmd/security/token"
)

// loadTokenKey returns the bearer-token signing key.
//
// With RequireTokenHMAC the key must come from PAIRCHAT_TOKEN_HMAC_KEY.
// Otherwise a missing key is replaced by a random one; tokens then stop
// verifying after a restart.
func loadTokenKey(cfg Config, log *slog.Logger) ([]byte, error) {
	key, err := token.HMACKeyFromEnv(token.MinKeyBytes)
	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, token.ErrHMACKeyTooShort):
		return nil, fmt.Errorf("security policy: %s is too short (min %d bytes)", token.HMACEnvKey, token.MinKeyBytes)
	case !errors.Is(err, token.ErrHMACKeyMissing):
		return nil, err
	case cfg.RequireTokenHMAC:
		return nil, fmt.Errorf("security policy: PAIRCHAT_REQUIRE_TOKEN_HMAC=true but %s is missing", token.HMACEnvKey)
	}

	key = make([]byte, token.MinKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	log.Warn("security.token_key.ephemeral", "env", token.HMACEnvKey)
	return key, nil
}
