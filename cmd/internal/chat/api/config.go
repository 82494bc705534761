package chatapi

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pairchat/cmd/internal/chat"
)

// Config controls the chat API limits.
type Config struct {
	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64
	// MaxUploadBytes caps multipart upload requests, envelope included.
	MaxUploadBytes int64

	// Per-user limits for chatty endpoints (send, typing).
	RatePerSecond float64
	RateBurst     int

	// TokenTTL is the lifetime of tokens issued by POST /auth/token.
	TokenTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:   64 << 10,
		MaxUploadBytes: chat.MaxUploadBytes + 1<<20,
		RatePerSecond:  5,
		RateBurst:      20,
		TokenTTL:       24 * time.Hour,
	}
}

// ConfigFromEnv reads PAIRCHAT_API_* overrides. Sizes accept humanized
// values such as "64KiB" or "25MB".
func ConfigFromEnv() Config {
	c := DefaultConfig()
	c.MaxBodyBytes = envBytes("PAIRCHAT_API_MAX_BODY", c.MaxBodyBytes)
	c.MaxUploadBytes = envBytes("PAIRCHAT_API_MAX_UPLOAD", c.MaxUploadBytes)
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv("PAIRCHAT_API_RATE_RPS")), 64); err == nil && v > 0 {
		c.RatePerSecond = v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv("PAIRCHAT_API_RATE_BURST"))); err == nil && v > 0 {
		c.RateBurst = v
	}
	if d, err := time.ParseDuration(strings.TrimSpace(os.Getenv("PAIRCHAT_TOKEN_TTL"))); err == nil && d > 0 {
		c.TokenTTL = d
	}
	return c
}

func envBytes(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil || n == 0 || n > 1<<40 {
		return def
	}
	return int64(n)
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = d.MaxUploadBytes
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = d.RatePerSecond
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = d.TokenTTL
	}
	return c
}
