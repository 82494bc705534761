package password

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Argon2idParams controls the Argon2id cost. MemoryKiB is in KiB as argon2.IDKey expects.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy bounds accepted passwords.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig is tuned for interactive logins on a small chat deployment.
func DefaultConfig() Config {
	lanes := min(max(runtime.NumCPU(), 1), 4)

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(lanes), // #nosec G115 -- clamped to [1..4].
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength: 8,
			MaxLength: 256,
		},
	}
}

// envKnob binds one PAIRCHAT_* variable to a Config field.
type envKnob struct {
	name     string
	lo, hi   uint64
	apply    func(*Config, uint64)
	isSwitch bool
}

var envKnobs = []envKnob{
	{name: "PAIRCHAT_PASSWORD_MIN_LEN", lo: 1, hi: 1024, apply: func(c *Config, v uint64) { c.Policy.MinLength = int(v) }},
	{name: "PAIRCHAT_PASSWORD_MAX_LEN", lo: 1, hi: 4096, apply: func(c *Config, v uint64) { c.Policy.MaxLength = int(v) }},
	{name: "PAIRCHAT_PASSWORD_REJECT_VERY_WEAK", isSwitch: true, apply: func(c *Config, v uint64) { c.Policy.RejectVeryWeak = v == 1 }},
	{name: "PAIRCHAT_ARGON2_MEMORY_KIB", lo: 8 * 1024, hi: 1024 * 1024, apply: func(c *Config, v uint64) { c.Params.MemoryKiB = uint32(v) }},
	{name: "PAIRCHAT_ARGON2_ITERATIONS", lo: 1, hi: 20, apply: func(c *Config, v uint64) { c.Params.Iterations = uint32(v) }},
	{name: "PAIRCHAT_ARGON2_PARALLELISM", lo: 1, hi: math.MaxUint8, apply: func(c *Config, v uint64) { c.Params.Parallelism = uint8(v) }},
	{name: "PAIRCHAT_ARGON2_SALT_LEN", lo: 8, hi: 64, apply: func(c *Config, v uint64) { c.Params.SaltLength = uint32(v) }},
	{name: "PAIRCHAT_ARGON2_KEY_LEN", lo: 16, hi: 64, apply: func(c *Config, v uint64) { c.Params.KeyLength = uint32(v) }},
}

// FromEnv returns DefaultConfig with any PAIRCHAT_PASSWORD_* / PAIRCHAT_ARGON2_* overrides applied.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	for _, k := range envKnobs {
		raw, ok := os.LookupEnv(k.name)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)

		if k.isSwitch {
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return Config{}, fmt.Errorf("%s: invalid boolean", k.name)
			}
			var v uint64
			if b {
				v = 1
			}
			k.apply(&cfg, v)
			continue
		}

		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("%s: not an unsigned integer", k.name)
		}
		if v < k.lo || v > k.hi {
			return Config{}, fmt.Errorf("%s: out of range [%d..%d]", k.name, k.lo, k.hi)
		}
		k.apply(&cfg, v)
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf("password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength, cfg.Policy.MaxLength)
	}
	return cfg, nil
}
