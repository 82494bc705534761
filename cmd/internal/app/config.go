package app

import (
	"time"

	"pairchat/cmd/internal/chat"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// If true, PAIRCHAT_TOKEN_HMAC_KEY must be set; otherwise a missing key
	// is replaced by a random one that does not survive restarts.
	RequireTokenHMAC bool

	StorageDir     string
	StorageBaseURL string

	NATSURL     string
	NATSSubject string

	PresenceTTL        time.Duration
	PresenceSweepEvery time.Duration

	// StrictChannels restricts private channels to their owner.
	StrictChannels bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	MetricsEnabled bool

	// Bootstrap admin, created on startup when no account uses the email.
	AdminEmail    string
	AdminPassword string
	AdminName     string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("PAIRCHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PAIRCHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("PAIRCHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PAIRCHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PAIRCHAT_HTTP_READ_TIMEOUT", 60*time.Second),
		WriteTimeout:      EnvDuration("PAIRCHAT_HTTP_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:       EnvDuration("PAIRCHAT_HTTP_IDLE_TIMEOUT", 120*time.Second),

		MaxHeaderBytes: int(EnvBytes("PAIRCHAT_HTTP_MAX_HEADER_BYTES", 1<<20)),

		DatabaseURL: EnvString("PAIRCHAT_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("PAIRCHAT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PAIRCHAT_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("PAIRCHAT_READINESS_REQUIRE_DB", false),
		RequireTokenHMAC:   EnvBool("PAIRCHAT_REQUIRE_TOKEN_HMAC", false),

		StorageDir:     EnvString("PAIRCHAT_STORAGE_DIR", "./storage"),
		StorageBaseURL: EnvString("PAIRCHAT_STORAGE_BASE_URL", "/storage"),

		NATSURL:     EnvString("PAIRCHAT_NATS_URL", ""),
		NATSSubject: EnvString("PAIRCHAT_NATS_SUBJECT", "pairchat.events"),

		PresenceTTL:        EnvDuration("PAIRCHAT_PRESENCE_TTL", chat.DefaultPresenceTTL),
		PresenceSweepEvery: EnvDuration("PAIRCHAT_PRESENCE_SWEEP_EVERY", time.Minute),

		StrictChannels: EnvBool("PAIRCHAT_STRICT_CHANNELS", false),

		CORSAllowedOrigins:   EnvCSV("PAIRCHAT_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("PAIRCHAT_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PAIRCHAT_CORS_MAX_AGE", 600),

		MetricsEnabled: EnvBool("PAIRCHAT_METRICS_ENABLED", true),

		AdminEmail:    EnvString("PAIRCHAT_ADMIN_EMAIL", ""),
		AdminPassword: EnvString("PAIRCHAT_ADMIN_PASSWORD", ""),
		AdminName:     EnvString("PAIRCHAT_ADMIN_NAME", "Administrator"),
	}
}
