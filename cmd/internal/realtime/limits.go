package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max subscriptions held by one session.
	maxChannelsPerSession = 32
)

const (
	// Heartbeat defaults (overridable via PAIRCHAT_WS_HEARTBEAT_*).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limit: rateLimitEvents per rateLimitWindow, bursting to rateLimitEvents.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
