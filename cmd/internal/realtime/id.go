package realtime

import (
	"time"

	"pairchat/cmd/identity/ids"
)

// NewSessionID returns a ULID used as websocket session id. Clients echo it
// as X-Socket-ID on HTTP calls so their own session is skipped on fanout.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
