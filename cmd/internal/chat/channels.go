package chat

import (
	"strconv"
	"strings"
)

const (
	privateChannelPrefix = "chat."

	// PresenceChannel is the shared channel carrying presence changes.
	PresenceChannel = "online-users"
)

// Wire event names.
const (
	EventMessageSent             = "MessageSent"
	EventUserOnlineStatusUpdated = "UserOnlineStatusUpdated"
)

// PrivateChannel names the private channel of uid.
func PrivateChannel(uid int64) string {
	return privateChannelPrefix + strconv.FormatInt(uid, 10)
}

// ParsePrivateChannel extracts the user id from "chat.<id>".
func ParsePrivateChannel(name string) (int64, bool) {
	raw, ok := strings.CutPrefix(name, privateChannelPrefix)
	if !ok || raw == "" || raw[0] == '+' || raw[0] == '-' {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
