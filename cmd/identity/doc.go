// Package identity owns pairchat user accounts: the User record, its
// persistence boundary, and password credentials.
//
// Presence state is not stored here; identity only persists last_seen_at,
// which the chat presence tracker advances.
package identity
