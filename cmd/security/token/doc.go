// Package token signs and verifies the bearer tokens pairchat hands to clients.
//
// A token is "<userID>.<expiresUnix>.<mac>" where mac is the hex
// HMAC-SHA256 of "<userID>.<expiresUnix>" under the server key. Tokens carry no
// other claims; the user row is re-read on every request.
//
// Environment:
//   - PAIRCHAT_TOKEN_HMAC_KEY: signing secret, at least MinKeyBytes long.
package token
