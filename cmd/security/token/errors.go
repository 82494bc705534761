package token

import "errors"

var (
	ErrHMACKeyMissing  = errors.New("token HMAC key missing")
	ErrHMACKeyTooShort = errors.New("token HMAC key too short")
	ErrMalformed       = errors.New("token malformed")
	ErrBadSignature    = errors.New("token signature mismatch")
	ErrExpired         = errors.New("token expired")
)
