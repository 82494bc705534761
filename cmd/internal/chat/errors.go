package chat

import (
	"errors"
	"fmt"
)

// Sentinel kinds; every typed error below unwraps to one of them.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrStorage      = errors.New("storage failure")
	ErrTransport    = errors.New("transport failure")
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError rejects an input before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports a missing user or message.
type NotFoundError struct {
	Resource string
	ID       int64
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %d: %v", e.Resource, e.ID, ErrNotFound)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// StorageError wraps a durable-store failure.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrStorage, e.Err)
}

func (e StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// TransportError wraps a publish failure on one channel. The mutation that
// produced the event is already committed when this is returned.
type TransportError struct {
	Channel string
	Err     error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("publish %s: %v: %v", e.Channel, ErrTransport, e.Err)
}

func (e TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// AuthorizationError denies a channel subscription.
type AuthorizationError struct {
	Channel string
	Reason  string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("%v: channel %q: %s", ErrUnauthorized, e.Channel, e.Reason)
}

func (e AuthorizationError) Unwrap() error { return ErrUnauthorized }

// IsDeliveryWarning reports whether err only describes failed delivery of an
// event whose mutation committed. Callers should treat the accompanying
// value as valid.
func IsDeliveryWarning(err error) bool {
	return err != nil &&
		errors.Is(err, ErrTransport) &&
		!errors.Is(err, ErrStorage) &&
		!errors.Is(err, ErrValidation) &&
		!errors.Is(err, ErrNotFound)
}

// storageErr wraps err as a StorageError unless it already carries a domain kind.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStorage) {
		return err
	}
	return StorageError{Op: op, Err: err}
}
