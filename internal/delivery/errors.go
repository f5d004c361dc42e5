package delivery

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures
type ErrorKind string

const (
	KindInvalidInput      ErrorKind = "invalid-input"
	KindEncryption        ErrorKind = "encryption"
	KindDecryption        ErrorKind = "decryption"
	KindStorage           ErrorKind = "storage"
	KindRelaysUnavailable ErrorKind = "relays-unavailable"
	KindInvalidState      ErrorKind = "invalid-state"
	KindSyncInProgress    ErrorKind = "sync-in-progress"
	KindNoOpenRelays      ErrorKind = "no-open-relays"
	KindIdentityLocked    ErrorKind = "identity-locked"
)

// Sentinels for errors.Is
var (
	ErrInvalidInput      = &DeliveryError{Kind: KindInvalidInput}
	ErrEncryption        = &DeliveryError{Kind: KindEncryption}
	ErrDecryption        = &DeliveryError{Kind: KindDecryption}
	ErrStorage           = &DeliveryError{Kind: KindStorage}
	ErrRelaysUnavailable = &DeliveryError{Kind: KindRelaysUnavailable}
	ErrInvalidState      = &DeliveryError{Kind: KindInvalidState}
	ErrSyncInProgress    = &DeliveryError{Kind: KindSyncInProgress}
	ErrNoOpenRelays      = &DeliveryError{Kind: KindNoOpenRelays}
	ErrIdentityLocked    = &DeliveryError{Kind: KindIdentityLocked}
)

// DeliveryError is a classified engine error
type DeliveryError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func newError(kind ErrorKind, op string, err error) *DeliveryError {
	return &DeliveryError{Kind: kind, Op: op, Err: err}
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Is matches any DeliveryError of the same kind
func (e *DeliveryError) Is(target error) bool {
	t, ok := target.(*DeliveryError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of a classified error, or "" for anything else
func KindOf(err error) ErrorKind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
