package domain

import "errors"

// Failure taxonomy of the trading core. Callers wrap these with fmt.Errorf
// and test with errors.Is.
var (
	ErrConnectionFailure     = errors.New("connection failure")
	ErrOrderRejected         = errors.New("order rejected")
	ErrQuoteUnavailable      = errors.New("quote unavailable")
	ErrReconciliationAnomaly = errors.New("reconciliation anomaly")
	ErrConfigInvalid         = errors.New("config invalid")
)

var (
	ErrNotFound          = errors.New("not found")
	ErrNoFreeSlot        = errors.New("no free slot")
	ErrTemplateBusy      = errors.New("template already has a live instance")
	ErrSlotNotFound      = errors.New("slot not occupied")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrLockHeld          = errors.New("lock already held")
)

// IsTransient reports whether err is a transport-level failure after which
// the control loop should skip the current tick and try again on the next.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectionFailure) || errors.Is(err, ErrWSDisconnect)
}
