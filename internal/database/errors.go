package database

import "errors"

// ErrSessionNotFound is returned when an operation references a call session
// that does not exist. The event reconciler depends on this to reject events
// arriving ahead of session creation.
var ErrSessionNotFound = errors.New("call session not found")
