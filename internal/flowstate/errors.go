package flowstate

import "errors"

// Sentinel errors for polling-state store operations.
var (
	// ErrStateNotFound is returned when a transaction has no persisted record.
	ErrStateNotFound = errors.New("flowstate: transaction record not found")
	// ErrNoPollingState is returned when a record exists but has never been
	// initialised with a PollingState (i.e. the flow has never been started).
	ErrNoPollingState = errors.New("flowstate: polling state not initialised")
)
