// Package poller defines the common contract the three per-chain pollers
// (EVM, Noble, Namada) implement, per spec.md §2/§4.
package poller

import (
	"context"
	"time"

	"github.com/iskay-labs/usdc-flow-tracker/internal/flowstate"
)

// Params is the input to a single poller invocation, built by the
// orchestrator per spec.md §4.1 "Build poll params".
type Params struct {
	FlowID     string
	Chain      flowstate.ChainKey
	FlowType   flowstate.FlowType
	TimeoutMs  int64
	IntervalMs int64
	Metadata   map[string]any
}

// PollError is the taxonomy surfaced to the outside world (spec.md §6).
type PollError struct {
	Type           flowstate.ChainStatusValue // tx_error | polling_error | polling_timeout | user_action_required
	Message        string
	OccurredAt     time.Time
	Code           string
	Category       flowstate.ErrorCategory
	IsRecoverable  bool
	RecoveryAction flowstate.RecoveryAction
	Chain          flowstate.ChainKey
}

func (e *PollError) Error() string {
	return string(e.Type) + ": " + e.Message
}

// Result is what a poller returns on completion, successful or not. Stages
// and Metadata are merged by the orchestrator even on error, so a partial
// correlation-id extraction is never lost (spec.md §4.1 processChainResult).
type Result struct {
	Stages   []flowstate.ChainStage
	Metadata map[string]any
	Error    *PollError
}

// ForwardingRetrier is implemented by pollers that expose a targeted retry
// of a sub-job rather than a full re-poll. Today only the Noble poller's
// forwarding-registration sub-job (spec.md §4.1 execute() step 3, §4.6)
// supports this.
type ForwardingRetrier interface {
	RetryForwardingRegistration(ctx context.Context, params Params) (*Result, error)
}

// ChainPoller is the common contract every per-chain poller implements.
// Implementations must check ctx (a) before each sleep, (b) at the top of
// every error path, and (c) both before and after each network call —
// spec.md §5.
type ChainPoller interface {
	Poll(ctx context.Context, params Params) (*Result, error)
}

// CancelledResult builds the standard "Polling cancelled"/"Polling aborted"
// result pollers return when ctx is done mid-flight.
func CancelledResult(chain flowstate.ChainKey, message string) *Result {
	if message == "" {
		message = "Polling cancelled"
	}
	return &Result{
		Error: &PollError{
			Type:       flowstate.ChainStatusPollingError,
			Message:    message,
			OccurredAt: time.Now().UTC(),
			Category:   flowstate.ErrorCategoryUnknown,
			Chain:      chain,
		},
	}
}

// TimeoutResult builds the standard deadline-exceeded result.
func TimeoutResult(chain flowstate.ChainKey, message string) *Result {
	return &Result{
		Error: &PollError{
			Type:       flowstate.ChainStatusPollingTimeout,
			Message:    message,
			OccurredAt: time.Now().UTC(),
			Category:   flowstate.ErrorCategoryUnknown,
			Chain:      chain,
		},
	}
}

// ErrorResult builds a polling_error result from a transport/logic failure.
func ErrorResult(chain flowstate.ChainKey, err error, cat flowstate.ErrorCategory, recoverable bool, action flowstate.RecoveryAction) *Result {
	return &Result{
		Error: &PollError{
			Type:           flowstate.ChainStatusPollingError,
			Message:        err.Error(),
			OccurredAt:     time.Now().UTC(),
			Category:       cat,
			IsRecoverable:  recoverable,
			RecoveryAction: action,
			Chain:          chain,
		},
	}
}
