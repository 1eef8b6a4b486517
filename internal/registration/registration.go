// Package registration implements the Noble forwarding-account
// registration sub-job, spec.md §4.6. It is invoked only from the Noble
// deposit path, after a CCTP mint has been observed, to make sure the
// recipient's IBC-forwarding account exists before the mint is forwarded on.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"

	"github.com/iskay-labs/usdc-flow-tracker/internal/metrics"
)

// Params are the inputs to a single registration attempt.
type Params struct {
	TxID              string
	ForwardingAddress string
	RecipientAddress  string
	ChannelID         string
	Fallback          string
	MinBalanceUusdc   *big.Int
	GasLimit          uint64
	FeeUusdc          *big.Int
}

// Result is persisted verbatim into chainStatus[noble].metadata.
// nobleForwardingRegistration so a resume can observe what was tried,
// per spec.md §4.6.
type Result struct {
	AlreadyRegistered bool   `json:"alreadyRegistered"`
	Success           bool   `json:"success"`
	Recoverable       bool   `json:"recoverable"`
	BalanceSufficient bool   `json:"balanceSufficient"`
	BalanceUusdc      string `json:"balanceUusdc,omitempty"`
	TxHash            string `json:"txHash,omitempty"`
	Code              uint32 `json:"code,omitempty"`
	RawLog            string `json:"rawLog,omitempty"`
	Message           string `json:"message,omitempty"`
}

// StatusChecker reports whether a forwarding account is already registered.
type StatusChecker interface {
	IsRegistered(ctx context.Context, recipientAddress string) (bool, error)
}

// BalanceQuerier returns the Noble uusdc balance of an address.
type BalanceQuerier interface {
	UusdcBalance(ctx context.Context, address string) (*big.Int, error)
}

// TxBuilder builds (but does not sign or broadcast) a registration
// transaction.
type TxBuilder interface {
	BuildRegisterForwardingTx(ctx context.Context, params Params) ([]byte, error)
}

// Broadcaster submits a signed/built transaction to the Noble LCD and
// returns the raw broadcast response fields.
type Broadcaster interface {
	Broadcast(ctx context.Context, signedTx []byte) (txHash string, code uint32, rawLog string, err error)
}

// alreadyRegisteredSubstring is the broadcast-response substring that marks
// a race-condition double-submit as a success rather than a failure,
// per spec.md §4.6's explicit note.
const alreadyRegisteredSubstring = "already registered"

// Job runs the four-step registration sub-job.
type Job struct {
	Status    StatusChecker
	Balance   BalanceQuerier
	Builder   TxBuilder
	Broadcast Broadcaster
	logger    *log.Logger

	// Metrics is optional; when nil, observations are skipped.
	Metrics *metrics.Registry
}

// New constructs a registration Job from its four collaborators.
func New(status StatusChecker, balance BalanceQuerier, builder TxBuilder, broadcaster Broadcaster) *Job {
	return &Job{
		Status:    status,
		Balance:   balance,
		Builder:   builder,
		Broadcast: broadcaster,
		logger:    log.New(os.Stderr, "[registration] ", log.LstdFlags),
	}
}

// Run executes the sub-job. It never returns a non-nil error for expected
// failure modes (insufficient balance, build/broadcast rejection) — those
// are reported in Result so the caller can classify them per spec.md §4.6;
// a non-nil error means the sub-job itself could not run (ctx cancellation,
// a collaborator transport failure it cannot interpret).
func (j *Job) Run(ctx context.Context, params Params) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	registered, err := j.Status.IsRegistered(ctx, params.RecipientAddress)
	if err != nil {
		return nil, fmt.Errorf("registration: status check: %w", err)
	}
	if registered {
		j.observe("already_registered")
		return &Result{AlreadyRegistered: true, Success: true, Recoverable: true}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	balance, err := j.Balance.UusdcBalance(ctx, params.ForwardingAddress)
	if err != nil {
		return nil, fmt.Errorf("registration: balance query: %w", err)
	}
	if params.MinBalanceUusdc != nil && balance.Cmp(params.MinBalanceUusdc) < 0 {
		j.observe("insufficient_balance")
		return &Result{
			Success:           false,
			Recoverable:       false,
			BalanceSufficient: false,
			BalanceUusdc:      balance.String(),
			Message:           "forwarding account balance below minimum required",
		}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	signedTx, err := j.Builder.BuildRegisterForwardingTx(ctx, params)
	if err != nil {
		j.observe("user_action_required")
		return &Result{
			Success:           false,
			Recoverable:       false,
			BalanceSufficient: true,
			BalanceUusdc:      balance.String(),
			Message:           fmt.Sprintf("build registration tx: %v", err),
		}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	txHash, code, rawLog, err := j.Broadcast.Broadcast(ctx, signedTx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		j.observe("user_action_required")
		return &Result{
			Success:           false,
			Recoverable:       false,
			BalanceSufficient: true,
			BalanceUusdc:      balance.String(),
			Message:           fmt.Sprintf("broadcast registration tx: %v", err),
		}, nil
	}

	success := code == 0 || strings.Contains(rawLog, alreadyRegisteredSubstring)
	if success {
		j.observe("success")
	} else {
		j.observe("recoverable_failure")
	}
	return &Result{
		Success:           success,
		Recoverable:       !success,
		BalanceSufficient: true,
		BalanceUusdc:      balance.String(),
		TxHash:            txHash,
		Code:              code,
		RawLog:            rawLog,
	}, nil
}

func (j *Job) observe(outcome string) {
	if j.Metrics != nil {
		j.Metrics.ObserveRegistrationResult(outcome)
	}
}
