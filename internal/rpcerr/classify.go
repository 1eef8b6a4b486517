// Package rpcerr classifies RPC/transport failures into the severity and
// category taxonomy from spec.md §7 and provides the shared retry-with-backoff
// helper used by both chain RPC adapters.
package rpcerr

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"syscall"

	"github.com/iskay-labs/usdc-flow-tracker/internal/flowstate"
)

// Classified is the taxonomy spec.md §6 surfaces to the outside world.
type Classified struct {
	Category      flowstate.ErrorCategory
	Permanent     bool // true: do not retry
	IsRecoverable bool
	Recovery      flowstate.RecoveryAction
	Code          string
}

var transientHTTPStatus = map[int]bool{429: true, 502: true, 503: true, 504: true}

var transientSubstrings = []string{
	"rate limit", "rate-limit", "timeout", "timed out",
	"connection reset", "connection refused", "econnreset",
	"fetch failed", "no such host", "i/o timeout", "eof",
	"temporary failure", "broken pipe",
}

var permanentSubstrings = []string{
	"invalid", "malformed", "parse error", "unauthorized", "forbidden",
}

// Classify inspects err (and, for HTTP-sourced errors, the status code) and
// returns the taxonomy used to decide retry/backoff and the ChainStatus
// fields surfaced on terminal failure.
func Classify(err error, httpStatus int) Classified {
	if err == nil && httpStatus == 0 {
		return Classified{Category: flowstate.ErrorCategoryUnknown, IsRecoverable: true, Recovery: flowstate.RecoveryRetry}
	}

	msg := ""
	if err != nil {
		msg = strings.ToLower(err.Error())
	}

	if httpStatus >= 400 && httpStatus < 500 && httpStatus != 429 {
		return Classified{
			Category: flowstate.ErrorCategoryRPC, Permanent: true,
			Recovery: flowstate.RecoveryContactSupport, Code: strconv.Itoa(httpStatus),
		}
	}
	if transientHTTPStatus[httpStatus] {
		return Classified{
			Category: flowstate.ErrorCategoryRPC, IsRecoverable: true,
			Recovery: flowstate.RecoveryCheckRPCStatus, Code: strconv.Itoa(httpStatus),
		}
	}

	for _, sub := range permanentSubstrings {
		if strings.Contains(msg, sub) {
			return Classified{Category: flowstate.ErrorCategoryRPC, Permanent: true, Recovery: flowstate.RecoveryContactSupport}
		}
	}

	if isNetworkError(err) {
		return Classified{Category: flowstate.ErrorCategoryNetwork, IsRecoverable: true, Recovery: flowstate.RecoveryCheckConnection}
	}
	for _, sub := range transientSubstrings {
		if strings.Contains(msg, sub) {
			return Classified{Category: flowstate.ErrorCategoryNetwork, IsRecoverable: true, Recovery: flowstate.RecoveryCheckConnection}
		}
	}
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "server error") {
		return Classified{Category: flowstate.ErrorCategoryRPC, IsRecoverable: true, Recovery: flowstate.RecoveryCheckRPCStatus}
	}

	return Classified{Category: flowstate.ErrorCategoryUnknown, IsRecoverable: true, Recovery: flowstate.RecoveryRetry}
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var errnoErr syscall.Errno
	if errors.As(err, &errnoErr) {
		switch errnoErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.EPIPE, syscall.EHOSTUNREACH:
			return true
		}
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
