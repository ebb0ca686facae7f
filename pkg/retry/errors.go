// Package retry classifies relay failures and runs the bounded
// retry-with-backoff policy shared by every retry site in the relayer.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// Kind is the failure taxonomy persisted on transfer records.
type Kind string

const (
	KindTransient           Kind = "transient"
	KindUnresolved          Kind = "unresolved"
	KindInsufficientFunds   Kind = "insufficient_funds"
	KindAuthorization       Kind = "authorization"
	KindReverted            Kind = "reverted"
	KindConfirmationTimeout Kind = "confirmation_timeout"
	KindSourceFailed        Kind = "source_failed"
	KindUnknown             Kind = "unknown"
)

// Permanent reports whether a failure of this kind must not be retried
// automatically.
func (k Kind) Permanent() bool {
	return k == KindUnresolved || k == KindSourceFailed
}

type classifiedError struct {
	kind Kind
	err  error
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

// Mark attaches a Kind to err. A nil err stays nil.
func Mark(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: kind, err: err}
}

// Transient marks err as retryable.
func Transient(err error) error {
	return Mark(KindTransient, err)
}

// KindOf returns the explicit Kind of err, or infers one from the error chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return marked.kind
	}

	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, insufficientFundsTokens) {
		return KindInsufficientFunds
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		code := rpcErr.ErrorCode()
		if code == -32603 || code == -32005 {
			return KindTransient
		}
	}

	if containsAny(lower, transientMessageTokens) {
		return KindTransient
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried without failing the record.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsPermanent reports whether err must not be retried automatically.
func IsPermanent(err error) bool {
	return KindOf(err).Permanent()
}

// IsConnectionLoss reports whether err looks like a dropped transport rather
// than a slow or overloaded endpoint.
func IsConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), connectionTokens)
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var insufficientFundsTokens = []string{
	"insufficient funds",
	"insufficient balance for transfer",
}

var connectionTokens = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"use of closed network connection",
	"websocket: close",
	"network is unreachable",
	"no such host",
	"connection",
	"network",
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"too many requests",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"websocket: close",
	"use of closed network connection",
	"no such host",
	"header not found",
	"nonce too low",
	"replacement transaction underpriced",
}
