package harvest

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared by collaborators and the core.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrPoolExhausted    = errors.New("identity pool exhausted")
	ErrRefreshFailed    = errors.New("session refresh failed")
	ErrSchemaInvalid    = errors.New("schema invalid")
	ErrBlocked          = errors.New("request blocked")
	ErrProxy            = errors.New("proxy failure")
	ErrClaimLost        = errors.New("claim lost")
	ErrNotFound         = errors.New("not found")
)

// Kind classifies a failure for retry and disposition decisions.
type Kind int

// Failure kinds, ordered by how far they propagate.
const (
	KindNone Kind = iota
	KindRetryable
	KindFatal
	KindNotAuthenticated
	KindPoolExhausted
	KindRefreshFailed
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	case KindNotAuthenticated:
		return "not_authenticated"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindRefreshFailed:
		return "refresh_failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error attaches an explicit Kind to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal marks err as never succeeding on retry (e.g. a malformed identifier).
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// Retryable marks err as transient.
func Retryable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

// KindOf classifies err. Session and pool sentinels win over explicit kinds so a
// wrapped auth loss is never mistaken for an ordinary failure. Unknown errors are retryable.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, ErrRefreshFailed):
		return KindRefreshFailed
	case errors.Is(err, ErrNotAuthenticated):
		return KindNotAuthenticated
	case errors.Is(err, ErrPoolExhausted):
		return KindPoolExhausted
	}
	var kinded *Error
	if errors.As(err, &kinded) {
		return kinded.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	return KindRetryable
}

// IdentityFault reports whether err implicates the egress identity used for the attempt.
func IdentityFault(err error) bool {
	return errors.Is(err, ErrBlocked) || errors.Is(err, ErrProxy)
}
