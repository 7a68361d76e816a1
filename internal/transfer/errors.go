package transfer

import (
	"context"
	"errors"

	"github.com/castella/castella/internal/allocator"
	"github.com/castella/castella/internal/backend"
	"github.com/castella/castella/internal/catalog"
	"github.com/castella/castella/internal/codec"
	"github.com/castella/castella/internal/governor"
)

// Kind is the failure category carried by every error the service returns.
type Kind string

// Kinds
const (
	KindAuth              Kind = "auth"
	KindRateLimited       Kind = "rate_limited"
	KindUnavailable       Kind = "unavailable"
	KindIntegrity         Kind = "integrity"
	KindTruncated         Kind = "truncated"
	KindCapacityExhausted Kind = "capacity_exhausted"
	KindConflict          Kind = "conflict"
	KindNotFound          Kind = "not_found"
	KindInvalid           Kind = "invalid"
	KindTooLarge          Kind = "too_large"
	KindCanceled          Kind = "canceled"
	KindInternal          Kind = "internal"
)

var messages = map[Kind]string{
	KindAuth:              "backend authentication failed",
	KindRateLimited:       "backend rate limit exceeded",
	KindUnavailable:       "backend unavailable",
	KindIntegrity:         "stored data failed authentication",
	KindTruncated:         "stored data is truncated",
	KindCapacityExhausted: "request exceeds capacity",
	KindConflict:          "concurrent update conflict",
	KindNotFound:          "not found",
	KindInvalid:           "invalid request",
	KindTooLarge:          "upload too large",
	KindCanceled:          "canceled",
	KindInternal:          "internal error",
}

// Request errors raised by the service itself.
var (
	ErrSizeMismatch = errors.New("transfer: streamed size differs from declared size")
	ErrTooLarge     = errors.New("transfer: upload exceeds maximum size")
	ErrInvalidRange = errors.New("transfer: range outside file")
)

// Error is a failed operation. Its text names the operation and the kind
// only; the cause, which may carry backend text, is reachable via Unwrap.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + messages[e.Kind]
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindInternal if err did not come from
// the service.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// classify maps a cause onto a kind. The order matters where one error
// wraps several sentinels.
func classify(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, codec.ErrIntegrity), errors.Is(err, codec.ErrEnvelope):
		return KindIntegrity
	case errors.Is(err, codec.ErrTruncated), errors.Is(err, codec.ErrTrailingData):
		return KindTruncated
	case errors.Is(err, governor.ErrCapacityExhausted), errors.Is(err, allocator.ErrNoCapacity):
		return KindCapacityExhausted
	case errors.Is(err, catalog.ErrConflict), errors.Is(err, catalog.ErrDriveFull):
		return KindConflict
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, backend.ErrNotFound):
		return KindNotFound
	case errors.Is(err, backend.ErrAuth):
		return KindAuth
	case errors.Is(err, backend.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, backend.ErrUnavailable), errors.Is(err, governor.ErrLedger), errors.Is(err, governor.ErrClosed):
		return KindUnavailable
	case errors.Is(err, ErrTooLarge):
		return KindTooLarge
	case errors.Is(err, ErrSizeMismatch), errors.Is(err, ErrInvalidRange):
		return KindInvalid
	default:
		return KindInternal
	}
}

// wrap turns err into an *Error for op, keeping an existing kind.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}
