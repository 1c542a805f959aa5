package kv

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies the errors the storage stack can return. Every layer —
// backend or cache — propagates the same Kind a caller sees at the bottom
// of the stack; nothing here is ever swallowed or re-mapped to a different
// Kind on the way up.
type Kind uint8

const (
	// KindNotFound is not used for Read/Exists (those report absence via
	// their bool/ok return), only for operations that promise presence.
	KindNotFound Kind = iota
	KindInvalidArgument
	KindOutOfSpace
	KindIoError
	KindCorruption
	KindTransactionState
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindOutOfSpace:
		return "out_of_space"
	case KindIoError:
		return "io_error"
	case KindCorruption:
		return "corruption"
	case KindTransactionState:
		return "transaction_state"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across the kv.IDB boundary.
// It always carries a Kind so callers can branch on it with errors.As,
// and it wraps the underlying cause (if any) with a stack via pkg/errors.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error of the given kind, wrapping cause (which may be
// nil) with a stack trace via pkg/errors so the original call site survives
// propagation through several cache layers.
func NewError(kind Kind, msg string, cause error) *Error {
	var wrapped error
	if cause != nil {
		wrapped = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Msg: msg, Err: wrapped}
}

// IsKind reports whether err (or something it wraps) is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

var (
	// ErrKeyTooLarge signals a key outside [1, 511] bytes.
	ErrKeyTooLarge = NewError(KindInvalidArgument, "key must be 1..511 bytes", nil)
	// ErrKeyEmpty signals an empty key.
	ErrKeyEmpty = NewError(KindInvalidArgument, "key must not be empty", nil)
	// ErrValueTooLargeForDup signals a value over 508 bytes on a
	// duplicate-allowed index.
	ErrValueTooLargeForDup = NewError(KindInvalidArgument, "value exceeds 508 bytes on a duplicate-keys index", nil)
	// ErrUnknownIndex signals an Index value outside the closed taxonomy.
	ErrUnknownIndex = NewError(KindInvalidArgument, "unknown index", nil)
	// ErrTxAlreadyOpen signals BeginDBTransaction called while a write
	// transaction is already open on this instance.
	ErrTxAlreadyOpen = NewError(KindTransactionState, "a write transaction is already open", nil)
	// ErrNoTx signals Commit/Abort called without a matching Begin.
	ErrNoTx = NewError(KindTransactionState, "no write transaction is open", nil)
	// ErrClosed signals use of a backend/cache after Close.
	ErrClosed = NewError(KindIoError, "backend is closed", nil)
)
