package ledger

import (
	"fmt"
)

// Kind classifies a ledger failure by what the caller may do about it.
type Kind int

const (
	// KindValidation: the intent is malformed or names an unknown user or
	// instrument. Detected before any lock is taken.
	KindValidation Kind = iota + 1

	// KindRejected: a business rule refused the operation after locks were
	// acquired but before any write. Nothing was persisted.
	KindRejected

	// KindRetryable: a lock wait, timeout or transaction conflict aborted
	// the operation. Nothing was persisted; resubmitting is safe.
	KindRetryable

	// KindInternal: storage or integrity failure. Nothing was persisted.
	// The engine never retries these.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRejected:
		return "rejected"
	case KindRetryable:
		return "retryable"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Stable machine-readable error codes.
const (
	CodeInvalidSide          = "invalid_side"
	CodeInvalidKind          = "invalid_kind"
	CodeInvalidQuantity      = "invalid_quantity"
	CodeInvalidPrice         = "invalid_price"
	CodeInvalidAmount        = "invalid_amount"
	CodeInvalidInstrument    = "invalid_instrument_id"
	CodeUserNotFound         = "user_not_found"
	CodeInsufficientFunds    = "insufficient_funds"
	CodeInsufficientHoldings = "insufficient_holdings"
	CodeLockTimeout          = "lock_timeout"
	CodeConflict             = "conflict"
	CodeCanceled             = "canceled"
	CodeInternal             = "internal_error"
)

// Error is the typed failure returned by every engine operation.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("ledger: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work
// with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Retryable reports whether resubmitting the same intent is safe and may
// succeed.
func (e *Error) Retryable() bool { return e.Kind == KindRetryable }

// Sentinels for errors.Is.
var (
	ErrInvalidSide          = &Error{Kind: KindValidation, Code: CodeInvalidSide, Message: "side must be buy or sell"}
	ErrInvalidKind          = &Error{Kind: KindValidation, Code: CodeInvalidKind, Message: "transfer type must be deposit or withdraw"}
	ErrInvalidQuantity      = &Error{Kind: KindValidation, Code: CodeInvalidQuantity, Message: "quantity must be positive with at most 2 decimal places"}
	ErrInvalidPrice         = &Error{Kind: KindValidation, Code: CodeInvalidPrice, Message: "price per unit must be non-negative with at most 8 decimal places"}
	ErrInvalidAmount        = &Error{Kind: KindValidation, Code: CodeInvalidAmount, Message: "amount must be positive with at most 2 decimal places"}
	ErrInvalidInstrument    = &Error{Kind: KindValidation, Code: CodeInvalidInstrument, Message: "invalid instrument ID"}
	ErrUserNotFound         = &Error{Kind: KindValidation, Code: CodeUserNotFound, Message: "user does not exist"}
	ErrInsufficientFunds    = &Error{Kind: KindRejected, Code: CodeInsufficientFunds, Message: "insufficient funds"}
	ErrInsufficientHoldings = &Error{Kind: KindRejected, Code: CodeInsufficientHoldings, Message: "insufficient holdings to sell"}
	ErrLockTimeout          = &Error{Kind: KindRetryable, Code: CodeLockTimeout, Message: "timed out waiting for account lock"}
	ErrConflict             = &Error{Kind: KindRetryable, Code: CodeConflict, Message: "transaction conflict"}
	ErrCanceled             = &Error{Kind: KindRetryable, Code: CodeCanceled, Message: "request canceled"}
	ErrInternal             = &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error"}
)

// with returns a copy of sentinel carrying a specific message and cause.
func with(sentinel *Error, err error, format string, args ...any) *Error {
	e := *sentinel
	if format != "" {
		e.Message = fmt.Sprintf(format, args...)
	}
	e.Err = err
	return &e
}
