package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies ledger failures so transports can map them without string matching.
type Kind string

const (
	KindInvalidAmount       Kind = "invalid_amount"
	KindInvalidInput        Kind = "invalid_input"
	KindWalletFrozen        Kind = "wallet_frozen"
	KindInsufficientFunds   Kind = "insufficient_funds"
	KindInvalidState        Kind = "invalid_state"
	KindNotFound            Kind = "not_found"
	KindConcurrencyConflict Kind = "concurrency_conflict"
)

// Error is the typed failure returned by stores and the wallet engine. Two
// errors are considered equal by errors.Is when their kinds match, so callers
// compare against the sentinels below regardless of the message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	// ErrInvalidAmount occurs when an amount is zero, negative or not a number.
	ErrInvalidAmount = &Error{Kind: KindInvalidAmount, Message: "amount must be positive"}

	// ErrInvalidInput covers malformed non-amount arguments (phone, expiry, reason).
	ErrInvalidInput = &Error{Kind: KindInvalidInput, Message: "invalid input"}

	// ErrWalletFrozen rejects mutating calls on a frozen wallet.
	ErrWalletFrozen = &Error{Kind: KindWalletFrozen, Message: "wallet is frozen"}

	// ErrInsufficientFunds occurs when real plus spendable virtual balance cannot cover a debit.
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds, Message: "insufficient funds"}

	// ErrInvalidState signals a broken internal invariant. It is a bug, not a user error.
	ErrInvalidState = &Error{Kind: KindInvalidState, Message: "invalid ledger state"}

	// ErrNotFound is returned for unknown wallets and credits.
	ErrNotFound = &Error{Kind: KindNotFound, Message: "not found"}

	// ErrConcurrencyConflict indicates the atomic unit could not be serialized.
	ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict, Message: "concurrent update conflict"}
)

// Errorf builds a typed error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind of a ledger error, or "" for foreign errors.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}
