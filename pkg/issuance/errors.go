package issuance

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies issuance failures for callers. A Kind is itself an error
// so errors.Is(err, KindMintFailure) matches any *Error of that kind.
type Kind string

const (
	KindAuthorizationDenied Kind = "AuthorizationDenied"
	KindValidation          Kind = "ValidationError"
	KindPaymentFailure      Kind = "PaymentFailure"
	// KindMintFailure means the payment settled but no credential exists.
	// Only an explicit RetryMint recovers it.
	KindMintFailure         Kind = "MintFailure"
	KindAnchorUnavailable   Kind = "AnchorUnavailable"
	KindLedgerUnavailable   Kind = "LedgerUnavailable"
	KindIdempotencyConflict Kind = "IdempotencyConflict"
)

func (k Kind) Error() string { return string(k) }

var (
	ErrIntentNotFound  = errors.New("issuance: intent not found")
	ErrRecordNotFound  = errors.New("issuance: mint record not found")
	ErrVersionConflict = errors.New("issuance: concurrent intent update")
	ErrPaymentRefUsed  = errors.New("issuance: payment reference already used")
	ErrDuplicateSerial = errors.New("issuance: serial already recorded")
)

// Error is a classified issuance failure.
type Error struct {
	Kind     Kind
	Op       string
	IntentID string
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.IntentID != "" {
		fmt.Fprintf(&b, " (intent %s)", e.IntentID)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the Reason of the first *Error in err's chain.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func newError(kind Kind, op, intentID, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, IntentID: intentID, Reason: reason, Err: err}
}
