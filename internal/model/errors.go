package model

import "errors"

// Kind classifies why an operation was rejected.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAuthorization
	KindState
	KindTiming
	KindValidation
	KindArithmetic
	KindDuplicateClaim
	KindEmptyClaim
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindTiming:
		return "timing"
	case KindValidation:
		return "validation"
	case KindArithmetic:
		return "arithmetic"
	case KindDuplicateClaim:
		return "duplicate_claim"
	case KindEmptyClaim:
		return "empty_claim"
	}
	return "unknown"
}

// Error is a rejected operation. Code is the stable reason string that
// clients display verbatim.
type Error struct {
	Kind Kind
	Code string
	msg  string
}

// NewError creates a new rejection sentinel.
func NewError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

func (e *Error) Error() string { return e.msg }

var (
	ErrUnauthorized       = NewError(KindAuthorization, "Unauthorized", "caller is not authorized for this operation")
	ErrNotActive          = NewError(KindState, "NotActive", "market is not active")
	ErrNotInitialized     = NewError(KindState, "NotInitialized", "market has not been initialized")
	ErrAlreadyInitialized = NewError(KindState, "AlreadyInitialized", "market is already initialized")
	ErrNotSettleable      = NewError(KindState, "NotSettleable", "market is neither resolved nor cancelled")
	ErrTooEarly           = NewError(KindTiming, "TooEarly", "market cannot be resolved before its end time")
	ErrMarketEnded        = NewError(KindTiming, "MarketEnded", "market has ended and no longer accepts stakes")
	ErrInvalidConfig      = NewError(KindValidation, "InvalidConfig", "invalid market configuration")
	ErrBelowMinStake      = NewError(KindValidation, "BelowMinStake", "stake is below the market minimum")
	ErrAboveMaxStake      = NewError(KindValidation, "AboveMaxStake", "stake is above the market maximum")
	ErrValueMismatch      = NewError(KindValidation, "ValueMismatch", "value sent does not match the declared amount")
	ErrInvalidParticipant = NewError(KindValidation, "InvalidParticipant", "participant address is required")
	ErrInvalidSide        = NewError(KindValidation, "InvalidSide", "side must be YES or NO")
	ErrZeroShares         = NewError(KindArithmetic, "ZeroShares", "stake would issue zero shares")
	ErrAlreadyClaimed     = NewError(KindDuplicateClaim, "AlreadyClaimed", "payout already claimed")
	ErrNothingToClaim     = NewError(KindEmptyClaim, "NothingToClaim", "nothing to claim")
)

// KindOf returns the rejection kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the reason code of err, or "" if err is not a rejection.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
