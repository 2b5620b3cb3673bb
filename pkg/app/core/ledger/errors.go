package ledger

import (
	"errors"
	"fmt"
)

// Kind is the closed set of rejection reasons surfaced to callers
type Kind uint8

const (
	KindUnknown Kind = iota
	KindMissingFields
	KindInsufficientFunds
	KindInsufficientAsset
	KindNoLiquidity
	KindOrderInactive
	KindTransactionConflict
)

func (k Kind) String() string {
	switch k {
	case KindMissingFields:
		return "MISSING_FIELDS"
	case KindInsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case KindInsufficientAsset:
		return "INSUFFICIENT_ASSET"
	case KindNoLiquidity:
		return "NO_LIQUIDITY"
	case KindOrderInactive:
		return "ORDER_INACTIVE"
	case KindTransactionConflict:
		return "TRANSACTION_CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether repeating the same unit may succeed
func (k Kind) Retryable() bool {
	return k == KindTransactionConflict
}

// Error is a typed rejection. Errors of other types are fatal.
type Error struct {
	Kind    Kind
	OrderID string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.OrderID != "" {
		msg += " order=" + e.OrderID
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrOrderInactive)
// works regardless of the order id or detail carried.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrMissingFields       = &Error{Kind: KindMissingFields}
	ErrInsufficientFunds   = &Error{Kind: KindInsufficientFunds}
	ErrInsufficientAsset   = &Error{Kind: KindInsufficientAsset}
	ErrNoLiquidity         = &Error{Kind: KindNoLiquidity}
	ErrOrderInactive       = &Error{Kind: KindOrderInactive}
	ErrTransactionConflict = &Error{Kind: KindTransactionConflict}
)

// ErrNotFound is returned by store lookups for absent records
var ErrNotFound = errors.New("ledger: record not found")

// Errorf builds a typed error
func Errorf(kind Kind, orderID, format string, args ...any) *Error {
	return &Error{Kind: kind, OrderID: orderID, Detail: fmt.Sprintf(format, args...)}
}

// Conflict wraps a backend error as a retryable conflict
func Conflict(err error) *Error {
	return &Error{Kind: KindTransactionConflict, Err: err}
}

// KindOf returns the kind of a typed error, KindUnknown otherwise
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err is not a typed rejection
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindUnknown
}
