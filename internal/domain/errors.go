package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind groups ledger rejections by how a caller should react to them.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindNotFound            ErrorKind = "not_found"
	KindStateConflict       ErrorKind = "state_conflict"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindAuthorization       ErrorKind = "authorization"
)

// Error is a synchronous rejection of a ledger operation. Code is stable and
// meant for clients; Context names the violated bound or the offending id.
type Error struct {
	Kind    ErrorKind         `json:"kind"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Context[k])
		}
		b.WriteString(")")
	}
	return b.String()
}

// Is matches on Code so callers can compare against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With returns a copy of the sentinel carrying key/value context pairs.
func (e *Error) With(kv ...string) *Error {
	out := &Error{Kind: e.Kind, Code: e.Code, Message: e.Message}
	if len(kv) > 0 {
		out.Context = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			out.Context[kv[i]] = kv[i+1]
		}
	}
	return out
}

func newErr(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrInvalidFee       = newErr(KindValidation, "InvalidFee", "performance fee out of range")
	ErrInvalidRange     = newErr(KindValidation, "InvalidRange", "copy amount bounds must satisfy 0 < min <= max")
	ErrAmountOutOfRange = newErr(KindValidation, "AmountOutOfRange", "amount outside the trader's copy bounds")
	ErrInvalidAmount    = newErr(KindValidation, "InvalidAmount", "amount must be positive")
	ErrInvalidLeverage  = newErr(KindValidation, "InvalidLeverage", "leverage must be a positive integer")
	ErrInvalidPosition  = newErr(KindValidation, "InvalidPosition", "invalid position parameters")
	ErrInvalidSettings  = newErr(KindValidation, "InvalidSettings", "invalid copy settings")
	ErrInvalidAddress   = newErr(KindValidation, "InvalidAddress", "address must be a non-zero account")

	ErrTraderNotFound   = newErr(KindNotFound, "TraderNotFound", "trader is not registered")
	ErrNotRegistered    = newErr(KindNotFound, "NotRegistered", "caller has no trader record")
	ErrPositionNotFound = newErr(KindNotFound, "PositionNotFound", "position does not exist")

	ErrAlreadyRegistered = newErr(KindStateConflict, "AlreadyRegistered", "caller is already an active trader")
	ErrTraderInactive    = newErr(KindStateConflict, "TraderInactive", "trader is not active")
	ErrAlreadyCopying    = newErr(KindStateConflict, "AlreadyCopying", "an active copy relationship already exists")
	ErrNotCopying        = newErr(KindStateConflict, "NotCopying", "no active copy relationship")
	ErrPositionNotOpen   = newErr(KindStateConflict, "PositionNotOpen", "position is not open")
	ErrPaused            = newErr(KindStateConflict, "Paused", "ledger is paused")
	ErrNotPaused         = newErr(KindStateConflict, "NotPaused", "ledger is not paused")
	ErrTraderNotVerified = newErr(KindStateConflict, "TraderNotVerified", "trader has not been verified")

	ErrInsufficientBalance = newErr(KindInsufficientBalance, "InsufficientBalance", "available balance too low")

	ErrNotVerifiedTrader = newErr(KindAuthorization, "NotVerifiedTrader", "caller is not an active, registered trader")
	ErrNotPositionOwner  = newErr(KindAuthorization, "NotPositionOwner", "caller does not own the position")
	ErrNotOwner          = newErr(KindAuthorization, "NotOwner", "caller is not the ledger owner")
	ErrUntrustedPrice    = newErr(KindAuthorization, "UntrustedPrice", "caller may not set the exit price or pnl")
)

// KindOf returns the kind of a ledger error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// IsKind reports whether err is a ledger error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
