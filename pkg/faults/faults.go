// Package faults defines the error taxonomy shared by every contextguard
// component. Callers classify failures with errors.Is against the sentinel
// errors, or with KindOf when the category itself is needed (metrics labels,
// CLI exit codes).
//
// Only configuration errors and terminal budget exhaustion are meant to
// reach the host session. Transient collaborator failures are absorbed by
// the recovery controller as "zero tokens saved", bundle corruption is
// routed through the repair ladder, and concurrency conflicts are logged.
package faults

import (
	"errors"
	"fmt"
)

// Kind categorises a failure.
type Kind string

const (
	KindConfiguration       Kind = "configuration"
	KindTransient           Kind = "transient_collaborator"
	KindBundleCorruption    Kind = "bundle_corruption"
	KindBudgetExhaustion    Kind = "budget_exhaustion"
	KindConcurrencyConflict Kind = "concurrency_conflict"
)

// Sentinel errors matched with errors.Is.
var (
	ErrConfiguration       = errors.New("configuration error")
	ErrTransient           = errors.New("transient collaborator error")
	ErrBundleCorruption    = errors.New("bundle corruption")
	ErrBudgetExhausted     = errors.New("budget exhausted")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

var sentinels = map[Kind]error{
	KindConfiguration:       ErrConfiguration,
	KindTransient:           ErrTransient,
	KindBundleCorruption:    ErrBundleCorruption,
	KindBudgetExhaustion:    ErrBudgetExhausted,
	KindConcurrencyConflict: ErrConcurrencyConflict,
}

// Error is a classified failure. Op names the operation that failed
// ("threshold.register", "bundle.load") and Err carries the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error returns "op: kind: cause".
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && target == sentinel
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configuration wraps a fatal configuration problem.
func Configuration(op string, err error) error {
	return newError(KindConfiguration, op, err)
}

// Configurationf formats a configuration problem.
func Configurationf(op, format string, args ...any) error {
	return newError(KindConfiguration, op, fmt.Errorf(format, args...))
}

// Transient wraps a collaborator timeout or failure.
func Transient(op string, err error) error {
	return newError(KindTransient, op, err)
}

// BundleCorruption wraps a structural or integrity violation in a bundle.
func BundleCorruption(op string, err error) error {
	return newError(KindBundleCorruption, op, err)
}

// BudgetExhaustion reports that recovery could not bring usage back under control.
func BudgetExhaustion(op string, err error) error {
	return newError(KindBudgetExhaustion, op, err)
}

// ConcurrencyConflict reports a lost update under the atomic-replace discipline.
func ConcurrencyConflict(op string, err error) error {
	return newError(KindConcurrencyConflict, op, err)
}

// KindOf returns the kind of the first classified error in err's chain, or
// "" when err is unclassified.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return ""
}

// IsFatal reports whether err must be surfaced to the host session.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindConfiguration, KindBudgetExhaustion:
		return true
	default:
		return false
	}
}
