// Package ferr implements the typed error taxonomy from spec.md §7. Each
// component wraps errors with a Kind so the phase machine and CLI driver —
// the only callers authorized to convert errors into terminal phases — can
// decide recoverable-vs-terminal handling without string matching.
package ferr

import "fmt"

// Kind is a closed taxonomy of error categories.
type Kind string

const (
	ConfigInvalid    Kind = "config_invalid"
	PreflightFailed  Kind = "preflight_failed"
	AgentError       Kind = "agent_error"
	AgentTimeout     Kind = "agent_timeout"
	SpindleAbort     Kind = "spindle_abort"
	ScopeViolation   Kind = "scope_violation"
	QAFailed         Kind = "qa_failed"
	PRFailed         Kind = "pr_failed"
	BudgetExhausted  Kind = "budget_exhausted"
	ValidationFailed Kind = "validation_failed"
	Internal         Kind = "internal"
)

// Error is a typed error carrying a Kind and wrapping an underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a typed error with no underlying cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap annotates err with a Kind and contextual message. Wrapping a nil
// error returns nil so call sites can write `return ferr.Wrap(...)` inline
// after an `if err != nil` without a redundant check.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// KindOf extracts the Kind from err, walking Unwrap. Returns Internal if
// err does not carry a known Kind — an un-annotated error reaching the
// phase machine is itself a programmer error per spec.md §7's taxonomy.
func KindOf(err error) Kind {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			return fe.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return Internal
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
