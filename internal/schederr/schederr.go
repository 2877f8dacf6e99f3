// Package schederr names the error taxonomy of section 7: every failure
// the dispatcher itself generates for a client carries one of these kinds
// (an engine-reported status=error reply is relayed with the engine's own
// header). Error supports Unwrap, so stdlib `errors.As`/`errors.Is` work on
// it without a third-party errors package.
package schederr

import "fmt"

// Kind is one of the five final-failure categories of section 7.
type Kind string

const (
	KindInvalidDependency   Kind = "InvalidDependency"
	KindImpossibleDependency Kind = "ImpossibleDependency"
	KindTaskTimeout          Kind = "TaskTimeout"
	KindEngineError          Kind = "EngineError"
	KindTaskFailure          Kind = "TaskFailure"
)

// Error is the typed, wrapped form of one of the Kind values above. It
// implements error and supports errors.As.
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

// New builds a schederr.Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a schederr.Error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// InvalidDependency — self-reference or reference to an unknown TaskID at
// submission time. Fatal at submission (section 4.5.1 step 7).
func InvalidDependency(msg string) *Error { return New(KindInvalidDependency, msg) }

// ImpossibleDependency — a dependency is provably unreachable.
func ImpossibleDependency(msg string) *Error { return New(KindImpossibleDependency, msg) }

// TaskTimeout — timeout_deadline expired while the task waited in
// `depending`.
func TaskTimeout(msg string) *Error { return New(KindTaskTimeout, msg) }

// EngineError — the owning engine deregistered and never replied within
// the stranded-task grace window (section 4.3's handle_stranded).
func EngineError(msg string) *Error { return New(KindEngineError, msg) }

// TaskFailure — the engine itself reported status=error and the task had
// no retries left.
func TaskFailure(msg string) *Error { return New(KindTaskFailure, msg) }
