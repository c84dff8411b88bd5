package query

import "fmt"

// ValidationError is returned synchronously from a call that was given bad
// input (invalid key, invalid location, invalid criteria, unknown event
// type, nil callback, or — on strict validation — an unrecognized criteria
// field). The call has no side effects.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "query: validation: " + e.Msg }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InternalStateError indicates a bug: an invariant the engine is supposed to
// maintain itself has been violated (e.g. garbage collection tried to drop a
// key still marked inside the query). It is never caused by caller input.
type InternalStateError struct {
	Msg string
}

func (e *InternalStateError) Error() string { return "query: internal state violation: " + e.Msg }
