package expr

import (
	"errors"
	"fmt"
)

// ErrorKind classifies resolution failures. Every kind is scoped to the
// smallest failing entity; none aborts a whole evaluation run.
type ErrorKind string

const (
	// ErrUnresolvedReference is a dangling name: the referenced entity does
	// not exist in any template section or pseudo binding.
	ErrUnresolvedReference ErrorKind = "UnresolvedReference"

	// ErrCyclicExpression is a reference chain that loops back on itself
	// through conditions or attribute echoes.
	ErrCyclicExpression ErrorKind = "CyclicExpression"

	// ErrMalformedExpression is a structurally invalid expression, e.g. a
	// Select index out of range or a Join over a non-string part.
	ErrMalformedExpression ErrorKind = "MalformedExpression"

	// ErrTypeMismatch is a resolution-time type error, e.g. Select on a
	// non-list or Not on a non-boolean.
	ErrTypeMismatch ErrorKind = "ResolutionError"
)

// Error is a classified resolution failure with the expression path that
// produced it.
type Error struct {
	Kind    ErrorKind
	Path    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Path, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the resolution error kind of err, or "" for other errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind ErrorKind, path, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Path: path, Message: fmt.Sprintf(format, args...)}
}
