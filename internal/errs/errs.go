// Package errs defines the error taxonomy shared by every component.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and boundary mapping.
type Kind string

const (
	Validation               Kind = "validation_error"
	DependencyUnavailable    Kind = "dependency_unavailable"
	DependencyRejected       Kind = "dependency_rejected"
	DataIntegrity            Kind = "data_integrity_error"
	InsufficientTrainingData Kind = "insufficient_training_data"
	NotFound                 Kind = "not_found"
	Internal                 Kind = "internal_error"
)

// Error carries a Kind plus the dependency it came from.
type Error struct {
	Kind       Kind
	Dependency string
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Dependency != "" {
		msg = e.Dependency + ": " + msg
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

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap tags err with a kind and the dependency that produced it.
func Wrap(kind Kind, dependency string, err error) *Error {
	return &Error{Kind: kind, Dependency: dependency, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// DependencyOf returns the dependency name recorded on err, if any.
func DependencyOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Dependency
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsDependencyFailure reports whether err is one of the remote failure
// classes that trigger fallback or a hard stage failure.
func IsDependencyFailure(err error) bool {
	switch KindOf(err) {
	case DependencyUnavailable, DependencyRejected, DataIntegrity:
		return true
	}
	return false
}
