package annotation

import (
	"fmt"

	"github.com/pkg/errors"
)

// ValidationError is a recoverable rejection of caller input. No state changed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// NotFoundError reports an unknown type, annotation or image reference.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// CollaboratorError wraps a failure of an external dependency (storage, decoding).
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func collaborator(op string, err error) error {
	return &CollaboratorError{Op: op, Err: errors.WithStack(err)}
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// IsCollaborator reports whether err is, or wraps, a CollaboratorError.
func IsCollaborator(err error) bool {
	var c *CollaboratorError
	return errors.As(err, &c)
}
