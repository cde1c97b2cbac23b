package flow

import (
	"errors"
	"fmt"
)

// MissingInputError reports a shared-state field a node requires but no
// upstream stage has set. It marks a malformed pipeline or task
// configuration and is never retried.
type MissingInputError struct {
	Field string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("missing context field %q", e.Field)
}

// MissingInput builds a MissingInputError for the named field.
func MissingInput(field string) error {
	return &MissingInputError{Field: field}
}

// IsMissingInput reports whether err is a MissingInputError.
func IsMissingInput(err error) bool {
	var m *MissingInputError
	return errors.As(err, &m)
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }

func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so the retry loop gives up immediately instead of treating
// it as transient.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}
