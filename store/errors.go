package store

import (
	"errors"
	"fmt"
)

type ErrSubjectNotFound struct {
	ID string
}

func (e *ErrSubjectNotFound) Error() string {
	return fmt.Sprintf("subject not found: %s", e.ID)
}

type ErrInternal struct {
	Err error
}

func (e *ErrInternal) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *ErrInternal) Unwrap() error {
	return e.Err
}

func IsErrSubjectNotFound(err error) bool {
	var target *ErrSubjectNotFound
	return errors.As(err, &target)
}
