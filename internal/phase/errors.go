package phase

import (
	"context"
	"errors"

	"github.com/lucasnoah/reqforge/internal/execution"
	"github.com/lucasnoah/reqforge/internal/role"
)

// stepError ties an error to the action during which it happened.
type stepError struct {
	Action role.Action
	Err    error
}

func (e *stepError) Error() string { return string(e.Action) + ": " + e.Err.Error() }

func (e *stepError) Unwrap() error { return e.Err }

// errStorage marks errors from the artifact or execution store.
type errStorage struct{ err error }

func (e *errStorage) Error() string { return "storage: " + e.err.Error() }

func (e *errStorage) Unwrap() error { return e.err }

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return &errStorage{err: err}
}

// failureFrom maps an error onto the failure recorded for the execution.
func failureFrom(err error) execution.Failure {
	f := execution.Failure{Message: err.Error()}

	var ae *role.ActionError
	var se *stepError
	switch {
	case errors.As(err, &ae):
		f.Action = string(ae.Action)
		f.Category = ae.Category
		f.Message = ae.Err.Error()
		return f
	case errors.As(err, &se):
		f.Action = string(se.Action)
	}

	switch {
	case errors.Is(err, ErrBudgetExceeded):
		f.Category = execution.FailureBudgetExceeded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		f.Category = execution.FailureCancelled
	default:
		f.Category = execution.FailureStorage
	}
	return f
}
