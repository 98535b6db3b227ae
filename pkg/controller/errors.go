package controller

import (
	"errors"
	"fmt"

	"github.com/raterudder/energyplan/pkg/types"
)

// ErrMissingInput is wrapped by every MissingInputError.
var ErrMissingInput = errors.New("missing critical input")

// MissingInputError names the critical input a run could not acquire.
type MissingInputError struct {
	Parameter string
	Err       error
}

func (e *MissingInputError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrMissingInput, e.Parameter)
	}
	return fmt.Sprintf("%s: %s: %v", ErrMissingInput, e.Parameter, e.Err)
}

func (e *MissingInputError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMissingInput}
	}
	return []error{ErrMissingInput, e.Err}
}

// StageError records which stage of a run failed.
type StageError struct {
	Stage types.RunState
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
