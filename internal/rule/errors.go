package rule

import (
	"errors"
	"fmt"
)

// ErrNilBatch is returned when a handler is invoked without a batch.
var ErrNilBatch = errors.New("batch is nil")

// PanicError wraps a value recovered from a panicking handler or step.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the recovered value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// StepError reports which step of which rule failed.
type StepError struct {
	Rule string
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("rule %q step %q: %v", e.Rule, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
