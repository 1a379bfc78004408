package engine

import (
	"context"
	"errors"
	"fmt"
)

// UndoFunc reverts the effects of a saga step.
type UndoFunc func(ctx context.Context) error

// SagaStep is one step of a multi-resource transition.
type SagaStep struct {
	// Stage names the step in logs and in the ledger.
	Stage Stage

	// Do performs the step. It may return an undo action even when it fails,
	// covering whatever part of the step was already applied.
	Do func(ctx context.Context) (UndoFunc, error)

	// Retriable marks a step after the pivot of the saga: its failure does
	// not roll back earlier steps, the whole transition is retried later.
	Retriable bool
}

// SagaError reports the failed step of a saga and the fate of its
// compensation.
type SagaError struct {
	Stage Stage
	Err   error
	// Compensated is true when all undo actions ran successfully.
	Compensated bool
	// CompensationErr is the first undo failure, if any.
	CompensationErr error
	// Retriable is true when the failed step does not compensate.
	Retriable bool
}

// Error implements the error interface.
func (e *SagaError) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("%s: %v (compensation failed: %v)", e.Stage, e.Err, e.CompensationErr)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap returns the step failure.
func (e *SagaError) Unwrap() error {
	return e.Err
}

// NeedsRecovery reports whether the lot must be written to the ledger.
func (e *SagaError) NeedsRecovery() bool {
	return e.Retriable || !e.Compensated
}

// Saga runs steps in order and, when one fails, runs the undo actions
// collected so far in reverse order.
type Saga struct {
	steps []SagaStep
}

// NewSaga creates a saga from the given steps.
func NewSaga(steps ...SagaStep) *Saga {
	return &Saga{steps: steps}
}

// Run executes the saga. It returns nil on success and a *SagaError otherwise.
func (s *Saga) Run(ctx context.Context) error {
	undos := make([]UndoFunc, 0, len(s.steps))

	for _, step := range s.steps {
		undo, err := step.Do(ctx)
		if undo != nil {
			undos = append(undos, undo)
		}
		if err == nil {
			continue
		}

		sagaErr := &SagaError{
			Stage:     step.Stage,
			Err:       err,
			Retriable: step.Retriable,
		}
		if step.Retriable {
			return sagaErr
		}

		sagaErr.CompensationErr = compensate(ctx, undos)
		sagaErr.Compensated = sagaErr.CompensationErr == nil
		return sagaErr
	}

	return nil
}

// compensate runs undo actions in reverse order and stops at the first
// failure, so that no later state is built on a failed rollback.
func compensate(ctx context.Context, undos []UndoFunc) error {
	for i := len(undos) - 1; i >= 0; i-- {
		if err := undos[i](ctx); err != nil {
			return err
		}
	}
	return nil
}

// AsSagaError extracts a *SagaError from err.
func AsSagaError(err error) (*SagaError, bool) {
	var e *SagaError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
