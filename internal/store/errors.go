package store

import (
	"errors"
	"fmt"
)

// Sentinels shared by the postgres and sqlite job stores.
var (
	ErrNotFound      = errors.New("entity not found")
	ErrDuplicate     = errors.New("entity already exists")
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrUpdateFailed means a conditional update matched no row in the
	// expected state.
	ErrUpdateFailed = errors.New("update failed")

	ErrJobNotFound              = fmt.Errorf("%w: job", ErrNotFound)
	ErrExtractedContentNotFound = fmt.Errorf("%w: extracted content", ErrNotFound)

	// ErrJobInProgress is returned when cancelling a job a worker already claimed.
	ErrJobInProgress = errors.New("job is already being processed")

	// ErrJobFinished is returned when mutating a job in a terminal status.
	ErrJobFinished = errors.New("job already finished")

	// ErrTaskAlreadyFinished is returned when a prompt task result is written twice.
	ErrTaskAlreadyFinished = fmt.Errorf("%w: prompt task already finished", ErrUpdateFailed)
)

// IsNotFoundError reports whether err is any of the not-found sentinels.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// StoreError wraps every failure a store returns, naming the entity and
// operation. The pipeline uses it to tell persistence failures, which are
// retried through the queue, from business outcomes.
type StoreError struct {
	Entity    string // "job", "prompt_task", "extracted_content"
	Operation string // "create", "claim", "finish", ...
	Message   string
	Err       error
}

func (e *StoreError) Error() string {
	msg := e.Entity + " " + e.Operation + ": " + e.Message
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError builds a StoreError.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{Entity: entity, Operation: operation, Message: message, Err: err}
}

// IsPersistenceError reports whether err came out of a store.
func IsPersistenceError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
