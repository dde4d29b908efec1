package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrStatusConflict is returned when a conditional status write finds an
	// unexpected prior status or attempt
	ErrStatusConflict = errors.New("job status conflict")

	// ErrInvalidRequest is returned for submissions missing required fields
	ErrInvalidRequest = errors.New("invalid request")

	// ErrMalformedMessage is returned when a queue body cannot be decoded
	ErrMalformedMessage = errors.New("malformed dispatch message")

	// ErrAttemptsExhausted is recorded when a job exceeded its attempt budget
	ErrAttemptsExhausted = errors.New("attempt limit exceeded")
)

// ConflictError describes a rejected conditional status write.
type ConflictError struct {
	UserID  string
	JobID   string
	Current Status
	Wanted  Status
	Attempt int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s/%s: cannot move %s -> %s (attempt %d)", e.UserID, e.JobID, e.Current, e.Wanted, e.Attempt)
}

func (e *ConflictError) Unwrap() error {
	return ErrStatusConflict
}

// PersistenceError wraps a submission step that failed after validation.
type PersistenceError struct {
	Step string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("submission failed at %s: %v", e.Step, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ProcessingError wraps a failure of the delegated processing step.
type ProcessingError struct {
	Err error
}

func (e *ProcessingError) Error() string {
	return e.Err.Error()
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// StatusCommitError wraps a failed status write.
type StatusCommitError struct {
	JobID  string
	Status Status
	Err    error
}

func (e *StatusCommitError) Error() string {
	return fmt.Sprintf("failed to commit status %s for job %s: %v", e.Status, e.JobID, e.Err)
}

func (e *StatusCommitError) Unwrap() error {
	return e.Err
}
