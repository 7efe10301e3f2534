package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the job's current status.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrMaxAttemptsReached is returned by Retry once a job has used every
	// attempt.
	ErrMaxAttemptsReached = errors.New("job has reached its maximum attempts")
	// ErrInvalidInput is returned by Submit for unusable input.
	ErrInvalidInput = errors.New("invalid job input")
	// ErrNotRunning is returned by Submit and Retry once the manager has
	// been stopped.
	ErrNotRunning = errors.New("job manager is not running")
)

// Failure is a pipeline error with a message fit for users. Retryable
// failures are requeued while attempts remain.
type Failure struct {
	Message   string
	Retryable bool
	Err       error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Message
	}
	return fmt.Sprintf("%s: %v", f.Message, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Fail wraps err as a Failure.
func Fail(message string, retryable bool, err error) error {
	return &Failure{Message: message, Retryable: retryable, Err: err}
}

// classify returns the message to persist and whether err may be retried.
// Unclassified errors are treated as transient.
func classify(err error) (string, bool) {
	var f *Failure
	if errors.As(err, &f) {
		msg := f.Message
		if msg == "" && f.Err != nil {
			msg = f.Err.Error()
		}
		return msg, f.Retryable
	}
	return err.Error(), true
}
