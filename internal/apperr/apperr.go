// Package apperr defines the typed error taxonomy shared across the
// analysis engine. Error codes mirror the service's API error contract so
// handlers can map them without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// InputUnavailableError means a member has no qualifying meal records in
// the analysis window. It is terminal for that member's run and is never
// retried.
type InputUnavailableError struct {
	MemberID int64
}

func (e *InputUnavailableError) Error() string {
	return fmt.Sprintf("no qualifying meal records for member %d", e.MemberID)
}

// IsInputUnavailable reports whether err wraps an InputUnavailableError.
func IsInputUnavailable(err error) bool {
	var ie *InputUnavailableError
	return errors.As(err, &ie)
}

// ConfigurationError means a required template or config blob is missing or
// empty. It aborts the current run without retry.
type ConfigurationError struct {
	Key string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: empty or missing %q", e.Key)
}

// IsConfiguration reports whether err wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// QuotaExceededError is returned on the on-demand path when a member has
// used up the daily call budget. Remaining is always zero or positive.
type QuotaExceededError struct {
	MemberID  int64
	Remaining int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily request limit exceeded for member %d", e.MemberID)
}

// IsQuotaExceeded reports whether err wraps a QuotaExceededError.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// PersistenceError wraps a store write failure that occurred after a
// successful pipeline run. The run's result is lost for the cycle; there is
// no re-delivery path.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err wraps a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// StageError attributes a pipeline failure to the first failing stage for
// diagnostics.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailingStage returns the stage name attributed to err, or "" when the
// error carries no stage attribution.
func FailingStage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
