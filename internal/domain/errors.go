package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a patient row does not exist.
var ErrNotFound = errors.New("not found")

// NetworkError means the source or the store could not be reached. The whole
// batch aborts; nothing is committed.
type NetworkError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.URL, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: network error", e.Op, e.URL)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError means one row is missing a required key. The row is
// skipped and counted; the batch continues.
type ValidationError struct {
	Origin string
	Seq    int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid row %s#%d: %s", e.Origin, e.Seq, e.Reason)
}

// ConflictError means a merge candidate carries irreconcilable identity
// fields. It is never resolved automatically.
type ConflictError struct {
	SourcePatientID string
	TargetPatientID string
	Conflicts       []FieldConflict
}

func (e *ConflictError) Error() string {
	fields := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		fields = append(fields, fmt.Sprintf("%s (target=%q source=%q)", c.Field, c.Target, c.Source))
	}
	return fmt.Sprintf("merge %s -> %s needs manual review: conflicting %s",
		e.SourcePatientID, e.TargetPatientID, strings.Join(fields, ", "))
}

// PartialFailure means the executor stopped mid-operation. Completed lists
// what already happened, so a re-run knows where it stands.
type PartialFailure struct {
	RunID     string
	State     OperationState
	Completed []TableMove
	Failed    string
	Remaining []string
	Err       error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("run %s halted in state %s at %s (%d done, %d remaining): %v",
		e.RunID, e.State, e.Failed, len(e.Completed), len(e.Remaining), e.Err)
}

func (e *PartialFailure) Unwrap() error { return e.Err }

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsPartialFailure reports whether err is (or wraps) a PartialFailure.
func IsPartialFailure(err error) bool {
	var pf *PartialFailure
	return errors.As(err, &pf)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StopsIdentity reports whether err must halt further work on the identity
// it concerns (as opposed to being logged and skipped).
func StopsIdentity(err error) bool {
	return IsConflict(err) || IsPartialFailure(err)
}
