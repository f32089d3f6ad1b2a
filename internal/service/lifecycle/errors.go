package lifecycle

import (
	"errors"
	"fmt"

	"github.com/conveyor-labs/conveyor-go/internal/domain"
)

var (
	// ErrRunNotFound reports a run id with no row behind it, distinct from a
	// run in the wrong state.
	ErrRunNotFound = errors.New("run not found")

	ErrTenantNotFound          = errors.New("tenant not found")
	ErrPipelineVersionNotFound = errors.New("pipeline version not found")

	// ErrPipelineVersionNotApproved gates run creation and retry on the
	// specification's approval status at that moment.
	ErrPipelineVersionNotApproved = errors.New("pipeline version not approved")

	// ErrValidation marks malformed input rejected before any state change.
	ErrValidation = errors.New("invalid input")
)

// ConflictError reports a transition rejected because the run is not in a
// status (or not under an ownership) that permits it. The run is unchanged.
type ConflictError struct {
	RunID  string
	Status domain.RunStatus
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("run %s: %s (status %s)", e.RunID, e.Reason, e.Status)
	}
	return fmt.Sprintf("run %s: conflicting status %s", e.RunID, e.Status)
}

// IsConflict reports whether err is a rejected-transition conflict.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}
