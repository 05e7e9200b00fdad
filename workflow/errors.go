package workflow

import (
	"fmt"

	"github.com/google/uuid"
)

// Stage names used in audit entries and errors.
const (
	StageIntake           = "intake"
	StageNormalize        = "normalize"
	StageValidateRetrieve = "validate_retrieve"
	StageRetrieve         = "retrieve"
	StageReason           = "reason"
	StageFatal            = "fatal"
)

// StageError is returned for runs that ended in the failed state.
type StageError struct {
	RunID uuid.UUID
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("run %s failed during %s: %v", e.RunID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// OrchestratorFatalError reports a broken run invariant, such as an
// illegal transition or an audit entry that could not be written.
type OrchestratorFatalError struct {
	RunID  uuid.UUID
	Reason string
	Err    error
}

func (e *OrchestratorFatalError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("run %s: %s", e.RunID, e.Reason)
	}
	return fmt.Sprintf("run %s: %s: %v", e.RunID, e.Reason, e.Err)
}

func (e *OrchestratorFatalError) Unwrap() error {
	return e.Err
}

// stageFailure tags an error from one branch of the fork-join.
type stageFailure struct {
	stage string
	err   error
}

func (f *stageFailure) Error() string { return f.stage + ": " + f.err.Error() }

func (f *stageFailure) Unwrap() error { return f.err }
