package ingest

import "fmt"

// Stage names the step of a run that failed.
type Stage string

// Run-fatal stages.
const (
	StageLock      Stage = "lock"
	StageLoadModel Stage = "load classifier"
	StageConnect   Stage = "connect storage"
	StageEnsure    Stage = "ensure current partition"
	StageExpire    Stage = "expire partitions"
	StagePersist   Stage = "persist"
	StageRecord    Stage = "record run"
	StageCommit    Stage = "commit"
)

// RunError is a run-fatal error. Per-item and per-source problems never become one.
type RunError struct {
	Stage Stage
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func fatal(stage Stage, err error) *RunError {
	return &RunError{Stage: stage, Err: err}
}
