package arbor

import (
	"errors"
	"fmt"
	"time"
)

// ErrSupervisorStopped is returned when performing any operation on a
// supervisor that has terminated.
var ErrSupervisorStopped = errors.New("supervisor is stopped")

// StartError indicates that a child failed to start.
//
// When returned by Start(), all siblings that had already started as part of
// the same batch have been torn down in reverse order; there is no partial
// tree to clean up.
type StartError struct {
	// FailedID is the ID of the child whose start routine failed.
	FailedID string

	// Cause is the error produced by the child's start routine.
	Cause error
}

func (e StartError) Error() string {
	return fmt.Sprintf("unable to start child %s: %s", e.FailedID, e.Cause)
}

func (e StartError) Unwrap() error {
	return e.Cause
}

// DuplicateChildError indicates that a dynamic start was rejected because the
// supervisor already has a child with the same ID.
type DuplicateChildError struct {
	ID string
}

func (e DuplicateChildError) Error() string {
	return fmt.Sprintf("child %s is already started", e.ID)
}

// RestartIntensityExceededError indicates that a supervisor terminated
// because its children were restarting too frequently.
//
// It is reported by Supervisor.Err() after the channel returned by Done() is
// closed, and escalates through nested trees as an abnormal exit of the
// supervisor's own child spec.
type RestartIntensityExceededError struct {
	// SupervisorID identifies the supervisor instance that gave up.
	SupervisorID string

	// Restarts is the number of restarts that occurred within Window.
	Restarts int

	// Window is the sliding window over which Restarts were counted.
	Window time.Duration
}

func (e RestartIntensityExceededError) Error() string {
	return fmt.Sprintf(
		"supervisor %s terminated: %d restarts within %s",
		e.SupervisorID,
		e.Restarts,
		e.Window,
	)
}
