package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRunning rejects a launch while the project has a running execution.
	ErrAlreadyRunning = errors.New("execution already running for project")
	// ErrProjectNotFound rejects a launch for an unknown project.
	ErrProjectNotFound = errors.New("project not found")
	// ErrExecutionNotFound is returned for unknown execution ids.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrAgentNotFound is returned for names absent from the registry.
	ErrAgentNotFound = errors.New("agent not found")
)

// LaunchError wraps a failure to start the orchestrator process.
type LaunchError struct {
	Op  string
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Op, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
