package jobs

import "errors"

var (
	// ErrJobNotFound is returned when no job exists for an id
	ErrJobNotFound = errors.New("job not found")

	// ErrConnectorNotFound is returned when a job names an unknown connector
	ErrConnectorNotFound = errors.New("connector not found")

	// ErrEmptyCommand is returned when a job has no command
	ErrEmptyCommand = errors.New("job command cannot be empty")

	// ErrInvalidRecord is returned when a persisted job fails schema validation
	ErrInvalidRecord = errors.New("invalid job record")

	// ErrTerminal is returned when a mutation targets a job already in a terminal state
	ErrTerminal = errors.New("job already in terminal state")

	// ErrManagerClosed is returned when starting a job after Shutdown
	ErrManagerClosed = errors.New("job manager is shut down")
)
