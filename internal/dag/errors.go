package dag

import "errors"

var (
	// ErrCircularDependency is returned when the submitted jobs contain a cycle
	ErrCircularDependency = errors.New("circular dependency detected")

	// ErrUnknownDependency is returned when a dependsOn edge references a
	// job id not present in the submitted set
	ErrUnknownDependency = errors.New("dependency references unknown job")

	// ErrDuplicateJobID is returned when two submitted jobs share an id
	ErrDuplicateJobID = errors.New("duplicate job id")

	// ErrExecutionNotFound is returned when an execution id is unknown
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrHandlerNotFound is returned when no handler is registered for a
	// job type; it fails that job only, never the whole submission
	ErrHandlerNotFound = errors.New("no handler registered for job type")

	// ErrNoJobs is returned when an empty job set is submitted
	ErrNoJobs = errors.New("no jobs submitted")
)
