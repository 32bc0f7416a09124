// internal/agent/errors.go
package agent

import "errors"

var (
	// ErrPlannerExhausted means the planner kept producing undecodable or
	// failing replies past the retry budget.
	ErrPlannerExhausted = errors.New("planner retry budget exhausted")

	// ErrStepFailureBudget means too many consecutive actions failed to
	// execute; the page is considered unworkable for this task.
	ErrStepFailureBudget = errors.New("step failure budget exhausted")

	// ErrMaxStepsReached means the run hit its hard step ceiling without the
	// planner declaring the task done.
	ErrMaxStepsReached = errors.New("maximum steps for a single run reached")

	// ErrRunInProgress is returned when a second task is started on an agent
	// that is already driving its browser session.
	ErrRunInProgress = errors.New("agent already has a run in progress")
)
