// Package workflow implements the deterministic DAG workflow engine:
// topologically-ordered step execution, seeded parameter derivation,
// per-step retry with exponential backoff, and reproducible execution ids.
package workflow

import "time"

// StepType enumerates the five built-in step behaviors of spec §4.D.
type StepType string

const (
	StepTask     StepType = "task"
	StepDecision StepType = "decision"
	StepParallel StepType = "parallel"
	StepSequence StepType = "sequence"
	StepRetry    StepType = "retry"
)

// RetryPolicy governs per-step retry-with-backoff.
type RetryPolicy struct {
	MaxAttempts       int
	BackoffMultiplier float64
	InitialDelayMs    int
}

// Step is one node of a Workflow's dependency graph.
type Step struct {
	ID            string
	Type          StepType
	Action        string
	Params        map[string]any
	DependsOn     []string
	TimeoutMs     int
	Deterministic bool
	RetryPolicy   *RetryPolicy
	// SubSteps holds the step.params.steps[] list for "parallel"/"sequence"
	// step types; unused by other types.
	SubSteps []Step
}

// Workflow is an ordered, named collection of Steps sharing a seed.
type Workflow struct {
	ID      string
	Version string
	Seed    string
	Steps   []Step
}

// Status is a WorkflowExecution's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Execution tracks one run of a Workflow.
type Execution struct {
	ExecutionID    string
	WorkflowID     string
	Seed           string
	Status         Status
	StartedAt      time.Time
	CompletedAt    time.Time
	CompletedSteps []string
	FailedSteps    []string
	Results        map[string]any
	Error          string
}

func (e *Execution) hasCompleted(stepID string) bool {
	for _, id := range e.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}
