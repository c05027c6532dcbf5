package workflow

import "errors"

var (
	ErrUnknownWorkflow  = errors.New("workflow: unknown workflow id")
	ErrCyclicWorkflow   = errors.New("workflow: dependency graph contains a cycle")
	ErrUnmetDependency  = errors.New("workflow: step executed before a dependency completed")
	ErrStepTimeout      = errors.New("workflow: step timed out")
	ErrRetryExhausted   = errors.New("workflow: step exhausted its retry policy")
	ErrUnknownAction    = errors.New("workflow: no handler registered for step action")
	ErrDuplicateStepID  = errors.New("workflow: duplicate step id")
	ErrMissingDependency = errors.New("workflow: step depends on a non-existent step id")
)
