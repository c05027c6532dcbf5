package workflow

import (
	"context"
	"testing"
)

func TestRegisterWorkflowRejectsCycle(t *testing.T) {
	e := New(nil)
	wf := Workflow{ID: "cyclic", Seed: "s", Steps: []Step{
		{ID: "a", Type: StepTask, Action: "noop", DependsOn: []string{"b"}},
		{ID: "b", Type: StepTask, Action: "noop", DependsOn: []string{"a"}},
	}}
	if err := e.RegisterWorkflow(wf); err != ErrCyclicWorkflow {
		t.Fatalf("expected ErrCyclicWorkflow, got %v", err)
	}
}

func TestTopologicalOrderLexicographicTieBreak(t *testing.T) {
	steps := []Step{
		{ID: "c", Type: StepTask},
		{ID: "a", Type: StepTask},
		{ID: "b", Type: StepTask},
	}
	sorted, err := topologicalSort(steps)
	if err != nil {
		t.Fatalf("topologicalSort: %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, s := range sorted {
		if s.ID != want[i] {
			t.Fatalf("expected order %v, got step %d = %s", want, i, s.ID)
		}
	}
}

func TestExecuteWorkflowRetriesThenSucceedsScenarioS4(t *testing.T) {
	e := New(nil)
	attempts := 0
	e.RegisterStepHandler("flaky", func(ctx context.Context, step Step, execContext map[string]any) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errFlaky
		}
		return "ok", nil
	})

	wf := Workflow{ID: "wf1", Seed: "seed", Steps: []Step{
		{
			ID: "s", Type: StepTask, Action: "flaky", TimeoutMs: 1000,
			RetryPolicy: &RetryPolicy{MaxAttempts: 3, BackoffMultiplier: 2, InitialDelayMs: 10},
		},
	}}
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	exec, err := e.ExecuteWorkflow(context.Background(), "wf1", map[string]any{})
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	if exec.Results["s_attempts"] != 2 {
		t.Fatalf("expected s_attempts=2, got %v", exec.Results["s_attempts"])
	}
}

func TestExecuteWorkflowDependencyChainCompletes(t *testing.T) {
	e := New(nil)
	e.RegisterStepHandler("noop", func(ctx context.Context, step Step, execContext map[string]any) (any, error) {
		return nil, nil
	})
	// A workflow whose dependency order would be violated can't be registered
	// through the public API, so this exercises the public contract instead:
	// a workflow with a valid chain completes.
	wf := Workflow{ID: "chain", Seed: "s", Steps: []Step{
		{ID: "a", Type: StepTask, Action: "noop"},
		{ID: "b", Type: StepTask, Action: "noop", DependsOn: []string{"a"}},
	}}
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	exec, err := e.ExecuteWorkflow(context.Background(), "chain", map[string]any{})
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
}

func TestExecutionIDStableAcrossReplays(t *testing.T) {
	e := New(nil)
	e.RegisterStepHandler("noop", func(ctx context.Context, step Step, execContext map[string]any) (any, error) {
		return "x", nil
	})
	wf := Workflow{ID: "wf2", Seed: "seed", Steps: []Step{
		{ID: "a", Type: StepTask, Action: "noop"},
	}}
	e.RegisterWorkflow(wf)

	ctx := context.Background()
	e1, _ := e.ExecuteWorkflow(ctx, "wf2", map[string]any{"k": "v"}, WithSubmissionEpoch(1000))
	e2, _ := e.ExecuteWorkflow(ctx, "wf2", map[string]any{"k": "v"}, WithSubmissionEpoch(1000))
	if e1.ExecutionID != e2.ExecutionID {
		t.Fatalf("expected stable executionId, got %s and %s", e1.ExecutionID, e2.ExecutionID)
	}
}

func TestDeterministicStepDerivesMissingParams(t *testing.T) {
	e := New(nil)
	var seenParams map[string]any
	e.RegisterStepHandler("check", func(ctx context.Context, step Step, execContext map[string]any) (any, error) {
		seenParams = step.Params
		return "ok", nil
	})
	wf := Workflow{ID: "wf3", Seed: "deadbeef", Steps: []Step{
		{ID: "s", Type: StepTask, Action: "check", Deterministic: true, Params: map[string]any{"servicePort": nil, "retryCount": nil}},
	}}
	e.RegisterWorkflow(wf)
	_, err := e.ExecuteWorkflow(context.Background(), "wf3", map[string]any{})
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if seenParams["servicePort"] == nil {
		t.Fatalf("expected servicePort to be derived, got nil")
	}
	port := seenParams["servicePort"].(int)
	if port < 8000 || port >= 9000 {
		t.Fatalf("expected derived port in [8000,9000), got %d", port)
	}
}

func TestDecisionStepDeterministic(t *testing.T) {
	e := New(nil)
	wf := Workflow{ID: "wf4", Seed: "s", Steps: []Step{
		{ID: "gate", Type: StepDecision},
	}}
	e.RegisterWorkflow(wf)

	exec1, _ := e.ExecuteWorkflow(context.Background(), "wf4", map[string]any{})
	exec2, _ := e.ExecuteWorkflow(context.Background(), "wf4", map[string]any{})

	r1 := exec1.Results["gate"].(map[string]any)
	r2 := exec2.Results["gate"].(map[string]any)
	if r1["decision"] != r2["decision"] {
		t.Fatalf("expected decision step to be deterministic for identical inputs")
	}
}

var errFlaky = &flakyError{}

type flakyError struct{}

func (e *flakyError) Error() string { return "flaky failure" }
