package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetorch/orchestrator/internal/resilience"
)

// ActionHandler executes a registered "task"-type step's action against the
// shared execution context, returning the step's output.
type ActionHandler func(ctx context.Context, step Step, execContext map[string]any) (any, error)

// Observer receives named workflow events for the publish-only sink of
// spec §6.3 (task:started analogues at the step level plus workflow
// lifecycle events).
type Observer func(event string, attrs map[string]any)

type registeredWorkflow struct {
	wf     Workflow
	sorted []Step
}

// Engine registers workflows and executes them against their dependency DAG.
type Engine struct {
	mu        sync.RWMutex
	workflows map[string]*registeredWorkflow
	handlers  map[string]ActionHandler

	cache     *resultCache
	observer  Observer
	tracer    trace.Tracer
	cancelMgr *CancellationManager

	stepDuration metric.Float64Histogram
	stepRetries  metric.Int64Counter
	stepFailures metric.Int64Counter
}

// SetCancellationManager wires mgr so every ExecuteWorkflow call registers
// its running context for operator-initiated cancellation.
func (e *Engine) SetCancellationManager(mgr *CancellationManager) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelMgr = mgr
}

// New constructs an Engine.
func New(observer Observer) *Engine {
	meter := otel.Meter("fleetorch")
	dur, _ := meter.Float64Histogram("fleetorch_workflow_step_duration_ms")
	retries, _ := meter.Int64Counter("fleetorch_workflow_step_retries_total")
	fails, _ := meter.Int64Counter("fleetorch_workflow_step_failures_total")

	return &Engine{
		workflows:    make(map[string]*registeredWorkflow),
		handlers:     make(map[string]ActionHandler),
		cache:        newResultCache(1000, 30*time.Minute),
		observer:     observer,
		tracer:       otel.Tracer("fleetorch-workflow"),
		stepDuration: dur,
		stepRetries:  retries,
		stepFailures: fails,
	}
}

func (e *Engine) emit(event string, attrs map[string]any) {
	if e.observer != nil {
		e.observer(event, attrs)
	}
}

// RegisterStepHandler wires the handler invoked for "task"/"retry" steps
// whose action matches name.
func (e *Engine) RegisterStepHandler(action string, h ActionHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[action] = h
}

// RegisterWorkflow topologically sorts wf's steps (cycle detection +
// lexicographic tie-break) and stores it for execution.
func (e *Engine) RegisterWorkflow(wf Workflow) error {
	sorted, err := topologicalSort(wf.Steps)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[wf.ID] = &registeredWorkflow{wf: wf, sorted: sorted}
	return nil
}

// ValidateWorkflow reports whether a registered workflow's graph is valid
// and any issues found. A workflow that failed RegisterWorkflow was never
// stored, so it is reported invalid with ErrUnknownWorkflow's message.
func (e *Engine) ValidateWorkflow(wfID string) (bool, []string) {
	e.mu.RLock()
	rw, ok := e.workflows[wfID]
	e.mu.RUnlock()
	if !ok {
		return false, []string{ErrUnknownWorkflow.Error()}
	}
	if _, err := topologicalSort(rw.wf.Steps); err != nil {
		return false, []string{err.Error()}
	}
	return true, nil
}

// ExecOption configures a single ExecuteWorkflow call.
type ExecOption func(*execOptions)

type execOptions struct {
	submissionEpoch int64
}

// WithSubmissionEpoch pins the epoch used to derive the executionId, so a
// caller that wants the idempotence guarantee of spec §8 across replays
// passes the same epoch each time.
func WithSubmissionEpoch(epoch int64) ExecOption {
	return func(o *execOptions) { o.submissionEpoch = epoch }
}

// ExecuteWorkflow runs every step of wfID in dependency order against
// initialContext, returning the terminal Execution. A fatal step error
// (ErrUnmetDependency, exhausted retries, unknown action) sets status=failed
// and is also returned to the caller, per spec §7 propagation policy.
func (e *Engine) ExecuteWorkflow(ctx context.Context, wfID string, initialContext map[string]any, opts ...ExecOption) (*Execution, error) {
	o := execOptions{submissionEpoch: time.Now().Unix()}
	for _, opt := range opts {
		opt(&o)
	}

	e.mu.RLock()
	rw, ok := e.workflows[wfID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownWorkflow
	}

	ctx, span := e.tracer.Start(ctx, "workflow.execute")
	defer span.End()

	exec := &Execution{
		ExecutionID: deriveExecutionID(wfID, initialContext, o.submissionEpoch),
		WorkflowID:  wfID,
		Seed:        rw.wf.Seed,
		Status:      StatusRunning,
		StartedAt:   time.Now(),
		Results:     make(map[string]any),
	}
	execContext := make(map[string]any, len(initialContext))
	for k, v := range initialContext {
		execContext[k] = v
	}

	e.mu.RLock()
	mgr := e.cancelMgr
	e.mu.RUnlock()
	if mgr != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		mgr.Register(exec.ExecutionID, wfID, cancel)
	}

	e.emit("workflow:started", map[string]any{"executionId": exec.ExecutionID, "workflowId": wfID})

	for _, step := range rw.sorted {
		if !allDependenciesMet(step.DependsOn, exec) {
			exec.Status = StatusFailed
			exec.Error = ErrUnmetDependency.Error()
			exec.CompletedAt = time.Now()
			e.emit("workflow:failed", map[string]any{"executionId": exec.ExecutionID, "error": exec.Error})
			if mgr != nil {
				mgr.Complete(exec.ExecutionID, CancelFailed)
			}
			return exec, ErrUnmetDependency
		}

		output, err := e.executeStepWithRetry(ctx, rw.wf, step, execContext, exec)
		if err != nil {
			exec.FailedSteps = append(exec.FailedSteps, step.ID)
			exec.Status = StatusFailed
			exec.Error = err.Error()
			exec.CompletedAt = time.Now()
			e.emit("workflow:failed", map[string]any{"executionId": exec.ExecutionID, "step": step.ID, "error": err.Error()})
			if mgr != nil {
				if ctx.Err() == context.Canceled {
					mgr.Complete(exec.ExecutionID, CancelCancelled)
				} else {
					mgr.Complete(exec.ExecutionID, CancelFailed)
				}
			}
			return exec, err
		}

		exec.Results[step.ID] = output
		exec.CompletedSteps = append(exec.CompletedSteps, step.ID)
		execContext[step.ID] = output
	}

	exec.Status = StatusCompleted
	exec.CompletedAt = time.Now()
	e.emit("workflow:completed", map[string]any{"executionId": exec.ExecutionID})
	if mgr != nil {
		mgr.Complete(exec.ExecutionID, CancelCompleted)
	}
	return exec, nil
}

func allDependenciesMet(dependsOn []string, exec *Execution) bool {
	for _, dep := range dependsOn {
		if !exec.hasCompleted(dep) {
			return false
		}
	}
	return true
}

// executeStepWithRetry runs one step under its timeout, applying the retry-
// with-backoff policy of spec §4.D when present via resilience.Retry.
func (e *Engine) executeStepWithRetry(ctx context.Context, wf Workflow, step Step, execContext map[string]any, exec *Execution) (any, error) {
	if step.RetryPolicy == nil {
		output, err := e.runStepAttempt(ctx, wf, step, execContext, exec)
		if err != nil {
			exec.Results[step.ID+"_attempts"] = 1
			e.stepFailures.Add(ctx, 1)
		}
		return output, err
	}

	policy := resilience.BackoffPolicy{
		MaxAttempts: step.RetryPolicy.MaxAttempts,
		InitialWait: time.Duration(step.RetryPolicy.InitialDelayMs) * time.Millisecond,
		Multiplier:  step.RetryPolicy.BackoffMultiplier,
	}

	attempts := 0
	output, err := resilience.Retry(ctx, policy, func() (any, error) {
		out, attemptErr := e.runStepAttempt(ctx, wf, step, execContext, exec)
		if attemptErr != nil {
			attempts++
			exec.Results[step.ID+"_attempts"] = attempts
			e.stepFailures.Add(ctx, 1)
			if attempts < step.RetryPolicy.MaxAttempts {
				e.stepRetries.Add(ctx, 1)
			}
		}
		return out, attemptErr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRetryExhausted, err)
	}
	return output, nil
}

// runStepAttempt performs a single, non-retrying dispatch of step under its
// own per-step timeout, translating an expired deadline into ErrStepTimeout.
func (e *Engine) runStepAttempt(ctx context.Context, wf Workflow, step Step, execContext map[string]any, exec *Execution) (any, error) {
	stepCtx := ctx
	var cancel context.CancelFunc
	if step.TimeoutMs > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMs)*time.Millisecond)
	}

	start := time.Now()
	output, err := e.dispatchStep(stepCtx, wf, step, execContext, exec)
	if cancel != nil {
		cancel()
	}
	e.stepDuration.Record(ctx, float64(time.Since(start).Milliseconds()))

	if stepCtx.Err() == context.DeadlineExceeded && err == nil {
		err = ErrStepTimeout
	}
	return output, err
}

// dispatchStep performs the one-shot, non-retrying execution of a step by
// its type (§4.D built-in semantics), with deterministic parameter
// derivation applied first when the step requests it.
func (e *Engine) dispatchStep(ctx context.Context, wf Workflow, step Step, execContext map[string]any, exec *Execution) (any, error) {
	params := step.Params
	if step.Deterministic {
		params = deriveParams(wf.Seed, step.ID, step.Params)
	}

	cacheKey := ""
	if step.Deterministic {
		cacheKey = wf.ID + "|" + step.ID + "|" + fmt.Sprint(params)
		if cached, ok := e.cache.get(cacheKey); ok {
			return cached, nil
		}
	}

	var output any
	var err error
	switch step.Type {
	case StepTask, StepRetry:
		output, err = e.runAction(ctx, step.Action, step, params, execContext)
	case StepDecision:
		decision, path := decisionOutcome(step.ID, execContext)
		output = map[string]any{"decision": decision, "path": path}
	case StepParallel:
		output, err = e.runParallel(ctx, wf, step, execContext, exec)
	case StepSequence:
		output, err = e.runSequence(ctx, wf, step, execContext, exec)
	default:
		return nil, fmt.Errorf("workflow: unknown step type %q", step.Type)
	}
	if err != nil {
		return nil, err
	}

	if cacheKey != "" {
		e.cache.put(cacheKey, output)
	}
	return output, nil
}

func (e *Engine) runAction(ctx context.Context, action string, step Step, params map[string]any, execContext map[string]any) (any, error) {
	e.mu.RLock()
	h, ok := e.handlers[action]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownAction
	}
	merged := step
	merged.Params = params
	return h(ctx, merged, execContext)
}

func (e *Engine) runParallel(ctx context.Context, wf Workflow, step Step, execContext map[string]any, exec *Execution) (any, error) {
	results := make([]any, len(step.SubSteps))
	errs := make([]error, len(step.SubSteps))
	var wg sync.WaitGroup
	for i, sub := range step.SubSteps {
		wg.Add(1)
		go func(i int, sub Step) {
			defer wg.Done()
			results[i], errs[i] = e.executeStepWithRetry(ctx, wf, sub, execContext, exec)
		}(i, sub)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (e *Engine) runSequence(ctx context.Context, wf Workflow, step Step, execContext map[string]any, exec *Execution) (any, error) {
	results := make([]any, 0, len(step.SubSteps))
	for _, sub := range step.SubSteps {
		out, err := e.executeStepWithRetry(ctx, wf, sub, execContext, exec)
		if err != nil {
			return nil, err
		}
		results = append(results, out)
	}
	return results, nil
}
