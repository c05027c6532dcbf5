// Package executors supplies the handler registry for the workflow
// engine's "task" step type: one ActionHandler per task type (http,
// script, grpc, model, sql, kafka, shell), ported from the teacher's
// PluginExecutor/PluginRegistry pair.
package executors

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetorch/orchestrator/internal/workflow"
)

// Executor runs one task-type's worth of work. It is registered with a
// workflow.Engine as the ActionHandler for its Type().
type Executor interface {
	Type() string
	Execute(ctx context.Context, step workflow.Step, execContext map[string]any) (map[string]any, error)
}

// Registry holds one Executor per task type and adapts each into the
// workflow engine's ActionHandler signature.
type Registry struct {
	executors map[string]Executor
	tracer    trace.Tracer
}

// NewDefaultRegistry builds a Registry with every built-in executor
// registered, matching the teacher's NewPluginRegistry defaults.
func NewDefaultRegistry(natsPublisher NATSPublisher) *Registry {
	r := &Registry{
		executors: make(map[string]Executor),
		tracer:    otel.Tracer("fleetorch-executors"),
	}
	r.Register(NewHTTPExecutor())
	r.Register(NewScriptExecutor())
	r.Register(NewGRPCExecutor())
	r.Register(NewModelExecutor(""))
	r.Register(NewSQLExecutor())
	r.Register(NewKafkaExecutor(natsPublisher))
	r.Register(NewShellExecutor())
	r.Register(NewPolicyExecutor())
	return r
}

// Register adds or replaces the executor for its declared task type.
func (r *Registry) Register(e Executor) {
	r.executors[e.Type()] = e
}

// Execute dispatches to the executor matching taskType.
func (r *Registry) Execute(ctx context.Context, taskType string, step workflow.Step, execContext map[string]any) (map[string]any, error) {
	e, ok := r.executors[taskType]
	if !ok {
		return nil, fmt.Errorf("executors: unsupported task type %q", taskType)
	}

	ctx, span := r.tracer.Start(ctx, "executor.execute", trace.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("step_id", step.ID),
	))
	defer span.End()

	return e.Execute(ctx, step, execContext)
}

// AsActionHandler adapts taskType's executor into a workflow.ActionHandler,
// for RegisterStepHandler(action, ...) calls where each task type doubles
// as an action name.
func (r *Registry) AsActionHandler(taskType string) workflow.ActionHandler {
	return func(ctx context.Context, step workflow.Step, execContext map[string]any) (any, error) {
		return r.Execute(ctx, taskType, step, execContext)
	}
}

// RegisterAll wires every executor into engine under its own type name as
// the step action.
func (r *Registry) RegisterAll(engine *workflow.Engine) {
	for taskType := range r.executors {
		engine.RegisterStepHandler(taskType, r.AsActionHandler(taskType))
	}
}

func paramString(params map[string]any, key, fallback string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func paramMap(params map[string]any, key string) map[string]any {
	if v, ok := params[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// resolveTemplate replaces {{stepId.field}} references with values already
// produced by earlier steps, plus a {{workflow.id}} pseudo-field sourced
// from execContext's reserved "workflow" entry, ported from the teacher's
// resolveTemplate.
func resolveTemplate(template string, execContext map[string]any) string {
	result := template
	for stepID, output := range execContext {
		outputMap, ok := output.(map[string]any)
		if !ok {
			continue
		}
		for field, value := range outputMap {
			placeholder := "{{" + stepID + "." + field + "}}"
			result = strings.ReplaceAll(result, placeholder, fmt.Sprint(value))
		}
	}
	return result
}
