package executors

import (
	"bytes"
	"context"
	"fmt"
	osExec "os/exec"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetorch/orchestrator/internal/workflow"
)

// ShellExecutor runs a whitelisted command from step.Params["command"],
// ported from the teacher's ShellPlugin.
type ShellExecutor struct {
	allowed map[string]bool
	tracer  trace.Tracer
}

func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{
		allowed: map[string]bool{
			"echo": true, "cat": true, "grep": true, "awk": true,
			"sed": true, "jq": true, "curl": true, "wget": true, "python3": true,
		},
		tracer: otel.Tracer("fleetorch-executor-shell"),
	}
}

func (e *ShellExecutor) Type() string { return "shell" }

func (e *ShellExecutor) Execute(ctx context.Context, step workflow.Step, execContext map[string]any) (map[string]any, error) {
	_, span := e.tracer.Start(ctx, "shell.execute")
	defer span.End()

	command := resolveTemplate(paramString(step.Params, "command", ""), execContext)
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("executors: shell step %s has empty command", step.ID)
	}
	if !e.allowed[parts[0]] {
		return nil, fmt.Errorf("executors: command not allowed: %s", parts[0])
	}

	cmd := osExec.CommandContext(ctx, parts[0], parts[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("command failed: %w\nstderr: %s", err, stderr.String())
	}

	return map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": cmd.ProcessState.ExitCode(),
	}, nil
}
