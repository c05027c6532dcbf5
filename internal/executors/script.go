package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	osExec "os/exec"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetorch/orchestrator/internal/workflow"
)

// ScriptExecutor runs a Python script supplied via step.Params["script"],
// with the shared execution context injected as a JSON "context" variable,
// ported from the teacher's PythonPlugin.
type ScriptExecutor struct {
	pythonPath string
	tracer     trace.Tracer
}

func NewScriptExecutor() *ScriptExecutor {
	pythonPath := os.Getenv("FLEETORCH_PYTHON_PATH")
	if pythonPath == "" {
		pythonPath = "python3"
	}
	return &ScriptExecutor{pythonPath: pythonPath, tracer: otel.Tracer("fleetorch-executor-script")}
}

func (e *ScriptExecutor) Type() string { return "script" }

func (e *ScriptExecutor) Execute(ctx context.Context, step workflow.Step, execContext map[string]any) (map[string]any, error) {
	ctx, span := e.tracer.Start(ctx, "script.execute")
	defer span.End()

	script := paramString(step.Params, "script", "")
	if script == "" {
		return nil, fmt.Errorf("executors: script step %s missing params.script", step.ID)
	}

	contextJSON, err := json.Marshal(execContext)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}

	scriptPath := filepath.Join(os.TempDir(), fmt.Sprintf("fleetorch_step_%s.py", step.ID))
	content := fmt.Sprintf("import json\n\ncontext = %s\n\n%s\n", string(contextJSON), script)
	if err := os.WriteFile(scriptPath, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	defer os.Remove(scriptPath)

	cmd := osExec.CommandContext(ctx, e.pythonPath, scriptPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("script execution failed: %w\nstderr: %s", err, stderr.String())
	}

	output := stdout.String()
	var result map[string]any
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		result = map[string]any{"output": output, "stderr": stderr.String()}
	}
	span.SetAttributes(attribute.Int("output_size", len(output)))
	return result, nil
}
