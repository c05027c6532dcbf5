package integrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetorch/orchestrator/internal/router"
)

func newTestIntegrator(t *testing.T) *Integrator {
	t.Helper()
	dir := t.TempDir()
	nodesPath := filepath.Join(dir, "nodes.yaml")
	workflowsPath := filepath.Join(dir, "workflows.yaml")
	if err := os.WriteFile(nodesPath, []byte("nodes:\n  - id: worker-a\n    capabilities: [http]\n    max_concurrent_tasks: 4\n"), 0o600); err != nil {
		t.Fatalf("write nodes.yaml: %v", err)
	}
	if err := os.WriteFile(workflowsPath, []byte("workflows: []\n"), 0o600); err != nil {
		t.Fatalf("write workflows.yaml: %v", err)
	}

	cfg := Config{
		NodesPath:     nodesPath,
		WorkflowsPath: workflowsPath,
		StorePath:     filepath.Join(dir, "workflow.db"),
		TaskStorePath: filepath.Join(dir, "tasks.db"),
		Source:        "orchestrator-test",
	}
	in, err := Initialize(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { in.Stop(context.Background()) })
	return in
}

func TestInitializeRegistersConfiguredNodesAndBuiltinWorkflows(t *testing.T) {
	in := newTestIntegrator(t)

	if _, ok := in.Registry.GetNode("worker-a"); !ok {
		t.Fatal("expected worker-a to be registered from nodes.yaml")
	}
	if ok, _ := in.Engine.ValidateWorkflow(nodeInitWorkflowID); !ok {
		t.Fatal("expected node-initialization workflow to validate")
	}
	if ok, _ := in.Engine.ValidateWorkflow(taskExecutionWorkflowID); !ok {
		t.Fatal("expected task-execution workflow to validate")
	}
}

func TestSubmitTaskPersistsAndRoutes(t *testing.T) {
	in := newTestIntegrator(t)
	ctx := context.Background()

	id, err := in.SubmitTask(ctx, router.Task{Type: "http", RequiredTools: []string{"http"}, Priority: 5, TimeoutMs: 5000})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	rec, ok, err := in.TaskStore.FindByID(id)
	if err != nil || !ok {
		t.Fatalf("expected task record persisted: ok=%v err=%v", ok, err)
	}
	if rec.Status != "queued" {
		t.Fatalf("expected queued status, got %s", rec.Status)
	}

	status, _, err := in.GetStatus(id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status == "" {
		t.Fatal("expected non-empty status")
	}
}

func TestHealthCheckReportsAllSubsystems(t *testing.T) {
	in := newTestIntegrator(t)

	checks := in.HealthCheck(context.Background())
	for _, name := range []string{"registry", "monitor", "messaging", "workflow_store", "broker"} {
		if !checks[name] {
			t.Fatalf("expected %s healthy, got %v", name, checks)
		}
	}
}
