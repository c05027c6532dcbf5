package integrator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/fleetorch/orchestrator/internal/registry"
	"github.com/fleetorch/orchestrator/internal/workflow"
)

// NodeConfig is one entry of nodes.yaml: a worker pre-declared at startup
// rather than registered dynamically over the messaging protocol.
type NodeConfig struct {
	ID                 string   `yaml:"id"`
	Capabilities       []string `yaml:"capabilities"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
}

// NodesFile is the top-level shape of nodes.yaml.
type NodesFile struct {
	Nodes []NodeConfig `yaml:"nodes"`
}

// StepConfig mirrors workflow.Step for YAML decoding; Params round-trips as
// a generic map so task-specific executor config stays untyped here.
type StepConfig struct {
	ID            string                 `yaml:"id"`
	Type          string                 `yaml:"type"`
	Action        string                 `yaml:"action,omitempty"`
	Params        map[string]any         `yaml:"params,omitempty"`
	DependsOn     []string               `yaml:"depends_on,omitempty"`
	TimeoutMs     int                    `yaml:"timeout_ms,omitempty"`
	Deterministic bool                   `yaml:"deterministic,omitempty"`
	RetryPolicy   *RetryPolicyConfig     `yaml:"retry_policy,omitempty"`
	Steps         []StepConfig           `yaml:"steps,omitempty"`
}

// RetryPolicyConfig mirrors workflow.RetryPolicy for YAML decoding.
type RetryPolicyConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	InitialDelayMs    int     `yaml:"initial_delay_ms"`
}

// WorkflowConfig mirrors workflow.Workflow for YAML decoding.
type WorkflowConfig struct {
	ID      string       `yaml:"id"`
	Version string       `yaml:"version"`
	Seed    string       `yaml:"seed"`
	Steps   []StepConfig `yaml:"steps"`
}

// WorkflowsFile is the top-level shape of workflows.yaml.
type WorkflowsFile struct {
	Workflows []WorkflowConfig `yaml:"workflows"`
}

func (s StepConfig) toStep() workflow.Step {
	sub := make([]workflow.Step, 0, len(s.Steps))
	for _, ss := range s.Steps {
		sub = append(sub, ss.toStep())
	}
	step := workflow.Step{
		ID:            s.ID,
		Type:          workflow.StepType(s.Type),
		Action:        s.Action,
		Params:        s.Params,
		DependsOn:     s.DependsOn,
		TimeoutMs:     s.TimeoutMs,
		Deterministic: s.Deterministic,
		SubSteps:      sub,
	}
	if s.RetryPolicy != nil {
		step.RetryPolicy = &workflow.RetryPolicy{
			MaxAttempts:       s.RetryPolicy.MaxAttempts,
			BackoffMultiplier: s.RetryPolicy.BackoffMultiplier,
			InitialDelayMs:    s.RetryPolicy.InitialDelayMs,
		}
	}
	return step
}

func (w WorkflowConfig) toWorkflow() workflow.Workflow {
	steps := make([]workflow.Step, 0, len(w.Steps))
	for _, s := range w.Steps {
		steps = append(steps, s.toStep())
	}
	return workflow.Workflow{ID: w.ID, Version: w.Version, Seed: w.Seed, Steps: steps}
}

// LoadNodes parses a nodes.yaml document.
func LoadNodes(path string) (NodesFile, error) {
	var f NodesFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read nodes config: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse nodes config: %w", err)
	}
	return f, nil
}

// LoadWorkflows parses a workflows.yaml document.
func LoadWorkflows(path string) (WorkflowsFile, error) {
	var f WorkflowsFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read workflows config: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse workflows config: %w", err)
	}
	return f, nil
}

// ApplyNodes registers every configured node against reg. Re-registration
// (on hot-reload) is idempotent: RegisterNode overwrites the prior entry.
func ApplyNodes(reg *registry.Registry, f NodesFile) {
	for _, n := range f.Nodes {
		reg.RegisterNode(n.ID, n.Capabilities, n.MaxConcurrentTasks)
	}
}

// ApplyWorkflows registers every configured workflow against engine.
func ApplyWorkflows(engine *workflow.Engine, f WorkflowsFile) error {
	for _, w := range f.Workflows {
		if err := engine.RegisterWorkflow(w.toWorkflow()); err != nil {
			return fmt.Errorf("register workflow %s: %w", w.ID, err)
		}
	}
	return nil
}

// WatchConfig watches the directory containing nodes.yaml and workflows.yaml
// and invokes reload whenever either file changes, the way the teacher's
// config loader hot-reloads policy files via fsnotify.
func WatchConfig(nodesPath, workflowsPath string, reload func()) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dirs := map[string]struct{}{
		filepath.Dir(nodesPath):     {},
		filepath.Dir(workflowsPath): {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			slog.Warn("integrator: watch config dir failed", "dir", dir, "error", err)
		}
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				name := filepath.Clean(event.Name)
				if name == filepath.Clean(nodesPath) || name == filepath.Clean(workflowsPath) {
					slog.Info("integrator: config changed, reloading", "file", name)
					reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("integrator: watcher error", "error", err)
			}
		}
	}()
	return watcher, nil
}
