// Package integrator is the composition root of spec §4.F: it loads
// configuration, wires the messaging protocol, node registry, performance
// monitor, workflow engine and task router together, and exposes the
// operator-facing surface (SubmitTask, GetStatus, HealthCheck) the CLI and
// HTTP server call into.
package integrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/fleetorch/orchestrator/internal/collaborators"
	"github.com/fleetorch/orchestrator/internal/executors"
	"github.com/fleetorch/orchestrator/internal/messaging"
	"github.com/fleetorch/orchestrator/internal/monitor"
	"github.com/fleetorch/orchestrator/internal/registry"
	"github.com/fleetorch/orchestrator/internal/router"
	"github.com/fleetorch/orchestrator/internal/workflow"
)

// nodeInitWorkflowID and taskExecutionWorkflowID name the two predefined
// workflows of spec §4.F.
const (
	nodeInitWorkflowID     = "node-initialization"
	taskExecutionWorkflowID = "task-execution"
)

// Config bundles every file path and tunable the integrator needs to start.
type Config struct {
	NodesPath      string
	WorkflowsPath  string
	StorePath      string
	TaskStorePath  string
	Source         string
	NATSURL        string
	Transport      messaging.Transport
	NATSPublisher  executors.NATSPublisher
	WatchConfigDir bool
}

// Integrator is the running composition of every subsystem.
type Integrator struct {
	cfg Config

	Registry  *registry.Registry
	Monitor   *monitor.Monitor
	Protocol  *messaging.Protocol
	Engine    *workflow.Engine
	Store     *workflow.Store
	Scheduler *workflow.Scheduler
	CancelMgr *workflow.CancellationManager
	Router    *router.Router
	Executors *executors.Registry

	TaskStore collaborators.TaskStore
	Broker    collaborators.Broker
	Observer  collaborators.Observer

	watcher *fsnotify.Watcher

	submittedTotal metric.Int64Counter
}

// Initialize loads nodes.yaml and workflows.yaml, constructs every
// subsystem (A-E), registers the two predefined workflows, registers
// configured workers and wires event subscriptions. Beyond the loops the
// subsystem constructors themselves start, it starts only the config file
// watcher (when cfg.WatchConfigDir is set); call Start to begin scheduling.
func Initialize(ctx context.Context, cfg Config) (*Integrator, error) {
	store, err := workflow.OpenStore(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("integrator: open workflow store: %w", err)
	}
	taskStore, err := collaborators.OpenTaskStore(cfg.TaskStorePath)
	if err != nil {
		return nil, fmt.Errorf("integrator: open task store: %w", err)
	}

	observer := collaborators.NewChannelObserver()

	reg := registry.New(registry.DefaultConfig(), func(event string, attrs map[string]any) {
		observer.Publish(collaborators.Event{Name: event, Attrs: attrs})
	})
	mon := monitor.New(monitor.DefaultThresholds(), func(event string, attrs map[string]any) {
		observer.Publish(collaborators.Event{Name: event, Attrs: attrs})
	})

	transport := cfg.Transport
	if transport == nil {
		transport = noopTransport{}
	}
	proto := messaging.New(cfg.Source, transport, messaging.DefaultConfig(), func(event string, attrs map[string]any) {
		observer.Publish(collaborators.Event{Name: event, Attrs: attrs})
	})

	engine := workflow.New(func(event string, attrs map[string]any) {
		observer.Publish(collaborators.Event{Name: event, Attrs: attrs})
	})
	cancelMgr := workflow.NewCancellationManager()
	engine.SetCancellationManager(cancelMgr)

	execRegistry := executors.NewDefaultRegistry(cfg.NATSPublisher)
	execRegistry.RegisterAll(engine)

	rt := router.New(reg, mon, proto, func(event string, attrs map[string]any) {
		observer.Publish(collaborators.Event{Name: event, Attrs: attrs})
	})

	scheduler := workflow.NewScheduler(store, engine)

	meter := otel.Meter("fleetorch-integrator")
	submitted, _ := meter.Int64Counter("fleetorch_integrator_tasks_submitted_total")

	in := &Integrator{
		cfg:            cfg,
		Registry:       reg,
		Monitor:        mon,
		Protocol:       proto,
		Engine:         engine,
		Store:          store,
		Scheduler:      scheduler,
		CancelMgr:      cancelMgr,
		Router:         rt,
		Executors:      execRegistry,
		TaskStore:      taskStore,
		Broker:         collaborators.NewInProcessBroker(),
		Observer:       observer,
		submittedTotal: submitted,
	}

	proto.RegisterHandler(messaging.TypeHeartbeat, in.handleHeartbeat)

	if err := in.registerBuiltinWorkflows(); err != nil {
		return nil, err
	}
	if err := in.loadConfig(); err != nil {
		return nil, err
	}
	if cfg.WatchConfigDir {
		watcher, err := WatchConfig(cfg.NodesPath, cfg.WorkflowsPath, func() {
			if err := in.loadConfig(); err != nil {
				slog.Error("integrator: config reload failed", "error", err)
			}
		})
		if err != nil {
			slog.Warn("integrator: config watch disabled", "error", err)
		} else {
			in.watcher = watcher
		}
	}

	return in, nil
}

func (in *Integrator) loadConfig() error {
	nodesFile, err := LoadNodes(in.cfg.NodesPath)
	if err != nil {
		return err
	}
	ApplyNodes(in.Registry, nodesFile)

	workflowsFile, err := LoadWorkflows(in.cfg.WorkflowsPath)
	if err != nil {
		return err
	}
	return ApplyWorkflows(in.Engine, workflowsFile)
}

// registerBuiltinWorkflows registers the two predefined workflows of spec
// §4.F: node-initialization (health-check then capability-gate a newly
// registered node) and task-execution (a single task step under a
// three-attempt retry policy). Both are registered with the engine only:
// nothing in this package executes them, and SubmitTask hands tasks to the
// router directly.
func (in *Integrator) registerBuiltinWorkflows() error {
	nodeInit := workflow.Workflow{
		ID:   nodeInitWorkflowID,
		Seed: "node-init",
		Steps: []workflow.Step{
			{
				ID:     "ping",
				Type:   workflow.StepTask,
				Action: "http",
				Params: map[string]any{
					"url":    "{{params.healthUrl}}",
					"method": "GET",
				},
			},
			{
				ID:        "accept",
				Type:      workflow.StepDecision,
				DependsOn: []string{"ping"},
				Params: map[string]any{
					"condition": "ping.status_code == 200",
				},
			},
		},
	}
	taskExec := workflow.Workflow{
		ID:   taskExecutionWorkflowID,
		Seed: "task-exec",
		Steps: []workflow.Step{
			{
				ID:     "run",
				Type:   workflow.StepTask,
				Action: "{{params.taskType}}",
				Params: map[string]any{},
				RetryPolicy: &workflow.RetryPolicy{
					MaxAttempts:       3,
					BackoffMultiplier: 2,
					InitialDelayMs:    200,
				},
			},
		},
	}
	if err := in.Engine.RegisterWorkflow(nodeInit); err != nil {
		return fmt.Errorf("register node-initialization workflow: %w", err)
	}
	if err := in.Engine.RegisterWorkflow(taskExec); err != nil {
		return fmt.Errorf("register task-execution workflow: %w", err)
	}
	return nil
}

func (in *Integrator) handleHeartbeat(ctx context.Context, msg *messaging.Message) error {
	var payload struct {
		Load       int     `json:"load"`
		Latency    float64 `json:"latency"`
		Throughput float64 `json:"throughput"`
		ErrorRate  float64 `json:"errorRate"`
		CPU        float64 `json:"cpu"`
		Memory     float64 `json:"memory"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("decode heartbeat: %w", err)
	}
	if err := in.Registry.HandleHeartbeat(msg.Source, registry.HeartbeatMetrics{
		Load: payload.Load, Latency: payload.Latency, Throughput: payload.Throughput,
		ErrorRate: payload.ErrorRate, CPU: payload.CPU, Memory: payload.Memory,
	}); err != nil {
		return err
	}
	in.Monitor.Record(msg.Source, monitor.Sample{
		Timestamp: time.Now(), CPU: payload.CPU, Memory: payload.Memory,
		Latency: payload.Latency, ErrorRate: payload.ErrorRate, Throughput: payload.Throughput,
	})
	return nil
}

// Start begins the scheduler's cron/event loops and restores persisted
// schedules.
func (in *Integrator) Start(ctx context.Context) error {
	in.Scheduler.Start()
	if err := in.Scheduler.RestoreSchedules(ctx); err != nil {
		slog.Warn("integrator: restore schedules failed", "error", err)
	}
	go in.CancelMgr.StartCleanupLoop(ctx, time.Minute, 10*time.Minute)
	slog.Info("integrator started")
	return nil
}

// Stop tears down every subsystem in reverse dependency order.
func (in *Integrator) Stop(ctx context.Context) error {
	if in.watcher != nil {
		in.watcher.Close()
	}
	if err := in.Scheduler.Stop(ctx); err != nil {
		slog.Warn("integrator: scheduler stop error", "error", err)
	}
	in.Router.Stop()
	in.Registry.Stop()
	if err := in.Store.Close(); err != nil {
		slog.Warn("integrator: store close error", "error", err)
	}
	if closer, ok := in.TaskStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			slog.Warn("integrator: task store close error", "error", err)
		}
	}
	slog.Info("integrator stopped")
	return nil
}

// SubmitTask hands a task to the router and records it in task persistence,
// returning the assigned task id.
func (in *Integrator) SubmitTask(ctx context.Context, t router.Task) (string, error) {
	id := in.Router.SubmitTask(t)
	if in.submittedTotal != nil {
		in.submittedTotal.Add(ctx, 1)
	}
	rec := collaborators.TaskRecord{
		ID: id, Type: t.Type, Status: "queued", Payload: t.Payload, CreatedAt: time.Now(),
	}
	if err := in.TaskStore.Save(rec); err != nil {
		slog.Warn("integrator: task persistence save failed", "taskId", id, "error", err)
	}
	return id, nil
}

// GetStatus reports a submitted task's current router-side status.
func (in *Integrator) GetStatus(taskID string) (router.Status, map[string]any, error) {
	return in.Router.GetTaskStatus(taskID)
}

// HealthCheck is the AND over non-fail checks across messaging, registry,
// workflow store and broker reachability required by spec §4.F.
func (in *Integrator) HealthCheck(ctx context.Context) map[string]bool {
	checks := map[string]bool{
		"registry":       in.Registry != nil,
		"monitor":        in.Monitor != nil,
		"messaging":      in.Protocol != nil,
		"workflow_store": in.storeReachable(),
		"broker":         in.brokerReachable(ctx),
	}
	return checks
}

func (in *Integrator) storeReachable() bool {
	_, _, err := in.Store.GetWorkflow(nodeInitWorkflowID)
	return err == nil
}

func (in *Integrator) brokerReachable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := in.Broker.Enqueue(collaborators.WorkItem{ID: "healthcheck-probe", Priority: -1}); err != nil {
		return false
	}
	item, err := in.Broker.Dequeue(probeCtx)
	if err != nil {
		return false
	}
	_ = in.Broker.Ack(item.ID)
	return true
}

type noopTransport struct{}

func (noopTransport) Emit(ctx context.Context, msg *messaging.Message) error { return nil }
