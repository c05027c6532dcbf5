package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ScheduleConfig defines when and how a workflow runs, either on a cron
// expression or in response to a named event, adapted from the teacher's
// ScheduleConfig with the same cron/event duality.
type ScheduleConfig struct {
	WorkflowID    string            `json:"workflow_id"`
	CronExpr      string            `json:"cron_expr,omitempty"`
	EventType     string            `json:"event_type,omitempty"`
	EventFilter   map[string]any    `json:"event_filter,omitempty"`
	Enabled       bool              `json:"enabled"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type eventHandler struct {
	schedules   []*ScheduleConfig
	running     int
	mu          sync.Mutex
	lastTrigger time.Time
}

// Scheduler runs operator-registered cron/event schedules against a shared
// Engine and Store. It does not start the predefined "node-initialization"
// or "task-execution" workflows on its own; they run only when a schedule
// names them.
type Scheduler struct {
	cron          *cron.Cron
	store         *Store
	engine        *Engine
	eventHandlers map[string]*eventHandler
	mu            sync.RWMutex

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	eventTriggers metric.Int64Counter
	tracer        trace.Tracer
}

// NewScheduler constructs a Scheduler bound to engine and store.
func NewScheduler(store *Store, engine *Engine) *Scheduler {
	meter := otel.Meter("fleetorch")
	runs, _ := meter.Int64Counter("fleetorch_workflow_schedule_runs_total")
	fails, _ := meter.Int64Counter("fleetorch_workflow_schedule_failures_total")
	triggers, _ := meter.Int64Counter("fleetorch_workflow_event_triggers_total")

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		store:         store,
		engine:        engine,
		eventHandlers: make(map[string]*eventHandler),
		scheduleRuns:  runs,
		scheduleFails: fails,
		eventTriggers: triggers,
		tracer:        otel.Tracer("fleetorch-scheduler"),
	}
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started")
}

// Stop gracefully drains in-flight cron jobs.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("scheduler stop timed out")
		return ctx.Err()
	}
}

// AddSchedule registers cfg as a cron entry or an event trigger and
// persists it so RestoreSchedules can reload it after a restart.
func (s *Scheduler) AddSchedule(ctx context.Context, cfg *ScheduleConfig) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.add_schedule",
		trace.WithAttributes(attribute.String("workflow", cfg.WorkflowID), attribute.String("cron", cfg.CronExpr)))
	defer span.End()

	switch {
	case cfg.CronExpr != "":
		if _, err := s.cron.AddFunc(cfg.CronExpr, func() {
			s.runScheduled(context.Background(), cfg)
		}); err != nil {
			return fmt.Errorf("scheduler: add cron: %w", err)
		}
	case cfg.EventType != "":
		s.registerEventHandler(cfg)
	default:
		return fmt.Errorf("scheduler: either cron_expr or event_type must be set")
	}

	if err := s.store.PutScheduleConfig(cfg.WorkflowID, cfg); err != nil {
		return fmt.Errorf("scheduler: persist: %w", err)
	}
	return nil
}

// RemoveSchedule drops workflowID's event handlers and persisted config.
// Cron entries themselves remain until process restart, matching the
// teacher's noted limitation (the cron library has no remove-by-name).
func (s *Scheduler) RemoveSchedule(workflowID string) error {
	s.mu.Lock()
	for eventType, h := range s.eventHandlers {
		kept := h.schedules[:0]
		for _, sched := range h.schedules {
			if sched.WorkflowID != workflowID {
				kept = append(kept, sched)
			}
		}
		h.schedules = kept
		if len(h.schedules) == 0 {
			delete(s.eventHandlers, eventType)
		}
	}
	s.mu.Unlock()

	return s.store.DeleteScheduleConfig(workflowID)
}

// TriggerEvent dispatches eventType to every matching, enabled schedule,
// each run asynchronously and independently rate-limited by its own
// MaxConcurrent.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, eventData map[string]any) {
	ctx, span := s.tracer.Start(ctx, "scheduler.trigger_event", trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	s.mu.RLock()
	h, ok := s.eventHandlers[eventType]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))

	for _, sched := range h.schedules {
		if !sched.Enabled || !matchesFilter(eventData, sched.EventFilter) {
			continue
		}

		h.mu.Lock()
		if sched.MaxConcurrent > 0 && h.running >= sched.MaxConcurrent {
			h.mu.Unlock()
			slog.Warn("max concurrent schedule executions reached", "workflow", sched.WorkflowID)
			continue
		}
		h.running++
		h.lastTrigger = time.Now()
		h.mu.Unlock()

		go func(cfg *ScheduleConfig) {
			defer func() {
				h.mu.Lock()
				h.running--
				h.mu.Unlock()
			}()
			runCtx := context.Background()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(runCtx, cfg.Timeout)
				defer cancel()
			}
			s.runScheduled(runCtx, cfg)
		}(sched)
	}
}

func (s *Scheduler) runScheduled(ctx context.Context, cfg *ScheduleConfig) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(attribute.String("workflow", cfg.WorkflowID)))
	defer span.End()
	start := time.Now()

	exec, err := s.engine.ExecuteWorkflow(ctx, cfg.WorkflowID, map[string]any{})
	if err != nil {
		slog.Error("scheduled workflow execution failed", "workflow", cfg.WorkflowID, "error", err, "duration_ms", time.Since(start).Milliseconds())
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", cfg.WorkflowID)))
		return
	}
	if err := s.store.PutExecution(exec); err != nil {
		slog.Error("failed to persist scheduled execution", "error", err)
	}
	s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", cfg.WorkflowID), attribute.String("status", string(exec.Status))))
	slog.Info("scheduled workflow completed", "workflow", cfg.WorkflowID, "execution_id", exec.ExecutionID, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) registerEventHandler(cfg *ScheduleConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.eventHandlers[cfg.EventType]
	if !ok {
		h = &eventHandler{}
		s.eventHandlers[cfg.EventType] = h
	}
	h.schedules = append(h.schedules, cfg)
}

func matchesFilter(eventData, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	for key, want := range filter {
		got, ok := eventData[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// RestoreSchedules reloads every persisted, enabled schedule on startup.
func (s *Scheduler) RestoreSchedules(ctx context.Context) error {
	raw, err := s.store.ListScheduleConfigs()
	if err != nil {
		return fmt.Errorf("scheduler: list persisted schedules: %w", err)
	}

	restored, failed := 0, 0
	for workflowID, data := range raw {
		var cfg ScheduleConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			failed++
			continue
		}
		if !cfg.Enabled {
			continue
		}
		if err := s.AddSchedule(ctx, &cfg); err != nil {
			slog.Error("failed to restore schedule", "workflow", workflowID, "error", err)
			failed++
			continue
		}
		restored++
	}
	slog.Info("schedules restored", "restored", restored, "failed", failed)
	return nil
}

// Stats summarizes active cron entries and event handlers.
func (s *Scheduler) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perEvent := make(map[string]any, len(s.eventHandlers))
	total := len(s.cron.Entries())
	for eventType, h := range s.eventHandlers {
		h.mu.Lock()
		perEvent[eventType] = map[string]any{
			"schedules":    len(h.schedules),
			"running":      h.running,
			"last_trigger": h.lastTrigger,
		}
		total += len(h.schedules)
		h.mu.Unlock()
	}
	return map[string]any{
		"cron_entries":    len(s.cron.Entries()),
		"event_handlers":  len(s.eventHandlers),
		"total_schedules": total,
		"event_stats":     perEvent,
	}
}
