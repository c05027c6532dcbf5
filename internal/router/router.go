package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetorch/orchestrator/internal/messaging"
	"github.com/fleetorch/orchestrator/internal/monitor"
	"github.com/fleetorch/orchestrator/internal/registry"
	"github.com/fleetorch/orchestrator/internal/resilience"
)

func decodePayload(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}

const maxConcurrentPerNode = 5

var (
	// ErrUnknownTask is returned by GetTaskStatus for an id never submitted.
	ErrUnknownTask = fmt.Errorf("router: unknown task id")
)

// Observer receives named router events for the publish-only event sink of
// spec §6.3 (task:assigned, task:completed, task:failed, task:retrying,
// routing:backpressure, router:node-offline, ...).
type Observer func(event string, attrs map[string]any)

// activeAssignment tracks a task currently assigned to a worker, including
// its one-shot timeout timer.
type activeAssignment struct {
	task      *Task
	nodeID    string
	startedAt time.Time
	timer     *time.Timer
}

// Router implements the optimized task router of spec §4.E: a priority
// queue of pending tasks, scoring-based worker selection, and the
// completion/failure/timeout/offline handlers that move tasks between
// queued, active and terminal state.
type Router struct {
	mu       sync.Mutex
	queue    *priorityQueue
	tasks    map[string]*Task
	active   map[string]*activeAssignment
	seqCount uint64

	registry *registry.Registry
	monitor  *monitor.Monitor
	protocol *messaging.Protocol
	observer Observer
	tracer   trace.Tracer

	limitersMu sync.Mutex
	limiters   map[string]*resilience.RateLimiter

	assignedTotal  metric.Int64Counter
	completedTotal metric.Int64Counter
	failedTotal    metric.Int64Counter
	backpressure   metric.Int64Counter

	stopCh chan struct{}
	once   sync.Once
}

// New constructs a Router bound to reg, mon and proto, and starts its
// second-granularity processing loop.
func New(reg *registry.Registry, mon *monitor.Monitor, proto *messaging.Protocol, observer Observer) *Router {
	meter := otel.Meter("fleetorch")
	assigned, _ := meter.Int64Counter("fleetorch_router_tasks_assigned_total")
	completed, _ := meter.Int64Counter("fleetorch_router_tasks_completed_total")
	failed, _ := meter.Int64Counter("fleetorch_router_tasks_failed_total")
	backpressure, _ := meter.Int64Counter("fleetorch_router_backpressure_total")

	r := &Router{
		queue:          newPriorityQueue(),
		tasks:          make(map[string]*Task),
		active:         make(map[string]*activeAssignment),
		registry:       reg,
		monitor:        mon,
		protocol:       proto,
		observer:       observer,
		tracer:         otel.Tracer("fleetorch-router"),
		limiters:       make(map[string]*resilience.RateLimiter),
		assignedTotal:  assigned,
		completedTotal: completed,
		failedTotal:    failed,
		backpressure:   backpressure,
		stopCh:         make(chan struct{}),
	}

	if proto != nil {
		proto.RegisterHandler(messaging.TypeTaskComplete, r.handleTaskCompleteMessage)
		proto.RegisterHandler(messaging.TypeTaskFail, r.handleTaskFailMessage)
	}

	go r.processingLoop()
	return r
}

func (r *Router) emit(event string, attrs map[string]any) {
	if r.observer != nil {
		r.observer(event, attrs)
	}
}

// Stop halts the processing loop.
func (r *Router) Stop() {
	r.once.Do(func() { close(r.stopCh) })
}

// SubmitTask enqueues t, stamping it with a generated id, submission time
// and FIFO tiebreak sequence. A priority-8-or-higher task wakes the
// processing loop immediately rather than waiting for the next tick.
func (r *Router) SubmitTask(t Task) string {
	t.ID = newTaskID(t.Type, t.Name)
	t.SubmittedAt = time.Now()
	t.Status = StatusQueued

	r.mu.Lock()
	r.seqCount++
	t.SubmissionSeq = r.seqCount
	stored := t
	r.tasks[t.ID] = &stored
	r.queue.enqueue(r.tasks[t.ID])
	r.mu.Unlock()

	r.emit("task:created", map[string]any{"taskId": t.ID, "type": t.Type, "priority": t.Priority})
	r.emit("task:queued", map[string]any{"taskId": t.ID})

	if t.Priority >= 8 {
		go r.processPending(context.Background())
	}
	return t.ID
}

// GetTaskStatus reports a task's current status and, for terminal tasks,
// its result.
func (r *Router) GetTaskStatus(taskID string) (Status, map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return "", nil, ErrUnknownTask
	}
	return t.Status, t.Result, nil
}

// GetStats summarizes queue depth, active assignments and terminal counts.
func (r *Router) GetStats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	completed, failed := 0, 0
	for _, t := range r.tasks {
		switch t.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		}
	}
	return map[string]any{
		"queued":    r.queue.Len(),
		"active":    len(r.active),
		"completed": completed,
		"failed":    failed,
		"total":     len(r.tasks),
	}
}

func (r *Router) processingLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.processPending(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// processPending drains the queue in priority order, routing each task or
// halting at the first candidate-less task to avoid starving it behind
// lower-priority tasks that do have capacity.
func (r *Router) processPending(ctx context.Context) {
	r.mu.Lock()
	pending := r.queue.dequeueAll()
	r.mu.Unlock()

	remaining := make([]*Task, 0, len(pending))
	for i, t := range pending {
		if !r.routeTask(ctx, t) {
			remaining = append(remaining, pending[i:]...)
			break
		}
	}

	if len(remaining) > 0 {
		r.mu.Lock()
		for _, t := range remaining {
			r.queue.enqueue(t)
		}
		r.mu.Unlock()
	}
}

// limiterFor returns the per-node dispatch rate limiter, allowing up to
// 2*maxConcurrentPerNode assignments per second with the same burst as
// capacity, creating it on first use.
func (r *Router) limiterFor(nodeID string) *resilience.RateLimiter {
	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()
	l, ok := r.limiters[nodeID]
	if !ok {
		l = resilience.NewRateLimiter(int64(maxConcurrentPerNode), float64(maxConcurrentPerNode), time.Second, int64(2*maxConcurrentPerNode))
		r.limiters[nodeID] = l
	}
	return l
}

// routeTask attempts to assign t to a worker. Returns false on backpressure,
// per spec §4.E step 3, leaving t unassigned and still StatusQueued for
// processPending's caller to re-enqueue exactly once — routeTask itself
// must not enqueue t, or it ends up with two heap entries for the same task
// this tick.
// A node whose dispatch rate limiter is currently exhausted is treated the
// same as a node with no free capacity: tried candidates are excluded and
// the next best is considered instead of stalling the whole queue behind
// one hot worker.
func (r *Router) routeTask(ctx context.Context, t *Task) bool {
	ctx, span := r.tracer.Start(ctx, "router.route_task")
	defer span.End()

	if t.TargetNode != "" {
		if snap, ok := r.registry.GetNode(t.TargetNode); ok && snap.Status == "ONLINE" {
			if !r.limiterFor(t.TargetNode).Allow() {
				r.backpressure.Add(ctx, 1)
				r.emit("routing:backpressure", map[string]any{"taskId": t.ID, "nodeId": t.TargetNode})
				return false
			}
			r.assign(ctx, t, t.TargetNode, RoutingDecision{NodeID: t.TargetNode, Reason: "targeted"})
			return true
		}
	}

	excluded := make(map[string]struct{})
	for {
		candidates := r.eligibleCandidates(t.RequiredTools, excluded)
		if len(candidates) == 0 {
			r.backpressure.Add(ctx, 1)
			r.emit("routing:backpressure", map[string]any{"taskId": t.ID})
			return false
		}

		decision := r.score(t, candidates)
		if !r.limiterFor(decision.NodeID).Allow() {
			excluded[decision.NodeID] = struct{}{}
			continue
		}
		r.assign(ctx, t, decision.NodeID, decision)
		return true
	}
}

type candidate struct {
	nodeID  string
	load    int
	latency float64
}

// eligibleCandidates returns ONLINE nodes advertising every required tool
// with fewer than maxConcurrentPerNode active router assignments, excluding
// any node id in exclude.
func (r *Router) eligibleCandidates(requiredTools []string, exclude map[string]struct{}) []candidate {
	r.mu.Lock()
	activeByNode := make(map[string]int)
	for _, a := range r.active {
		activeByNode[a.nodeID]++
	}
	r.mu.Unlock()

	var out []candidate
	for _, n := range r.registry.GetAllNodes() {
		if n.Status != "ONLINE" {
			continue
		}
		if _, excluded := exclude[n.ID]; excluded {
			continue
		}
		if !hasAllTools(n.Capabilities, requiredTools) {
			continue
		}
		if activeByNode[n.ID] >= maxConcurrentPerNode {
			continue
		}
		out = append(out, candidate{nodeID: n.ID, load: activeByNode[n.ID], latency: n.Latency})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].nodeID < out[j].nodeID })
	return out
}

func hasAllTools(capabilities []string, required []string) bool {
	set := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		set[c] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

// score implements spec §4.E step 4-6: consistent-hash selection for
// deterministic tasks, otherwise the lowest weighted score.
func (r *Router) score(t *Task, candidates []candidate) RoutingDecision {
	if t.Deterministic {
		idx := consistentHashIndex(t.ID, t.Type, len(candidates))
		chosen := candidates[idx]
		alts := make([]string, 0, 3)
		for i, c := range candidates {
			if i == idx || len(alts) >= 3 {
				continue
			}
			alts = append(alts, c.nodeID)
		}
		return RoutingDecision{NodeID: chosen.nodeID, Reason: "deterministic", Alternatives: alts}
	}

	type scored struct {
		candidate
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		loadFactor := float64(c.load) / float64(maxConcurrentPerNode)
		s := loadFactor*50 + c.latency*0.1

		trend := r.monitor.CalculateTrend(c.nodeID, monitor.FieldLatency)
		switch trend {
		case monitor.TrendDegrading:
			s += 20
		case monitor.TrendImproving:
			s -= 10
		}

		if snap, ok := r.registry.GetNode(c.nodeID); ok && snap.ErrorRate > 0.01 {
			s += snap.ErrorRate * 5
		}
		ranked = append(ranked, scored{c, s})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score < ranked[j].score
		}
		return ranked[i].nodeID < ranked[j].nodeID
	})

	alts := make([]string, 0, 3)
	for i := 1; i < len(ranked) && i <= 3; i++ {
		alts = append(alts, ranked[i].nodeID)
	}
	return RoutingDecision{NodeID: ranked[0].nodeID, Reason: "scored", Score: ranked[0].score, Alternatives: alts}
}

// assign moves t from queued to active, notifies the worker and starts the
// per-task timeout timer.
func (r *Router) assign(ctx context.Context, t *Task, nodeID string, decision RoutingDecision) {
	t.Status = StatusActive
	t.AssignedNode = nodeID
	t.StartedAt = time.Now()

	r.registry.ApplyLoadDelta(nodeID, 1)

	timeout := time.Duration(t.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.AfterFunc(timeout, func() {
		r.handleFailure(context.Background(), t.ID, nodeID, "Task timeout")
	})

	r.mu.Lock()
	r.active[t.ID] = &activeAssignment{task: t, nodeID: nodeID, startedAt: t.StartedAt, timer: timer}
	r.mu.Unlock()

	r.assignedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("node", nodeID)))
	r.emit("task:assigned", map[string]any{"taskId": t.ID, "nodeId": nodeID, "reason": decision.Reason})

	if r.protocol == nil {
		return
	}
	payload := map[string]any{"task": t, "routingDecision": decision}
	msg, err := r.protocol.CreateMessageWithTTL("router", nodeID, messaging.TypeTaskAssign, payload, t.Priority, timeout)
	if err != nil {
		return
	}
	_ = r.protocol.Dispatch(ctx, msg)
}

// HandleTaskComplete processes a TASK_COMPLETE notification from worker
// nodeID for taskID.
func (r *Router) HandleTaskComplete(ctx context.Context, taskID, nodeID string, result map[string]any, duration time.Duration) {
	r.mu.Lock()
	assignment, ok := r.active[taskID]
	if ok {
		delete(r.active, taskID)
	}
	task := r.tasks[taskID]
	r.mu.Unlock()
	if !ok || task == nil {
		return
	}
	assignment.timer.Stop()

	task.Status = StatusCompleted
	task.CompletedAt = time.Now()
	task.Result = result

	r.registry.ApplyLoadDelta(nodeID, -1)
	r.completedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("node", nodeID)))
	r.emit("task:completed", map[string]any{"taskId": taskID, "nodeId": nodeID, "durationMs": duration.Milliseconds()})
}

func (r *Router) handleTaskCompleteMessage(ctx context.Context, msg *messaging.Message) error {
	var payload struct {
		TaskID   string         `json:"taskId"`
		Result   map[string]any `json:"result"`
		Duration int64          `json:"durationMs"`
	}
	if err := decodePayload(msg.Payload, &payload); err != nil {
		return err
	}
	r.HandleTaskComplete(ctx, payload.TaskID, msg.Source, payload.Result, time.Duration(payload.Duration)*time.Millisecond)
	return nil
}

// HandleTaskFail processes a TASK_FAIL notification from worker nodeID.
func (r *Router) HandleTaskFail(ctx context.Context, taskID, nodeID, reason string) {
	r.handleFailure(ctx, taskID, nodeID, reason)
}

func (r *Router) handleTaskFailMessage(ctx context.Context, msg *messaging.Message) error {
	var payload struct {
		TaskID string `json:"taskId"`
		Reason string `json:"reason"`
	}
	if err := decodePayload(msg.Payload, &payload); err != nil {
		return err
	}
	r.handleFailure(ctx, payload.TaskID, msg.Source, payload.Reason)
	return nil
}

// handleFailure implements the failure/timeout handler of spec §4.E: a
// deterministic task is rerouted to an alternative excluding the failing
// worker; anything else fails final at this layer.
func (r *Router) handleFailure(ctx context.Context, taskID, nodeID, reason string) {
	r.mu.Lock()
	assignment, ok := r.active[taskID]
	if ok {
		delete(r.active, taskID)
	}
	task := r.tasks[taskID]
	r.mu.Unlock()
	if !ok || task == nil {
		return
	}
	assignment.timer.Stop()
	r.registry.ApplyLoadDelta(nodeID, -1)
	task.attemptsFailed++

	if task.Deterministic {
		excluded := map[string]struct{}{nodeID: {}}
		candidates := r.eligibleCandidates(task.RequiredTools, excluded)
		if len(candidates) > 0 {
			idx := consistentHashIndex(task.ID, task.Type, len(candidates))
			alt := candidates[idx].nodeID
			task.TargetNode = alt
			task.Status = StatusQueued
			r.mu.Lock()
			r.queue.enqueue(task)
			r.mu.Unlock()
			r.failedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("node", nodeID), attribute.String("outcome", "retrying")))
			r.emit("task:retrying", map[string]any{"taskId": taskID, "previousNode": nodeID, "nextNode": alt, "reason": reason})
			return
		}
	}

	task.Status = StatusFailed
	task.CompletedAt = time.Now()
	task.Error = reason
	r.failedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("node", nodeID), attribute.String("outcome", "final")))
	r.emit("task:failed", map[string]any{"taskId": taskID, "nodeId": nodeID, "reason": reason, "final": true})
}

// HandleNodeOffline requeues every active assignment held by nodeID, per
// spec §4.E's worker-offline handling. Wire this to the registry's
// "node:offline" event.
func (r *Router) HandleNodeOffline(nodeID string) {
	r.mu.Lock()
	var requeued []*Task
	for taskID, a := range r.active {
		if a.nodeID != nodeID {
			continue
		}
		a.timer.Stop()
		delete(r.active, taskID)
		a.task.Status = StatusQueued
		a.task.AssignedNode = ""
		requeued = append(requeued, a.task)
	}
	for _, t := range requeued {
		r.queue.enqueue(t)
	}
	r.mu.Unlock()

	r.emit("router:node-offline", map[string]any{"nodeId": nodeID, "requeued": len(requeued)})
}
