package router

import (
	"context"
	"testing"
	"time"

	"github.com/fleetorch/orchestrator/internal/monitor"
	"github.com/fleetorch/orchestrator/internal/registry"
)

func newTestRouter() (*Router, *registry.Registry) {
	reg := registry.New(registry.Config{HeartbeatTimeout: time.Hour, MaintenanceTick: time.Hour}, nil)
	mon := monitor.New(monitor.DefaultThresholds(), nil)
	r := New(reg, mon, nil, nil)
	return r, reg
}

func TestSubmitTaskAssignsToCapableNode(t *testing.T) {
	r, reg := newTestRouter()
	defer r.Stop()
	defer reg.Stop()

	reg.RegisterNode("worker-a", []string{"gpu"}, 5)

	id := r.SubmitTask(Task{Type: "infer", Name: "job1", RequiredTools: []string{"gpu"}, Priority: 5, TimeoutMs: 5000})
	r.processPending(context.Background())

	status, _, err := r.GetTaskStatus(id)
	if err != nil {
		t.Fatalf("GetTaskStatus: %v", err)
	}
	if status != StatusActive {
		t.Fatalf("expected active, got %s", status)
	}
}

func TestBackpressureWhenNoCandidates(t *testing.T) {
	r, reg := newTestRouter()
	defer r.Stop()
	defer reg.Stop()

	id := r.SubmitTask(Task{Type: "infer", RequiredTools: []string{"gpu"}, Priority: 5})
	r.processPending(context.Background())

	status, _, err := r.GetTaskStatus(id)
	if err != nil {
		t.Fatalf("GetTaskStatus: %v", err)
	}
	if status != StatusQueued {
		t.Fatalf("expected still queued under backpressure, got %s", status)
	}
}

func TestTaskCompleteFreesLoad(t *testing.T) {
	r, reg := newTestRouter()
	defer r.Stop()
	defer reg.Stop()

	reg.RegisterNode("worker-a", nil, 5)
	id := r.SubmitTask(Task{Type: "infer", Priority: 5, TimeoutMs: 5000})
	r.processPending(context.Background())

	snap, _ := reg.GetNode("worker-a")
	if snap.CurrentLoad != 1 {
		t.Fatalf("expected load 1 after assignment, got %d", snap.CurrentLoad)
	}

	r.HandleTaskComplete(context.Background(), id, "worker-a", map[string]any{"ok": true}, time.Millisecond)

	snap, _ = reg.GetNode("worker-a")
	if snap.CurrentLoad != 0 {
		t.Fatalf("expected load 0 after completion, got %d", snap.CurrentLoad)
	}
	status, result, _ := r.GetTaskStatus(id)
	if status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	if result["ok"] != true {
		t.Fatalf("expected result to carry through, got %v", result)
	}
}

func TestDeterministicFailureReroutesToAlternative(t *testing.T) {
	r, reg := newTestRouter()
	defer r.Stop()
	defer reg.Stop()

	reg.RegisterNode("worker-a", nil, 5)
	reg.RegisterNode("worker-b", nil, 5)

	id := r.SubmitTask(Task{Type: "infer", Priority: 5, TimeoutMs: 5000, Deterministic: true})
	r.processPending(context.Background())

	status, _, _ := r.GetTaskStatus(id)
	firstNode := r.tasks[id].AssignedNode
	if status != StatusActive {
		t.Fatalf("expected active, got %s", status)
	}

	r.HandleTaskFail(context.Background(), id, firstNode, "worker crashed")

	status, _, _ = r.GetTaskStatus(id)
	if status != StatusQueued {
		t.Fatalf("expected requeued for retry, got %s", status)
	}
	if r.tasks[id].TargetNode == firstNode {
		t.Fatalf("expected retry to target a different node than %s", firstNode)
	}
}

func TestNonDeterministicFailureIsFinal(t *testing.T) {
	r, reg := newTestRouter()
	defer r.Stop()
	defer reg.Stop()

	reg.RegisterNode("worker-a", nil, 5)
	id := r.SubmitTask(Task{Type: "infer", Priority: 5, TimeoutMs: 5000})
	r.processPending(context.Background())

	r.HandleTaskFail(context.Background(), id, "worker-a", "boom")

	status, _, _ := r.GetTaskStatus(id)
	if status != StatusFailed {
		t.Fatalf("expected final failure, got %s", status)
	}
}

func TestNodeOfflineRequeuesActiveAssignments(t *testing.T) {
	r, reg := newTestRouter()
	defer r.Stop()
	defer reg.Stop()

	reg.RegisterNode("worker-a", nil, 5)
	id := r.SubmitTask(Task{Type: "infer", Priority: 5, TimeoutMs: 5000})
	r.processPending(context.Background())

	r.HandleNodeOffline("worker-a")

	status, _, _ := r.GetTaskStatus(id)
	if status != StatusQueued {
		t.Fatalf("expected requeued after node offline, got %s", status)
	}
}

func TestRateLimiterExhaustionExcludesNodeForThatRound(t *testing.T) {
	r, reg := newTestRouter()
	defer r.Stop()
	defer reg.Stop()

	reg.RegisterNode("worker-a", nil, 5)
	reg.RegisterNode("worker-b", nil, 5)

	// Drain worker-a's dispatch rate limiter directly rather than racing
	// maxConcurrentPerNode real submissions.
	for r.limiterFor("worker-a").Allow() {
	}

	id := r.SubmitTask(Task{Type: "infer", Priority: 5, TimeoutMs: 5000})
	r.processPending(context.Background())

	status, _, err := r.GetTaskStatus(id)
	if err != nil {
		t.Fatalf("GetTaskStatus: %v", err)
	}
	if status != StatusActive {
		t.Fatalf("expected active on the remaining candidate, got %s", status)
	}
	if r.tasks[id].AssignedNode != "worker-b" {
		t.Fatalf("expected worker-b to receive the task once worker-a's limiter was exhausted, got %s", r.tasks[id].AssignedNode)
	}
}

func TestPriorityQueueOrdersByPriorityThenSubmissionOrder(t *testing.T) {
	pq := newPriorityQueue()
	pq.enqueue(&Task{ID: "low", Priority: 1, SubmissionSeq: 1})
	pq.enqueue(&Task{ID: "high", Priority: 9, SubmissionSeq: 2})
	pq.enqueue(&Task{ID: "mid-first", Priority: 5, SubmissionSeq: 3})
	pq.enqueue(&Task{ID: "mid-second", Priority: 5, SubmissionSeq: 4})

	order := pq.dequeueAll()
	want := []string{"high", "mid-first", "mid-second", "low"}
	for i, task := range order {
		if task.ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], task.ID)
		}
	}
}
