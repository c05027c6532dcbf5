package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CancelStatus is the cancellation-tracking state of one execution, distinct
// from Status: it layers "cancelled" onto the terminal states ExecuteWorkflow
// already reports.
type CancelStatus string

const (
	CancelRunning   CancelStatus = "running"
	CancelCompleted CancelStatus = "completed"
	CancelFailed    CancelStatus = "failed"
	CancelCancelled CancelStatus = "cancelled"
)

type trackedExecution struct {
	workflowID   string
	cancelFunc   context.CancelFunc
	cancelReason string
	cancelledAt  time.Time
	completedAt  time.Time
	status       CancelStatus
}

// CancellationManager implements the operator-cancel path of spec §5: every
// execution started through an Engine wired to a manager is registered here
// by executionId, letting an operator abort it out of band via Cancel.
// Adapted from the teacher's CancellationManager.
type CancellationManager struct {
	mu     sync.RWMutex
	active map[string]*trackedExecution

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

// NewCancellationManager constructs a CancellationManager.
func NewCancellationManager() *CancellationManager {
	meter := otel.Meter("fleetorch")
	cancellations, _ := meter.Int64Counter("fleetorch_workflow_cancellations_total")
	return &CancellationManager{
		active:        make(map[string]*trackedExecution),
		cancellations: cancellations,
		tracer:        otel.Tracer("fleetorch-cancellation"),
	}
}

// Register begins tracking executionID as running, with cancel invoked by
// a later Cancel call.
func (cm *CancellationManager) Register(executionID, workflowID string, cancel context.CancelFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.active[executionID] = &trackedExecution{
		workflowID: workflowID,
		cancelFunc: cancel,
		status:     CancelRunning,
	}
}

// Cancel aborts a running execution's context and records the reason.
func (cm *CancellationManager) Cancel(ctx context.Context, executionID, reason string) error {
	ctx, span := cm.tracer.Start(ctx, "cancellation.cancel", trace.WithAttributes(attribute.String("execution_id", executionID), attribute.String("reason", reason)))
	defer span.End()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	te, ok := cm.active[executionID]
	if !ok {
		return fmt.Errorf("workflow: execution not found or already completed: %s", executionID)
	}
	if te.status != CancelRunning {
		return fmt.Errorf("workflow: execution %s is not running (status: %s)", executionID, te.status)
	}

	te.cancelFunc()
	te.cancelReason = reason
	te.cancelledAt = time.Now()
	te.status = CancelCancelled

	cm.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", te.workflowID), attribute.String("reason", reason)))
	span.AddEvent("execution_cancelled")
	return nil
}

// Complete records an execution's terminal status. Entries are retained
// briefly for status queries; Cleanup evicts old ones.
func (cm *CancellationManager) Complete(executionID string, status CancelStatus) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if te, ok := cm.active[executionID]; ok && te.status == CancelRunning {
		te.status = status
		te.completedAt = time.Now()
	}
}

// GetStatus reports an execution's tracked cancellation state.
func (cm *CancellationManager) GetStatus(executionID string) (CancelStatus, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	te, ok := cm.active[executionID]
	if !ok {
		return "", false
	}
	return te.status, true
}

// ListActive returns the executionIds currently running.
func (cm *CancellationManager) ListActive() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	ids := make([]string, 0, len(cm.active))
	for id, te := range cm.active {
		if te.status == CancelRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// Cleanup evicts terminal entries older than retention, returning the count
// removed.
func (cm *CancellationManager) Cleanup(retention time.Duration) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for id, te := range cm.active {
		if te.status == CancelRunning {
			continue
		}
		ref := te.cancelledAt
		if ref.IsZero() {
			ref = te.completedAt
		}
		if ref.IsZero() {
			continue
		}
		if now.Sub(ref) > retention {
			delete(cm.active, id)
			cleaned++
		}
	}
	return cleaned
}

// StartCleanupLoop runs Cleanup on interval until ctx is done.
func (cm *CancellationManager) StartCleanupLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.Cleanup(retention)
		}
	}
}

// CancelAll aborts every running execution, used on shutdown.
func (cm *CancellationManager) CancelAll(reason string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cancelled := 0
	for id, te := range cm.active {
		if te.status == CancelRunning {
			te.cancelFunc()
			te.cancelReason = reason
			te.cancelledAt = time.Now()
			te.status = CancelCancelled
			cancelled++
		}
		delete(cm.active, id)
	}
	return cancelled
}

// Metrics returns a snapshot of tracked-execution counts by status.
func (cm *CancellationManager) Metrics() map[string]int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	m := map[string]int{"total": len(cm.active), "running": 0, "completed": 0, "failed": 0, "cancelled": 0}
	for _, te := range cm.active {
		switch te.status {
		case CancelRunning:
			m["running"]++
		case CancelCompleted:
			m["completed"]++
		case CancelFailed:
			m["failed"]++
		case CancelCancelled:
			m["cancelled"]++
		}
	}
	return m
}
