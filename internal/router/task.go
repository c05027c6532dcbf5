// Package router implements the optimized task router: a priority queue of
// submitted tasks, scoring-based worker selection, and the completion,
// failure, timeout and worker-offline handlers that move tasks between
// queued, active and terminal states.
package router

import (
	"crypto/sha256"
	"time"

	"github.com/google/uuid"
)

// Status is a Task's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task is one unit of routable work.
type Task struct {
	ID             string
	Type           string
	Name           string
	Payload        map[string]any
	Priority       int
	RequiredTools  []string
	Deterministic  bool
	TargetNode     string
	TimeoutMs      int
	SubmittedAt    time.Time
	SubmissionSeq  uint64
	Status         Status
	AssignedNode   string
	StartedAt      time.Time
	CompletedAt    time.Time
	Result         map[string]any
	Error          string
	attemptsFailed int
}

// newTaskID returns "task-" followed by a random UUID. taskType and name do
// not enter into it, so resubmitting the same task yields a different id.
func newTaskID(taskType, name string) string {
	return "task-" + uuid.NewString()
}

// RoutingDecision records why a candidate was chosen, attached to the
// TASK_ASSIGN message payload.
type RoutingDecision struct {
	NodeID       string   `json:"nodeId"`
	Reason       string   `json:"reason"`
	Score        float64  `json:"score,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// consistentHashIndex mixes taskID and taskType into an index over n
// lexicographically sorted candidates, per spec §4.E step 5.
func consistentHashIndex(taskID, taskType string, n int) int {
	if n == 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(taskID + "|" + taskType))
	h := uint64(0)
	for _, b := range sum[:8] {
		h = h<<8 | uint64(b)
	}
	return int(h % uint64(n))
}
