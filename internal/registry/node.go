// Package registry maintains the authoritative view of worker nodes: their
// declared capabilities, current load, observed latency, heartbeat-driven
// health state, and the worker-selection strategies the task router calls
// into.
package registry

import "time"

// Status is a node's position in the health state machine of spec §4.B.
type Status string

const (
	StatusOnline     Status = "ONLINE"
	StatusDegraded   Status = "DEGRADED"
	StatusOffline    Status = "OFFLINE"
	StatusRecovering Status = "RECOVERING"
)

// Node is a registered worker. CurrentLoad, Status and LastHeartbeat are
// owned exclusively by the registry; callers mutate load only through
// ApplyLoadDelta.
type Node struct {
	ID                 string
	Capabilities       map[string]struct{}
	MaxConcurrentTasks int
	CurrentLoad        int
	Latency            float64 // latest heartbeat value, milliseconds; not averaged
	ErrorRate          float64 // fraction, 0..1
	LastHeartbeat       time.Time
	Status             Status
	Version            string
}

// HasAllCapabilities reports whether the node advertises every tag in tools.
func (n *Node) HasAllCapabilities(tools []string) bool {
	for _, t := range tools {
		if _, ok := n.Capabilities[t]; !ok {
			return false
		}
	}
	return true
}

// HasSpareCapacity reports whether the node can accept another assignment.
func (n *Node) HasSpareCapacity() bool {
	return n.CurrentLoad < n.MaxConcurrentTasks
}

// Snapshot is an immutable copy of a Node safe to hand to callers outside
// the registry's lock.
type Snapshot struct {
	ID                 string
	Capabilities       []string
	MaxConcurrentTasks int
	CurrentLoad        int
	Latency            float64
	ErrorRate          float64
	LastHeartbeat      time.Time
	Status             Status
	Version            string
}

func (n *Node) snapshot() Snapshot {
	caps := make([]string, 0, len(n.Capabilities))
	for c := range n.Capabilities {
		caps = append(caps, c)
	}
	return Snapshot{
		ID:                 n.ID,
		Capabilities:       caps,
		MaxConcurrentTasks: n.MaxConcurrentTasks,
		CurrentLoad:        n.CurrentLoad,
		Latency:            n.Latency,
		ErrorRate:          n.ErrorRate,
		LastHeartbeat:      n.LastHeartbeat,
		Status:             n.Status,
		Version:            n.Version,
	}
}

func toCapabilitySet(tools []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		set[t] = struct{}{}
	}
	return set
}
