package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Strategy selects among live, capability-matching candidates.
type Strategy string

const (
	StrategyLeastLoaded     Strategy = "least-loaded"
	StrategyRoundRobin      Strategy = "round-robin"
	StrategyDeterministic   Strategy = "deterministic"
	StrategyCapabilityMatch Strategy = "capability-match"
)

// HeartbeatMetrics is the payload carried by a worker HEARTBEAT message.
type HeartbeatMetrics struct {
	Load       int
	Latency    float64
	Throughput float64
	ErrorRate  float64
	CPU        float64
	Memory     float64
}

// Observer receives named registry events (node:joined, node:left,
// node:offline, CAPABILITY_UPDATE broadcasts, ...).
type Observer func(event string, attrs map[string]any)

// Config holds the heartbeat timing options of spec §6.1.
type Config struct {
	HeartbeatTimeout time.Duration
	MaintenanceTick  time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		MaintenanceTick:  5 * time.Second,
	}
}

// Registry is the authoritative store of worker nodes.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node

	cfg      Config
	observer Observer
	tracer   trace.Tracer

	rrMu   sync.Mutex
	stopCh chan struct{}
	once   sync.Once
}

// New constructs a Registry and starts its maintenance tick.
func New(cfg Config, observer Observer) *Registry {
	r := &Registry{
		nodes:    make(map[string]*Node),
		cfg:      cfg,
		observer: observer,
		tracer:   otel.Tracer("fleetorch-registry"),
		stopCh:   make(chan struct{}),
	}
	go r.maintenanceLoop()
	return r
}

func (r *Registry) emit(event string, attrs map[string]any) {
	if r.observer != nil {
		r.observer(event, attrs)
	}
}

// RegisterNode adds or replaces the node's record with fresh defaults
// (load=0, status=ONLINE, lastHeartbeat=now) and broadcasts CAPABILITY_UPDATE.
func (r *Registry) RegisterNode(id string, capabilities []string, maxConcurrentTasks int) {
	r.mu.Lock()
	r.nodes[id] = &Node{
		ID:                 id,
		Capabilities:       toCapabilitySet(capabilities),
		MaxConcurrentTasks: maxConcurrentTasks,
		CurrentLoad:        0,
		Status:             StatusOnline,
		LastHeartbeat:      time.Now(),
	}
	r.mu.Unlock()

	r.emit("node:joined", map[string]any{"nodeId": id, "capabilities": capabilities})
	r.emit("CAPABILITY_UPDATE", map[string]any{"nodeId": id, "capabilities": capabilities})
}

// UnregisterNode removes the node's record entirely.
func (r *Registry) UnregisterNode(id string) {
	r.mu.Lock()
	_, existed := r.nodes[id]
	delete(r.nodes, id)
	r.mu.Unlock()

	if existed {
		r.emit("node:left", map[string]any{"nodeId": id})
	}
}

// HandleHeartbeat records fresh metrics and drives the node back to ONLINE
// from any prior state (the health machine's "any -> ONLINE" edge).
func (r *Registry) HandleHeartbeat(id string, m HeartbeatMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("registry: heartbeat for unknown node %q", id)
	}
	n.LastHeartbeat = time.Now()
	n.Latency = m.Latency
	n.ErrorRate = m.ErrorRate
	if n.Status != StatusOnline {
		n.Status = StatusOnline
	}
	return nil
}

// GetNode returns a snapshot of the named node, if present.
func (r *Registry) GetNode(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return Snapshot{}, false
	}
	return n.snapshot(), true
}

// GetAllNodes returns a snapshot of every registered node, sorted by id for
// deterministic iteration downstream.
func (r *Registry) GetAllNodes() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyLoadDelta adjusts a node's currentLoad by delta, floored at 0 and
// capped at MaxConcurrentTasks. This is the router's only sanctioned path
// for mutating registry-owned state (spec §5 shared-resource policy).
func (r *Registry) ApplyLoadDelta(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return
	}
	n.CurrentLoad += delta
	if n.CurrentLoad < 0 {
		n.CurrentLoad = 0
	}
	if n.CurrentLoad > n.MaxConcurrentTasks {
		n.CurrentLoad = n.MaxConcurrentTasks
	}
}

// candidates returns ONLINE nodes holding every required tool with spare
// capacity, sorted lexicographically by id for deterministic tie-breaks.
func (r *Registry) candidates(requiredTools []string) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Snapshot
	for _, n := range r.nodes {
		if n.Status != StatusOnline {
			continue
		}
		if !n.HasAllCapabilities(requiredTools) {
			continue
		}
		if !n.HasSpareCapacity() {
			continue
		}
		out = append(out, n.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindBestNodeForTask filters to eligible ONLINE candidates and applies the
// requested selection strategy, returning the chosen node id.
func (r *Registry) FindBestNodeForTask(taskType string, requiredTools []string, strategy Strategy, seed string) (string, bool) {
	cands := r.candidates(requiredTools)
	if len(cands) == 0 {
		return "", false
	}

	switch strategy {
	case StrategyLeastLoaded:
		sort.SliceStable(cands, func(i, j int) bool {
			if cands[i].CurrentLoad != cands[j].CurrentLoad {
				return cands[i].CurrentLoad < cands[j].CurrentLoad
			}
			if cands[i].Latency != cands[j].Latency {
				return cands[i].Latency < cands[j].Latency
			}
			return cands[i].ID < cands[j].ID
		})
		return cands[0].ID, true

	case StrategyRoundRobin:
		idx := int(time.Now().Unix()) % len(cands)
		return cands[idx].ID, true

	case StrategyDeterministic:
		h := mixHash(taskType + seed)
		idx := int(h % uint64(len(cands)))
		return cands[idx].ID, true

	default: // capability-match
		sort.SliceStable(cands, func(i, j int) bool {
			si := capabilityScore(cands[i])
			sj := capabilityScore(cands[j])
			if si != sj {
				return si > sj
			}
			return cands[i].ID < cands[j].ID
		})
		return cands[0].ID, true
	}
}

func capabilityScore(n Snapshot) float64 {
	return float64(n.MaxConcurrentTasks-n.CurrentLoad)*100 - n.Latency
}

// mixHash is the stable 32/64-bit mixing hash used for deterministic
// strategy selection, built on xxhash like the message checksum.
func mixHash(s string) uint64 {
	return xxhash.Sum64String(s)
}

// Stop halts the maintenance loop.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stopCh) })
}

func (r *Registry) maintenanceLoop() {
	tick := r.cfg.MaintenanceTick
	if tick <= 0 {
		tick = 5 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runMaintenance()
		case <-r.stopCh:
			return
		}
	}
}

// runMaintenance drives the ONLINE/DEGRADED/OFFLINE/RECOVERING state machine
// of spec §4.B.
func (r *Registry) runMaintenance() {
	now := time.Now()
	var wentOffline []string

	r.mu.Lock()
	for id, n := range r.nodes {
		elapsed := now.Sub(n.LastHeartbeat)
		switch n.Status {
		case StatusOnline:
			if elapsed > r.cfg.HeartbeatTimeout {
				n.Status = StatusDegraded
			}
		case StatusDegraded:
			if elapsed > 2*r.cfg.HeartbeatTimeout {
				n.Status = StatusOffline
				wentOffline = append(wentOffline, id)
			}
		case StatusRecovering:
			if elapsed > 2*r.cfg.HeartbeatTimeout {
				n.Status = StatusOffline
				wentOffline = append(wentOffline, id)
			}
		case StatusOffline:
			// stays offline until a heartbeat arrives (HandleHeartbeat sets
			// ONLINE), TriggerRecovery finds a peer, or an operator
			// unregisters it.
		}
	}
	r.mu.Unlock()

	for _, id := range wentOffline {
		r.emit("node:offline", map[string]any{"nodeId": id})
	}
}

// TriggerRecovery moves an OFFLINE node to RECOVERING if a capability-
// compatible peer exists among ONLINE nodes. RECOVERING returns to ONLINE on
// the node's next heartbeat, or back to OFFLINE if none arrives.
func (r *Registry) TriggerRecovery(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok || n.Status != StatusOffline {
		return false
	}

	var peerExists bool
	for otherID, other := range r.nodes {
		if otherID == id || other.Status != StatusOnline {
			continue
		}
		if capabilitySetsOverlap(n.Capabilities, other.Capabilities) {
			peerExists = true
			break
		}
	}
	if !peerExists {
		return false
	}
	n.Status = StatusRecovering
	return true
}

func capabilitySetsOverlap(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}
