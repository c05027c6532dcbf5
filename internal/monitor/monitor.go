package monitor

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Trend classifies the recent direction of a metric field.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
	TrendStable    Trend = "stable"
)

// Field names the metric a trend or alert refers to.
type Field string

const (
	FieldLatency    Field = "latency"
	FieldErrorRate  Field = "errorRate"
	FieldThroughput Field = "throughput"
	FieldCPU        Field = "cpu"
	FieldMemory     Field = "memory"
)

// Severity is an alert's urgency.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is emitted when a threshold is crossed over the last 3 samples.
type Alert struct {
	NodeID   string
	Severity Severity
	Metric   Field
	Value    float64
}

// Thresholds holds the alertCpu/alertMemory warning/critical levels of
// spec §6.1. Error rate thresholds are fixed per spec §4.C (>5%).
type Thresholds struct {
	CPUWarning     float64
	CPUCritical    float64
	MemoryWarning  float64
	MemoryCritical float64
}

// DefaultThresholds returns the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarning:     75,
		CPUCritical:    90,
		MemoryWarning:  75,
		MemoryCritical: 90,
	}
}

// Summary is the fleet-wide aggregate returned by GetSummary.
type Summary struct {
	AverageCPU      float64
	AverageMemory   float64
	TotalThroughput float64
	AverageErrorRate float64
	NodeCount       int
}

// Observer receives alert and advisory events (performance:alert,
// system:failover).
type Observer func(event string, attrs map[string]any)

const bufferSize = 100
const trendWindow = 10
const alertWindow = 3

// Monitor owns one ring buffer of samples per node.
type Monitor struct {
	mu         sync.RWMutex
	rings      map[string]*ring
	thresholds Thresholds
	observer   Observer
	tracer     trace.Tracer
}

// New constructs a Monitor.
func New(thresholds Thresholds, observer Observer) *Monitor {
	return &Monitor{
		rings:      make(map[string]*ring),
		thresholds: thresholds,
		observer:   observer,
		tracer:     otel.Tracer("fleetorch-monitor"),
	}
}

func (m *Monitor) emit(event string, attrs map[string]any) {
	if m.observer != nil {
		m.observer(event, attrs)
	}
}

// Record appends a sample for nodeID, creating its ring on first use, then
// evaluates the alert thresholds.
func (m *Monitor) Record(nodeID string, s Sample) {
	m.mu.Lock()
	r, ok := m.rings[nodeID]
	if !ok {
		r = newRing(bufferSize)
		m.rings[nodeID] = r
	}
	r.push(s)
	window := r.last(alertWindow)
	m.mu.Unlock()

	m.evaluateAlerts(nodeID, window)
}

func (m *Monitor) evaluateAlerts(nodeID string, window []Sample) {
	if len(window) < alertWindow {
		return
	}
	allAbove := func(threshold float64, field func(Sample) float64) bool {
		for _, s := range window {
			if field(s) <= threshold {
				return false
			}
		}
		return true
	}

	type check struct {
		field     Field
		value     float64
		warning   float64
		critical  float64
	}
	latest := window[len(window)-1]
	checks := []check{
		{FieldCPU, latest.CPU, m.thresholds.CPUWarning, m.thresholds.CPUCritical},
		{FieldMemory, latest.Memory, m.thresholds.MemoryWarning, m.thresholds.MemoryCritical},
		{FieldErrorRate, latest.ErrorRate, 0.05, 0.05},
	}

	for _, c := range checks {
		fieldFn := func(s Sample) float64 {
			switch c.field {
			case FieldCPU:
				return s.CPU
			case FieldMemory:
				return s.Memory
			default:
				return s.ErrorRate
			}
		}
		switch {
		case allAbove(c.critical, fieldFn):
			m.raise(nodeID, SeverityCritical, c.field, c.value)
		case allAbove(c.warning, fieldFn):
			m.raise(nodeID, SeverityWarning, c.field, c.value)
		}
	}
}

func (m *Monitor) raise(nodeID string, sev Severity, field Field, value float64) {
	alert := Alert{NodeID: nodeID, Severity: sev, Metric: field, Value: value}
	m.emit("performance:alert", map[string]any{
		"nodeId": alert.NodeID, "severity": alert.Severity, "metric": alert.Metric, "value": alert.Value,
	})
	if sev == SeverityCritical {
		m.emit("system:failover", map[string]any{"nodeId": nodeID, "metric": field})
	}
}

// GetMetrics returns the full ordered sample history for a node.
func (m *Monitor) GetMetrics(nodeID string) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rings[nodeID]
	if !ok {
		return nil
	}
	return r.ordered()
}

// CalculateTrend classifies the recent direction of field over the last 10
// samples via the sign of a linear-regression slope.
func (m *Monitor) CalculateTrend(nodeID string, field Field) Trend {
	m.mu.RLock()
	r, ok := m.rings[nodeID]
	m.mu.RUnlock()
	if !ok {
		return TrendStable
	}
	samples := r.last(trendWindow)
	if len(samples) < 2 {
		return TrendStable
	}

	slope := linearRegressionSlope(samples, field)
	switch field {
	case FieldLatency, FieldErrorRate:
		if slope < 0 {
			return TrendImproving
		}
		if slope > 0 {
			return TrendDegrading
		}
	case FieldThroughput:
		if slope > 0 {
			return TrendImproving
		}
		if slope < 0 {
			return TrendDegrading
		}
	}
	return TrendStable
}

func linearRegressionSlope(samples []Sample, field Field) float64 {
	n := float64(len(samples))
	var sumX, sumY, sumXY, sumXX float64
	for i, s := range samples {
		x := float64(i)
		var y float64
		switch field {
		case FieldLatency:
			y = s.Latency
		case FieldErrorRate:
			y = s.ErrorRate
		case FieldThroughput:
			y = s.Throughput
		case FieldCPU:
			y = s.CPU
		case FieldMemory:
			y = s.Memory
		}
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// GetSummary returns fleet-wide aggregates over every node's latest sample.
func (m *Monitor) GetSummary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sumCPU, sumMem, sumErr, sumThroughput float64
	n := 0
	for _, r := range m.rings {
		latest := r.last(1)
		if len(latest) == 0 {
			continue
		}
		s := latest[0]
		sumCPU += s.CPU
		sumMem += s.Memory
		sumErr += s.ErrorRate
		sumThroughput += s.Throughput
		n++
	}
	if n == 0 {
		return Summary{}
	}
	return Summary{
		AverageCPU:       sumCPU / float64(n),
		AverageMemory:    sumMem / float64(n),
		TotalThroughput:  sumThroughput,
		AverageErrorRate: sumErr / float64(n),
		NodeCount:        n,
	}
}
