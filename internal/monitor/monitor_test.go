package monitor

import (
	"testing"
	"time"
)

func TestRecordAndGetMetrics(t *testing.T) {
	m := New(DefaultThresholds(), nil)
	for i := 0; i < 5; i++ {
		m.Record("A", Sample{Timestamp: time.Now(), CPU: 10, Memory: 20, Latency: 5})
	}
	samples := m.GetMetrics("A")
	if len(samples) != 5 {
		t.Fatalf("expected 5 samples, got %d", len(samples))
	}
}

func TestRingEvictsOldest(t *testing.T) {
	m := New(DefaultThresholds(), nil)
	for i := 0; i < 150; i++ {
		m.Record("A", Sample{Latency: float64(i)})
	}
	samples := m.GetMetrics("A")
	if len(samples) != bufferSize {
		t.Fatalf("expected ring capped at %d, got %d", bufferSize, len(samples))
	}
	if samples[0].Latency != 50 {
		t.Fatalf("expected oldest surviving sample to be 50, got %v", samples[0].Latency)
	}
}

func TestTrendDegradingLatency(t *testing.T) {
	m := New(DefaultThresholds(), nil)
	for i := 0; i < 10; i++ {
		m.Record("A", Sample{Latency: float64(i * 10)})
	}
	if trend := m.CalculateTrend("A", FieldLatency); trend != TrendDegrading {
		t.Fatalf("expected degrading latency trend, got %s", trend)
	}
}

func TestTrendImprovingThroughput(t *testing.T) {
	m := New(DefaultThresholds(), nil)
	for i := 0; i < 10; i++ {
		m.Record("A", Sample{Throughput: float64(i * 10)})
	}
	if trend := m.CalculateTrend("A", FieldThroughput); trend != TrendImproving {
		t.Fatalf("expected improving throughput trend, got %s", trend)
	}
}

func TestCriticalCPUAlertFiresFailover(t *testing.T) {
	var events []string
	m := New(DefaultThresholds(), func(event string, attrs map[string]any) {
		events = append(events, event)
	})
	for i := 0; i < 3; i++ {
		m.Record("A", Sample{CPU: 95})
	}
	foundAlert, foundFailover := false, false
	for _, e := range events {
		if e == "performance:alert" {
			foundAlert = true
		}
		if e == "system:failover" {
			foundFailover = true
		}
	}
	if !foundAlert || !foundFailover {
		t.Fatalf("expected both performance:alert and system:failover, got %v", events)
	}
}

func TestSummaryAggregatesAcrossNodes(t *testing.T) {
	m := New(DefaultThresholds(), nil)
	m.Record("A", Sample{CPU: 10, Memory: 20, Throughput: 100})
	m.Record("B", Sample{CPU: 30, Memory: 40, Throughput: 200})

	sum := m.GetSummary()
	if sum.AverageCPU != 20 {
		t.Fatalf("expected average CPU 20, got %v", sum.AverageCPU)
	}
	if sum.TotalThroughput != 300 {
		t.Fatalf("expected total throughput 300, got %v", sum.TotalThroughput)
	}
}
