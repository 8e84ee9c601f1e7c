package resource

import (
	"testing"
	"time"
)

func TestMonitor_RecommendBelowThresholdReturnsBase(t *testing.T) {
	m := &Monitor{cfg: Config{MaxCPUPercent: 85, MaxMemPercent: 85, ThrottleFactor: 0.5, MinConcurrent: 1}}
	m.history = []Sample{
		{Timestamp: time.Now(), CPUPct: 10, MemPct: 20},
	}

	if got := m.Recommend(8); got != 8 {
		t.Fatalf("expected base concurrency 8, got %d", got)
	}
}

func TestMonitor_RecommendAboveThresholdThrottles(t *testing.T) {
	m := &Monitor{cfg: Config{MaxCPUPercent: 85, MaxMemPercent: 85, ThrottleFactor: 0.5, MinConcurrent: 2}}
	m.history = []Sample{
		{CPUPct: 95, MemPct: 30},
		{CPUPct: 96, MemPct: 30},
		{CPUPct: 97, MemPct: 30},
	}

	if got := m.Recommend(8); got != 4 {
		t.Fatalf("expected throttled concurrency 4, got %d", got)
	}
}

func TestMonitor_RecommendThrottleFloorsAtMinConcurrent(t *testing.T) {
	m := &Monitor{cfg: Config{MaxCPUPercent: 85, MaxMemPercent: 85, ThrottleFactor: 0.1, MinConcurrent: 3}}
	m.history = []Sample{{CPUPct: 99, MemPct: 30}}

	if got := m.Recommend(4); got != 3 {
		t.Fatalf("expected floor of min_concurrent=3, got %d", got)
	}
}

func TestMonitor_StatusBandClassification(t *testing.T) {
	cases := []struct {
		cpu, mem float64
		want     Band
	}{
		{10, 10, BandNormal},
		{80, 10, BandWarning},
		{10, 95, BandCritical},
	}

	for _, tc := range cases {
		m := &Monitor{history: []Sample{{CPUPct: tc.cpu, MemPct: tc.mem}}}
		if got := m.StatusBand(); got != tc.want {
			t.Fatalf("cpu=%v mem=%v: expected band %v, got %v", tc.cpu, tc.mem, tc.want, got)
		}
	}
}

func TestMonitor_Recent3AverageUsesOnlyLastThree(t *testing.T) {
	m := &Monitor{history: []Sample{
		{CPUPct: 100, MemPct: 100},
		{CPUPct: 0, MemPct: 0},
		{CPUPct: 0, MemPct: 0},
		{CPUPct: 0, MemPct: 0},
	}}

	cpuAvg, memAvg := m.recent3Average()
	if cpuAvg != 0 || memAvg != 0 {
		t.Fatalf("expected the stale first sample to fall out of the window, got cpu=%v mem=%v", cpuAvg, memAvg)
	}
}
