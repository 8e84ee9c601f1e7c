// Package resource implements the background Resource Monitor of spec
// §4.J: a periodic CPU/memory/thread-count sampler on top of
// github.com/shirou/gopsutil/v3, the same library livepeer-catalyst-api's
// balancer package uses for GetSystemUsage, feeding a recommender that
// the Concurrent Processor (internal/scheduler) consults between task
// submissions.
package resource

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Band classifies a sample against the configured thresholds.
type Band string

const (
	BandNormal   Band = "normal"
	BandWarning  Band = "warning"
	BandCritical Band = "critical"
)

const (
	warningThreshold  = 75.0
	criticalThreshold = 90.0
)

// Sample is one point of the rolling history.
type Sample struct {
	Timestamp time.Time
	CPUPct    float64
	MemPct    float64
	Threads   int32
	QueueSize int
}

// Config parameterizes the Monitor.
type Config struct {
	Interval       time.Duration // default 5s
	MaxCPUPercent  float64
	MaxMemPercent  float64
	ThrottleFactor float64
	MinConcurrent  int
	HistorySize    int // default 100
}

// DefaultConfig matches spec §4.J's documented defaults.
var DefaultConfig = Config{
	Interval:       5 * time.Second,
	MaxCPUPercent:  85,
	MaxMemPercent:  85,
	ThrottleFactor: 0.5,
	MinConcurrent:  1,
	HistorySize:    100,
}

// QueueSizer reports the current work-queue depth, consulted each sample.
type QueueSizer func() int

// Monitor samples process/host resource usage on an interval and
// recommends a concurrency level to the Concurrent Processor.
type Monitor struct {
	cfg       Config
	queueSize QueueSizer
	proc      *process.Process

	mu      sync.Mutex
	history []Sample

	stop chan struct{}
	done chan struct{}
}

// New constructs a Monitor for the current process, filling unset Config
// fields from DefaultConfig.
func New(cfg Config, queueSize QueueSizer) (*Monitor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.MaxCPUPercent <= 0 {
		cfg.MaxCPUPercent = DefaultConfig.MaxCPUPercent
	}
	if cfg.MaxMemPercent <= 0 {
		cfg.MaxMemPercent = DefaultConfig.MaxMemPercent
	}
	if cfg.ThrottleFactor <= 0 {
		cfg.ThrottleFactor = DefaultConfig.ThrottleFactor
	}
	if cfg.MinConcurrent <= 0 {
		cfg.MinConcurrent = DefaultConfig.MinConcurrent
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig.HistorySize
	}
	if queueSize == nil {
		queueSize = func() int { return 0 }
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}

	return &Monitor{cfg: cfg, queueSize: queueSize, proc: proc}, nil
}

// Start launches the background sampling loop; Stop (or ctx cancellation)
// ends it.
func (m *Monitor) Start(ctx context.Context) {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// Stop ends the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
}

func (m *Monitor) sample() {
	s := Sample{Timestamp: time.Now(), QueueSize: m.queueSize()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPct = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemPct = vm.UsedPercent
	}
	if m.proc != nil {
		if threads, err := m.proc.NumThreads(); err == nil {
			s.Threads = threads
		}
	}

	m.mu.Lock()
	m.history = append(m.history, s)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	m.mu.Unlock()
}

// Latest returns the most recent sample, or the zero value if none taken yet.
func (m *Monitor) Latest() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Sample{}
	}
	return m.history[len(m.history)-1]
}

// History returns a copy of the rolling sample history, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.history))
	copy(out, m.history)
	return out
}

// recent3Average averages CPU/mem over the last up-to-3 samples.
func (m *Monitor) recent3Average() (cpuAvg, memAvg float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.history)
	if n == 0 {
		return 0, 0
	}
	start := n - 3
	if start < 0 {
		start = 0
	}
	window := m.history[start:]
	for _, s := range window {
		cpuAvg += s.CPUPct
		memAvg += s.MemPct
	}
	cpuAvg /= float64(len(window))
	memAvg /= float64(len(window))
	return cpuAvg, memAvg
}

// Recommend returns the concurrency level the Concurrent Processor should
// run at, given baseConcurrency: when the recent 3-sample average CPU or
// memory exceeds the configured maxima, recommend
// max(minConcurrent, base * throttleFactor); otherwise recommend base
// unchanged (spec §4.J).
func (m *Monitor) Recommend(baseConcurrency int) int {
	cpuAvg, memAvg := m.recent3Average()
	if cpuAvg <= m.cfg.MaxCPUPercent && memAvg <= m.cfg.MaxMemPercent {
		return baseConcurrency
	}

	throttled := int(float64(baseConcurrency) * m.cfg.ThrottleFactor)
	if throttled < m.cfg.MinConcurrent {
		throttled = m.cfg.MinConcurrent
	}
	return throttled
}

// StatusBand classifies the latest sample's CPU/mem usage into a band.
func (m *Monitor) StatusBand() Band {
	s := m.Latest()
	worst := s.CPUPct
	if s.MemPct > worst {
		worst = s.MemPct
	}
	switch {
	case worst > criticalThreshold:
		return BandCritical
	case worst > warningThreshold:
		return BandWarning
	default:
		return BandNormal
	}
}
