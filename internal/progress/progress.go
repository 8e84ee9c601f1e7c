// Package progress implements the Progress Monitor of spec §4.L: counters
// updated under a single mutex, periodic callback invocation, and an
// atomically-replaced JSON snapshot file — the same temp-file-then-rename
// convention internal/checkpoint and internal/deadletter use for durable
// state.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is the Progress Monitor's lifecycle state machine (spec §4.L).
type State string

const (
	StateNotStarted State = "not_started"
	StateInitializing State = "initializing"
	StateProcessing  State = "processing"
	StatePaused      State = "paused"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Counters mirrors models.ProgressCounters plus byte accounting, held
// directly here rather than imported to keep this package's zero value
// (the "not started" monitor) self-contained.
type Counters struct {
	TotalChannels     int64
	ChannelsProcessed int64
	ChannelsFailed    int64
	ChannelsSkipped   int64
	TotalVideos       int64
	VideosProcessed   int64
	VideosFailed      int64
	VideosSkipped     int64
	BytesDownloaded   int64
}

// ChannelRecord tracks one channel's current standing for the snapshot's
// channel_progress map.
type ChannelRecord struct {
	Name            string
	TotalVideos     int
	VideosProcessed int
	Status          string
}

// Snapshot is the flat, JSON-serializable record persisted to disk and
// returned to callbacks (spec §6: "a flat record with
// {timestamp, state, metrics{...}, channel_progress{...}}").
type Snapshot struct {
	Timestamp       time.Time                `json:"timestamp"`
	State           State                    `json:"state"`
	Metrics         Counters                 `json:"metrics"`
	CurrentChannel  string                   `json:"current_channel"`
	CurrentVideo    string                   `json:"current_video"`
	CurrentOp       string                   `json:"current_operation"`
	ETASeconds      float64                  `json:"eta_seconds"`
	ChannelProgress map[string]ChannelRecord `json:"channel_progress"`
}

// Callback is invoked every UpdateInterval with the current snapshot.
type Callback func(Snapshot)

// Config parameterizes a Monitor.
type Config struct {
	UpdateInterval  time.Duration
	PersistInterval time.Duration
	SnapshotPath    string
}

// Monitor holds the live counters, per-channel records and callback/persist
// cadence for one job (spec §4.L).
type Monitor struct {
	cfg Config

	mu              sync.Mutex
	state           State
	counters        Counters
	channelProgress map[string]ChannelRecord
	currentChannel  string
	currentVideo    string
	currentOp       string
	startedAt       time.Time
	endedAt         time.Time

	callback       Callback
	lastCallback   time.Time
	lastPersist    time.Time
}

// New constructs a not-yet-started Monitor.
func New(cfg Config, callback Callback) *Monitor {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = time.Second
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = 10 * time.Second
	}
	if callback == nil {
		callback = func(Snapshot) {}
	}
	return &Monitor{
		cfg:             cfg,
		state:           StateNotStarted,
		channelProgress: make(map[string]ChannelRecord),
		callback:        callback,
	}
}

// Start transitions not_started -> initializing -> processing and records
// the job's start time.
func (m *Monitor) Start(totalChannels, totalVideos int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateInitializing
	m.counters.TotalChannels = totalChannels
	m.counters.TotalVideos = totalVideos
	m.startedAt = time.Now()
	m.state = StateProcessing
}

// Pause transitions processing -> paused.
func (m *Monitor) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateProcessing {
		m.state = StatePaused
	}
}

// Resume transitions paused -> processing.
func (m *Monitor) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StatePaused {
		m.state = StateProcessing
	}
}

// Finish transitions to a terminal state and records the end time.
func (m *Monitor) Finish(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.endedAt = time.Now()
}

// SetCurrent records the operation currently in flight, surfaced in
// snapshots and the final report.
func (m *Monitor) SetCurrent(channel, video, operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentChannel = channel
	m.currentVideo = video
	m.currentOp = operation
}

// ChannelStarted registers a channel in the per-channel progress map.
func (m *Monitor) ChannelStarted(url, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelProgress[url] = ChannelRecord{Name: name, Status: "processing"}
}

// ChannelUpdated updates one channel's video counts and status.
func (m *Monitor) ChannelUpdated(url string, totalVideos, videosProcessed int, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.channelProgress[url]
	rec.TotalVideos = totalVideos
	rec.VideosProcessed = videosProcessed
	rec.Status = status
	m.channelProgress[url] = rec
}

// IncChannel increments one of the channel counters by delta.
func (m *Monitor) IncChannel(processed, failed, skipped int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.ChannelsProcessed += processed
	m.counters.ChannelsFailed += failed
	m.counters.ChannelsSkipped += skipped
}

// IncVideo increments the video counters by delta; duplicate videos
// increment only VideosSkipped, never VideosProcessed (spec §9 open
// question 3's adopted convention).
func (m *Monitor) IncVideo(processed, failed, skipped int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.VideosProcessed += processed
	m.counters.VideosFailed += failed
	m.counters.VideosSkipped += skipped
}

// AddBytes adds to the running byte count of completed downloads.
func (m *Monitor) AddBytes(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.BytesDownloaded += n
}

// Snapshot returns the current state as a consistent, point-in-time copy.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() Snapshot {
	channels := make(map[string]ChannelRecord, len(m.channelProgress))
	for k, v := range m.channelProgress {
		channels[k] = v
	}
	return Snapshot{
		Timestamp:       time.Now(),
		State:           m.state,
		Metrics:         m.counters,
		CurrentChannel:  m.currentChannel,
		CurrentVideo:    m.currentVideo,
		CurrentOp:       m.currentOp,
		ETASeconds:      m.etaLocked(),
		ChannelProgress: channels,
	}
}

// ETA returns the estimated seconds remaining, or -1 if undefined (no
// channels processed yet): elapsed / processed * (total - processed),
// per spec §4.L.
func (m *Monitor) ETA() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.etaLocked()
}

func (m *Monitor) etaLocked() float64 {
	if m.counters.ChannelsProcessed == 0 {
		return -1
	}
	elapsed := time.Since(m.startedAt).Seconds()
	remaining := float64(m.counters.TotalChannels - m.counters.ChannelsProcessed)
	if remaining < 0 {
		remaining = 0
	}
	return (elapsed / float64(m.counters.ChannelsProcessed)) * remaining
}

// Tick is called on every event of interest; it invokes the callback if at
// least UpdateInterval has elapsed since the last invocation, and persists
// a snapshot if at least PersistInterval has elapsed since the last write.
func (m *Monitor) Tick() error {
	m.mu.Lock()
	snap := m.snapshotLocked()
	now := time.Now()

	doCallback := now.Sub(m.lastCallback) >= m.cfg.UpdateInterval
	doPersist := m.cfg.SnapshotPath != "" && now.Sub(m.lastPersist) >= m.cfg.PersistInterval
	if doCallback {
		m.lastCallback = now
	}
	if doPersist {
		m.lastPersist = now
	}
	m.mu.Unlock()

	if doCallback {
		m.callback(snap)
	}
	if doPersist {
		return persist(m.cfg.SnapshotPath, snap)
	}
	return nil
}

// PersistNow writes the current snapshot unconditionally, regardless of
// PersistInterval — used when a job finishes.
func (m *Monitor) PersistNow() error {
	if m.cfg.SnapshotPath == "" {
		return nil
	}
	return persist(m.cfg.SnapshotPath, m.Snapshot())
}

func persist(path string, snap Snapshot) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("progress: create dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("progress: marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".progress-*.tmp")
	if err != nil {
		return fmt.Errorf("progress: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("progress: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("progress: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("progress: rename into place: %w", err)
	}

	return nil
}

// LoadSnapshot reads a previously persisted snapshot from path.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("progress: read %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("progress: unmarshal %s: %w", path, err)
	}
	return snap, nil
}
