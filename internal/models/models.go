// Package models defines the data transfer objects shared across the
// ingestion pipeline: Person, Video, Progress, Checkpoint and ErrorContext.
package models

import "time"

// DownloadStatus is the closed set of lifecycle states for a Video.
type DownloadStatus string

const (
	DownloadStatusPending     DownloadStatus = "pending"
	DownloadStatusDownloading DownloadStatus = "downloading"
	DownloadStatusCompleted   DownloadStatus = "completed"
	DownloadStatusFailed      DownloadStatus = "failed"
	DownloadStatusSkipped     DownloadStatus = "skipped"
)

// Valid reports whether s is one of the closed set of download statuses.
func (s DownloadStatus) Valid() bool {
	switch s {
	case DownloadStatusPending, DownloadStatusDownloading, DownloadStatusCompleted, DownloadStatusFailed, DownloadStatusSkipped:
		return true
	default:
		return false
	}
}

// JobStatus is the closed set of lifecycle states for a Progress row.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPaused    JobStatus = "paused"
)

// Valid reports whether s is one of the closed set of job statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusPaused:
		return true
	default:
		return false
	}
}

// Person is a channel owner, deduplicated by ChannelURL.
type Person struct {
	ID         int64
	Name       string `validate:"required,max=255"`
	Email      string `validate:"omitempty,email"`
	Type       string
	ChannelURL string `validate:"required"`
	ChannelID  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Video is one media item attributed to exactly one Person.
type Video struct {
	ID             int64
	PersonID       int64
	VideoID        string `validate:"required,len=11"`
	UUID           string
	Title          string `validate:"required"`
	Description    string
	Duration       int64 `validate:"gte=0"`
	UploadDate     *time.Time
	ViewCount      int64 `validate:"gte=0"`
	StoragePath    string
	FileSize       int64 `validate:"gte=0"`
	DownloadStatus DownloadStatus
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProgressCounters holds the monotonically-updated totals for a job.
type ProgressCounters struct {
	TotalChannels     int64
	ChannelsProcessed int64
	ChannelsFailed    int64
	ChannelsSkipped   int64
	TotalVideos       int64
	VideosProcessed   int64
	VideosFailed      int64
	VideosSkipped     int64
}

// Progress is the one-row-per-job persisted record described in spec §3.
type Progress struct {
	JobID        string
	InputFile    string
	Counters     ProgressCounters
	Status       JobStatus
	ErrorMessage string
	StartedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// ErrorContext captures the circumstances of a single failure for diagnostics,
// dead-letter entries and checkpoint failed-item lists.
type ErrorContext struct {
	ErrorType        string
	ErrorMessage     string
	Timestamp        time.Time
	Operation        string
	RetryCount       int
	RecoveryStrategy string
	AdditionalInfo   map[string]any
}

// FailedItem pairs a checkpoint item id with the context of its failure.
type FailedItem struct {
	ItemID string
	Error  ErrorContext
}

// Checkpoint is a per-channel-attempt on-disk snapshot (spec §3, §4.F).
type Checkpoint struct {
	CheckpointID   string
	Operation      string
	Timestamp      time.Time
	State          map[string]any
	CompletedItems []string
	PendingItems   []string
	FailedItems    []FailedItem
}

// ChannelRef is a normalized, platform-recognized channel URL (spec §4.H).
type ChannelRef string

// ChannelInput pairs an owner with the channel to enumerate on their behalf.
type ChannelInput struct {
	Person  Person
	Channel ChannelRef
}

// VideoMetadata is the defensively-parsed result of one extractor record
// (spec §4.H phases 1-9).
type VideoMetadata struct {
	VideoID       string
	Title         string
	Description   string
	Duration      int64
	UploadDate    *time.Time
	ViewCount     int64
	LikeCount     int64
	CommentCount  int64
	Tags          []string
	Categories    []string
	ThumbnailURL  string
	ChannelID     string
	IsLive        bool
	AgeRestricted bool
	Extra         map[string]any
}

// ChannelInfo is the coalesced identity of a channel, derived from a single
// flat-playlist probe (spec §4.H).
type ChannelInfo struct {
	ChannelID   string
	Title       string
	URL         ChannelRef
	Synthesized bool
}

// ChannelResult reports the outcome of ingesting one channel (spec §4.M).
type ChannelResult struct {
	Channel         ChannelRef
	PersonID        int64
	Status          string
	VideosFound     int
	VideosProcessed int
	VideosFailed    int
	VideosSkipped   int
	ErrorMessage    string
	StartedAt       time.Time
	EndedAt         time.Time
}

// DownloadResult reports the outcome of one per-video download-and-upload task.
type DownloadResult struct {
	VideoID      string
	StoragePath  string
	FileSize     int64
	Status       DownloadStatus
	ErrorMessage string
}
