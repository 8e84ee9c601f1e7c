// Package extractor wraps an external metadata-dump tool (an ffprobe/yt-dlp
// style binary invoked with --dump-json) the way the teacher's
// videos.YTDLPProvider shells out to yt-dlp: a CommandRunner seam for tests,
// a bounded context per invocation, defensive JSON decoding of whatever the
// subprocess prints.
package extractor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/massingest/engine/internal/models"
	"github.com/massingest/engine/internal/ratelimit"
)

// CommandRunner executes an external command and returns its stdout.
type CommandRunner func(ctx context.Context, binary string, args ...string) ([]byte, error)

// defaultCommandRunner always returns whatever stdout the process produced,
// even on a non-zero exit, so a caller can treat partial output as partial
// results rather than discarding it alongside the exit error.
func defaultCommandRunner(ctx context.Context, binary string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("extractor: run %s: %w", binary, err)
	}
	return stdout.Bytes(), nil
}

const extractorService = "extractor"

// Extractor enumerates the videos of a channel and probes its identity by
// invoking an external metadata-dump tool, rate limited against the
// "extractor" service bucket.
type Extractor struct {
	Binary  string
	Run     CommandRunner
	Limiter *ratelimit.Limiter
	Timeout time.Duration

	mu        sync.Mutex
	processed map[string]string
}

// New constructs an Extractor. binary defaults to "yt-dlp" and timeout to 60s
// when zero-valued.
func New(binary string, limiter *ratelimit.Limiter, timeout time.Duration) *Extractor {
	if binary == "" {
		binary = "yt-dlp"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Extractor{
		Binary:    binary,
		Run:       defaultCommandRunner,
		Limiter:   limiter,
		Timeout:   timeout,
		processed: make(map[string]string),
	}
}

func (e *Extractor) invoke(ctx context.Context, args ...string) ([]byte, error) {
	if e.Limiter != nil {
		if err := e.Limiter.WaitErr(ctx, extractorService, 1, e.Timeout); err != nil {
			return nil, err
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	run := e.Run
	if run == nil {
		run = defaultCommandRunner
	}
	return run(runCtx, e.Binary, args...)
}

// ProbeChannelInfo issues a single-item flat-playlist probe to resolve the
// channel's identity ahead of full enumeration.
func (e *Extractor) ProbeChannelInfo(ctx context.Context, channel models.ChannelRef) (models.ChannelInfo, error) {
	out, err := e.invoke(ctx, "--dump-json", "--flat-playlist", "--ignore-errors", "--no-warnings", "--playlist-items", "1", string(channel))
	if err != nil {
		return models.ChannelInfo{}, fmt.Errorf("extractor: probe channel %s: %w", channel, err)
	}

	records, err := decodeRecords(out)
	if err != nil {
		return models.ChannelInfo{}, fmt.Errorf("extractor: decode probe for %s: %w", channel, err)
	}

	return coalesceChannelInfo(records, channel), nil
}

// EnumerateVideos lists every video of a channel in the extractor's emission
// order, defensively parsing each record through the phase 1-9 pipeline.
// Records that fail required-field validation are skipped rather than
// aborting the whole enumeration.
func (e *Extractor) EnumerateVideos(ctx context.Context, channel models.ChannelRef) ([]models.VideoMetadata, []error) {
	out, err := e.invoke(ctx, "--dump-json", "--flat-playlist", "--ignore-errors", "--no-warnings", string(channel))
	var warnings []error
	if err != nil {
		if len(bytes.TrimSpace(out)) == 0 {
			return nil, []error{fmt.Errorf("extractor: enumerate channel %s: %w", channel, err)}
		}
		warnings = append(warnings, fmt.Errorf("extractor: channel %s exited with error, using partial results: %w", channel, err))
	}

	records, decodeErr := decodeRecords(out)
	if decodeErr != nil {
		return nil, []error{fmt.Errorf("extractor: decode enumeration for %s: %w", channel, decodeErr)}
	}

	videos := make([]models.VideoMetadata, 0, len(records))
	parseErrors := warnings
	for i, rec := range records {
		meta, err := ParseVideoMetadata(rec, string(channel))
		if err != nil {
			parseErrors = append(parseErrors, fmt.Errorf("extractor: record %d: %w", i, err))
			continue
		}
		videos = append(videos, meta)
	}

	return videos, parseErrors
}

// IsDuplicate reports whether videoID has already been marked processed.
func (e *Extractor) IsDuplicate(videoID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.processed[videoID]
	return ok
}

// MarkProcessed records videoID (mapped to its assigned UUID) as processed.
func (e *Extractor) MarkProcessed(videoID, uuid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processed[videoID] = uuid
}

// LoadExisting seeds the processed set from a prior run's persisted video ids,
// so a resumed ingestion does not re-download what it already has.
func (e *Extractor) LoadExisting(ids map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for videoID, uuid := range ids {
		e.processed[videoID] = uuid
	}
}

// decodeRecords parses the tool's JSON-lines output, one object per line,
// tolerating a single top-level JSON array as an alternative shape.
func decodeRecords(out []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var records []map[string]any
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, err
		}
		return records, nil
	}

	var records []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode line: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
