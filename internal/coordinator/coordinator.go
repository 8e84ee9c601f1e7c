// Package coordinator implements the top-level Coordinator of spec §4.M:
// it owns the extractor, persistence, scheduler, progress monitor,
// checkpoint store and recovery manager for one ingestion job and drives
// channel enumeration through to (optionally) per-video download and
// upload.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/massingest/engine/internal/checkpoint"
	"github.com/massingest/engine/internal/deadletter"
	"github.com/massingest/engine/internal/extractor"
	"github.com/massingest/engine/internal/ingesterr"
	"github.com/massingest/engine/internal/models"
	"github.com/massingest/engine/internal/progress"
	"github.com/massingest/engine/internal/recovery"
	"github.com/massingest/engine/internal/scheduler"
	"github.com/massingest/engine/internal/store"
	"github.com/massingest/engine/internal/txn"
)

// Config parameterizes one Coordinator / job run.
type Config struct {
	JobID               string
	InputFile           string
	MaxVideosPerChannel int
	SkipExistingVideos  bool
	ContinueOnError     bool
	DownloadVideos      bool
	StoragePrefix       string
	DownloadFormat      string
	ChannelTimeout      time.Duration // default 1h, 2h with downloads (spec §5)
	CheckpointEvery     int           // default 25
	CheckpointMaxAge    time.Duration // default 7 days
	ReportDir           string
}

func (c *Config) applyDefaults() {
	if c.JobID == "" {
		c.JobID = uuid.NewString()
	}
	if c.ChannelTimeout <= 0 {
		c.ChannelTimeout = time.Hour
		if c.DownloadVideos {
			c.ChannelTimeout = 2 * time.Hour
		}
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 25
	}
	if c.CheckpointMaxAge <= 0 {
		c.CheckpointMaxAge = 7 * 24 * time.Hour
	}
	if c.DownloadFormat == "" {
		c.DownloadFormat = "mp4"
	}
	if c.ReportDir == "" {
		c.ReportDir = "."
	}
}

// Coordinator orchestrates one ingestion job end to end (spec §4.M).
type Coordinator struct {
	cfg Config

	extractor   *extractor.Extractor
	store       *store.Store
	scheduler   *scheduler.Processor
	monitor     *progress.Monitor
	checkpoints *checkpoint.Store
	recovery    *recovery.Manager
	dlq         *deadletter.Queue
	uploader    Uploader
	downloader  Downloader
	logger      *slog.Logger
}

// New constructs a Coordinator over its collaborators, generating a job id
// when cfg.JobID is empty.
func New(
	cfg Config,
	ext *extractor.Extractor,
	st *store.Store,
	sched *scheduler.Processor,
	mon *progress.Monitor,
	cps *checkpoint.Store,
	rec *recovery.Manager,
	dlq *deadletter.Queue,
	uploader Uploader,
	downloader Downloader,
	logger *slog.Logger,
) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg: cfg, extractor: ext, store: st, scheduler: sched, monitor: mon,
		checkpoints: cps, recovery: rec, dlq: dlq, uploader: uploader,
		downloader: downloader, logger: logger,
	}
}

// JobID returns the id this Coordinator's job runs under.
func (c *Coordinator) JobID() string { return c.cfg.JobID }

// Snapshot returns the current progress snapshot, exposed for the optional
// status endpoint of spec §6.1.
func (c *Coordinator) Snapshot() progress.Snapshot { return c.monitor.Snapshot() }

// ProcessInput drives the whole job: it sets totals, persists the initial
// Progress row, submits one channel task per input to the scheduler,
// aggregates the per-channel results and persists Progress after every
// completion (spec §4.M process_input).
func (c *Coordinator) ProcessInput(ctx context.Context, inputs []models.ChannelInput) ([]models.ChannelResult, error) {
	c.monitor.Start(int64(len(inputs)), 0)

	initial := models.Progress{
		JobID:     c.cfg.JobID,
		InputFile: c.cfg.InputFile,
		Status:    models.JobStatusRunning,
		StartedAt: time.Now().UTC(),
		Counters:  models.ProgressCounters{TotalChannels: int64(len(inputs))},
	}
	if err := c.store.SaveProgress(ctx, initial); err != nil {
		return nil, fmt.Errorf("coordinator: persist initial progress: %w", err)
	}

	futures := make([]*scheduler.Future, 0, len(inputs))
	for _, in := range inputs {
		input := in
		futures = append(futures, c.scheduler.SubmitChannelTask(string(input.Channel), 0, func(taskCtx context.Context) (any, error) {
			taskCtx, cancel := context.WithTimeout(taskCtx, c.cfg.ChannelTimeout)
			defer cancel()

			result, err := c.dispatchChannel(taskCtx, input)
			if err != nil && !c.cfg.ContinueOnError {
				return result, err
			}
			return result, nil
		}))
	}

	waitResults, complete := c.scheduler.WaitForCompletion(futures, 0)
	if !complete {
		c.logger.Warn("process_input: wait for completion returned partial results")
	}

	results := make([]models.ChannelResult, 0, len(waitResults))
	var anySucceeded bool
	for _, wr := range waitResults {
		res, ok := wr.Value.(models.ChannelResult)
		if !ok {
			res = models.ChannelResult{Channel: models.ChannelRef(wr.ID), Status: "failed", ErrorMessage: errString(wr.Err)}
		}
		if wr.Err != nil {
			res.Status = "failed"
			if res.ErrorMessage == "" {
				res.ErrorMessage = wr.Err.Error()
			}
		}
		if res.Status != "failed" {
			anySucceeded = true
		}
		results = append(results, res)
		c.recordChannelOutcome(res)
		if err := c.persistProgress(ctx); err != nil {
			c.logger.Error("process_input: persist progress after channel", "channel", res.Channel, "error", err)
		}
	}

	finalStatus := models.JobStatusCompleted
	if len(results) > 0 && !anySucceeded {
		finalStatus = models.JobStatusFailed
	}
	c.finish(ctx, finalStatus, "")

	return results, nil
}

func (c *Coordinator) dispatchChannel(ctx context.Context, in models.ChannelInput) (models.ChannelResult, error) {
	if c.cfg.DownloadVideos {
		return c.ProcessChannelWithDownloads(ctx, in.Person, in.Channel)
	}
	return c.ProcessChannel(ctx, in.Person, in.Channel)
}

func (c *Coordinator) recordChannelOutcome(res models.ChannelResult) {
	switch res.Status {
	case "failed":
		c.monitor.IncChannel(0, 1, 0)
	case "skipped":
		c.monitor.IncChannel(0, 0, 1)
	default:
		c.monitor.IncChannel(1, 0, 0)
	}
	c.monitor.IncVideo(int64(res.VideosProcessed), int64(res.VideosFailed), int64(res.VideosSkipped))
	c.monitor.ChannelUpdated(string(res.Channel), res.VideosFound, res.VideosProcessed, res.Status)
}

// ProcessChannel runs the core enumeration pipeline for one channel,
// without downloads (spec §4.M process_channel, steps 1-4).
func (c *Coordinator) ProcessChannel(ctx context.Context, p models.Person, channel models.ChannelRef) (models.ChannelResult, error) {
	res := models.ChannelResult{Channel: channel, StartedAt: time.Now().UTC()}
	c.monitor.SetCurrent(string(channel), "", "discovering")

	person, info, probeFailed, err := c.discoverAndSavePerson(ctx, p, channel)
	if err != nil {
		res.Status = "failed"
		res.ErrorMessage = err.Error()
		res.EndedAt = time.Now().UTC()
		return res, err
	}
	res.PersonID = person.ID

	if probeFailed {
		res.Status = "completed"
		res.EndedAt = time.Now().UTC()
		return res, nil
	}

	videos, parseErrs := c.extractor.EnumerateVideos(ctx, channel)
	for _, perr := range parseErrs {
		c.logger.Warn("skipping unparseable extractor record", "channel", channel, "error", perr)
	}
	res.VideosFound = len(videos)

	if c.cfg.MaxVideosPerChannel > 0 && len(videos) > c.cfg.MaxVideosPerChannel {
		videos = videos[:c.cfg.MaxVideosPerChannel]
	}

	for _, meta := range videos {
		outcome := c.saveVideoRecord(ctx, person.ID, meta, info)
		switch outcome {
		case videoSkipped:
			res.VideosSkipped++
		case videoFailed:
			res.VideosFailed++
		default:
			res.VideosProcessed++
		}
	}

	res.Status = "completed"
	res.EndedAt = time.Now().UTC()
	return res, nil
}

type videoOutcome int

const (
	videoProcessed videoOutcome = iota
	videoSkipped
	videoFailed
)

func (c *Coordinator) saveVideoRecord(ctx context.Context, personID int64, meta models.VideoMetadata, info models.ChannelInfo) videoOutcome {
	if c.cfg.SkipExistingVideos && c.extractor.IsDuplicate(meta.VideoID) {
		return videoSkipped
	}

	v := models.Video{
		PersonID:       personID,
		VideoID:        meta.VideoID,
		UUID:           uuid.NewString(),
		Title:          meta.Title,
		Description:    meta.Description,
		Duration:       meta.Duration,
		UploadDate:     meta.UploadDate,
		ViewCount:      meta.ViewCount,
		DownloadStatus: models.DownloadStatusPending,
	}

	if _, err := c.store.SaveVideo(ctx, v); err != nil {
		c.logger.Error("failed to save video", "video_id", meta.VideoID, "error", err)
		return videoFailed
	}

	c.extractor.MarkProcessed(meta.VideoID, v.UUID)
	return videoProcessed
}

// discoverAndSavePerson runs steps 1-2 of process_channel: probe the
// channel's identity, then upsert the Person row. A probe failure (private
// or missing channel, spec §8 scenario 3) is not itself fatal: the person
// is still saved under the caller-supplied identity and probeFailed is set
// so the caller can downgrade to an empty, completed result rather than
// failing the whole channel.
func (c *Coordinator) discoverAndSavePerson(ctx context.Context, p models.Person, channel models.ChannelRef) (person models.Person, info models.ChannelInfo, probeFailed bool, err error) {
	person = p
	person.ChannelURL = channel

	var probeErr error
	info, probeErr = c.extractor.ProbeChannelInfo(ctx, channel)
	if probeErr != nil {
		probeFailed = true
		c.logger.Warn("channel probe failed, treating as private or missing", "channel", channel, "error", probeErr)
	} else if person.ChannelID == "" {
		person.ChannelID = info.ChannelID
	}

	id, saveErr := c.store.SavePerson(ctx, person)
	if saveErr != nil {
		return models.Person{}, models.ChannelInfo{}, false, fmt.Errorf("coordinator: save person for %s: %w", channel, saveErr)
	}
	person.ID = id
	return person, info, probeFailed, nil
}

// ProcessChannelWithDownloads runs the same pipeline as ProcessChannel and
// additionally enqueues one download task per saved video under the
// scheduler's download semaphore (spec §4.M process_channel_with_downloads).
func (c *Coordinator) ProcessChannelWithDownloads(ctx context.Context, p models.Person, channel models.ChannelRef) (models.ChannelResult, error) {
	res := models.ChannelResult{Channel: channel, StartedAt: time.Now().UTC()}
	c.monitor.SetCurrent(string(channel), "", "discovering")

	person, _, probeFailed, err := c.discoverAndSavePerson(ctx, p, channel)
	if err != nil {
		res.Status = "failed"
		res.ErrorMessage = err.Error()
		res.EndedAt = time.Now().UTC()
		return res, err
	}
	res.PersonID = person.ID

	if probeFailed {
		res.Status = "completed"
		res.EndedAt = time.Now().UTC()
		return res, nil
	}

	videos, parseErrs := c.extractor.EnumerateVideos(ctx, channel)
	for _, perr := range parseErrs {
		c.logger.Warn("skipping unparseable extractor record", "channel", channel, "error", perr)
	}
	res.VideosFound = len(videos)
	if c.cfg.MaxVideosPerChannel > 0 && len(videos) > c.cfg.MaxVideosPerChannel {
		videos = videos[:c.cfg.MaxVideosPerChannel]
	}

	var downloadFutures []*scheduler.Future
	for _, meta := range videos {
		if c.cfg.SkipExistingVideos && c.extractor.IsDuplicate(meta.VideoID) {
			res.VideosSkipped++
			continue
		}

		v := models.Video{
			PersonID:       person.ID,
			VideoID:        meta.VideoID,
			UUID:           uuid.NewString(),
			Title:          meta.Title,
			Description:    meta.Description,
			Duration:       meta.Duration,
			UploadDate:     meta.UploadDate,
			ViewCount:      meta.ViewCount,
			DownloadStatus: models.DownloadStatusPending,
		}
		if _, err := c.store.SaveVideo(ctx, v); err != nil {
			c.logger.Error("failed to save video", "video_id", meta.VideoID, "error", err)
			res.VideosFailed++
			continue
		}
		c.extractor.MarkProcessed(meta.VideoID, v.UUID)
		res.VideosProcessed++

		video := v
		channelRef := channel
		downloadFutures = append(downloadFutures, c.scheduler.SubmitDownloadTask(video.VideoID, 0, func(dctx context.Context) (any, error) {
			return nil, c.downloadAndUpload(dctx, channelRef, video)
		}))
	}

	downloadResults, complete := c.scheduler.WaitForCompletion(downloadFutures, 0)
	if !complete {
		c.logger.Warn("channel downloads timed out, some videos left incomplete", "channel", channel)
	}
	for i, dr := range downloadResults {
		if dr.Err != nil {
			c.logger.Error("download task failed", "channel", channel, "index", i, "error", dr.Err)
		}
	}

	res.Status = "completed"
	res.EndedAt = time.Now().UTC()
	return res, nil
}

// countingReader tallies bytes read through it, so the store can record the
// real downloaded size even though Uploader.Save only returns a location.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *Coordinator) downloadAndUpload(ctx context.Context, channel models.ChannelRef, v models.Video) error {
	if err := c.store.UpdateVideoStatus(ctx, v.VideoID, models.DownloadStatusDownloading, "", 0, ""); err != nil {
		c.logger.Error("mark downloading failed", "video_id", v.VideoID, "error", err)
	}

	if c.downloader == nil || c.uploader == nil {
		err := fmt.Errorf("coordinator: no downloader/uploader configured: %w", ingesterr.ErrConfiguration)
		c.store.UpdateVideoStatus(ctx, v.VideoID, models.DownloadStatusFailed, "", 0, err.Error())
		return err
	}

	rc, err := c.downloader.Download(ctx, channel, v.VideoID)
	if err != nil {
		c.store.UpdateVideoStatus(ctx, v.VideoID, models.DownloadStatusFailed, "", 0, err.Error())
		return fmt.Errorf("coordinator: download %s: %w", v.VideoID, err)
	}
	defer rc.Close()

	counted := &countingReader{r: rc}
	key := fmt.Sprintf("%s/%s_%s.%s", c.cfg.StoragePrefix, v.VideoID, v.UUID, c.cfg.DownloadFormat)
	location, err := c.uploader.Save(ctx, key, counted)
	if err != nil {
		c.store.UpdateVideoStatus(ctx, v.VideoID, models.DownloadStatusFailed, "", 0, err.Error())
		return fmt.Errorf("coordinator: upload %s: %w", v.VideoID, err)
	}

	if err := c.store.UpdateVideoStatus(ctx, v.VideoID, models.DownloadStatusCompleted, location, counted.n, ""); err != nil {
		return fmt.Errorf("coordinator: mark completed %s: %w", v.VideoID, err)
	}
	c.monitor.AddBytes(counted.n)
	return nil
}

// ProcessChannelWithRecovery runs process_channel under the Recovery
// Manager: step 1 (extract + save person) is wrapped in a Transaction with
// a compensating delete of the inserted person, enumeration runs under
// retry_backoff, and each video save runs under the skip strategy.
// Checkpoints are written every CheckpointEvery videos and on final
// success/failure (spec §4.M process_channel_with_recovery).
func (c *Coordinator) ProcessChannelWithRecovery(ctx context.Context, p models.Person, channel models.ChannelRef) (models.ChannelResult, error) {
	res := models.ChannelResult{Channel: channel, StartedAt: time.Now().UTC()}
	c.monitor.SetCurrent(string(channel), "", "discovering")

	var person models.Person
	tx := txn.New(c.logger)
	tx.Add(txn.Step{
		Name: "extract_and_save_person",
		Do: func(ctx context.Context) (any, error) {
			info, err := c.extractor.ProbeChannelInfo(ctx, channel)
			if err != nil {
				return nil, err
			}
			person = p
			person.ChannelURL = channel
			if person.ChannelID == "" {
				person.ChannelID = info.ChannelID
			}
			id, err := c.store.SavePerson(ctx, person)
			if err != nil {
				return nil, err
			}
			person.ID = id
			return id, nil
		},
		Undo: func(ctx context.Context) error {
			hasVideos, err := c.store.HasVideosForPerson(ctx, person.ID)
			if err != nil {
				return err
			}
			if hasVideos {
				// Forbidden per spec §9 open question 4: never delete a
				// person once any of its videos exist in this window.
				c.logger.Warn("not rolling back person with existing videos", "person_id", person.ID)
				return nil
			}
			return c.store.DeletePerson(ctx, person.ID)
		},
	})

	if _, err := tx.Execute(ctx); err != nil {
		res.Status = "failed"
		res.ErrorMessage = err.Error()
		res.EndedAt = time.Now().UTC()
		return res, err
	}
	res.PersonID = person.ID

	videos, err := recovery.With(c.recovery, "enumerate_videos", models.ChannelInput{Person: person, Channel: channel}, recovery.StrategyRetryBackoff,
		func() ([]models.VideoMetadata, error) {
			vs, parseErrs := c.extractor.EnumerateVideos(ctx, channel)
			if vs == nil && len(parseErrs) > 0 {
				return nil, parseErrs[0]
			}
			for _, perr := range parseErrs {
				c.logger.Warn("skipping unparseable extractor record", "channel", channel, "error", perr)
			}
			return vs, nil
		}, nil)
	if err != nil {
		res.Status = "failed"
		res.ErrorMessage = err.Error()
		res.EndedAt = time.Now().UTC()
		return res, err
	}

	res.VideosFound = len(videos)
	if c.cfg.MaxVideosPerChannel > 0 && len(videos) > c.cfg.MaxVideosPerChannel {
		videos = videos[:c.cfg.MaxVideosPerChannel]
	}

	var completed, pending, failed []string
	for i := range videos {
		pending = append(pending, videos[i].VideoID)
	}

	checkpointID := checkpoint.NewID(string(channel), time.Now())
	for i, meta := range videos {
		var itemFailed bool
		_, _ = recovery.With(c.recovery, "save_video", meta.VideoID, recovery.StrategySkip,
			func() (any, error) {
				outcome := c.saveVideoRecord(ctx, person.ID, meta, models.ChannelInfo{})
				switch outcome {
				case videoFailed:
					itemFailed = true
					return nil, fmt.Errorf("save video %s failed", meta.VideoID)
				case videoSkipped:
					res.VideosSkipped++
				default:
					res.VideosProcessed++
				}
				return nil, nil
			}, nil)

		// StrategySkip always returns a nil error (it logs and swallows the
		// failure), so success/failure bookkeeping must come from the
		// closure's own itemFailed flag rather than the returned error.
		if itemFailed {
			res.VideosFailed++
			failed = append(failed, meta.VideoID)
		} else {
			completed = append(completed, meta.VideoID)
		}
		pending = removeItem(pending, meta.VideoID)

		if (i+1)%c.cfg.CheckpointEvery == 0 {
			c.saveCheckpoint(checkpointID, "process_channel_with_recovery", completed, pending, failed)
		}
	}

	c.saveCheckpoint(checkpointID, "process_channel_with_recovery", completed, pending, failed)

	res.Status = "completed"
	res.EndedAt = time.Now().UTC()
	return res, nil
}

func removeItem(items []string, target string) []string {
	out := items[:0]
	for _, it := range items {
		if it != target {
			out = append(out, it)
		}
	}
	return out
}

func (c *Coordinator) saveCheckpoint(id, op string, completed, pending, failed []string) {
	cp := models.Checkpoint{
		CheckpointID:   id,
		Operation:      op,
		Timestamp:      time.Now().UTC(),
		CompletedItems: append([]string(nil), completed...),
		PendingItems:   append([]string(nil), pending...),
	}
	for _, id := range failed {
		cp.FailedItems = append(cp.FailedItems, models.FailedItem{ItemID: id})
	}
	if err := c.checkpoints.Save(cp); err != nil {
		c.logger.Error("failed to save checkpoint", "checkpoint_id", id, "error", err)
	}
}

// RetryFailedOperations drains the dead-letter queue, re-running the full
// recovery-guarded channel pipeline for every queued ChannelInput (spec
// §4.M retry_failed_operations). Payloads of any other shape are dropped
// with a warning: nothing currently enqueues them.
func (c *Coordinator) RetryFailedOperations(ctx context.Context) (successful, failed int) {
	return c.dlq.RetryAll(func(payload any) error {
		in, err := asChannelInput(payload)
		if err != nil {
			c.logger.Warn("dropping dead-letter entry with unrecognized payload shape", "error", err)
			return nil
		}
		_, err = c.ProcessChannelWithRecovery(ctx, in.Person, in.Channel)
		return err
	})
}

// asChannelInput recovers a models.ChannelInput from a DLQ payload. A
// same-process retry carries the original typed value; a payload reloaded
// from the persisted JSON file decodes as a generic map instead, so both
// shapes are accepted.
func asChannelInput(payload any) (models.ChannelInput, error) {
	switch v := payload.(type) {
	case models.ChannelInput:
		return v, nil
	case map[string]any:
		channel, _ := v["Channel"].(string)
		if channel == "" {
			return models.ChannelInput{}, fmt.Errorf("coordinator: dead-letter payload missing Channel field")
		}
		in := models.ChannelInput{Channel: models.ChannelRef(channel)}
		if personRaw, ok := v["Person"].(map[string]any); ok {
			if name, ok := personRaw["Name"].(string); ok {
				in.Person.Name = name
			}
			if email, ok := personRaw["Email"].(string); ok {
				in.Person.Email = email
			}
			if typ, ok := personRaw["Type"].(string); ok {
				in.Person.Type = typ
			}
			if channelID, ok := personRaw["ChannelID"].(string); ok {
				in.Person.ChannelID = channelID
			}
		}
		return in, nil
	default:
		return models.ChannelInput{}, fmt.Errorf("coordinator: unrecognized dead-letter payload type %T", payload)
	}
}

// ResumeJob rehydrates this Coordinator's progress monitor from a
// previously persisted Progress row, refusing jobs in a terminal state
// (spec §4.I resume_job).
func (c *Coordinator) ResumeJob(ctx context.Context, jobID string) error {
	p, err := c.store.ResumeJob(ctx, jobID)
	if err != nil {
		return err
	}
	c.cfg.JobID = jobID
	c.monitor.Start(p.Counters.TotalChannels, p.Counters.TotalVideos)
	c.monitor.IncChannel(p.Counters.ChannelsProcessed, p.Counters.ChannelsFailed, p.Counters.ChannelsSkipped)
	c.monitor.IncVideo(p.Counters.VideosProcessed, p.Counters.VideosFailed, p.Counters.VideosSkipped)

	existing, err := c.store.ExistingVideoIDs(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: load existing video ids: %w", err)
	}
	c.extractor.LoadExisting(existing)
	return nil
}

func (c *Coordinator) persistProgress(ctx context.Context) error {
	snap := c.monitor.Snapshot()
	p := models.Progress{
		JobID:     c.cfg.JobID,
		InputFile: c.cfg.InputFile,
		Status:    models.JobStatusRunning,
		StartedAt: time.Now().UTC(),
		Counters: models.ProgressCounters{
			TotalChannels:     snap.Metrics.TotalChannels,
			ChannelsProcessed: snap.Metrics.ChannelsProcessed,
			ChannelsFailed:    snap.Metrics.ChannelsFailed,
			ChannelsSkipped:   snap.Metrics.ChannelsSkipped,
			TotalVideos:       snap.Metrics.TotalVideos,
			VideosProcessed:   snap.Metrics.VideosProcessed,
			VideosFailed:      snap.Metrics.VideosFailed,
			VideosSkipped:     snap.Metrics.VideosSkipped,
		},
	}
	return c.store.SaveProgress(ctx, p)
}

func (c *Coordinator) finish(ctx context.Context, status models.JobStatus, errMsg string) {
	state := progress.StateCompleted
	if status == models.JobStatusFailed {
		state = progress.StateFailed
	}
	c.monitor.Finish(state)
	if err := c.monitor.PersistNow(); err != nil {
		c.logger.Error("failed to persist final snapshot", "error", err)
	}

	snap := c.monitor.Snapshot()
	p := models.Progress{
		JobID:        c.cfg.JobID,
		InputFile:    c.cfg.InputFile,
		Status:       status,
		ErrorMessage: errMsg,
		StartedAt:    time.Now().UTC(),
		Counters: models.ProgressCounters{
			TotalChannels:     snap.Metrics.TotalChannels,
			ChannelsProcessed: snap.Metrics.ChannelsProcessed,
			ChannelsFailed:    snap.Metrics.ChannelsFailed,
			ChannelsSkipped:   snap.Metrics.ChannelsSkipped,
			TotalVideos:       snap.Metrics.TotalVideos,
			VideosProcessed:   snap.Metrics.VideosProcessed,
			VideosFailed:      snap.Metrics.VideosFailed,
			VideosSkipped:     snap.Metrics.VideosSkipped,
		},
	}
	now := time.Now().UTC()
	p.CompletedAt = &now
	if err := c.store.SaveProgress(ctx, p); err != nil {
		c.logger.Error("failed to persist terminal progress", "error", err)
	}
}

// Shutdown stops the scheduler, writes the final textual report, cleans
// checkpoints older than CheckpointMaxAge and returns (spec §4.M shutdown).
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.scheduler.Stop()

	if n, err := c.checkpoints.Cleanup(c.cfg.CheckpointMaxAge); err != nil {
		c.logger.Error("checkpoint cleanup failed", "error", err)
	} else if n > 0 {
		c.logger.Info("cleaned up stale checkpoints", "removed", n)
	}

	reportPath := filepath.Join(c.cfg.ReportDir, fmt.Sprintf("mass_download_report_%s.txt", c.cfg.JobID))
	if err := os.WriteFile(reportPath, []byte(c.renderReport()), 0o644); err != nil {
		c.logger.Error("failed to write final report", "path", reportPath, "error", err)
	}

	return nil
}

func (c *Coordinator) renderReport() string {
	snap := c.monitor.Snapshot()
	report := fmt.Sprintf(
		"Mass Download Report — job %s\nState: %s\nChannels: total=%d processed=%d failed=%d skipped=%d\nVideos: total=%d processed=%d failed=%d skipped=%d\nBytes downloaded: %d\n",
		c.cfg.JobID, snap.State,
		snap.Metrics.TotalChannels, snap.Metrics.ChannelsProcessed, snap.Metrics.ChannelsFailed, snap.Metrics.ChannelsSkipped,
		snap.Metrics.TotalVideos, snap.Metrics.VideosProcessed, snap.Metrics.VideosFailed, snap.Metrics.VideosSkipped,
		snap.Metrics.BytesDownloaded,
	)
	for url, rec := range snap.ChannelProgress {
		report += fmt.Sprintf("  %s (%s): %d/%d videos, status=%s\n", url, rec.Name, rec.VideosProcessed, rec.TotalVideos, rec.Status)
	}
	return report
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
