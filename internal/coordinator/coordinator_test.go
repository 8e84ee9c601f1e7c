//go:build integration

package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/massingest/engine/internal/breaker"
	"github.com/massingest/engine/internal/checkpoint"
	"github.com/massingest/engine/internal/deadletter"
	"github.com/massingest/engine/internal/extractor"
	"github.com/massingest/engine/internal/models"
	"github.com/massingest/engine/internal/progress"
	"github.com/massingest/engine/internal/recovery"
	"github.com/massingest/engine/internal/retry"
	"github.com/massingest/engine/internal/scheduler"
	"github.com/massingest/engine/internal/store"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	server, err := testserver.NewTestServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start cockroach test server: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, server.PGURL().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to cockroach test server: %v\n", err)
		server.Stop()
		os.Exit(1)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "apply migrations: %v\n", err)
		pool.Close()
		server.Stop()
		os.Exit(1)
	}

	testPool = pool
	code := m.Run()

	pool.Close()
	server.Stop()
	os.Exit(code)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrationsDir := filepath.Join("..", "..", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(migrationsDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := pool.Exec(ctx, string(contents)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func resetDatabase(t *testing.T) {
	t.Helper()
	conn, err := testPool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire connection: %v", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(context.Background(), "TRUNCATE TABLE progress, videos, persons CASCADE"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

// jsonLineRunner is a fake extractor.CommandRunner that replays canned
// --dump-json lines regardless of the arguments passed, the way the
// teacher's ytdlp_test.go fakes the subprocess boundary.
func jsonLineRunner(lines []string, err error) extractor.CommandRunner {
	return func(ctx context.Context, binary string, args ...string) ([]byte, error) {
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		for _, line := range lines {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
		return buf.Bytes(), nil
	}
}

func videoRecord(id, title string) string {
	return fmt.Sprintf(`{"id":%q,"title":%q,"channel_id":"UCtest"}`, id, title)
}

func newTestCoordinator(t *testing.T, run extractor.CommandRunner, downloadVideos bool, downloader Downloader, uploader Uploader) *Coordinator {
	t.Helper()

	st := store.New(testPool)
	ext := extractor.New("yt-dlp", nil, 5*time.Second)
	ext.Run = run

	sched := scheduler.New(4, 4, nil, nil)
	t.Cleanup(sched.Stop)

	mon := progress.New(progress.Config{}, nil)

	cpDir := t.TempDir()
	cps, err := checkpoint.New(cpDir)
	if err != nil {
		t.Fatalf("checkpoint.New: %v", err)
	}

	dlq, err := deadletter.New(100, "")
	if err != nil {
		t.Fatalf("deadletter.New: %v", err)
	}

	breakers := breaker.NewRegistry(breaker.DefaultConfig)
	backoff := retry.New(retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Jitter: retry.JitterOff})
	rec := recovery.New(breakers, backoff, dlq, nil)

	cfg := Config{
		JobID:           "test-job",
		DownloadVideos:  downloadVideos,
		ReportDir:       t.TempDir(),
		CheckpointEvery: 2,
	}

	return New(cfg, ext, st, sched, mon, cps, rec, dlq, uploader, downloader, nil)
}

func TestCoordinator_ProcessChannelHappyPath(t *testing.T) {
	resetDatabase(t)

	run := jsonLineRunner([]string{
		videoRecord("aaaaaaaaaaa", "Video A"),
		videoRecord("bbbbbbbbbbb", "Video B"),
		videoRecord("ccccccccccc", "Video C"),
	}, nil)

	c := newTestCoordinator(t, run, false, nil, nil)

	person := models.Person{Name: "Example Creator", Type: "channel"}
	res, err := c.ProcessChannel(context.Background(), person, "https://www.youtube.com/@ex")
	if err != nil {
		t.Fatalf("ProcessChannel: %v", err)
	}

	if res.Status != "completed" {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	if res.VideosFound != 3 || res.VideosProcessed != 3 {
		t.Fatalf("expected 3 videos found and processed, got found=%d processed=%d", res.VideosFound, res.VideosProcessed)
	}

	existing, err := c.store.ExistingVideoIDs(context.Background())
	if err != nil {
		t.Fatalf("ExistingVideoIDs: %v", err)
	}
	if len(existing) != 3 {
		t.Fatalf("expected 3 persisted videos, got %d", len(existing))
	}
}

func TestCoordinator_DuplicateSuppressionOnSecondRun(t *testing.T) {
	resetDatabase(t)

	run := jsonLineRunner([]string{
		videoRecord("aaaaaaaaaaa", "Video A"),
		videoRecord("bbbbbbbbbbb", "Video B"),
		videoRecord("ccccccccccc", "Video C"),
	}, nil)

	c := newTestCoordinator(t, run, false, nil, nil)
	c.cfg.SkipExistingVideos = true
	person := models.Person{Name: "Example Creator", Type: "channel"}

	if _, err := c.ProcessChannel(context.Background(), person, "https://www.youtube.com/@ex"); err != nil {
		t.Fatalf("first run: %v", err)
	}

	res, err := c.ProcessChannel(context.Background(), person, "https://www.youtube.com/@ex")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.VideosSkipped != 3 {
		t.Fatalf("expected 3 skipped on repeat run, got %d", res.VideosSkipped)
	}
	if res.VideosProcessed != 0 {
		t.Fatalf("expected 0 newly processed on repeat run, got %d", res.VideosProcessed)
	}
}

func TestCoordinator_PrivateChannelDegradesToEmptyCompleted(t *testing.T) {
	resetDatabase(t)

	run := jsonLineRunner(nil, errors.New("exit status 1"))
	c := newTestCoordinator(t, run, false, nil, nil)

	person := models.Person{Name: "Ghost Creator", Type: "channel"}
	res, err := c.ProcessChannel(context.Background(), person, "https://www.youtube.com/@gone")
	if err != nil {
		t.Fatalf("expected private channel to degrade rather than fail: %v", err)
	}
	if res.Status != "completed" {
		t.Fatalf("expected completed status for private channel, got %s", res.Status)
	}
	if res.VideosFound != 0 {
		t.Fatalf("expected videos_found=0 for private channel, got %d", res.VideosFound)
	}
}

type fakeDownloader struct{ payload []byte }

func (f fakeDownloader) Download(ctx context.Context, channel models.ChannelRef, videoID string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.payload)), nil
}

type fakeUploader struct {
	mu    chan struct{}
	saved map[string]int
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{mu: make(chan struct{}, 1), saved: make(map[string]int)}
}

func (f *fakeUploader) Save(ctx context.Context, key string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.saved[key] = len(data)
	return "s3://bucket/" + key, nil
}

func TestCoordinator_ProcessChannelWithDownloadsUploadsEachVideo(t *testing.T) {
	resetDatabase(t)

	run := jsonLineRunner([]string{
		videoRecord("aaaaaaaaaaa", "Video A"),
		videoRecord("bbbbbbbbbbb", "Video B"),
	}, nil)

	uploader := newFakeUploader()
	downloader := fakeDownloader{payload: []byte("fake media bytes")}

	c := newTestCoordinator(t, run, true, downloader, uploader)
	person := models.Person{Name: "Example Creator", Type: "channel"}

	res, err := c.ProcessChannelWithDownloads(context.Background(), person, "https://www.youtube.com/@ex")
	if err != nil {
		t.Fatalf("ProcessChannelWithDownloads: %v", err)
	}
	if res.VideosProcessed != 2 {
		t.Fatalf("expected 2 videos processed, got %d", res.VideosProcessed)
	}
	if len(uploader.saved) != 2 {
		t.Fatalf("expected 2 uploads, got %d", len(uploader.saved))
	}
	for key, size := range uploader.saved {
		if size != len("fake media bytes") {
			t.Fatalf("upload %s: expected size %d, got %d", key, len("fake media bytes"), size)
		}
	}
}

func TestCoordinator_ResumeJobRehydratesCountersAndDuplicates(t *testing.T) {
	resetDatabase(t)

	run := jsonLineRunner([]string{
		videoRecord("aaaaaaaaaaa", "Video A"),
		videoRecord("bbbbbbbbbbb", "Video B"),
		videoRecord("ccccccccccc", "Video C"),
	}, nil)

	c := newTestCoordinator(t, run, false, nil, nil)
	c.cfg.SkipExistingVideos = true
	person := models.Person{Name: "Example Creator", Type: "channel"}

	if _, err := c.ProcessChannel(context.Background(), person, "https://www.youtube.com/@ex"); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	initial := models.Progress{
		JobID:    "resume-job",
		Status:   models.JobStatusRunning,
		Counters: models.ProgressCounters{TotalChannels: 1, ChannelsProcessed: 1, TotalVideos: 3, VideosProcessed: 3},
	}
	if err := c.store.SaveProgress(context.Background(), initial); err != nil {
		t.Fatalf("seed progress: %v", err)
	}

	if err := c.ResumeJob(context.Background(), "resume-job"); err != nil {
		t.Fatalf("ResumeJob: %v", err)
	}

	snap := c.monitor.Snapshot()
	if snap.Metrics.VideosProcessed != 3 {
		t.Fatalf("expected rehydrated videos_processed=3, got %d", snap.Metrics.VideosProcessed)
	}

	res, err := c.ProcessChannel(context.Background(), person, "https://www.youtube.com/@ex")
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if res.VideosSkipped != 3 {
		t.Fatalf("expected all 3 videos skipped as duplicates after resume, got %d", res.VideosSkipped)
	}
}

func TestCoordinator_ShutdownWritesReportAndStopsScheduler(t *testing.T) {
	resetDatabase(t)

	run := jsonLineRunner([]string{videoRecord("aaaaaaaaaaa", "Video A")}, nil)
	c := newTestCoordinator(t, run, false, nil, nil)

	person := models.Person{Name: "Example Creator", Type: "channel"}
	if _, err := c.ProcessChannel(context.Background(), person, "https://www.youtube.com/@ex"); err != nil {
		t.Fatalf("ProcessChannel: %v", err)
	}
	c.monitor.Finish(progress.StateCompleted)

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	reportPath := filepath.Join(c.cfg.ReportDir, fmt.Sprintf("mass_download_report_%s.txt", c.cfg.JobID))
	if _, err := os.Stat(reportPath); err != nil {
		t.Fatalf("expected report file at %s: %v", reportPath, err)
	}
}

func TestCoordinator_RetryFailedOperationsReprocessesEnqueuedChannel(t *testing.T) {
	resetDatabase(t)

	// The probe invocation (--playlist-items 1) always succeeds; only
	// full enumeration is flaky, so the dead-lettered payload is produced
	// by the "enumerate_videos" retry_backoff step, not the person-save
	// transaction (which has no retry wrapper of its own).
	var enumerateAttempts int
	run := extractor.CommandRunner(func(ctx context.Context, binary string, args ...string) ([]byte, error) {
		isProbe := false
		for _, a := range args {
			if a == "--playlist-items" {
				isProbe = true
				break
			}
		}
		if isProbe {
			var buf bytes.Buffer
			buf.WriteString(videoRecord("aaaaaaaaaaa", "Video A"))
			buf.WriteByte('\n')
			return buf.Bytes(), nil
		}

		enumerateAttempts++
		if enumerateAttempts <= 3 {
			return nil, errors.New("transient failure")
		}
		var buf bytes.Buffer
		buf.WriteString(videoRecord("aaaaaaaaaaa", "Video A"))
		buf.WriteByte('\n')
		return buf.Bytes(), nil
	})

	c := newTestCoordinator(t, run, false, nil, nil)
	person := models.Person{Name: "Example Creator", Type: "channel"}

	// retry_backoff is configured for 2 retries (3 total attempts); all 3
	// enumeration attempts fail, exhausting the engine and dead-lettering
	// the channel input.
	if _, err := c.ProcessChannelWithRecovery(context.Background(), person, "https://www.youtube.com/@ex"); err == nil {
		t.Fatalf("expected initial recovery-guarded run to exhaust retries and fail")
	}
	if c.dlq.Len() != 1 {
		t.Fatalf("expected 1 dead-lettered entry, got %d", c.dlq.Len())
	}

	successful, failed := c.RetryFailedOperations(context.Background())
	if successful != 1 || failed != 0 {
		t.Fatalf("expected retry to succeed once the extractor recovers, got successful=%d failed=%d", successful, failed)
	}
}
