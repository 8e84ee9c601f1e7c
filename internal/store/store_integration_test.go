//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/massingest/engine/internal/ingesterr"
	"github.com/massingest/engine/internal/models"
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

func testPerson() models.Person {
	return models.Person{
		Name:       "Example Creator",
		Email:      "creator@example.com",
		ChannelURL: "https://www.youtube.com/@example",
		ChannelID:  "UC0000000000000000000",
	}
}

func TestStore_SavePersonUpsertsByChannelURL(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	s := New(testPool)
	p := testPerson()

	id, err := s.SavePerson(ctx, p)
	if err != nil {
		t.Fatalf("save person: %v", err)
	}

	p.Name = "Renamed Creator"
	id2, err := s.SavePerson(ctx, p)
	if err != nil {
		t.Fatalf("save person again: %v", err)
	}

	if id != id2 {
		t.Fatalf("expected same id on re-save, got %d and %d", id, id2)
	}
}

func TestStore_SaveVideoUpsertPreservesUUID(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	s := New(testPool)
	personID, err := s.SavePerson(ctx, testPerson())
	if err != nil {
		t.Fatalf("save person: %v", err)
	}

	v := models.Video{
		PersonID:       personID,
		VideoID:        "aaaaaaaaaaa",
		UUID:           uuid.NewString(),
		Title:          "First title",
		DownloadStatus: models.DownloadStatusPending,
	}

	if _, err := s.SaveVideo(ctx, v); err != nil {
		t.Fatalf("save video: %v", err)
	}

	firstUUID := v.UUID
	v.Title = "Updated title"
	v.UUID = uuid.NewString() // caller mistake: store must ignore this on update
	if _, err := s.SaveVideo(ctx, v); err != nil {
		t.Fatalf("save video again: %v", err)
	}

	ids, err := s.ExistingVideoIDs(ctx)
	if err != nil {
		t.Fatalf("existing video ids: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected exactly one persisted video, got %d", len(ids))
	}
	if ids["aaaaaaaaaaa"] != firstUUID {
		t.Fatalf("expected uuid %s to survive the update, got %s", firstUUID, ids["aaaaaaaaaaa"])
	}
}

func TestStore_UpdateVideoStatusNotFound(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	s := New(testPool)
	err := s.UpdateVideoStatus(ctx, "zzzzzzzzzzz", models.DownloadStatusCompleted, "", 0, "")
	if !errors.Is(err, ingesterr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_BatchSaveVideosSkipsPerItemFailures(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	s := New(testPool)
	personID, err := s.SavePerson(ctx, testPerson())
	if err != nil {
		t.Fatalf("save person: %v", err)
	}

	good := models.Video{PersonID: personID, VideoID: "bbbbbbbbbbb", UUID: uuid.NewString(), Title: "Good"}
	bad := models.Video{PersonID: 999999, VideoID: "ccccccccccc", UUID: uuid.NewString(), Title: "Orphan"}

	saved, errs := s.BatchSaveVideos(ctx, []models.Video{good, bad})
	if saved != 1 {
		t.Fatalf("expected 1 saved, got %d (errs=%v)", saved, errs)
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
}

func TestStore_ProgressSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	s := New(testPool)
	p := models.Progress{
		JobID:     "job-1",
		InputFile: "channels.csv",
		Counters: models.ProgressCounters{
			TotalChannels: 3, ChannelsProcessed: 1,
		},
		Status:    models.JobStatusRunning,
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	if err := s.SaveProgress(ctx, p); err != nil {
		t.Fatalf("save progress: %v", err)
	}

	loaded, err := s.LoadProgress(ctx, "job-1")
	if err != nil {
		t.Fatalf("load progress: %v", err)
	}
	if loaded.Counters.TotalChannels != 3 || loaded.Counters.ChannelsProcessed != 1 {
		t.Fatalf("unexpected counters after round trip: %+v", loaded.Counters)
	}

	p.Counters.ChannelsProcessed = 2
	if err := s.SaveProgress(ctx, p); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	loaded, err = s.LoadProgress(ctx, "job-1")
	if err != nil {
		t.Fatalf("load progress after update: %v", err)
	}
	if loaded.Counters.ChannelsProcessed != 2 {
		t.Fatalf("expected channels_processed=2, got %d", loaded.Counters.ChannelsProcessed)
	}
}

func TestStore_ResumeJobRejectsTerminalStatus(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	s := New(testPool)
	p := models.Progress{
		JobID:     "job-done",
		Status:    models.JobStatusCompleted,
		StartedAt: time.Now().UTC(),
	}
	if err := s.SaveProgress(ctx, p); err != nil {
		t.Fatalf("save progress: %v", err)
	}

	if _, err := s.ResumeJob(ctx, "job-done"); err == nil {
		t.Fatalf("expected resume of a completed job to fail")
	}
}

func TestStore_Stats(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	s := New(testPool)
	personID, err := s.SavePerson(ctx, testPerson())
	if err != nil {
		t.Fatalf("save person: %v", err)
	}

	for i, status := range []models.DownloadStatus{models.DownloadStatusCompleted, models.DownloadStatusFailed} {
		v := models.Video{
			PersonID:       personID,
			VideoID:        fmt.Sprintf("vid%08d", i),
			UUID:           uuid.NewString(),
			Title:          "t",
			DownloadStatus: status,
			FileSize:       1024,
		}
		if _, err := s.SaveVideo(ctx, v); err != nil {
			t.Fatalf("save video: %v", err)
		}
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.CountByStatus[models.DownloadStatusCompleted] != 1 {
		t.Fatalf("expected 1 completed video, got %d", stats.CountByStatus[models.DownloadStatusCompleted])
	}
	if stats.TotalBytes != 2048 {
		t.Fatalf("expected total bytes 2048, got %d", stats.TotalBytes)
	}
}
