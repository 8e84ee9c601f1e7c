// Package store implements the Persistence layer of spec §4.I on top of
// pgx/v5, grounded in the teacher repository's internal/repositories
// (acquire-a-connection-per-call, classify unique-violation pgconn.PgError
// codes into sentinel errors). Unlike the teacher's per-entity repository
// split, this package owns the full upsert/statistics surface the
// ingestion coordinator needs against a single schema (persons, videos,
// progress).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/massingest/engine/internal/db"
	"github.com/massingest/engine/internal/ingesterr"
	"github.com/massingest/engine/internal/models"
)

const uniqueViolation = "23505"

// Store persists Person, Video and Progress records against Postgres.
type Store struct {
	pool db.Pool
}

// New constructs a Store over the given connection pool.
func New(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// SavePerson upserts p by ChannelURL: an existing row is updated in place
// (name, email, type, channel_id); otherwise a new row is inserted with
// CreatedAt. Returns the row's id.
func (s *Store) SavePerson(ctx context.Context, p models.Person) (int64, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: acquire connection: %w", err)
	}
	defer conn.Release()

	var id int64
	row := conn.QueryRow(ctx, `
		INSERT INTO persons (name, email, type, channel_url, channel_id)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5)
		ON CONFLICT (channel_url) DO UPDATE
			SET name = EXCLUDED.name,
			    email = EXCLUDED.email,
			    type = EXCLUDED.type,
			    channel_id = EXCLUDED.channel_id
		RETURNING id
	`, p.Name, p.Email, p.Type, p.ChannelURL, p.ChannelID)

	if err := row.Scan(&id); err != nil {
		return 0, classifyPersistenceErr("save person", err)
	}
	return id, nil
}

// SaveVideo upserts v by VideoID: an existing row is updated in place;
// otherwise a new row is inserted carrying v.UUID (assigned by the caller
// before first persistence, per spec §3 — the store never mints one).
// Returns the row's id.
func (s *Store) SaveVideo(ctx context.Context, v models.Video) (int64, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: acquire connection: %w", err)
	}
	defer conn.Release()

	id, err := saveVideoOn(ctx, conn, v)
	if err != nil {
		return 0, classifyPersistenceErr("save video", err)
	}
	return id, nil
}

// queryRower is satisfied by both *pgxpool.Conn and pgx.Tx, letting
// saveVideoOn run either against a pooled connection or inside
// BatchSaveVideos's transaction.
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func saveVideoOn(ctx context.Context, q queryRower, v models.Video) (int64, error) {
	var id int64
	var uploadDate any
	if v.UploadDate != nil {
		uploadDate = *v.UploadDate
	}

	status := v.DownloadStatus
	if status == "" {
		status = models.DownloadStatusPending
	}

	row := q.QueryRow(ctx, `
		INSERT INTO videos (person_id, video_id, uuid, title, description, duration,
		                     upload_date, view_count, storage_path, file_size,
		                     download_status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (video_id) DO UPDATE
			SET title = EXCLUDED.title,
			    description = EXCLUDED.description,
			    duration = EXCLUDED.duration,
			    upload_date = EXCLUDED.upload_date,
			    view_count = EXCLUDED.view_count,
			    download_status = EXCLUDED.download_status,
			    storage_path = EXCLUDED.storage_path,
			    file_size = EXCLUDED.file_size,
			    error_message = EXCLUDED.error_message
		RETURNING id
	`, v.PersonID, v.VideoID, v.UUID, v.Title, v.Description, v.Duration,
		uploadDate, v.ViewCount, v.StoragePath, v.FileSize, string(status), v.ErrorMessage)

	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// BatchSaveVideos saves every video in vs inside a single transaction.
// Per-item failures are logged by the caller via the returned per-item
// errors slice and do not abort the batch; the transaction still commits
// the videos that succeeded (spec §4.I: "per-item failures logged and
// skipped"). Returns the count actually saved.
func (s *Store) BatchSaveVideos(ctx context.Context, vs []models.Video) (int, []error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, []error{fmt.Errorf("store: acquire connection: %w", err)}
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, []error{fmt.Errorf("store: begin batch transaction: %w", err)}
	}

	var saved int
	var errs []error
	for _, v := range vs {
		sp, err := tx.Begin(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("store: batch save video %s: savepoint: %w", v.VideoID, err))
			continue
		}
		if _, err := saveVideoOn(ctx, sp, v); err != nil {
			_ = sp.Rollback(ctx)
			errs = append(errs, fmt.Errorf("store: batch save video %s: %w", v.VideoID, classifyPersistenceErr("batch save video", err)))
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			errs = append(errs, fmt.Errorf("store: batch save video %s: release savepoint: %w", v.VideoID, err))
			continue
		}
		saved++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, append(errs, fmt.Errorf("store: commit batch: %w", err))
	}

	return saved, errs
}

// UpdateVideoStatus sets a video's download_status, storage_path, file_size
// and error_message together; empty or zero arguments overwrite the stored
// values. updated_at is maintained by the videos_set_updated_at trigger.
func (s *Store) UpdateVideoStatus(ctx context.Context, videoID string, status models.DownloadStatus, storagePath string, fileSize int64, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("store: %w: unrecognized download status %q", ingesterr.ErrValidation, status)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("store: acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
		UPDATE videos
		SET download_status = $2, storage_path = $3, file_size = $4, error_message = $5
		WHERE video_id = $1
	`, videoID, string(status), storagePath, fileSize, errMsg)
	if err != nil {
		return classifyPersistenceErr("update video status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update video status: %w: video_id %q", ingesterr.ErrNotFound, videoID)
	}
	return nil
}

// ExistingVideoIDs returns every currently-persisted video_id mapped to its
// uuid, seeding the extractor's duplicate-detection set on resume.
func (s *Store) ExistingVideoIDs(ctx context.Context) (map[string]string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `SELECT video_id, uuid FROM videos`)
	if err != nil {
		return nil, classifyPersistenceErr("load existing video ids", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var videoID, uuid string
		if err := rows.Scan(&videoID, &uuid); err != nil {
			return nil, fmt.Errorf("store: scan existing video id: %w", err)
		}
		out[videoID] = uuid
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate existing video ids: %w", err)
	}
	return out, nil
}

// DeletePerson removes a person row, used by process_channel_with_recovery's
// compensating rollback. Callers must never invoke this once any video
// referencing the person has already been inserted in the same window
// (spec §9 open question 4); ON DELETE CASCADE would otherwise silently
// drop those children.
func (s *Store) DeletePerson(ctx context.Context, id int64) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("store: acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `DELETE FROM persons WHERE id = $1`, id)
	if err != nil {
		return classifyPersistenceErr("delete person", err)
	}
	return nil
}

// HasVideosForPerson reports whether any video currently references
// personID, used to forbid DeletePerson once children exist.
func (s *Store) HasVideosForPerson(ctx context.Context, personID int64) (bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("store: acquire connection: %w", err)
	}
	defer conn.Release()

	var exists bool
	row := conn.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM videos WHERE person_id = $1)`, personID)
	if err := row.Scan(&exists); err != nil {
		return false, classifyPersistenceErr("check videos for person", err)
	}
	return exists, nil
}

// StatsReport is the §4.I statistics surface: counts per download_status,
// total stored bytes, and per-person aggregates.
type StatsReport struct {
	CountByStatus map[models.DownloadStatus]int64
	TotalBytes    int64
	PerPerson     []PersonStats
}

// PersonStats aggregates one person's video counts and bytes.
type PersonStats struct {
	PersonID   int64
	VideoCount int64
	TotalBytes int64
}

// Stats computes the statistics surface via direct SQL aggregation.
func (s *Store) Stats(ctx context.Context) (StatsReport, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return StatsReport{}, fmt.Errorf("store: acquire connection: %w", err)
	}
	defer conn.Release()

	report := StatsReport{CountByStatus: make(map[models.DownloadStatus]int64)}

	rows, err := conn.Query(ctx, `SELECT download_status, COUNT(*) FROM videos GROUP BY download_status`)
	if err != nil {
		return StatsReport{}, classifyPersistenceErr("stats by status", err)
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return StatsReport{}, fmt.Errorf("store: scan status count: %w", err)
		}
		report.CountByStatus[models.DownloadStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return StatsReport{}, fmt.Errorf("store: iterate status counts: %w", err)
	}
	rows.Close()

	totalRow := conn.QueryRow(ctx, `SELECT COALESCE(SUM(file_size), 0) FROM videos`)
	if err := totalRow.Scan(&report.TotalBytes); err != nil {
		return StatsReport{}, classifyPersistenceErr("stats total bytes", err)
	}

	personRows, err := conn.Query(ctx, `
		SELECT person_id, COUNT(*), COALESCE(SUM(file_size), 0)
		FROM videos
		GROUP BY person_id
		ORDER BY person_id
	`)
	if err != nil {
		return StatsReport{}, classifyPersistenceErr("stats per person", err)
	}
	defer personRows.Close()
	for personRows.Next() {
		var ps PersonStats
		if err := personRows.Scan(&ps.PersonID, &ps.VideoCount, &ps.TotalBytes); err != nil {
			return StatsReport{}, fmt.Errorf("store: scan person stats: %w", err)
		}
		report.PerPerson = append(report.PerPerson, ps)
	}
	if err := personRows.Err(); err != nil {
		return StatsReport{}, fmt.Errorf("store: iterate person stats: %w", err)
	}

	return report, nil
}

// SaveProgress upserts the one-row-per-job Progress record by JobID.
func (s *Store) SaveProgress(ctx context.Context, p models.Progress) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("store: acquire connection: %w", err)
	}
	defer conn.Release()

	var completedAt any
	if p.CompletedAt != nil {
		completedAt = *p.CompletedAt
	}

	_, err = conn.Exec(ctx, `
		INSERT INTO progress (job_id, input_file, total_channels, channels_processed,
		                       channels_failed, channels_skipped, total_videos,
		                       videos_processed, videos_failed, videos_skipped,
		                       status, error_message, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (job_id) DO UPDATE
			SET total_channels = EXCLUDED.total_channels,
			    channels_processed = EXCLUDED.channels_processed,
			    channels_failed = EXCLUDED.channels_failed,
			    channels_skipped = EXCLUDED.channels_skipped,
			    total_videos = EXCLUDED.total_videos,
			    videos_processed = EXCLUDED.videos_processed,
			    videos_failed = EXCLUDED.videos_failed,
			    videos_skipped = EXCLUDED.videos_skipped,
			    status = EXCLUDED.status,
			    error_message = EXCLUDED.error_message,
			    completed_at = EXCLUDED.completed_at
	`, p.JobID, p.InputFile, p.Counters.TotalChannels, p.Counters.ChannelsProcessed,
		p.Counters.ChannelsFailed, p.Counters.ChannelsSkipped, p.Counters.TotalVideos,
		p.Counters.VideosProcessed, p.Counters.VideosFailed, p.Counters.VideosSkipped,
		string(p.Status), p.ErrorMessage, p.StartedAt, completedAt)
	if err != nil {
		return classifyPersistenceErr("save progress", err)
	}
	return nil
}

// LoadProgress fetches the Progress row for jobID.
func (s *Store) LoadProgress(ctx context.Context, jobID string) (models.Progress, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return models.Progress{}, fmt.Errorf("store: acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
		SELECT job_id, input_file, total_channels, channels_processed, channels_failed,
		       channels_skipped, total_videos, videos_processed, videos_failed,
		       videos_skipped, status, error_message, started_at, updated_at, completed_at
		FROM progress
		WHERE job_id = $1
	`, jobID)

	var p models.Progress
	var status string
	var completedAt *time.Time
	err = row.Scan(&p.JobID, &p.InputFile, &p.Counters.TotalChannels, &p.Counters.ChannelsProcessed,
		&p.Counters.ChannelsFailed, &p.Counters.ChannelsSkipped, &p.Counters.TotalVideos,
		&p.Counters.VideosProcessed, &p.Counters.VideosFailed, &p.Counters.VideosSkipped,
		&status, &p.ErrorMessage, &p.StartedAt, &p.UpdatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Progress{}, fmt.Errorf("store: load progress %q: %w", jobID, ingesterr.ErrNotFound)
		}
		return models.Progress{}, classifyPersistenceErr("load progress", err)
	}
	p.Status = models.JobStatus(status)
	p.CompletedAt = completedAt
	return p, nil
}

// ResumeJob loads jobID's Progress row to rehydrate a coordinator's
// counters, refusing jobs already in a terminal state (spec §4.I).
func (s *Store) ResumeJob(ctx context.Context, jobID string) (models.Progress, error) {
	p, err := s.LoadProgress(ctx, jobID)
	if err != nil {
		return models.Progress{}, err
	}
	if p.Status == models.JobStatusCompleted || p.Status == models.JobStatusFailed {
		return models.Progress{}, fmt.Errorf("store: resume job %q: %w: job already in terminal state %q", jobID, ingesterr.ErrValidation, p.Status)
	}
	return p, nil
}

func classifyPersistenceErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("store: %s: %w: %s", op, ingesterr.ErrPersistence, pgErr.ConstraintName)
	}
	return fmt.Errorf("store: %s: %w: %v", op, ingesterr.ErrPersistence, err)
}
