package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/massingest/engine/internal/breaker"
	"github.com/massingest/engine/internal/checkpoint"
	"github.com/massingest/engine/internal/config"
	"github.com/massingest/engine/internal/coordinator"
	"github.com/massingest/engine/internal/db"
	"github.com/massingest/engine/internal/deadletter"
	"github.com/massingest/engine/internal/downloader"
	"github.com/massingest/engine/internal/extractor"
	"github.com/massingest/engine/internal/progress"
	"github.com/massingest/engine/internal/ratelimit"
	"github.com/massingest/engine/internal/recovery"
	"github.com/massingest/engine/internal/resource"
	"github.com/massingest/engine/internal/retry"
	"github.com/massingest/engine/internal/scheduler"
	"github.com/massingest/engine/internal/storage"
	"github.com/massingest/engine/internal/store"
)

// dependencies bundles every collaborator a Coordinator needs for one job,
// plus the pieces (resource monitor) that must be started/stopped around
// its lifetime.
type dependencies struct {
	coordinator *coordinator.Coordinator
	resourceMon *resource.Monitor
}

// buildDependencies wires the ingestion engine's collaborators (spec §2's
// leaf-first component table A-M) from cfg and a live connection pool,
// mirroring the teacher's buildDependencies: one function, one place all
// concrete implementations are chosen.
func buildDependencies(ctx context.Context, pool db.Pool, cfg config.Config, jobID, inputFile string, logger *slog.Logger) (*dependencies, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rlConfigs := make(map[string]ratelimit.ServiceConfig, len(cfg.RateLimiting))
	for name, svc := range cfg.RateLimiting {
		rlConfigs[name] = ratelimit.ServiceConfig{Rate: svc.Rate, Burst: svc.Burst}
	}
	limiter, err := ratelimit.New(rlConfigs)
	if err != nil {
		return nil, fmt.Errorf("app: configure rate limiter: %w", err)
	}

	breakers := breaker.NewRegistry(breaker.DefaultConfig)
	backoff := retry.New(retry.DefaultConfig)

	dlqPath := ""
	if cfg.RecoveryDir != "" {
		dlqPath = cfg.RecoveryDir + "/deadletter.json"
	}
	dlq, err := deadletter.New(1000, dlqPath)
	if err != nil {
		return nil, fmt.Errorf("app: configure dead-letter queue: %w", err)
	}

	recoveryMgr := recovery.New(breakers, backoff, dlq, logger)

	cps, err := checkpoint.New(cfg.RecoveryDir + "/checkpoints")
	if err != nil {
		return nil, fmt.Errorf("app: configure checkpoint store: %w", err)
	}

	ext := extractor.New(cfg.ExtractorPath, limiter, cfg.ExtractorTimeout)

	st := store.New(pool)

	resourceMon, err := resource.New(resource.Config{
		Interval:       cfg.CheckInterval,
		MaxCPUPercent:  cfg.MaxCPUPercent,
		MaxMemPercent:  cfg.MaxMemoryPercent,
		ThrottleFactor: cfg.ThrottleFactor,
		MinConcurrent:  cfg.MinConcurrent,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("app: configure resource monitor: %w", err)
	}

	sched := scheduler.New(cfg.MaxConcurrentChannels, cfg.MaxConcurrentDownloads,
		func(base int) int { return resourceMon.Recommend(base) },
		func(id string, priority int, err error) {
			if err != nil {
				logger.Warn("task failed", "id", id, "priority", priority, "error", err)
			}
		})

	mon := progress.New(progress.Config{
		UpdateInterval:  2 * time.Second,
		PersistInterval: 10 * time.Second,
		SnapshotPath:    fmt.Sprintf("%s/progress_%s.json", cfg.RecoveryDir, jobID),
	}, nil)

	uploader, dl, err := buildStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	coordCfg := coordinator.Config{
		JobID:               jobID,
		InputFile:           inputFile,
		MaxVideosPerChannel: cfg.MaxVideosPerChannel,
		SkipExistingVideos:  cfg.SkipExistingVideos,
		ContinueOnError:     cfg.ContinueOnError,
		DownloadVideos:      cfg.DownloadVideos,
		StoragePrefix:       cfg.S3Prefix,
		DownloadFormat:      cfg.DownloadFormat,
	}

	coord := coordinator.New(coordCfg, ext, st, sched, mon, cps, recoveryMgr, dlq, uploader, dl, logger)

	return &dependencies{coordinator: coord, resourceMon: resourceMon}, nil
}

// buildStorage selects the Uploader/Downloader pair matching cfg's download
// mode: local_only writes to disk with no network collaborator at all,
// anything else streams through yt-dlp into S3.
func buildStorage(ctx context.Context, cfg config.Config) (coordinator.Uploader, coordinator.Downloader, error) {
	if !cfg.DownloadVideos {
		return nil, nil, nil
	}

	dl := downloader.New(cfg.ExtractorPath, 10*time.Minute, cfg.DownloadResolution, cfg.DownloadSubtitles, cfg.LocalDownloadDir)

	if cfg.DownloadMode == config.DownloadModeLocalOnly {
		local, err := storage.NewLocalStorage(cfg.LocalDownloadDir)
		if err != nil {
			return nil, nil, fmt.Errorf("app: configure local storage: %w", err)
		}
		return local, dl, nil
	}

	s3store, err := storage.NewS3Storage(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("app: configure s3 storage: %w", err)
	}
	return s3store, dl, nil
}
