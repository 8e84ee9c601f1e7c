package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/massingest/engine/internal/config"
)

type fakePool struct{}

func (fakePool) Acquire(context.Context) (*pgxpool.Conn, error) {
	return nil, errors.New("not implemented")
}

func (fakePool) Close() {}

func testConfig() config.Config {
	return config.Config{
		ExtractorPath:    "yt-dlp",
		ExtractorTimeout: time.Second,

		MaxConcurrentChannels:  2,
		MaxConcurrentDownloads: 2,
		SkipExistingVideos:     true,
		ContinueOnError:        true,

		RecoveryDir:      "./testdata/recovery",
		MaxCPUPercent:    85,
		MaxMemoryPercent: 85,
		CheckInterval:    5 * time.Second,
		ThrottleFactor:   0.5,
		MinConcurrent:    1,

		RateLimiting: map[string]config.RateLimitService{
			"extractor": {Rate: 2.0, Burst: 5},
		},
	}
}

func TestBuildDependencies_NoDownloads(t *testing.T) {
	cfg := testConfig()

	deps, err := buildDependencies(context.Background(), fakePool{}, cfg, "job-1", "channels.txt", nil)
	require.NoError(t, err)
	require.NotNil(t, deps.coordinator)
	require.NotNil(t, deps.resourceMon)
	require.Equal(t, "job-1", deps.coordinator.JobID())
}

func TestBuildDependencies_RejectsBadRateLimitConfig(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimiting = map[string]config.RateLimitService{
		"extractor": {Rate: 0, Burst: 5},
	}

	_, err := buildDependencies(context.Background(), fakePool{}, cfg, "job-1", "channels.txt", nil)
	require.Error(t, err)
}

func TestBuildDependencies_LocalOnlyDownloadsNeedNoAWSCreds(t *testing.T) {
	cfg := testConfig()
	cfg.DownloadVideos = true
	cfg.DownloadMode = config.DownloadModeLocalOnly
	cfg.LocalDownloadDir = t.TempDir()

	deps, err := buildDependencies(context.Background(), fakePool{}, cfg, "job-2", "channels.txt", nil)
	require.NoError(t, err)
	require.NotNil(t, deps.coordinator)
}
