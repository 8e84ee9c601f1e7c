// Package downloader provides the default coordinator.Downloader: it shells
// out to the same extractor binary used for enumeration, this time asking
// yt-dlp to actually fetch the media file, adapted from the teacher's
// YTDLPProvider.Fetch (exec, locate the file yt-dlp wrote, open it) but
// returning an io.ReadCloser instead of persisting directly, so the
// coordinator's own Uploader/byte-counting path stays in charge of storage.
package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/massingest/engine/internal/models"
)

// CommandRunner executes an external command, returning its stdout.
type CommandRunner func(ctx context.Context, binary string, args ...string) ([]byte, error)

func defaultCommandRunner(ctx context.Context, binary string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	return cmd.Output()
}

// YTDLP downloads one video at a time to a scratch directory and hands the
// resulting file back as an io.ReadCloser, cleaning up the temp file once
// the caller closes it.
type YTDLP struct {
	Binary     string
	Run        CommandRunner
	Timeout    time.Duration
	Resolution string
	Subtitles  bool
	WorkDir    string
}

// New constructs a YTDLP downloader. binary defaults to "yt-dlp", timeout to
// 10 minutes, resolution to "best" and workDir to the OS temp directory.
func New(binary string, timeout time.Duration, resolution string, subtitles bool, workDir string) *YTDLP {
	if binary == "" {
		binary = "yt-dlp"
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if resolution == "" {
		resolution = "best"
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &YTDLP{
		Binary:     binary,
		Run:        defaultCommandRunner,
		Timeout:    timeout,
		Resolution: resolution,
		Subtitles:  subtitles,
		WorkDir:    workDir,
	}
}

// watchURL builds the canonical video URL yt-dlp expects from a bare video
// id, mirroring the youtube.com-only grammar internal/extractor enforces on
// channel URLs.
func watchURL(videoID string) string {
	return fmt.Sprintf("https://www.youtube.com/watch?v=%s", videoID)
}

// Download fetches videoID's media file and returns it as a ReadCloser whose
// Close also removes the scratch directory, satisfying coordinator.Downloader.
func (d *YTDLP) Download(ctx context.Context, channel models.ChannelRef, videoID string) (io.ReadCloser, error) {
	dir, err := os.MkdirTemp(d.WorkDir, "massdl-"+videoID+"-")
	if err != nil {
		return nil, fmt.Errorf("downloader: create scratch dir: %w", err)
	}

	args := []string{
		"-f", d.Resolution,
		"--no-playlist",
		"--no-warnings",
		"-o", filepath.Join(dir, "%(id)s.%(ext)s"),
		"--print", "after_move:filepath",
	}
	if d.Subtitles {
		args = append(args, "--write-subs", "--write-auto-subs")
	}
	args = append(args, watchURL(videoID))

	run := d.Run
	if run == nil {
		run = defaultCommandRunner
	}
	runCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	out, err := run(runCtx, d.Binary, args...)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("downloader: fetch %s: %w", videoID, err)
	}

	path := lastNonEmptyLine(string(out))
	if path == "" {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("downloader: yt-dlp did not report a downloaded file for %s", videoID)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, filepath.Base(path))
	}

	f, err := os.Open(path)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("downloader: open downloaded file for %s: %w", videoID, err)
	}

	return &scratchFile{File: f, dir: dir}, nil
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return line
		}
	}
	return ""
}

type scratchFile struct {
	*os.File
	dir string
}

func (s *scratchFile) Close() error {
	closeErr := s.File.Close()
	if err := os.RemoveAll(s.dir); err != nil && closeErr == nil {
		return fmt.Errorf("downloader: cleanup scratch dir: %w", err)
	}
	return closeErr
}
