package coordinator

import (
	"context"
	"io"

	"github.com/massingest/engine/internal/models"
)

// Downloader fetches the media bytes for a video. It is an external
// collaborator contract (spec §1: "the external media-extractor process
// itself" is out of scope) — the default wiring shells out to the same
// binary internal/extractor uses, but tests inject a fake.
type Downloader interface {
	Download(ctx context.Context, channel models.ChannelRef, videoID string) (io.ReadCloser, error)
}

// Uploader persists downloaded media to durable object storage and returns
// its storage path/key. Also an external collaborator contract (spec §1);
// internal/storage.S3Storage satisfies this shape.
type Uploader interface {
	Save(ctx context.Context, key string, r io.Reader) (string, error)
}
