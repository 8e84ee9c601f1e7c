package extractor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massingest/engine/internal/models"
)

func fakeRunner(payload []byte, err error) CommandRunner {
	return func(ctx context.Context, binary string, args ...string) ([]byte, error) {
		return payload, err
	}
}

func TestEnumerateVideos_ParsesJSONLines(t *testing.T) {
	e := New("yt-dlp", nil, 0)
	e.Run = fakeRunner([]byte(`{"id":"abc12345678","title":"one"}
{"id":"def12345678","title":"two"}
`), nil)

	videos, errs := e.EnumerateVideos(context.Background(), models.ChannelRef("https://www.youtube.com/@x"))
	require.Empty(t, errs)
	require.Len(t, videos, 2)
	assert.Equal(t, "abc12345678", videos[0].VideoID)
	assert.Equal(t, "def12345678", videos[1].VideoID)
}

func TestEnumerateVideos_SkipsMalformedRecordsWithoutAborting(t *testing.T) {
	e := New("yt-dlp", nil, 0)
	e.Run = fakeRunner([]byte(`{"id":"abc12345678","title":"ok"}
{"title":"missing id"}
`), nil)

	videos, errs := e.EnumerateVideos(context.Background(), models.ChannelRef("https://www.youtube.com/@x"))
	require.Len(t, videos, 1)
	require.Len(t, errs, 1)
}

func TestEnumerateVideos_NonZeroExitWithOutputUsesPartialResults(t *testing.T) {
	e := New("yt-dlp", nil, 0)
	e.Run = fakeRunner([]byte(`{"id":"abc12345678","title":"ok"}
`), errors.New("exit status 1"))

	videos, errs := e.EnumerateVideos(context.Background(), models.ChannelRef("https://www.youtube.com/@x"))
	require.Len(t, videos, 1)
	require.Len(t, errs, 1)
}

func TestEnumerateVideos_NonZeroExitWithNoOutputAborts(t *testing.T) {
	e := New("yt-dlp", nil, 0)
	e.Run = fakeRunner(nil, errors.New("exit status 1"))

	videos, errs := e.EnumerateVideos(context.Background(), models.ChannelRef("https://www.youtube.com/@x"))
	require.Nil(t, videos)
	require.Len(t, errs, 1)
}

func TestProbeChannelInfo_CoalescesIdentity(t *testing.T) {
	e := New("yt-dlp", nil, 0)
	e.Run = fakeRunner([]byte(`{"id":"abc12345678","title":"one","channel_id":"UC1234567890","channel":"My Channel"}`), nil)

	info, err := e.ProbeChannelInfo(context.Background(), models.ChannelRef("https://www.youtube.com/@x"))
	require.NoError(t, err)
	assert.Equal(t, "UC1234567890", info.ChannelID)
	assert.Equal(t, "My Channel", info.Title)
	assert.False(t, info.Synthesized)
}

func TestDuplicateTracking_MarksAndQueries(t *testing.T) {
	e := New("yt-dlp", nil, 0)
	assert.False(t, e.IsDuplicate("abc12345678"))
	e.MarkProcessed("abc12345678", "uuid-1")
	assert.True(t, e.IsDuplicate("abc12345678"))
}

func TestLoadExisting_SeedsProcessedSet(t *testing.T) {
	e := New("yt-dlp", nil, 0)
	e.LoadExisting(map[string]string{"abc12345678": "uuid-1"})
	assert.True(t, e.IsDuplicate("abc12345678"))
}
