package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massingest/engine/internal/models"
)

func TestSaveLoad_RoundTripsIdentically(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	cp := models.Checkpoint{
		CheckpointID:   "chan-20260101T000000Z",
		Operation:      "enumerate_channel",
		Timestamp:      time.Now().UTC().Truncate(time.Second),
		State:          map[string]any{"cursor": "abc"},
		CompletedItems: []string{"v1", "v2"},
		PendingItems:   []string{"v3"},
		FailedItems: []models.FailedItem{
			{ItemID: "v4", Error: models.ErrorContext{ErrorType: "transport", Operation: "download"}},
		},
	}

	require.NoError(t, store.Save(cp))

	loaded, err := store.Load(cp.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, cp.CheckpointID, loaded.CheckpointID)
	assert.Equal(t, cp.CompletedItems, loaded.CompletedItems)
	assert.Equal(t, cp.PendingItems, loaded.PendingItems)
	assert.Equal(t, cp.FailedItems, loaded.FailedItems)
}

func TestSave_RejectsOverlappingItemSets(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	cp := models.Checkpoint{
		CheckpointID:   "chan-x",
		CompletedItems: []string{"v1"},
		PendingItems:   []string{"v1"},
	}

	err = store.Save(cp)
	require.Error(t, err)
}

func TestSaveLoadSave_IsAFixedPoint(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	cp := models.Checkpoint{CheckpointID: "fixed", CompletedItems: []string{"a"}}
	require.NoError(t, store.Save(cp))

	loaded, err := store.Load("fixed")
	require.NoError(t, err)
	require.NoError(t, store.Save(loaded))

	reloaded, err := store.Load("fixed")
	require.NoError(t, err)
	assert.Equal(t, loaded, reloaded)
}

func TestLatest_ResolvesMostRecentByModTime(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save(models.Checkpoint{CheckpointID: "chan-1"}))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.Save(models.Checkpoint{CheckpointID: "chan-2"}))

	latest, err := store.Latest("chan-")
	require.NoError(t, err)
	assert.Equal(t, "chan-2", latest.CheckpointID)
}

func TestCleanup_RemovesOldCheckpoints(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save(models.Checkpoint{CheckpointID: "stale"}))

	removed, err := store.Cleanup(-time.Hour) // negative maxAge: everything is "older"
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Load("stale")
	assert.Error(t, err)
}

func TestNewID_IsSanitizedAndCollisionResistant(t *testing.T) {
	id1 := NewID("https://www.youtube.com/@ex", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	id2 := NewID("https://www.youtube.com/@ex", time.Date(2026, 1, 1, 0, 0, 0, 1, time.UTC))

	assert.NotEqual(t, id1, id2)
	assert.NotContains(t, id1, "/")
	assert.NotContains(t, id1, ":")
}
