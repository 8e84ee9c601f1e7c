// Package checkpoint implements the filesystem checkpoint store of spec
// §4.F: one opaque JSON record per checkpoint_id under a directory, written
// atomically (temp file then rename), guarded by an advisory file lock from
// github.com/gofrs/flock the way a multi-process deployment of the teacher's
// stack would coordinate access to a shared directory.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/massingest/engine/internal/models"
)

// Store persists models.Checkpoint records under dir/<checkpoint_id>.json.
type Store struct {
	dir string
}

// New constructs a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

var unsafeCheckpointChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// NewID builds a collision-resistant checkpoint id from a channel reference
// and the current time: a sanitized channel reference plus a timestamp
// (spec §4.F: "Checkpoint IDs include a sanitized channel reference and a
// timestamp to avoid collisions").
func NewID(channel string, at time.Time) string {
	sanitized := unsafeCheckpointChars.ReplaceAllString(channel, "_")
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		sanitized = "channel"
	}
	return fmt.Sprintf("%s-%s", sanitized, at.UTC().Format("20060102T150405.000000000Z"))
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) lockPathFor(id string) string {
	return filepath.Join(s.dir, "."+id+".lock")
}

// Save writes cp atomically: encode to JSON, write to a temp file under the
// same directory, fsync-then-rename over the destination. An advisory lock
// scoped to this checkpoint id serializes concurrent writers.
func (s *Store) Save(cp models.Checkpoint) error {
	if err := validateDisjoint(cp); err != nil {
		return err
	}

	lock := flock.New(s.lockPathFor(cp.CheckpointID))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("checkpoint: lock %s: %w", cp.CheckpointID, err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal %s: %w", cp.CheckpointID, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.pathFor(cp.CheckpointID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: rename into place: %w", err)
	}

	return nil
}

// Load reads the checkpoint with the given id.
func (s *Store) Load(id string) (models.Checkpoint, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("checkpoint: read %s: %w", id, err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return models.Checkpoint{}, fmt.Errorf("checkpoint: unmarshal %s: %w", id, err)
	}
	return cp, nil
}

// Latest resolves the most recently modified checkpoint whose id has the
// given prefix (typically the sanitized channel reference from NewID).
func (s *Store) Latest(prefix string) (models.Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("checkpoint: list dir: %w", err)
	}

	type candidate struct {
		name    string
		modTime time.Time
	}
	var candidates []candidate

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if prefix != "" && !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: entry.Name(), modTime: info.ModTime()})
	}

	if len(candidates) == 0 {
		return models.Checkpoint{}, fmt.Errorf("checkpoint: no checkpoints found for prefix %q", prefix)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.After(candidates[j].modTime) })

	id := strings.TrimSuffix(candidates[0].name, ".json")
	return s.Load(id)
}

// Cleanup removes checkpoint files older than maxAge.
func (s *Store) Cleanup(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: list dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
				removed++
			}
		}
	}

	return removed, nil
}

// validateDisjoint enforces spec §3's checkpoint invariant: completed,
// pending and failed item sets are pairwise disjoint.
func validateDisjoint(cp models.Checkpoint) error {
	seen := make(map[string]string, len(cp.CompletedItems)+len(cp.PendingItems)+len(cp.FailedItems))

	check := func(set string, id string) error {
		if prior, ok := seen[id]; ok {
			return fmt.Errorf("checkpoint: item %q present in both %s and %s sets", id, prior, set)
		}
		seen[id] = set
		return nil
	}

	for _, id := range cp.CompletedItems {
		if err := check("completed", id); err != nil {
			return err
		}
	}
	for _, id := range cp.PendingItems {
		if err := check("pending", id); err != nil {
			return err
		}
	}
	for _, item := range cp.FailedItems {
		if err := check("failed", item.ItemID); err != nil {
			return err
		}
	}

	return nil
}
