package extractor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/massingest/engine/internal/models"
)

const (
	maxDurationSeconds = 86400
	maxStringLen       = 4096
	maxListItems        = 64
)

var channelURLIDPattern = regexp.MustCompile(`(?:/channel/)([A-Za-z0-9_-]{10,})`)

// ParseVideoMetadata runs the nine defensive parsing phases over one raw
// extractor record and produces a models.VideoMetadata. It returns an error
// only when a required field is missing or malformed; every optional field
// degrades to a zero value rather than aborting the record.
func ParseVideoMetadata(rec map[string]any, channelHint string) (models.VideoMetadata, error) {
	// Phase 1: required fields.
	videoID, ok := stringField(rec, "id")
	if !ok || videoID == "" {
		return models.VideoMetadata{}, fmt.Errorf("missing required field %q", "id")
	}
	title, ok := stringField(rec, "title")
	if !ok || title == "" {
		return models.VideoMetadata{}, fmt.Errorf("missing required field %q", "title")
	}

	meta := models.VideoMetadata{
		VideoID: videoID,
		Title:   capString(title, maxStringLen),
		Extra:   make(map[string]any),
	}

	// Phase 2: optional string fields, length capped.
	if desc, ok := stringField(rec, "description"); ok {
		meta.Description = capString(desc, maxStringLen)
	}

	// Phase 3: duration, accepting int, float or HH:MM:SS / MM:SS strings,
	// rejecting negative values and anything over 86400 seconds.
	if d, ok := parseDuration(rec["duration"]); ok {
		meta.Duration = d
	}

	// Phase 4: upload date, accepting YYYYMMDD, unix epoch, or ISO-8601Z.
	meta.UploadDate = parseUploadDate(rec["upload_date"])

	// Phase 5: numeric fields, non-negative, clamped at int64 bounds.
	meta.ViewCount = parseNonNegativeInt(rec["view_count"])
	meta.LikeCount = parseNonNegativeInt(rec["like_count"])
	meta.CommentCount = parseNonNegativeInt(rec["comment_count"])

	// Phase 6: list fields, capped in length.
	meta.Tags = parseStringList(rec["tags"], maxListItems)
	meta.Categories = parseStringList(rec["categories"], maxListItems)

	// Phase 7: thumbnail, selecting the highest-resolution candidate from a
	// thumbnails list, falling back to a flat "thumbnail" string field.
	meta.ThumbnailURL = parseThumbnail(rec)

	// Phase 8: channel id, coalesced from several candidate fields with a
	// URL-derived or synthesized fallback.
	meta.ChannelID = coalesceChannelID(rec, channelHint)

	// Phase 9: boolean truthiness fields.
	meta.IsLive = parseBool(rec["is_live"])
	meta.AgeRestricted = parseBool(rec["age_limit"]) || parseAgeLimit(rec["age_limit"])

	return meta, nil
}

func stringField(rec map[string]any, key string) (string, bool) {
	v, ok := rec[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return strings.TrimSpace(s), ok
}

func capString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func parseDuration(v any) (int64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		return validDuration(int64(x))
	case int64:
		return validDuration(x)
	case int:
		return validDuration(int64(x))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return validDuration(int64(n))
		}
		parts := strings.Split(s, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return 0, false
		}
		var total int64
		for _, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil {
				return 0, false
			}
			total = total*60 + int64(n)
		}
		return validDuration(total)
	default:
		return 0, false
	}
}

// validDuration rejects negative durations and durations over 86400 seconds
// rather than clamping them, matching the extractor's own rejection of
// out-of-range durations.
func validDuration(seconds int64) (int64, bool) {
	if seconds < 0 || seconds > maxDurationSeconds {
		return 0, false
	}
	return seconds, true
}

func parseUploadDate(v any) *time.Time {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil
		}
		if len(s) == 8 {
			if t, err := time.ParseInLocation("20060102", s, time.UTC); err == nil {
				return &t
			}
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			u := t.UTC()
			return &u
		}
		if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
			t := time.Unix(epoch, 0).UTC()
			return &t
		}
		return nil
	case float64:
		t := time.Unix(int64(x), 0).UTC()
		return &t
	default:
		return nil
	}
}

func parseNonNegativeInt(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case float64:
		if x < 0 {
			return 0
		}
		if x >= 1<<63 {
			return 1<<63 - 1
		}
		return int64(x)
	case int64:
		if x < 0 {
			return 0
		}
		return x
	case int:
		if x < 0 {
			return 0
		}
		return int64(x)
	case string:
		s := strings.TrimSpace(x)
		s = strings.NewReplacer(",", "", " ", "").Replace(s)
		if s == "" {
			return 0
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil || n < 0 {
			return 0
		}
		if n >= 1<<63 {
			return 1<<63 - 1
		}
		return int64(n)
	default:
		return 0
	}
}

func parseStringList(v any, max int) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if len(out) >= max {
			break
		}
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseThumbnail(rec map[string]any) string {
	if thumbs, ok := rec["thumbnails"].([]any); ok {
		best := ""
		bestArea := -1
		for _, raw := range thumbs {
			thumb, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			url, _ := stringField(thumb, "url")
			if url == "" {
				continue
			}
			w := intFrom(thumb["width"])
			h := intFrom(thumb["height"])
			area := w * h
			if area >= bestArea {
				bestArea = area
				best = url
			}
		}
		if best != "" {
			return best
		}
	}
	if flat, ok := stringField(rec, "thumbnail"); ok {
		return flat
	}
	return ""
}

func intFrom(v any) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case int:
		return x
	case int64:
		return int(x)
	default:
		return 0
	}
}

func coalesceChannelID(rec map[string]any, channelHint string) string {
	for _, key := range []string{"channel_id", "uploader_id", "playlist_channel_id"} {
		if id, ok := stringField(rec, key); ok && id != "" {
			return id
		}
	}
	if match := channelURLIDPattern.FindStringSubmatch(channelHint); len(match) == 2 {
		return match[1]
	}
	prefix := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, channelHint)
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	return "UNKNOWN_" + prefix
}

func parseBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		return s == "true" || s == "1" || s == "yes"
	default:
		return false
	}
}

func parseAgeLimit(v any) bool {
	return intFrom(v) >= 18
}

// coalesceChannelInfo derives a models.ChannelInfo from a flat-playlist probe
// result, synthesizing an id when the extractor provides none.
func coalesceChannelInfo(records []map[string]any, channel models.ChannelRef) models.ChannelInfo {
	if len(records) == 0 {
		id := coalesceChannelID(nil, string(channel))
		return models.ChannelInfo{ChannelID: id, URL: channel, Synthesized: true}
	}

	rec := records[0]
	id := coalesceChannelID(rec, string(channel))
	title, _ := stringField(rec, "channel")
	if title == "" {
		title, _ = stringField(rec, "uploader")
	}

	return models.ChannelInfo{
		ChannelID:   id,
		Title:       title,
		URL:         channel,
		Synthesized: strings.HasPrefix(id, "UNKNOWN_"),
	}
}
