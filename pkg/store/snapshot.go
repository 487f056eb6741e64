package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrSnapshotNotFound is returned by LoadSnapshot when the file does not
// exist. It wraps fs.ErrNotExist, so errors.Is works with either.
var ErrSnapshotNotFound = fmt.Errorf("snapshot not found: %w", fs.ErrNotExist)

const (
	snapshotPrefix     = "topics_"
	snapshotHourLayout = "20060102_15"
)

// snapshotFile is the on-disk JSON shape of an hourly snapshot.
type snapshotFile struct {
	Timestamp string          `json:"timestamp"`
	Topics    []snapshotTopic `json:"topics"`
}

type snapshotTopic struct {
	Name             string  `json:"name"`
	Score            float64 `json:"score"`
	FirstSeen        string  `json:"first_seen"`
	LastSeen         string  `json:"last_seen"`
	Source           string  `json:"source"`
	State            string  `json:"state"`
	BatchesSinceSeen int     `json:"batches_since_seen"`
}

// SnapshotFilename returns the hourly snapshot filename for the given
// time, e.g. "topics_20250615_12.json" (UTC hour floor).
func SnapshotFilename(t time.Time) string {
	return snapshotPrefix + t.UTC().Format(snapshotHourLayout) + ".json"
}

// SaveSnapshot writes the current topics, sorted by score descending, to
// the hourly snapshot file for now. Two saves in the same hour overwrite.
// Returns the file path, or "" when no snapshot directory is configured.
func (s *TopicStore) SaveSnapshot(now time.Time) (string, error) {
	if s.cfg.SnapshotDir == "" {
		return "", nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	topics := s.GetCurrentTopics()
	snap := snapshotFile{
		Timestamp: now.UTC().Format(time.RFC3339),
		Topics:    make([]snapshotTopic, 0, len(topics)),
	}
	for _, t := range topics {
		snap.Topics = append(snap.Topics, snapshotTopic{
			Name:             t.Name,
			Score:            t.Score,
			FirstSeen:        t.FirstSeen.UTC().Format(time.RFC3339),
			LastSeen:         t.LastSeen.UTC().Format(time.RFC3339),
			Source:           t.Source,
			State:            string(t.State),
			BatchesSinceSeen: t.BatchesSinceSeen,
		})
	}

	if err := os.MkdirAll(s.cfg.SnapshotDir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	path := filepath.Join(s.cfg.SnapshotDir, SnapshotFilename(now))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	slog.Info("Saved snapshot", "path", path, "topics", len(topics))
	return path, nil
}

// LoadSnapshot reads topics from a snapshot file. The top level must be
// an object with a "topics" array; rows failing structural checks are
// skipped with a warning. Normalized names are recomputed on load.
// Returns ErrSnapshotNotFound when the file is missing.
func (s *TopicStore) LoadSnapshot(path string) ([]Topic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, path)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var raw struct {
		Topics *[]json.RawMessage `json:"topics"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid snapshot format in %s: %w", path, err)
	}
	if raw.Topics == nil {
		return nil, fmt.Errorf("invalid snapshot format: missing 'topics' key in %s", path)
	}

	topics := make([]Topic, 0, len(*raw.Topics))
	for _, row := range *raw.Topics {
		topic, err := parseSnapshotTopic(row)
		if err != nil {
			slog.Warn("Skipping malformed topic in snapshot", "path", path, "error", err)
			continue
		}
		topics = append(topics, topic)
	}
	return topics, nil
}

func parseSnapshotTopic(row json.RawMessage) (Topic, error) {
	var st snapshotTopic
	if err := json.Unmarshal(row, &st); err != nil {
		return Topic{}, err
	}
	if st.Name == "" {
		return Topic{}, errors.New("missing name")
	}
	firstSeen, err := time.Parse(time.RFC3339, st.FirstSeen)
	if err != nil {
		return Topic{}, fmt.Errorf("invalid first_seen: %w", err)
	}
	lastSeen, err := time.Parse(time.RFC3339, st.LastSeen)
	if err != nil {
		return Topic{}, fmt.Errorf("invalid last_seen: %w", err)
	}
	state := TopicState(st.State)
	if !state.valid() {
		return Topic{}, fmt.Errorf("invalid state %q", st.State)
	}
	if st.BatchesSinceSeen < 0 {
		return Topic{}, fmt.Errorf("invalid batches_since_seen %d", st.BatchesSinceSeen)
	}
	return Topic{
		Name:             st.Name,
		NormalizedName:   NormalizeTopicName(st.Name),
		Score:            st.Score,
		FirstSeen:        firstSeen,
		LastSeen:         lastSeen,
		Source:           st.Source,
		State:            state,
		BatchesSinceSeen: st.BatchesSinceSeen,
	}, nil
}

// CleanupSnapshots removes snapshot files whose filename-encoded hour is
// strictly older than now minus the retention period. Files with
// malformed names are left alone. Returns the number removed.
func (s *TopicStore) CleanupSnapshots(now time.Time) (int, error) {
	if s.cfg.SnapshotDir == "" {
		return 0, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	cutoff := now.Add(-time.Duration(s.cfg.RetentionHours) * time.Hour)

	paths, err := filepath.Glob(filepath.Join(s.cfg.SnapshotDir, snapshotPrefix+"*.json"))
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}

	removed := 0
	for _, path := range paths {
		stem := strings.TrimSuffix(filepath.Base(path), ".json")
		fileTime, err := time.Parse(snapshotHourLayout, strings.TrimPrefix(stem, snapshotPrefix))
		if err != nil {
			slog.Warn("Ignoring snapshot with unparseable name", "path", path)
			continue
		}
		if fileTime.Before(cutoff) {
			if err := os.Remove(path); err != nil {
				slog.Warn("Error removing old snapshot", "path", path, "error", err)
				continue
			}
			removed++
			slog.Debug("Removed old snapshot", "path", path)
		}
	}

	if removed > 0 {
		slog.Info("Cleaned up old snapshots", "removed", removed)
	}
	return removed, nil
}
