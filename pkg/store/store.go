// Package store maintains the bounded set of active trending topics with
// lifecycle states, score decay, and hourly JSON snapshots.
//
// Topic matching is case-insensitive, whitespace-normalized, Unicode NFC.
// Exact normalized matching is used; the LLM tends to be consistent in
// naming, so fuzzy matching is deferred until fragmentation shows up in
// practice.
//
// Lifecycle transitions:
//
//	new topic                                      → entering
//	entering/shrinking + seen again                → growing
//	growing + seen again                           → growing (score updated)
//	entering/growing + unseen stale_after batches  → shrinking
//	shrinking + score decays below min_score       → removed
//
// All topics count toward the max_active cap; when the cap is exceeded the
// lowest-scoring topic is evicted, which naturally prioritizes growing
// topics over fading ones.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/viennatalksbout/talkbout/pkg/extractor"
)

// Defaults for store construction.
const (
	DefaultMaxActive      = 20
	DefaultStaleAfter     = 3
	DefaultDecayFactor    = 0.5
	DefaultMinScore       = 0.05
	DefaultRetentionHours = 24
)

// Config holds TopicStore settings. Use DefaultConfig as a base.
type Config struct {
	// MaxActive caps the number of topics kept in the store.
	MaxActive int
	// StaleAfter is the number of unseen merge cycles before a topic
	// starts shrinking.
	StaleAfter int
	// DecayFactor multiplies a shrinking topic's score each merge cycle.
	// Must be strictly between 0 and 1.
	DecayFactor float64
	// MinScore is the threshold below which a shrinking topic is removed.
	MinScore float64
	// SnapshotDir holds the hourly JSON snapshots; empty disables them.
	SnapshotDir string
	// RetentionHours bounds how long snapshot files are kept.
	RetentionHours int
}

// DefaultConfig returns the standard store settings with snapshots
// disabled.
func DefaultConfig() Config {
	return Config{
		MaxActive:      DefaultMaxActive,
		StaleAfter:     DefaultStaleAfter,
		DecayFactor:    DefaultDecayFactor,
		MinScore:       DefaultMinScore,
		RetentionHours: DefaultRetentionHours,
	}
}

// TopicStore is a thread-safe store of active trending topics. Call Merge
// after each extraction cycle to update the set.
type TopicStore struct {
	cfg Config

	mu     sync.Mutex
	topics map[string]*Topic // keyed by normalized name
}

// New creates a TopicStore, validating the configuration.
func New(cfg Config) (*TopicStore, error) {
	if cfg.MaxActive <= 0 {
		return nil, fmt.Errorf("max_active must be positive, got %d", cfg.MaxActive)
	}
	if cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("stale_after must be positive, got %d", cfg.StaleAfter)
	}
	if cfg.DecayFactor <= 0 || cfg.DecayFactor >= 1 {
		return nil, fmt.Errorf("decay_factor must be in (0, 1), got %g", cfg.DecayFactor)
	}
	if cfg.MinScore <= 0 {
		return nil, fmt.Errorf("min_score must be positive, got %g", cfg.MinScore)
	}
	if cfg.RetentionHours <= 0 {
		return nil, fmt.Errorf("retention_hours must be positive, got %d", cfg.RetentionHours)
	}
	return &TopicStore{
		cfg:    cfg,
		topics: make(map[string]*Topic),
	}, nil
}

// Merge folds newly extracted topics into the store:
//
//   - matched topics get the new score, a refreshed LastSeen, and move to
//     growing;
//   - new topics are inserted as entering;
//   - unseen topics age, start shrinking after StaleAfter cycles, decay
//     while shrinking, and are removed below MinScore;
//   - the MaxActive cap is enforced by evicting the lowest scorer.
//
// When the same normalized name appears twice in one merge, the last
// occurrence wins.
func (s *TopicStore) Merge(extracted []extractor.ExtractedTopic, source string, now time.Time) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(extracted))

	for _, et := range extracted {
		name := NormalizeTopicName(et.Topic)
		if name == "" {
			continue
		}
		seen[name] = struct{}{}

		if topic, ok := s.topics[name]; ok {
			topic.Score = et.Score
			topic.LastSeen = now
			topic.BatchesSinceSeen = 0
			if topic.State == StateEntering || topic.State == StateShrinking {
				topic.State = StateGrowing
			}
			continue
		}

		s.topics[name] = &Topic{
			Name:           strings.TrimSpace(et.Topic),
			NormalizedName: name,
			Score:          et.Score,
			FirstSeen:      now,
			LastSeen:       now,
			Source:         source,
			State:          StateEntering,
		}
	}

	// Age, decay, and remove topics that went unseen this cycle.
	for name, topic := range s.topics {
		if _, ok := seen[name]; ok {
			continue
		}

		topic.BatchesSinceSeen++

		if (topic.State == StateEntering || topic.State == StateGrowing) &&
			topic.BatchesSinceSeen >= s.cfg.StaleAfter {
			topic.State = StateShrinking
		}

		if topic.State == StateShrinking {
			topic.Score *= s.cfg.DecayFactor
			if topic.Score < s.cfg.MinScore {
				slog.Debug("Topic disappeared", "topic", topic.Name)
				delete(s.topics, name)
			}
		}
	}

	s.enforceCap()
}

// enforceCap evicts the lowest-scoring topics until the store fits
// MaxActive. Caller must hold the lock.
func (s *TopicStore) enforceCap() {
	for len(s.topics) > s.cfg.MaxActive {
		lowest := ""
		for name, topic := range s.topics {
			if lowest == "" || topic.Score < s.topics[lowest].Score {
				lowest = name
			}
		}
		slog.Debug("Evicting topic at cap",
			"topic", s.topics[lowest].Name, "score", s.topics[lowest].Score)
		delete(s.topics, lowest)
	}
}

// GetCurrentTopics returns detached copies of all active topics, sorted
// by score descending. Safe to use without holding the store's lock.
func (s *TopicStore) GetCurrentTopics() []Topic {
	s.mu.Lock()
	topics := make([]Topic, 0, len(s.topics))
	for _, t := range s.topics {
		topics = append(topics, *t)
	}
	s.mu.Unlock()

	sort.Slice(topics, func(i, j int) bool {
		return topics[i].Score > topics[j].Score
	})
	return topics
}

// GetTopicCount returns the number of active topics.
func (s *TopicStore) GetTopicCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics)
}
