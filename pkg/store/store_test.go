package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viennatalksbout/talkbout/pkg/extractor"
)

func newTestStore(t *testing.T, mutate func(*Config)) *TopicStore {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func topicByName(t *testing.T, s *TopicStore, name string) Topic {
	t.Helper()
	for _, topic := range s.GetCurrentTopics() {
		if topic.NormalizedName == NormalizeTopicName(name) {
			return topic
		}
	}
	t.Fatalf("topic %q not in store", name)
	return Topic{}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	base := DefaultConfig()

	for name, mutate := range map[string]func(*Config){
		"zero max_active":       func(c *Config) { c.MaxActive = 0 },
		"zero stale_after":      func(c *Config) { c.StaleAfter = 0 },
		"decay factor zero":     func(c *Config) { c.DecayFactor = 0 },
		"decay factor one":      func(c *Config) { c.DecayFactor = 1 },
		"negative decay":        func(c *Config) { c.DecayFactor = -0.5 },
		"zero min_score":        func(c *Config) { c.MinScore = 0 },
		"zero retention_hours":  func(c *Config) { c.RetentionHours = 0 },
		"negative retention":    func(c *Config) { c.RetentionHours = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestNormalizeTopicName(t *testing.T) {
	assert.Equal(t, "u2 störung", NormalizeTopicName("  U2  Störung  "))
	assert.Equal(t, "donauinselfest", NormalizeTopicName("Donauinselfest"))
	assert.Equal(t, "", NormalizeTopicName("   "))
	// NFC: combining diacritic composes with the base letter.
	assert.Equal(t, NormalizeTopicName("Störung"), NormalizeTopicName("Sto\u0308rung"))
	// Idempotent.
	n := NormalizeTopicName("  U2  Störung  ")
	assert.Equal(t, n, NormalizeTopicName(n))
}

func TestMerge_NewTopicEnters(t *testing.T) {
	s := newTestStore(t, nil)
	now := time.Now().UTC()

	s.Merge([]extractor.ExtractedTopic{{Topic: "Donauinselfest", Score: 0.9, Count: 3}}, "mastodon:wien.rocks", now)

	topic := topicByName(t, s, "Donauinselfest")
	assert.Equal(t, "Donauinselfest", topic.Name)
	assert.Equal(t, StateEntering, topic.State)
	assert.Equal(t, 0.9, topic.Score)
	assert.Equal(t, now, topic.FirstSeen)
	assert.Equal(t, now, topic.LastSeen)
	assert.Equal(t, "mastodon:wien.rocks", topic.Source)
	assert.Equal(t, 0, topic.BatchesSinceSeen)
}

func TestMerge_CaseInsensitiveMatch_PreservesDisplayName(t *testing.T) {
	s := newTestStore(t, nil)
	t0 := time.Now().UTC()
	t1 := t0.Add(time.Minute)

	s.Merge([]extractor.ExtractedTopic{{Topic: "Donauinselfest", Score: 0.9, Count: 3}}, "src", t0)
	s.Merge([]extractor.ExtractedTopic{{Topic: "donauinselfest", Score: 0.8, Count: 2}}, "src", t1)

	assert.Equal(t, 1, s.GetTopicCount())
	topic := topicByName(t, s, "Donauinselfest")
	assert.Equal(t, "Donauinselfest", topic.Name)
	assert.Equal(t, StateGrowing, topic.State)
	assert.Equal(t, 0.8, topic.Score)
	assert.Equal(t, t0, topic.FirstSeen)
	assert.Equal(t, t1, topic.LastSeen)
}

// Full lifecycle: entering → growing → shrinking → gone, with default
// stale_after=3, decay=0.5, min_score=0.05.
func TestMerge_SingleTopicLifecycle(t *testing.T) {
	s := newTestStore(t, nil)
	now := time.Now().UTC()
	tick := func(i int) time.Time { return now.Add(time.Duration(i) * time.Minute) }

	s.Merge([]extractor.ExtractedTopic{{Topic: "Donauinselfest", Score: 0.9, Count: 3}}, "src", tick(0))
	s.Merge([]extractor.ExtractedTopic{{Topic: "donauinselfest", Score: 0.8, Count: 2}}, "src", tick(1))

	// t=2, t=3: unseen but still growing.
	s.Merge(nil, "src", tick(2))
	topic := topicByName(t, s, "Donauinselfest")
	assert.Equal(t, StateGrowing, topic.State)
	assert.Equal(t, 1, topic.BatchesSinceSeen)
	assert.Equal(t, 0.8, topic.Score)

	s.Merge(nil, "src", tick(3))
	topic = topicByName(t, s, "Donauinselfest")
	assert.Equal(t, StateGrowing, topic.State)
	assert.Equal(t, 2, topic.BatchesSinceSeen)

	// t=4: third unseen cycle transitions to shrinking and decays.
	s.Merge(nil, "src", tick(4))
	topic = topicByName(t, s, "Donauinselfest")
	assert.Equal(t, StateShrinking, topic.State)
	assert.InDelta(t, 0.4, topic.Score, 1e-9)

	s.Merge(nil, "src", tick(5))
	assert.InDelta(t, 0.2, topicByName(t, s, "Donauinselfest").Score, 1e-9)
	s.Merge(nil, "src", tick(6))
	assert.InDelta(t, 0.1, topicByName(t, s, "Donauinselfest").Score, 1e-9)

	// t=7: score 0.05 — removal is strict less-than, topic stays.
	s.Merge(nil, "src", tick(7))
	assert.InDelta(t, 0.05, topicByName(t, s, "Donauinselfest").Score, 1e-9)

	// t=8: 0.025 < 0.05 — removed.
	s.Merge(nil, "src", tick(8))
	assert.Equal(t, 0, s.GetTopicCount())
}

func TestMerge_ShrinkingRecoversToGrowing(t *testing.T) {
	s := newTestStore(t, nil)
	now := time.Now().UTC()

	s.Merge([]extractor.ExtractedTopic{{Topic: "Wiener Linien", Score: 0.8, Count: 2}}, "src", now)
	for i := 1; i <= 3; i++ {
		s.Merge(nil, "src", now.Add(time.Duration(i)*time.Minute))
	}
	assert.Equal(t, StateShrinking, topicByName(t, s, "Wiener Linien").State)

	s.Merge([]extractor.ExtractedTopic{{Topic: "wiener linien", Score: 0.6, Count: 1}}, "src", now.Add(4*time.Minute))
	topic := topicByName(t, s, "Wiener Linien")
	assert.Equal(t, StateGrowing, topic.State)
	assert.Equal(t, 0.6, topic.Score)
	assert.Equal(t, 0, topic.BatchesSinceSeen)
}

func TestMerge_DuplicateNormalizedName_LastWins(t *testing.T) {
	s := newTestStore(t, nil)

	s.Merge([]extractor.ExtractedTopic{
		{Topic: "Donauinselfest", Score: 0.3, Count: 1},
		{Topic: "DONAUINSELFEST", Score: 0.7, Count: 2},
	}, "src", time.Now().UTC())

	assert.Equal(t, 1, s.GetTopicCount())
	assert.Equal(t, 0.7, topicByName(t, s, "Donauinselfest").Score)
}

func TestMerge_EmptyNormalizedName_Skipped(t *testing.T) {
	s := newTestStore(t, nil)
	s.Merge([]extractor.ExtractedTopic{{Topic: "   ", Score: 0.9, Count: 1}}, "src", time.Now().UTC())
	assert.Equal(t, 0, s.GetTopicCount())
}

func TestMerge_CapEvictsLowestScorer(t *testing.T) {
	s := newTestStore(t, func(c *Config) { c.MaxActive = 3 })
	now := time.Now().UTC()

	s.Merge([]extractor.ExtractedTopic{
		{Topic: "A", Score: 0.5, Count: 1},
		{Topic: "B", Score: 0.6, Count: 1},
		{Topic: "C", Score: 0.7, Count: 1},
	}, "src", now)
	assert.Equal(t, 3, s.GetTopicCount())

	s.Merge([]extractor.ExtractedTopic{
		{Topic: "A", Score: 0.5, Count: 1},
		{Topic: "B", Score: 0.6, Count: 1},
		{Topic: "C", Score: 0.7, Count: 1},
		{Topic: "D", Score: 0.9, Count: 1},
	}, "src", now.Add(time.Minute))

	assert.Equal(t, 3, s.GetTopicCount())
	names := map[string]bool{}
	for _, topic := range s.GetCurrentTopics() {
		names[topic.Name] = true
	}
	assert.Equal(t, map[string]bool{"B": true, "C": true, "D": true}, names)
}

func TestGetCurrentTopics_SortedAndDetached(t *testing.T) {
	s := newTestStore(t, nil)
	s.Merge([]extractor.ExtractedTopic{
		{Topic: "Low", Score: 0.2, Count: 1},
		{Topic: "High", Score: 0.9, Count: 1},
		{Topic: "Mid", Score: 0.5, Count: 1},
	}, "src", time.Now().UTC())

	topics := s.GetCurrentTopics()
	require.Len(t, topics, 3)
	assert.Equal(t, "High", topics[0].Name)
	assert.Equal(t, "Mid", topics[1].Name)
	assert.Equal(t, "Low", topics[2].Name)

	// Mutating the returned copy must not affect the store.
	topics[0].Score = 0.01
	assert.Equal(t, 0.9, topicByName(t, s, "High").Score)
}

func TestMerge_StoreInvariants(t *testing.T) {
	s := newTestStore(t, func(c *Config) { c.MaxActive = 5 })
	now := time.Now().UTC()

	for i := 0; i < 10; i++ {
		s.Merge([]extractor.ExtractedTopic{
			{Topic: "Thema A", Score: 0.9, Count: 1},
			{Topic: "Thema B", Score: 0.1, Count: 1},
		}, "src", now.Add(time.Duration(i)*time.Minute))
		s.Merge(nil, "src", now.Add(time.Duration(i)*time.Minute+30*time.Second))

		assert.LessOrEqual(t, s.GetTopicCount(), 5)
		for _, topic := range s.GetCurrentTopics() {
			assert.Greater(t, topic.Score, 0.0)
			assert.LessOrEqual(t, topic.Score, 1.0)
			assert.False(t, topic.LastSeen.Before(topic.FirstSeen))
		}
	}
}
