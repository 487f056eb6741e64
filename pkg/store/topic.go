package store

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// TopicState is the lifecycle tag of a topic in the tag cloud.
type TopicState string

const (
	// StateEntering marks a topic seen for the first time.
	StateEntering TopicState = "entering"
	// StateGrowing marks a topic seen again after entering or shrinking.
	StateGrowing TopicState = "growing"
	// StateShrinking marks a topic that has gone unseen and is decaying.
	StateShrinking TopicState = "shrinking"
)

// valid reports whether s is one of the known lifecycle states.
func (s TopicState) valid() bool {
	switch s {
	case StateEntering, StateGrowing, StateShrinking:
		return true
	}
	return false
}

// Topic is a tracked trending topic with lifecycle metadata.
type Topic struct {
	// Name is the display name, preserving the casing of the first
	// extraction that introduced the topic.
	Name string
	// NormalizedName is the matching key, NormalizeTopicName(Name) at
	// insertion time.
	NormalizedName string
	// Score is the current relevance in [0, 1].
	Score float64
	// FirstSeen and LastSeen bracket the topic's lifetime (UTC).
	FirstSeen time.Time
	LastSeen  time.Time
	// Source is the datasource identifier of the first match.
	Source string
	// State is the current lifecycle state.
	State TopicState
	// BatchesSinceSeen counts consecutive merge cycles without a match.
	BatchesSinceSeen int
}

// NormalizeTopicName normalizes a topic name for case-insensitive
// matching: Unicode NFC, lowercased, trimmed, with runs of Unicode
// whitespace collapsed to single ASCII spaces.
func NormalizeTopicName(name string) string {
	normalized := norm.NFC.String(name)
	normalized = strings.ToLower(normalized)
	return strings.Join(strings.Fields(normalized), " ")
}
