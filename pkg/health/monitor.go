// Package health tracks pipeline liveness: time since the last received
// post, extraction success rates, and overall counters.
package health

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultStaleStream is how long the pipeline goes without a post before
// the stream is considered stale.
const DefaultStaleStream = 30 * time.Minute

// Status is a point-in-time snapshot of pipeline health.
type Status struct {
	// LastPostTime is when the most recent post arrived; zero if no
	// post has been received yet.
	LastPostTime     time.Time
	PostsReceived    int
	BatchesProcessed int
	BatchesFailed    int
	TopicsExtracted  int
	StreamStale      bool
}

// LLMSuccessRate is the fraction of batches that extracted successfully,
// in [0, 1]. Reports 1.0 when no batches have completed yet.
func (s Status) LLMSuccessRate() float64 {
	total := s.BatchesProcessed + s.BatchesFailed
	if total == 0 {
		return 1.0
	}
	return float64(s.BatchesProcessed) / float64(total)
}

// Monitor is a thread-safe health monitor for the ingestion pipeline.
type Monitor struct {
	staleStream time.Duration
	now         func() time.Time

	mu               sync.Mutex
	lastPostTime     time.Time
	postsReceived    int
	batchesProcessed int
	batchesFailed    int
	topicsExtracted  int
}

// NewMonitor creates a monitor with the given stale-stream threshold.
func NewMonitor(staleStream time.Duration) (*Monitor, error) {
	if staleStream <= 0 {
		return nil, errors.New("stale stream threshold must be positive")
	}
	return &Monitor{staleStream: staleStream, now: time.Now}, nil
}

// StaleStream returns the configured stale-stream threshold.
func (m *Monitor) StaleStream() time.Duration {
	return m.staleStream
}

// RecordPost records that a post was received.
func (m *Monitor) RecordPost() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPostTime = m.now()
	m.postsReceived++
}

// RecordBatchSuccess records a successful extraction and the number of
// topics it produced.
func (m *Monitor) RecordBatchSuccess(topicCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchesProcessed++
	m.topicsExtracted += topicCount
}

// RecordBatchFailure records a batch whose extraction retries were
// exhausted.
func (m *Monitor) RecordBatchFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchesFailed++
}

// GetStatus returns a snapshot of current health metrics. The stream is
// stale when a post has been received before but none within the
// threshold; a pipeline that has never seen a post is not stale.
func (m *Monitor) GetStatus() Status {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	stale := false
	if !m.lastPostTime.IsZero() {
		stale = now.Sub(m.lastPostTime) > m.staleStream
	}

	return Status{
		LastPostTime:     m.lastPostTime,
		PostsReceived:    m.postsReceived,
		BatchesProcessed: m.batchesProcessed,
		BatchesFailed:    m.batchesFailed,
		TopicsExtracted:  m.topicsExtracted,
		StreamStale:      stale,
	}
}

// CheckAndLog logs a one-line health summary and returns the snapshot.
func (m *Monitor) CheckAndLog() Status {
	status := m.GetStatus()
	slog.Info("Health",
		"posts", status.PostsReceived,
		"batches_ok", status.BatchesProcessed,
		"batches_fail", status.BatchesFailed,
		"topics", status.TopicsExtracted,
		"llm_success", fmt.Sprintf("%.0f%%", status.LLMSuccessRate()*100),
		"stale", status.StreamStale,
	)
	if status.StreamStale {
		slog.Warn("Stream appears stale",
			"threshold", m.staleStream.String())
	}
	return status
}
