// Package buffer batches incoming posts into timed windows.
//
// The PostBuffer sits between the datasources (which emit individual
// posts) and the topic extractor (which processes batches). It is thread
// safe: datasources call AddPost from their own workers while the window
// timer flushes from another goroutine.
package buffer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/viennatalksbout/talkbout/pkg/datasource"
)

// Defaults for buffer construction.
const (
	DefaultWindow       = 10 * time.Minute
	DefaultMaxBatchSize = 100
)

// PostBatch is an immutable group of posts with window metadata.
type PostBatch struct {
	// Posts in AddPost order.
	Posts []datasource.Post
	// WindowStart is when the collection window opened (UTC).
	WindowStart time.Time
	// WindowEnd is when the collection window closed (UTC).
	WindowEnd time.Time
	// PostCount equals len(Posts).
	PostCount int
	// Source is the datasource identifier, or "multi" when more than one
	// datasource feeds the buffer.
	Source string
}

// BatchHandler consumes each flushed batch. It is never invoked for an
// empty window and never while the buffer lock is held.
type BatchHandler func(PostBatch)

// PostBuffer accumulates posts and flushes them in timed batches.
// A flush also fires early when the in-flight window reaches the
// configured size cap.
type PostBuffer struct {
	window   time.Duration
	source   string
	onBatch  BatchHandler
	maxBatch int

	mu          sync.Mutex
	posts       []datasource.Post
	windowStart time.Time
	timer       *time.Timer
	running     bool
}

// New creates a PostBuffer. window and maxBatchSize must be positive.
func New(window time.Duration, source string, onBatch BatchHandler, maxBatchSize int) (*PostBuffer, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %v", window)
	}
	if maxBatchSize <= 0 {
		return nil, fmt.Errorf("max batch size must be positive, got %d", maxBatchSize)
	}
	return &PostBuffer{
		window:   window,
		source:   source,
		onBatch:  onBatch,
		maxBatch: maxBatchSize,
	}, nil
}

// Window returns the configured window duration.
func (b *PostBuffer) Window() time.Duration { return b.window }

// Source returns the datasource identifier included in batch metadata.
func (b *PostBuffer) Source() string { return b.source }

// MaxBatchSize returns the early-flush size cap.
func (b *PostBuffer) MaxBatchSize() int { return b.maxBatch }

// Start opens the first collection window and schedules the timer-driven
// flush. Idempotent.
func (b *PostBuffer) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.windowStart = time.Now().UTC()
	b.posts = nil
	b.timer = time.AfterFunc(b.window, b.onTimer)
	b.mu.Unlock()

	slog.Info("Post buffer started",
		"window", b.window, "max_batch", b.maxBatch, "source", b.source)
}

// Stop cancels the pending timer and flushes any remaining posts.
// Idempotent; posts added after Stop are silently dropped.
func (b *PostBuffer) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	b.flush()
	slog.Info("Post buffer stopped", "source", b.source)
}

// AddPost appends a post to the current window. Safe to call from any
// goroutine. Posts arriving while the buffer is not running are dropped.
// Reaching the size cap triggers a synchronous early flush.
func (b *PostBuffer) AddPost(p datasource.Post) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.posts = append(b.posts, p)
	full := len(b.posts) >= b.maxBatch
	b.mu.Unlock()

	if full {
		slog.Info("Batch size cap reached, triggering early flush", "max_batch", b.maxBatch)
		b.flush()
	}
}

func (b *PostBuffer) onTimer() {
	b.flush()
}

// flush swaps out the in-flight window under the lock, reschedules the
// timer, then emits the batch via callback outside the lock. Empty
// windows emit nothing.
func (b *PostBuffer) flush() {
	now := time.Now().UTC()

	b.mu.Lock()
	posts := b.posts
	windowStart := b.windowStart
	b.posts = nil
	b.windowStart = now
	if b.running {
		// An early flush replaces the pending timer so each window gets
		// exactly one timer firing.
		if b.timer != nil {
			b.timer.Stop()
		}
		b.timer = time.AfterFunc(b.window, b.onTimer)
	}
	b.mu.Unlock()

	if len(posts) == 0 {
		slog.Debug("Empty window, skipping batch emission")
		return
	}
	if windowStart.IsZero() {
		windowStart = now
	}

	batch := PostBatch{
		Posts:       posts,
		WindowStart: windowStart,
		WindowEnd:   now,
		PostCount:   len(posts),
		Source:      b.source,
	}

	slog.Info("Flushing batch",
		"posts", batch.PostCount,
		"window_start", batch.WindowStart.Format(time.RFC3339),
		"window_end", batch.WindowEnd.Format(time.RFC3339))

	if b.onBatch != nil {
		b.emit(batch)
	}
}

// emit invokes the callback, recovering panics so a misbehaving consumer
// cannot poison the buffer.
func (b *PostBuffer) emit(batch PostBatch) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in batch callback", "panic", r)
		}
	}()
	b.onBatch(batch)
}
