// Package pipeline wires the whole ingestion flow together:
// datasources → post log → buffer → extractor → store, plus periodic
// health logging and graceful shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/viennatalksbout/talkbout/pkg/buffer"
	"github.com/viennatalksbout/talkbout/pkg/datasource"
	"github.com/viennatalksbout/talkbout/pkg/extractor"
	"github.com/viennatalksbout/talkbout/pkg/health"
	"github.com/viennatalksbout/talkbout/pkg/postlog"
	"github.com/viennatalksbout/talkbout/pkg/store"
)

// MultiSource is the batch source label when more than one datasource
// feeds the buffer.
const MultiSource = "multi"

// TopicExtractor is the extraction capability the pipeline needs.
// Satisfied by *extractor.Extractor.
type TopicExtractor interface {
	Extract(ctx context.Context, batch buffer.PostBatch) []extractor.ExtractedTopic
}

// Options configures a Pipeline.
type Options struct {
	Datasources []datasource.Datasource
	Extractor   TopicExtractor
	Store       *store.TopicStore
	Health      *health.Monitor
	// Log is the durable post log; nil disables persistence.
	Log *postlog.Log

	BufferWindow       time.Duration
	BufferMaxBatchSize int
	// BufferSource overrides the batch source label; when empty it is
	// the single datasource's id, or "multi" for several.
	BufferSource string

	HealthLogInterval time.Duration
	// RetentionHours bounds how long processed posts are kept in the log.
	RetentionHours int
}

// Pipeline orchestrates the ingestion flow and owns its lifecycle.
type Pipeline struct {
	datasources []datasource.Datasource
	buf         *buffer.PostBuffer
	extractor   TopicExtractor
	store       *store.TopicStore
	health      *health.Monitor
	log         *postlog.Log

	healthLogInterval time.Duration
	retentionHours    int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Pipeline and its internal post buffer.
func New(opts Options) (*Pipeline, error) {
	if len(opts.Datasources) == 0 {
		return nil, errors.New("at least one datasource is required")
	}
	if opts.Extractor == nil {
		return nil, errors.New("extractor is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Health == nil {
		return nil, errors.New("health monitor is required")
	}
	if opts.HealthLogInterval <= 0 {
		return nil, errors.New("health log interval must be positive")
	}
	if opts.RetentionHours <= 0 {
		return nil, errors.New("retention hours must be positive")
	}

	source := opts.BufferSource
	if source == "" {
		if len(opts.Datasources) == 1 {
			source = opts.Datasources[0].SourceID()
		} else {
			source = MultiSource
		}
	}

	p := &Pipeline{
		datasources:       opts.Datasources,
		extractor:         opts.Extractor,
		store:             opts.Store,
		health:            opts.Health,
		log:               opts.Log,
		healthLogInterval: opts.HealthLogInterval,
		retentionHours:    opts.RetentionHours,
		stopCh:            make(chan struct{}),
	}

	buf, err := buffer.New(opts.BufferWindow, source, p.onBatch, opts.BufferMaxBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer: %w", err)
	}
	p.buf = buf
	return p, nil
}

// Store returns the topic store, for the HTTP surface.
func (p *Pipeline) Store() *store.TopicStore { return p.store }

// Health returns the health monitor, for the HTTP surface.
func (p *Pipeline) Health() *health.Monitor { return p.health }

// Run starts every component and blocks until Stop is called (or a
// shutdown signal arrives when installSignals is true), then shuts the
// pipeline down in order. Pass installSignals=false when running behind
// a server that owns signal handling.
func (p *Pipeline) Run(installSignals bool) {
	slog.Info("Starting ingestion pipeline")

	if installSignals {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			select {
			case sig := <-sigCh:
				slog.Info("Received signal, initiating graceful shutdown", "signal", sig.String())
				p.Stop()
			case <-p.stopCh:
			}
			signal.Stop(sigCh)
		}()
	}

	p.buf.Start()
	p.recoverUnprocessed()

	for _, ds := range p.datasources {
		ds.Start(p.onPost, p.onStreamError)
		slog.Info("Started datasource", "source", ds.SourceID())
	}

	p.wg.Add(1)
	go p.healthLogLoop()

	slog.Info("Pipeline running")
	<-p.stopCh
	p.shutdown()
}

// Stop requests shutdown; Run performs it and returns. Idempotent.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// recoverUnprocessed replays posts persisted but never processed before
// a previous shutdown, so a crash mid-window loses nothing.
func (p *Pipeline) recoverUnprocessed() {
	if p.log == nil {
		return
	}
	entries, err := p.log.GetUnprocessedPosts()
	if err != nil {
		slog.Error("Failed to recover unprocessed posts", "error", err)
		return
	}
	for _, entry := range entries {
		p.buf.AddPost(entry.Post())
	}
	if len(entries) > 0 {
		slog.Info("Recovered unprocessed posts from post log", "count", len(entries))
	}
}

// onPost handles each incoming post: count it, persist it, and forward
// it to the buffer unless it is a duplicate.
func (p *Pipeline) onPost(post datasource.Post) {
	p.health.RecordPost()

	if p.log != nil {
		inserted, err := p.log.SavePost(postlog.NewEntry(post, time.Now().UTC()))
		if err != nil {
			// Persistence failure must not lose the post for this run.
			slog.Error("Failed to persist post", "post_id", post.ID, "error", err)
		} else if !inserted {
			slog.Info("Duplicate post skipped", "post_id", post.ID)
			return
		}
	}

	p.buf.AddPost(post)
	slog.Debug("Post received", "post_id", post.ID, "source", post.Source)
}

// onBatch handles each flushed batch: extract topics, merge them, snap
// the store, and mark the batch processed.
func (p *Pipeline) onBatch(batch buffer.PostBatch) {
	slog.Info("Processing batch",
		"posts", batch.PostCount,
		"window_start", batch.WindowStart.Format("15:04:05"),
		"window_end", batch.WindowEnd.Format("15:04:05"))

	topics := p.extractor.Extract(context.Background(), batch)
	now := time.Now().UTC()

	switch {
	case len(topics) > 0:
		p.health.RecordBatchSuccess(len(topics))
		p.store.Merge(topics, batch.Source, now)
		slog.Info("Merged topics into store",
			"topics", len(topics), "active", p.store.GetTopicCount())
	case batch.PostCount > 0:
		// Extraction exhausted its retries; the batch is dropped.
		p.health.RecordBatchFailure()
		slog.Warn("No topics extracted from batch", "posts", batch.PostCount)
	default:
		p.health.RecordBatchSuccess(0)
	}

	if _, err := p.store.SaveSnapshot(now); err != nil {
		slog.Error("Failed to save snapshot", "error", err)
	}
	if _, err := p.store.CleanupSnapshots(now); err != nil {
		slog.Error("Failed to clean up snapshots", "error", err)
	}

	if p.log != nil {
		ids := make([]string, 0, len(batch.Posts))
		for _, post := range batch.Posts {
			ids = append(ids, post.ID)
		}
		if err := p.log.MarkBatchProcessed(ids); err != nil {
			slog.Error("Failed to mark batch processed", "error", err)
		}
	}
}

func (p *Pipeline) onStreamError(err error) {
	slog.Error("Datasource error", "error", err)
}

func (p *Pipeline) healthLogLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.healthLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.health.CheckAndLog()
		}
	}
}

// shutdown stops components in dependency order. Each step is isolated
// so one failure cannot skip the rest.
func (p *Pipeline) shutdown() {
	slog.Info("Shutting down pipeline")

	// Datasources first: no more incoming posts.
	for _, ds := range p.datasources {
		ds.Stop()
		slog.Info("Datasource stopped", "source", ds.SourceID())
	}

	// Buffer stop triggers the final flush through extractor and store.
	p.buf.Stop()

	// Health logger.
	p.wg.Wait()

	now := time.Now().UTC()
	if _, err := p.store.SaveSnapshot(now); err != nil {
		slog.Error("Failed to save final snapshot", "error", err)
	}

	p.health.CheckAndLog()

	if p.log != nil {
		if _, err := p.log.CleanupOldPosts(p.retentionHours, now); err != nil {
			slog.Error("Failed to clean up old posts", "error", err)
		}
		if err := p.log.Close(); err != nil {
			slog.Error("Failed to close post log", "error", err)
		}
	}

	slog.Info("Pipeline shutdown complete")
}
