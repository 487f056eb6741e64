// ViennaTalksBout server — ingests Vienna-local posts, extracts trending
// topics, and serves the tag cloud web surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/viennatalksbout/talkbout/pkg/api"
	"github.com/viennatalksbout/talkbout/pkg/config"
	"github.com/viennatalksbout/talkbout/pkg/datasource"
	"github.com/viennatalksbout/talkbout/pkg/extractor"
	"github.com/viennatalksbout/talkbout/pkg/health"
	"github.com/viennatalksbout/talkbout/pkg/mastodon"
	"github.com/viennatalksbout/talkbout/pkg/news"
	"github.com/viennatalksbout/talkbout/pkg/pipeline"
	"github.com/viennatalksbout/talkbout/pkg/postlog"
	"github.com/viennatalksbout/talkbout/pkg/reddit"
	"github.com/viennatalksbout/talkbout/pkg/store"
	"github.com/viennatalksbout/talkbout/pkg/version"
)

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildDatasources assembles the configured datasources. The Mastodon
// polling mode resumes from the newest post id already in the log so a
// restart does not re-ingest old statuses.
func buildDatasources(cfg config.Config, log *postlog.Log) ([]datasource.Datasource, error) {
	var sources []datasource.Datasource

	switch cfg.Mastodon.Mode {
	case config.ModeStream:
		sources = append(sources,
			mastodon.NewStreamDatasource(cfg.Mastodon.InstanceURL, cfg.Mastodon.AccessToken))
	case config.ModePolling:
		sinceID := ""
		if log != nil {
			source := "mastodon:" + mastodon.HostFromURL(cfg.Mastodon.InstanceURL)
			id, err := log.MaxPostID(source)
			if err != nil {
				return nil, fmt.Errorf("failed to determine polling resume point: %w", err)
			}
			if id != "" {
				slog.Info("Resuming polling from last seen post", "since_id", id)
			}
			sinceID = id
		}
		sources = append(sources,
			mastodon.NewPollingDatasource(cfg.Mastodon.InstanceURL, cfg.Mastodon.AccessToken,
				cfg.Mastodon.PollInterval, sinceID))
	default:
		return nil, fmt.Errorf("unknown datasource mode %q", cfg.Mastodon.Mode)
	}

	if cfg.RSS.Enabled {
		feeds := make([]news.Feed, 0, len(cfg.RSS.Feeds))
		for _, f := range cfg.RSS.Feeds {
			feeds = append(feeds, news.Feed{URL: f.URL, Name: f.Name, Language: f.Language})
		}
		sources = append(sources,
			news.NewRSSDatasource(feeds, cfg.RSS.PollInterval, cfg.RSS.UserAgent))
		slog.Info("RSS datasource enabled", "feeds", len(feeds))
	}

	if cfg.Reddit.Enabled {
		sources = append(sources, reddit.New(reddit.Config{
			Credentials: reddit.Credentials{
				ClientID:     cfg.Reddit.ClientID,
				ClientSecret: cfg.Reddit.ClientSecret,
				Username:     cfg.Reddit.Username,
				Password:     cfg.Reddit.Password,
				UserAgent:    version.Full() + " (by /u/" + cfg.Reddit.Username + ")",
			},
			Subreddits:      cfg.Reddit.Subreddits,
			PollInterval:    cfg.Reddit.PollInterval,
			IncludeComments: cfg.Reddit.IncludeComments,
		}))
		slog.Info("Reddit datasource enabled", "subreddits", cfg.Reddit.Subreddits)
	}

	return sources, nil
}

func buildPipeline(cfg config.Config) (*pipeline.Pipeline, error) {
	var log *postlog.Log
	if cfg.Pipeline.DBPath != "" {
		var err error
		log, err = postlog.Open(cfg.Pipeline.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open post log: %w", err)
		}
	} else {
		slog.Warn("Post log disabled, posts are not persisted")
	}

	sources, err := buildDatasources(cfg, log)
	if err != nil {
		return nil, err
	}

	ext, err := extractor.New(cfg.Extractor.APIKey, cfg.Extractor.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create extractor: %w", err)
	}

	storeCfg := store.DefaultConfig()
	storeCfg.SnapshotDir = cfg.Pipeline.SnapshotDir
	storeCfg.RetentionHours = cfg.Pipeline.RetentionHours
	topicStore, err := store.New(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create topic store: %w", err)
	}

	monitor, err := health.NewMonitor(cfg.Pipeline.StaleStream)
	if err != nil {
		return nil, fmt.Errorf("failed to create health monitor: %w", err)
	}

	return pipeline.New(pipeline.Options{
		Datasources:        sources,
		Extractor:          ext,
		Store:              topicStore,
		Health:             monitor,
		Log:                log,
		BufferWindow:       cfg.Pipeline.BufferWindow,
		BufferMaxBatchSize: cfg.Pipeline.BufferMaxBatchSize,
		HealthLogInterval:  cfg.Pipeline.HealthLogInterval,
		RetentionHours:     cfg.Pipeline.RetentionHours,
	})
}

func main() {
	envFile := flag.String("env-file", ".env", "Path to the .env file")
	ingestOnly := flag.Bool("ingest", false, "Run the ingestion pipeline without the web server")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	cfg, err := config.Load(config.EnvMap(os.Environ()))
	if err != nil {
		slog.Error("Configuration error", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Pipeline.LogLevel),
	})))

	slog.Info("Starting ViennaTalksBout",
		"version", version.Full(),
		"instance", cfg.Mastodon.InstanceURL,
		"mode", cfg.Mastodon.Mode)

	p, err := buildPipeline(cfg)
	if err != nil {
		slog.Error("Failed to build pipeline", "error", err)
		os.Exit(1)
	}

	if *ingestOnly {
		// Pipeline owns signal handling and blocks until shutdown.
		p.Run(true)
		return
	}

	pipelineDone := make(chan struct{})
	go func() {
		p.Run(false)
		close(pipelineDone)
	}()

	server := api.NewServer(p.Store(), p.Health(), cfg.Pipeline.SnapshotDir)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	// Pipeline first: the final flush still needs the store.
	p.Stop()
	select {
	case <-pipelineDone:
	case <-time.After(30 * time.Second):
		slog.Warn("Pipeline shutdown timeout exceeded")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
