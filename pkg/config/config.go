// Package config loads and validates all pipeline configuration from
// environment variables. Validation collects every violation so startup
// failures report the complete list at once.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultExtractorModel is the Claude model used for topic extraction
// when ANTHROPIC_MODEL is unset.
const DefaultExtractorModel = "claude-haiku-4-5-20251001"

// Defaults for pipeline-level settings.
const (
	DefaultBufferWindow      = 10 * time.Minute
	DefaultBufferMaxBatch    = 100
	DefaultSnapshotDir       = "data/snapshots"
	DefaultRetentionHours    = 24
	DefaultStaleStream       = 30 * time.Minute
	DefaultHealthLogInterval = 5 * time.Minute
	DefaultDBPath            = "data/talkbout.db"
	DefaultWebHost           = "127.0.0.1"
	DefaultWebPort           = 8000

	DefaultMastodonPollInterval = 30 * time.Second
	DefaultRSSPollInterval      = 10 * time.Minute
	DefaultRSSUserAgent         = "ViennaTalksBout/1.0"
	DefaultRedditPollInterval   = time.Minute
)

// Datasource modes for the Mastodon connection.
const (
	ModeStream  = "stream"
	ModePolling = "polling"
)

// MastodonConfig configures the Mastodon datasource.
type MastodonConfig struct {
	InstanceURL  string
	ClientID     string
	ClientSecret string
	AccessToken  string
	// Mode selects the SSE stream ("stream") or REST polling ("polling").
	Mode         string
	PollInterval time.Duration
}

// Feed is one configured RSS feed.
type Feed struct {
	URL      string
	Name     string
	Language string
}

// RSSConfig configures the optional RSS datasource.
type RSSConfig struct {
	Enabled      bool
	Feeds        []Feed
	PollInterval time.Duration
	UserAgent    string
}

// RedditConfig configures the optional Reddit datasource.
type RedditConfig struct {
	Enabled         bool
	ClientID        string
	ClientSecret    string
	Username        string
	Password        string
	Subreddits      []string
	PollInterval    time.Duration
	IncludeComments bool
}

// ExtractorConfig configures the Claude-based topic extractor.
type ExtractorConfig struct {
	APIKey string
	Model  string
}

// PipelineConfig holds buffer, snapshot, health, and persistence
// settings.
type PipelineConfig struct {
	BufferWindow       time.Duration
	BufferMaxBatchSize int
	SnapshotDir        string
	RetentionHours     int
	StaleStream        time.Duration
	HealthLogInterval  time.Duration
	DBPath             string
	LogLevel           string
}

// WebConfig configures the HTTP surface.
type WebConfig struct {
	Host string
	Port int
}

// Config is the full application configuration.
type Config struct {
	Mastodon  MastodonConfig
	RSS       RSSConfig
	Reddit    RedditConfig
	Extractor ExtractorConfig
	Pipeline  PipelineConfig
	Web       WebConfig
}

// Load builds a Config from the given environment map (typically from
// os.Environ plus a .env file). It returns an error listing every
// missing or invalid setting.
func Load(env map[string]string) (Config, error) {
	l := &loader{env: env}

	cfg := Config{
		Mastodon: MastodonConfig{
			InstanceURL:  l.str("MASTODON_INSTANCE_URL", ""),
			ClientID:     l.str("MASTODON_CLIENT_ID", ""),
			ClientSecret: l.str("MASTODON_CLIENT_SECRET", ""),
			AccessToken:  l.str("MASTODON_ACCESS_TOKEN", ""),
			Mode:         l.str("MASTODON_DATASOURCE_MODE", ModeStream),
			PollInterval: l.seconds("MASTODON_POLL_INTERVAL_SECONDS", DefaultMastodonPollInterval),
		},
		RSS: RSSConfig{
			Enabled:      l.boolean("RSS_ENABLED", false),
			Feeds:        l.feeds("RSS_FEEDS"),
			PollInterval: l.seconds("RSS_POLL_INTERVAL", DefaultRSSPollInterval),
			UserAgent:    l.str("RSS_USER_AGENT", DefaultRSSUserAgent),
		},
		Reddit: RedditConfig{
			Enabled:         l.boolean("REDDIT_ENABLED", false),
			ClientID:        l.str("REDDIT_CLIENT_ID", ""),
			ClientSecret:    l.str("REDDIT_CLIENT_SECRET", ""),
			Username:        l.str("REDDIT_USERNAME", ""),
			Password:        l.str("REDDIT_PASSWORD", ""),
			Subreddits:      splitList(l.str("REDDIT_SUBREDDITS", "wien,austria")),
			PollInterval:    l.seconds("REDDIT_POLL_INTERVAL", DefaultRedditPollInterval),
			IncludeComments: l.boolean("REDDIT_INCLUDE_COMMENTS", false),
		},
		Extractor: ExtractorConfig{
			APIKey: l.str("ANTHROPIC_API_KEY", ""),
			Model:  l.str("ANTHROPIC_MODEL", DefaultExtractorModel),
		},
		Pipeline: PipelineConfig{
			BufferWindow:       l.seconds("TALKBOUT_BUFFER_WINDOW_SECONDS", DefaultBufferWindow),
			BufferMaxBatchSize: l.integer("TALKBOUT_BUFFER_MAX_BATCH_SIZE", DefaultBufferMaxBatch),
			SnapshotDir:        l.str("TALKBOUT_SNAPSHOT_DIR", DefaultSnapshotDir),
			RetentionHours:     l.integer("TALKBOUT_RETENTION_HOURS", DefaultRetentionHours),
			StaleStream:        l.seconds("TALKBOUT_STALE_STREAM_SECONDS", DefaultStaleStream),
			HealthLogInterval:  l.seconds("TALKBOUT_HEALTH_LOG_INTERVAL", DefaultHealthLogInterval),
			DBPath:             l.str("TALKBOUT_DB_PATH", DefaultDBPath),
			LogLevel:           l.str("TALKBOUT_LOG_LEVEL", "info"),
		},
		Web: WebConfig{
			Host: l.str("TALKBOUT_WEB_HOST", DefaultWebHost),
			Port: l.integer("TALKBOUT_WEB_PORT", DefaultWebPort),
		},
	}

	l.validate(cfg)
	if len(l.violations) > 0 {
		return Config{}, fmt.Errorf("invalid configuration:\n  - %s",
			strings.Join(l.violations, "\n  - "))
	}
	return cfg, nil
}

type loader struct {
	env        map[string]string
	violations []string
}

func (l *loader) violationf(format string, args ...any) {
	l.violations = append(l.violations, fmt.Sprintf(format, args...))
}

func (l *loader) str(key, fallback string) string {
	if v, ok := l.env[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func (l *loader) integer(key string, fallback int) int {
	v, ok := l.env[key]
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		l.violationf("%s must be an integer, got %q", key, v)
		return fallback
	}
	return n
}

func (l *loader) seconds(key string, fallback time.Duration) time.Duration {
	v, ok := l.env[key]
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		l.violationf("%s must be a number of seconds, got %q", key, v)
		return fallback
	}
	return time.Duration(secs * float64(time.Second))
}

func (l *loader) boolean(key string, fallback bool) bool {
	v, ok := l.env[key]
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		l.violationf("%s must be a boolean, got %q", key, v)
		return fallback
	}
	return b
}

// feeds parses comma-separated "url|name" or "url|name|language" pairs.
// The language defaults to "de".
func (l *loader) feeds(key string) []Feed {
	raw := l.str(key, "")
	if raw == "" {
		return nil
	}

	var feeds []Feed
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.Split(pair, "|")
		if len(parts) < 2 || len(parts) > 3 ||
			strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			l.violationf("%s entry %q must be \"url|name\" or \"url|name|language\"", key, pair)
			continue
		}
		feed := Feed{
			URL:      strings.TrimSpace(parts[0]),
			Name:     strings.TrimSpace(parts[1]),
			Language: "de",
		}
		if len(parts) == 3 {
			feed.Language = strings.TrimSpace(parts[2])
		}
		feeds = append(feeds, feed)
	}
	return feeds
}

func (l *loader) validate(cfg Config) {
	if cfg.Mastodon.InstanceURL == "" {
		l.violationf("MASTODON_INSTANCE_URL is required")
	} else if !strings.HasPrefix(cfg.Mastodon.InstanceURL, "https://") {
		l.violationf("MASTODON_INSTANCE_URL must start with https://")
	}
	if cfg.Mastodon.ClientID == "" {
		l.violationf("MASTODON_CLIENT_ID is required")
	}
	if cfg.Mastodon.ClientSecret == "" {
		l.violationf("MASTODON_CLIENT_SECRET is required")
	}
	if cfg.Mastodon.AccessToken == "" {
		l.violationf("MASTODON_ACCESS_TOKEN is required")
	}
	if cfg.Mastodon.Mode != ModeStream && cfg.Mastodon.Mode != ModePolling {
		l.violationf("MASTODON_DATASOURCE_MODE must be %q or %q, got %q",
			ModeStream, ModePolling, cfg.Mastodon.Mode)
	}

	if cfg.Extractor.APIKey == "" {
		l.violationf("ANTHROPIC_API_KEY is required")
	}

	if cfg.RSS.Enabled && len(cfg.RSS.Feeds) == 0 {
		l.violationf("RSS_FEEDS is required when RSS_ENABLED is true")
	}

	if cfg.Reddit.Enabled {
		for key, value := range map[string]string{
			"REDDIT_CLIENT_ID":     cfg.Reddit.ClientID,
			"REDDIT_CLIENT_SECRET": cfg.Reddit.ClientSecret,
			"REDDIT_USERNAME":      cfg.Reddit.Username,
			"REDDIT_PASSWORD":      cfg.Reddit.Password,
		} {
			if value == "" {
				l.violationf("%s is required when REDDIT_ENABLED is true", key)
			}
		}
		if len(cfg.Reddit.Subreddits) == 0 {
			l.violationf("REDDIT_SUBREDDITS must not be empty when REDDIT_ENABLED is true")
		}
	}

	if cfg.Pipeline.BufferWindow <= 0 {
		l.violationf("TALKBOUT_BUFFER_WINDOW_SECONDS must be positive")
	}
	if cfg.Pipeline.BufferMaxBatchSize <= 0 {
		l.violationf("TALKBOUT_BUFFER_MAX_BATCH_SIZE must be positive")
	}
	if cfg.Pipeline.RetentionHours <= 0 {
		l.violationf("TALKBOUT_RETENTION_HOURS must be positive")
	}
	if cfg.Pipeline.StaleStream <= 0 {
		l.violationf("TALKBOUT_STALE_STREAM_SECONDS must be positive")
	}
	if cfg.Pipeline.HealthLogInterval <= 0 {
		l.violationf("TALKBOUT_HEALTH_LOG_INTERVAL must be positive")
	}
	if cfg.Web.Port <= 0 || cfg.Web.Port > 65535 {
		l.violationf("TALKBOUT_WEB_PORT must be in 1-65535")
	}
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// EnvMap converts os.Environ-style "KEY=VALUE" pairs into a map.
func EnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
