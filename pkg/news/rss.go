// Package news polls RSS feeds from configured news outlets and emits
// normalized posts. Conditional HTTP requests (ETag / If-Modified-Since)
// keep refetching cheap, and per-feed id tracking deduplicates entries
// across poll cycles.
package news

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/viennatalksbout/talkbout/pkg/datasource"
	"github.com/viennatalksbout/talkbout/pkg/textclean"
)

const (
	// DefaultPollInterval is how often feeds are refetched.
	DefaultPollInterval = 10 * time.Minute
	// DefaultUserAgent identifies the poller to feed servers.
	DefaultUserAgent = "ViennaTalksBout/1.0"
)

// Feed is one configured RSS feed.
type Feed struct {
	URL string
	// Name is the short identifier used in post ids and sources,
	// e.g. "orf" → id "rss:orf:{entry}", source "news:orf".
	Name string
	// Language is the default language for entries, e.g. "de".
	Language string
}

// RSSDatasource polls a set of RSS feeds on one shared interval. One
// feed's failure never halts a cycle; the error is reported and polling
// proceeds to the next feed.
type RSSDatasource struct {
	feeds        []Feed
	pollInterval time.Duration
	userAgent    string
	client       *http.Client
	parser       *gofeed.Parser

	// Per-feed poll state, touched only by the poll worker.
	seenIDs      map[string]map[string]struct{}
	etags        map[string]string
	lastModified map[string]string

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRSSDatasource creates a datasource polling the given feeds. Zero
// values for pollInterval and userAgent select the defaults.
func NewRSSDatasource(feeds []Feed, pollInterval time.Duration, userAgent string) *RSSDatasource {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &RSSDatasource{
		feeds:        feeds,
		pollInterval: pollInterval,
		userAgent:    userAgent,
		client:       &http.Client{Timeout: 30 * time.Second},
		parser:       gofeed.NewParser(),
		seenIDs:      make(map[string]map[string]struct{}),
		etags:        make(map[string]string),
		lastModified: make(map[string]string),
		stopCh:       make(chan struct{}),
	}
}

// SourceID returns the datasource identifier. Individual posts carry a
// per-feed source ("news:{feed}") instead.
func (d *RSSDatasource) SourceID() string {
	return "news:rss"
}

// Start begins polling in a background goroutine and returns immediately.
func (d *RSSDatasource) Start(onPost datasource.PostHandler, onError datasource.ErrorHandler) {
	names := make([]string, 0, len(d.feeds))
	for _, f := range d.feeds {
		names = append(names, f.Name)
	}

	d.wg.Add(1)
	go d.pollLoop(onPost, onError)
	slog.Info("Started RSS polling", "feeds", names, "interval", d.pollInterval)
}

// Stop signals the poll worker and waits for it to exit. Idempotent.
func (d *RSSDatasource) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.wg.Wait()
		slog.Info("Stopped RSS polling")
	})
}

func (d *RSSDatasource) pollLoop(onPost datasource.PostHandler, onError datasource.ErrorHandler) {
	defer d.wg.Done()

	for {
		for _, feed := range d.feeds {
			select {
			case <-d.stopCh:
				return
			default:
			}
			if err := d.pollFeed(feed, onPost); err != nil {
				slog.Error("RSS feed poll failed", "feed", feed.Name, "error", err)
				if onError != nil {
					onError(err)
				}
			}
		}

		select {
		case <-d.stopCh:
			return
		case <-time.After(d.pollInterval):
		}
	}
}

// pollFeed fetches and parses one feed, emitting entries not seen in the
// previous cycle.
func (d *RSSDatasource) pollFeed(feed Feed, onPost datasource.PostHandler) error {
	req, err := http.NewRequest(http.MethodGet, feed.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request for feed %s: %w", feed.Name, err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	if etag, ok := d.etags[feed.Name]; ok {
		req.Header.Set("If-None-Match", etag)
	}
	if modified, ok := d.lastModified[feed.Name]; ok {
		req.Header.Set("If-Modified-Since", modified)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("feed %s request failed: %w", feed.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		slog.Debug("Feed not modified", "feed", feed.Name)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return fmt.Errorf("feed %s returned status %d", feed.Name, resp.StatusCode)
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		d.etags[feed.Name] = etag
	}
	if modified := resp.Header.Get("Last-Modified"); modified != "" {
		d.lastModified[feed.Name] = modified
	}

	parsed, err := d.parser.Parse(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to parse feed %s: %w", feed.Name, err)
	}

	previous := d.seenIDs[feed.Name]
	current := make(map[string]struct{}, len(parsed.Items))
	newPosts := 0

	for _, item := range parsed.Items {
		entryID := entryID(item)
		if entryID == "" {
			slog.Warn("Skipping feed entry without id or link", "feed", feed.Name)
			continue
		}
		current[entryID] = struct{}{}
		if _, seen := previous[entryID]; seen {
			continue
		}

		post, ok := entryToPost(item, entryID, feed, parsed.Language)
		if !ok {
			continue
		}
		newPosts++
		onPost(post)
	}

	// Replace, not merge: only the previous cycle's ids matter.
	d.seenIDs[feed.Name] = current

	if newPosts > 0 {
		slog.Info("Feed poll complete", "feed", feed.Name, "new_entries", newPosts)
	}
	return nil
}

// entryID prefers the explicit guid, falling back to the entry link.
func entryID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

// entryToPost converts one feed entry, returning ok=false when the
// combined text is empty.
func entryToPost(item *gofeed.Item, entryID string, feed Feed, feedLanguage string) (datasource.Post, bool) {
	title := textclean.StripHTML(item.Title)
	summary := textclean.StripHTML(item.Description)

	var text string
	switch {
	case title != "" && summary != "":
		text = title + ". " + summary
	case title != "":
		text = title
	default:
		text = summary
	}
	if strings.TrimSpace(text) == "" {
		return datasource.Post{}, false
	}

	createdAt := time.Now().UTC()
	if item.PublishedParsed != nil {
		createdAt = item.PublishedParsed.UTC()
	}

	language := feed.Language
	if language == "" {
		language = feedLanguage
	}

	return datasource.Post{
		ID:        fmt.Sprintf("rss:%s:%s", feed.Name, entryID),
		Text:      text,
		CreatedAt: createdAt,
		Language:  language,
		Source:    "news:" + feed.Name,
	}, true
}
