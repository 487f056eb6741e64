package reddit

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/viennatalksbout/talkbout/pkg/datasource"
	"github.com/viennatalksbout/talkbout/pkg/textclean"
)

const (
	// DefaultPollInterval is how often listings are refetched.
	DefaultPollInterval = time.Minute
	// DefaultLanguage is assumed for all posts; the pipeline does not
	// detect language here.
	DefaultLanguage = "de"

	// minCommentLength drops trivial comments ("danke", "+1", ...).
	minCommentLength = 10
)

// botAuthors are accounts whose items are always skipped.
var botAuthors = map[string]struct{}{
	"AutoModerator": {},
	"[deleted]":     {},
}

// Config shapes the polling behavior.
type Config struct {
	Credentials Credentials
	// Subreddits to poll, e.g. []string{"wien", "austria"}.
	Subreddits   []string
	PollInterval time.Duration
	// IncludeComments also polls the newest comments of each cycle.
	IncludeComments bool
	// Language stamped on every post; defaults to "de".
	Language string
}

// Datasource polls subreddits for new submissions and, optionally,
// comments. Dedup tracks the single newest fullname seen per stream.
type Datasource struct {
	client          *Client
	subreddits      string
	pollInterval    time.Duration
	includeComments bool
	language        string
	source          string

	// Watermarks, touched only by the poll worker.
	newestSubmission string
	newestComment    string

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a datasource from the given config.
func New(cfg Config) *Datasource {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	subreddits := strings.Join(cfg.Subreddits, "+")
	return &Datasource{
		client:          NewClient(cfg.Credentials),
		subreddits:      subreddits,
		pollInterval:    cfg.PollInterval,
		includeComments: cfg.IncludeComments,
		language:        cfg.Language,
		source:          "reddit:" + subreddits,
		stopCh:          make(chan struct{}),
	}
}

// SourceID returns the datasource identifier, e.g. "reddit:wien+austria".
func (d *Datasource) SourceID() string {
	return d.source
}

// Start begins polling in a background goroutine and returns immediately.
func (d *Datasource) Start(onPost datasource.PostHandler, onError datasource.ErrorHandler) {
	d.wg.Add(1)
	go d.pollLoop(onPost, onError)
	slog.Info("Started Reddit polling",
		"subreddits", d.subreddits,
		"interval", d.pollInterval,
		"comments", d.includeComments)
}

// Stop signals the poll worker and waits for it to exit. Idempotent.
func (d *Datasource) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.wg.Wait()
		slog.Info("Stopped Reddit polling", "subreddits", d.subreddits)
	})
}

func (d *Datasource) pollLoop(onPost datasource.PostHandler, onError datasource.ErrorHandler) {
	defer d.wg.Done()

	for {
		if err := d.pollSubmissions(onPost); err != nil {
			slog.Error("Reddit submission poll failed", "error", err)
			if onError != nil {
				onError(err)
			}
		}
		if d.includeComments {
			if err := d.pollComments(onPost); err != nil {
				slog.Error("Reddit comment poll failed", "error", err)
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

func (d *Datasource) pollSubmissions(onPost datasource.PostHandler) error {
	items, err := d.client.NewSubmissions(d.subreddits)
	if err != nil {
		return err
	}

	fresh := itemsSinceWatermark(items, d.newestSubmission)
	for i := len(fresh) - 1; i >= 0; i-- {
		if !validSubmission(fresh[i]) {
			continue
		}
		onPost(d.submissionPost(fresh[i]))
	}

	if len(items) > 0 {
		d.newestSubmission = items[0].Fullname
	}
	return nil
}

func (d *Datasource) pollComments(onPost datasource.PostHandler) error {
	items, err := d.client.NewComments(d.subreddits)
	if err != nil {
		return err
	}

	fresh := itemsSinceWatermark(items, d.newestComment)
	for i := len(fresh) - 1; i >= 0; i-- {
		if !validComment(fresh[i]) {
			continue
		}
		onPost(d.commentPost(fresh[i]))
	}

	if len(items) > 0 {
		d.newestComment = items[0].Fullname
	}
	return nil
}

// itemsSinceWatermark returns the newest-first prefix of items up to (but
// excluding) the watermark fullname. An empty watermark takes everything.
func itemsSinceWatermark(items []Item, watermark string) []Item {
	if watermark == "" {
		return items
	}
	for i, item := range items {
		if item.Fullname == watermark {
			return items[:i]
		}
	}
	return items
}

func isBot(author string) bool {
	_, ok := botAuthors[author]
	return ok || author == ""
}

func validSubmission(item Item) bool {
	if item.Selftext == "[removed]" || item.Selftext == "[deleted]" {
		return false
	}
	if item.Stickied {
		return false
	}
	if isBot(item.Author) {
		return false
	}
	title := textclean.StripMarkdown(item.Title)
	body := textclean.StripMarkdown(item.Selftext)
	return title != "" || body != ""
}

func validComment(item Item) bool {
	if item.Body == "[removed]" || item.Body == "[deleted]" {
		return false
	}
	if isBot(item.Author) {
		return false
	}
	return len([]rune(textclean.StripMarkdown(item.Body))) >= minCommentLength
}

func (d *Datasource) submissionPost(item Item) datasource.Post {
	title := textclean.StripMarkdown(item.Title)
	body := textclean.StripMarkdown(item.Selftext)

	var text string
	switch {
	case title != "" && body != "":
		text = title + ". " + body
	case title != "":
		text = title
	default:
		text = body
	}

	return datasource.Post{
		ID:        "reddit:" + item.Fullname,
		Text:      text,
		CreatedAt: item.CreatedAt(),
		Language:  d.language,
		Source:    d.source,
	}
}

func (d *Datasource) commentPost(item Item) datasource.Post {
	return datasource.Post{
		ID:        "reddit:" + item.Fullname,
		Text:      textclean.StripMarkdown(item.Body),
		CreatedAt: item.CreatedAt(),
		Language:  d.language,
		Source:    d.source,
	}
}
