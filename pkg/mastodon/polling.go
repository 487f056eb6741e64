package mastodon

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/viennatalksbout/talkbout/pkg/datasource"
)

// DefaultPollInterval is how often the polling datasource fetches the
// timeline when no interval is configured.
const DefaultPollInterval = 30 * time.Second

// PollingDatasource polls posts from a Mastodon instance's public local
// timeline via the REST API. An alternative to StreamDatasource for
// instances without streaming, using a since_id cursor to fetch only new
// statuses each cycle.
type PollingDatasource struct {
	instanceURL  string
	accessToken  string
	pollInterval time.Duration
	client       *http.Client
	source       string

	// sinceID is only touched by the poll worker, no lock needed.
	sinceID string

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPollingDatasource creates a polling datasource. initialSinceID seeds
// the cursor so restarts skip already-seen posts; pass "" to start from
// the current timeline head.
func NewPollingDatasource(instanceURL, accessToken string, pollInterval time.Duration, initialSinceID string) *PollingDatasource {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	instanceURL = strings.TrimSuffix(instanceURL, "/")
	return &PollingDatasource{
		instanceURL:  instanceURL,
		accessToken:  accessToken,
		pollInterval: pollInterval,
		client:       &http.Client{Timeout: 30 * time.Second},
		source:       sourceID(instanceURL),
		sinceID:      initialSinceID,
		stopCh:       make(chan struct{}),
	}
}

// SourceID returns the datasource identifier, e.g. "mastodon:wien.rocks".
func (d *PollingDatasource) SourceID() string {
	return d.source
}

// Start begins polling in a background goroutine and returns immediately.
func (d *PollingDatasource) Start(onPost datasource.PostHandler, onError datasource.ErrorHandler) {
	d.wg.Add(1)
	go d.pollLoop(onPost, onError)
	slog.Info("Started Mastodon polling",
		"source", d.source, "interval", d.pollInterval, "since_id", d.sinceID)
}

// Stop signals the poll worker and waits for it to exit. Idempotent.
func (d *PollingDatasource) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.wg.Wait()
		slog.Info("Stopped Mastodon polling", "source", d.source)
	})
}

func (d *PollingDatasource) pollLoop(onPost datasource.PostHandler, onError datasource.ErrorHandler) {
	defer d.wg.Done()

	for {
		if err := d.pollOnce(onPost); err != nil {
			slog.Error("Mastodon poll failed", "source", d.source, "error", err)
			if onError != nil {
				onError(err)
			}
		}

		select {
		case <-d.stopCh:
			return
		case <-time.After(d.pollInterval):
		}
	}
}

// pollOnce fetches the timeline and emits new statuses in chronological
// order. The API returns newest-first; the slice is walked in reverse so
// on_post fires oldest-first, then the cursor advances to the newest id.
func (d *PollingDatasource) pollOnce(onPost datasource.PostHandler) error {
	endpoint := d.instanceURL + "/api/v1/timelines/public"
	params := url.Values{"local": {"true"}}
	if d.sinceID != "" {
		params.Set("since_id", d.sinceID)
	}

	req, err := http.NewRequest(http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create timeline request: %w", err)
	}
	if d.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.accessToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("timeline request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("timeline returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var statuses []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return fmt.Errorf("failed to decode timeline response: %w", err)
	}

	for i := len(statuses) - 1; i >= 0; i-- {
		emitStatus(statuses[i], d.source, onPost)
	}

	if len(statuses) == 0 {
		slog.Debug("Poll cycle complete, no new posts",
			"source", d.source, "since_id", d.sinceID)
		return nil
	}

	var newest struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(statuses[0], &newest); err == nil && newest.ID != "" {
		d.sinceID = newest.ID
	}
	return nil
}
