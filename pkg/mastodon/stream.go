package mastodon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/viennatalksbout/talkbout/pkg/datasource"
)

const (
	streamPath = "/api/v1/streaming/public?local=true"

	reconnectInitialInterval = time.Second
	reconnectMaxInterval     = 60 * time.Second

	// SSE data lines carry a whole status JSON payload; allow up to 1 MiB.
	maxEventSize = 1 << 20
)

// StreamDatasource streams posts from a Mastodon instance's public local
// timeline over the SSE streaming API. Disconnects trigger automatic
// reconnection with exponential backoff, reset to the initial interval
// after every successful event.
type StreamDatasource struct {
	instanceURL string
	accessToken string
	client      *http.Client
	source      string

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewStreamDatasource creates a streaming datasource for the given
// instance. accessToken may be empty for instances with open timelines.
func NewStreamDatasource(instanceURL, accessToken string) *StreamDatasource {
	instanceURL = strings.TrimSuffix(instanceURL, "/")
	return &StreamDatasource{
		instanceURL: instanceURL,
		accessToken: accessToken,
		// No overall timeout: the stream is a deliberately long-lived
		// response. Stop cancels via context.
		client: &http.Client{},
		source: sourceID(instanceURL),
	}
}

// SourceID returns the datasource identifier, e.g. "mastodon:wien.rocks".
func (d *StreamDatasource) SourceID() string {
	return d.source
}

// Start begins streaming in a background goroutine and returns
// immediately.
func (d *StreamDatasource) Start(onPost datasource.PostHandler, onError datasource.ErrorHandler) {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(1)
	go d.run(ctx, onPost, onError)

	slog.Info("Started Mastodon stream", "source", d.source)
}

// Stop cancels the stream and waits for the worker to exit. Idempotent.
func (d *StreamDatasource) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
		slog.Info("Stopped Mastodon stream", "source", d.source)
	})
}

func (d *StreamDatasource) run(ctx context.Context, onPost datasource.PostHandler, onError datasource.ErrorHandler) {
	defer d.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitialInterval
	bo.MaxInterval = reconnectMaxInterval
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	for {
		err := d.streamOnce(ctx, bo, onPost)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Error("Mastodon stream disconnected", "source", d.source, "error", err)
			if onError != nil {
				onError(err)
			}
		}

		wait := bo.NextBackOff()
		slog.Info("Reconnecting to Mastodon stream", "source", d.source, "wait", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// streamOnce holds one SSE connection open and dispatches its events
// until the connection drops or ctx is cancelled. Every successful
// update event resets the reconnect backoff.
func (d *StreamDatasource) streamOnce(ctx context.Context, bo *backoff.ExponentialBackOff, onPost datasource.PostHandler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.instanceURL+streamPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if d.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.accessToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("stream connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("stream returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var eventName string
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName == "update" && data.Len() > 0 {
				bo.Reset()
				emitStatus(json.RawMessage(data.String()), d.source, onPost)
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// Heartbeat comment, keep the connection alive.
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return fmt.Errorf("stream closed by server")
}
