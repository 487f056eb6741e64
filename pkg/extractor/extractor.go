// Package extractor turns post batches into trending topics using the
// Anthropic Messages API with forced tool use for structured output.
//
// Failed batch policy: when extraction fails after all retries, the batch
// is dropped and an empty result is returned. A few missed batches do not
// noticeably affect the tag cloud, so batches are never re-queued or
// merged into the next window.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/viennatalksbout/talkbout/pkg/buffer"
)

// Defaults for extractor construction. Haiku handles this small
// extraction task well at a fraction of Sonnet's cost.
const (
	DefaultModel          = "claude-haiku-4-5-20251001"
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = time.Second

	defaultBaseURL      = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	maxTokens           = 1024
	toolName            = "record_topics"
)

const systemPrompt = "You are analyzing posts about Vienna, Austria from multiple sources " +
	"(social media, news headlines, press releases). " +
	"The posts are primarily in German.\n\n" +
	"Extract the specific topics that people are discussing " +
	"or that are being reported on. " +
	"Return concrete, specific topic terms " +
	"(e.g. \"Donauinselfest\", \"U2 Störung\", \"Wiener Linien\") " +
	"— NOT broad categories like \"politics\" or \"weather\".\n\n" +
	"Rules:\n" +
	"- Only extract topics actually discussed in the posts. Do not invent topics.\n" +
	"- Each topic should be a short noun phrase (1-4 words).\n" +
	"- Score reflects how prominently the topic features across the batch " +
	"(0.0 = barely mentioned, 1.0 = dominant topic).\n" +
	"- Count is the number of posts that discuss this topic.\n" +
	"- If the posts contain no meaningful or extractable topics, return an empty list."

// ExtractedTopic is one validated row of an extraction result.
type ExtractedTopic struct {
	// Topic is the specific topic term, e.g. "Donauinselfest".
	Topic string
	// Score is the relevance in [0, 1].
	Score float64
	// Count is the number of posts discussing the topic.
	Count int
}

// Extractor calls the Anthropic API to extract trending topics from post
// batches, retrying with exponential backoff and dropping the batch on
// exhaustion.
type Extractor struct {
	apiKey         string
	model          string
	maxRetries     int
	initialBackoff time.Duration
	baseURL        string
	httpClient     *http.Client
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithMaxRetries sets how many additional attempts follow a failed call.
func WithMaxRetries(n int) Option {
	return func(e *Extractor) { e.maxRetries = n }
}

// WithInitialBackoff sets the first retry delay; it doubles each retry.
func WithInitialBackoff(d time.Duration) Option {
	return func(e *Extractor) { e.initialBackoff = d }
}

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(url string) Option {
	return func(e *Extractor) { e.baseURL = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Extractor) { e.httpClient = c }
}

// New creates an Extractor. apiKey must be non-empty; model falls back to
// DefaultModel when empty.
func New(apiKey, model string, opts ...Option) (*Extractor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	e := &Extractor{
		apiKey:         apiKey,
		model:          model,
		maxRetries:     DefaultMaxRetries,
		initialBackoff: DefaultInitialBackoff,
		baseURL:        defaultBaseURL,
		httpClient:     &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxRetries < 0 {
		return nil, fmt.Errorf("max retries must be non-negative, got %d", e.maxRetries)
	}
	if e.initialBackoff <= 0 {
		return nil, fmt.Errorf("initial backoff must be positive, got %v", e.initialBackoff)
	}
	return e, nil
}

// Model returns the model ID used for extraction.
func (e *Extractor) Model() string { return e.model }

// BuildUserMessage formats a batch as numbered lines, one per post in
// batch order. Returns "" for an empty batch.
func BuildUserMessage(batch buffer.PostBatch) string {
	lines := make([]string, 0, len(batch.Posts))
	for i, post := range batch.Posts {
		lines = append(lines, fmt.Sprintf("[%d] %s", i+1, post.Text))
	}
	return strings.Join(lines, "\n")
}

// Extract returns the topics found in a batch. The result is empty when
// the batch is empty, when the model finds nothing, or when every retry
// failed (the batch is dropped).
func (e *Extractor) Extract(ctx context.Context, batch buffer.PostBatch) []ExtractedTopic {
	if batch.PostCount == 0 {
		slog.Debug("Empty batch, skipping extraction")
		return nil
	}

	userMessage := BuildUserMessage(batch)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.initialBackoff
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 24 * time.Hour
	bo.MaxElapsedTime = 0

	attempt := 0
	var topics []ExtractedTopic
	operation := func() error {
		attempt++
		resp, err := e.callAPI(ctx, userMessage)
		if err != nil {
			return err
		}
		topics, err = parseResponse(resp)
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("Extraction attempt failed, retrying",
			"attempt", attempt, "max_attempts", 1+e.maxRetries, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.maxRetries)), ctx),
		notify)
	if err != nil {
		slog.Error("Topic extraction failed, dropping batch",
			"attempts", attempt,
			"posts", batch.PostCount,
			"window_start", batch.WindowStart.Format(time.RFC3339),
			"window_end", batch.WindowEnd.Format(time.RFC3339),
			"error", err)
		return nil
	}

	slog.Info("Extracted topics",
		"topics", len(topics), "posts", batch.PostCount, "attempts", attempt)
	return topics
}

// messagesRequest is the Anthropic Messages API request body.
type messagesRequest struct {
	Model      string      `json:"model"`
	MaxTokens  int         `json:"max_tokens"`
	System     string      `json:"system"`
	Tools      []toolSpec  `json:"tools"`
	ToolChoice *toolChoice `json:"tool_choice"`
	Messages   []message   `json:"messages"`
}

type toolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type toolChoice struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// messagesResponse is the subset of the response body we consume.
type messagesResponse struct {
	Content []contentBlock `json:"content"`
	Error   *apiError      `json:"error"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// recordTopicsSchema is the JSON schema of the forced tool call; the API
// validates the model's output against it.
var recordTopicsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "topics": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "topic": {
            "type": "string",
            "description": "The specific topic term (short noun phrase, 1-4 words)"
          },
          "score": {
            "type": "number",
            "description": "Relevance score from 0.0 (barely mentioned) to 1.0 (dominant topic)"
          },
          "count": {
            "type": "integer",
            "description": "Number of posts discussing this topic"
          }
        },
        "required": ["topic", "score", "count"]
      }
    }
  },
  "required": ["topics"]
}`)

func (e *Extractor) callAPI(ctx context.Context, userMessage string) (*messagesResponse, error) {
	reqBody := messagesRequest{
		Model:     e.model,
		MaxTokens: maxTokens,
		System:    systemPrompt,
		Tools: []toolSpec{{
			Name:        toolName,
			Description: "Record the trending topics extracted from the social media posts.",
			InputSchema: recordTopicsSchema,
		}},
		ToolChoice: &toolChoice{Type: "tool", Name: toolName},
		Messages:   []message{{Role: "user", Content: userMessage}},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", e.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call anthropic api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return nil, fmt.Errorf("anthropic api error (HTTP %d): %s: %s",
				resp.StatusCode, parsed.Error.Type, parsed.Error.Message)
		}
		return nil, fmt.Errorf("anthropic api returned HTTP %d", resp.StatusCode)
	}
	return &parsed, nil
}

// parseResponse locates the record_topics tool_use block and parses its
// input. A missing block is a parse error subject to retry.
func parseResponse(resp *messagesResponse) ([]ExtractedTopic, error) {
	for _, block := range resp.Content {
		if block.Type == "tool_use" && block.Name == toolName {
			return ParseToolInput(block.Input)
		}
	}
	types := make([]string, 0, len(resp.Content))
	for _, block := range resp.Content {
		types = append(types, block.Type)
	}
	return nil, fmt.Errorf("no %s tool use block in response, got content types %v", toolName, types)
}

// ParseToolInput validates the tool input: the top level must be an
// object with a "topics" array, while individual rows are parsed
// leniently — malformed rows are skipped with a warning instead of
// rejecting the whole response. Scores are clamped into [0, 1] and
// counts to >= 0.
func ParseToolInput(input json.RawMessage) ([]ExtractedTopic, error) {
	var raw struct {
		Topics *[]json.RawMessage `json:"topics"`
	}
	if err := json.Unmarshal(input, &raw); err != nil {
		return nil, fmt.Errorf("invalid tool input: %w", err)
	}
	if raw.Topics == nil {
		return nil, fmt.Errorf("missing 'topics' key in tool response")
	}

	result := make([]ExtractedTopic, 0, len(*raw.Topics))
	for i, row := range *raw.Topics {
		var entry map[string]any
		if err := json.Unmarshal(row, &entry); err != nil {
			slog.Warn("Skipping non-object topic entry", "index", i)
			continue
		}

		topic, ok := entry["topic"].(string)
		if !ok || strings.TrimSpace(topic) == "" {
			slog.Warn("Skipping topic with invalid or empty name", "index", i)
			continue
		}

		score, ok := coerceFloat(entry["score"])
		if !ok {
			slog.Warn("Skipping topic with invalid score", "topic", topic, "score", entry["score"])
			continue
		}
		score = min(1, max(0, score))

		count, ok := coerceInt(entry["count"])
		if !ok {
			slog.Warn("Skipping topic with invalid count", "topic", topic, "count", entry["count"])
			continue
		}
		count = max(0, count)

		result = append(result, ExtractedTopic{
			Topic: strings.TrimSpace(topic),
			Score: score,
			Count: count,
		})
	}
	return result, nil
}

func coerceFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

func coerceInt(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		return int(x), true
	case string:
		n, err := strconv.Atoi(x)
		return n, err == nil
	}
	return 0, false
}
