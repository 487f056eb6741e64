package extractor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viennatalksbout/talkbout/pkg/buffer"
	"github.com/viennatalksbout/talkbout/pkg/datasource"
)

func testBatch(texts ...string) buffer.PostBatch {
	posts := make([]datasource.Post, 0, len(texts))
	for i, text := range texts {
		posts = append(posts, datasource.Post{
			ID:        string(rune('a' + i)),
			Text:      text,
			CreatedAt: time.Now().UTC(),
			Source:    "mastodon:test.example",
		})
	}
	return buffer.PostBatch{
		Posts:       posts,
		WindowStart: time.Now().UTC().Add(-time.Minute),
		WindowEnd:   time.Now().UTC(),
		PostCount:   len(posts),
		Source:      "mastodon:test.example",
	}
}

// toolUseResponse builds an API response body with one record_topics
// tool_use block carrying the given input.
func toolUseResponse(t *testing.T, input any) []byte {
	t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"content": []map[string]any{
			{"type": "tool_use", "name": "record_topics", "input": json.RawMessage(raw)},
		},
	})
	require.NoError(t, err)
	return body
}

func TestBuildUserMessage(t *testing.T) {
	batch := testBatch("first post", "second post")
	assert.Equal(t, "[1] first post\n[2] second post", BuildUserMessage(batch))

	assert.Equal(t, "", BuildUserMessage(buffer.PostBatch{}))
}

func TestNew_Validation(t *testing.T) {
	_, err := New("", "model")
	assert.Error(t, err)

	_, err = New("key", "", WithMaxRetries(-1))
	assert.Error(t, err)

	_, err = New("key", "", WithInitialBackoff(0))
	assert.Error(t, err)

	e, err := New("key", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, e.Model())
}

func TestExtract_Success(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotBody.Store(req)
		w.Write(toolUseResponse(t, map[string]any{
			"topics": []map[string]any{
				{"topic": "Donauinselfest", "score": 0.9, "count": 3},
			},
		}))
	}))
	defer srv.Close()

	e, err := New("test-key", "", WithBaseURL(srv.URL))
	require.NoError(t, err)

	topics := e.Extract(context.Background(), testBatch("Donauinselfest war super"))
	require.Len(t, topics, 1)
	assert.Equal(t, ExtractedTopic{Topic: "Donauinselfest", Score: 0.9, Count: 3}, topics[0])

	req := gotBody.Load().(map[string]any)
	assert.Equal(t, DefaultModel, req["model"])
	assert.Equal(t, float64(1024), req["max_tokens"])
	tc := req["tool_choice"].(map[string]any)
	assert.Equal(t, "tool", tc["type"])
	assert.Equal(t, "record_topics", tc["name"])
}

func TestExtract_EmptyBatch_NoAPICall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	e, err := New("test-key", "", WithBaseURL(srv.URL))
	require.NoError(t, err)

	topics := e.Extract(context.Background(), buffer.PostBatch{})
	assert.Empty(t, topics)
	assert.False(t, called)
}

func TestExtract_RetryThenSuccess(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error": {"type": "api_error", "message": "overloaded"}}`))
			return
		}
		w.Write(toolUseResponse(t, map[string]any{
			"topics": []map[string]any{{"topic": "Wiener Linien", "score": 0.5, "count": 1}},
		}))
	}))
	defer srv.Close()

	e, err := New("test-key", "",
		WithBaseURL(srv.URL), WithInitialBackoff(time.Millisecond))
	require.NoError(t, err)

	topics := e.Extract(context.Background(), testBatch("U-Bahn Ausfall"))
	require.Len(t, topics, 1)
	assert.Equal(t, "Wiener Linien", topics[0].Topic)
	assert.Equal(t, int64(2), calls.Load())
}

func TestExtract_ExhaustedRetries_DropsBatch(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": {"type": "api_error", "message": "overloaded"}}`))
	}))
	defer srv.Close()

	e, err := New("test-key", "",
		WithBaseURL(srv.URL), WithMaxRetries(2), WithInitialBackoff(time.Millisecond))
	require.NoError(t, err)

	topics := e.Extract(context.Background(), testBatch("irgendwas"))
	assert.Empty(t, topics)
	assert.Equal(t, int64(3), calls.Load()) // initial attempt + 2 retries
}

func TestExtract_MalformedTopLevel_Retried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Valid HTTP response, but no topics key in the tool input.
			w.Write(toolUseResponse(t, map[string]any{"wrong": true}))
			return
		}
		w.Write(toolUseResponse(t, map[string]any{
			"topics": []map[string]any{{"topic": "Rathaus", "score": 0.4, "count": 1}},
		}))
	}))
	defer srv.Close()

	e, err := New("test-key", "",
		WithBaseURL(srv.URL), WithInitialBackoff(time.Millisecond))
	require.NoError(t, err)

	topics := e.Extract(context.Background(), testBatch("Rathaus Konzert"))
	require.Len(t, topics, 1)
	assert.Equal(t, int64(2), calls.Load())
}

func TestParseToolInput_LenientRows(t *testing.T) {
	input, err := json.Marshal(map[string]any{
		"topics": []any{
			map[string]any{"topic": "  Donauinselfest  ", "score": 0.9, "count": 3},
			map[string]any{"topic": "", "score": 0.5, "count": 1},          // empty name
			map[string]any{"topic": "Zu Hoch", "score": 1.7, "count": 2},   // clamped
			map[string]any{"topic": "Negativ", "score": -0.2, "count": -5}, // clamped
			map[string]any{"topic": "Kaputt", "score": "abc", "count": 1},  // bad score
			map[string]any{"score": 0.5, "count": 1},                       // missing topic
			"not an object",
			map[string]any{"topic": "Strings", "score": "0.25", "count": "4"},
		},
	})
	require.NoError(t, err)

	topics, perr := ParseToolInput(input)
	require.NoError(t, perr)
	require.Len(t, topics, 4)
	assert.Equal(t, ExtractedTopic{Topic: "Donauinselfest", Score: 0.9, Count: 3}, topics[0])
	assert.Equal(t, ExtractedTopic{Topic: "Zu Hoch", Score: 1.0, Count: 2}, topics[1])
	assert.Equal(t, ExtractedTopic{Topic: "Negativ", Score: 0.0, Count: 0}, topics[2])
	assert.Equal(t, ExtractedTopic{Topic: "Strings", Score: 0.25, Count: 4}, topics[3])
}

func TestParseToolInput_StrictTopLevel(t *testing.T) {
	_, err := ParseToolInput(json.RawMessage(`{"no_topics": []}`))
	assert.Error(t, err)

	_, err = ParseToolInput(json.RawMessage(`{"topics": "not a list"}`))
	assert.Error(t, err)

	_, err = ParseToolInput(json.RawMessage(`[]`))
	assert.Error(t, err)

	topics, err := ParseToolInput(json.RawMessage(`{"topics": []}`))
	require.NoError(t, err)
	assert.Empty(t, topics)
}
