package mastodon

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viennatalksbout/talkbout/pkg/datasource"
)

func timelineStatus(id string) string {
	return fmt.Sprintf(
		`{"id": %q, "content": "<p>Post %s</p>", "created_at": "2025-06-15T12:00:0%sZ", "language": "de"}`,
		id, id, id)
}

func TestPollingDatasource_EmitsChronologicallyAndAdvancesCursor(t *testing.T) {
	var mu sync.Mutex
	var sinceIDs []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sinceIDs = append(sinceIDs, r.URL.Query().Get("since_id"))
		calls := len(sinceIDs)
		mu.Unlock()

		assert.Equal(t, "true", r.URL.Query().Get("local"))
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			// Newest-first, as the timeline API returns them.
			fmt.Fprintf(w, "[%s, %s, %s]",
				timelineStatus("3"), timelineStatus("2"), timelineStatus("1"))
			return
		}
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	d := NewPollingDatasource(srv.URL, "", time.Hour, "")

	var got []string
	onPost := func(p datasource.Post) { got = append(got, p.ID) }

	require.NoError(t, d.pollOnce(onPost))
	assert.Equal(t, []string{"1", "2", "3"}, got, "posts emitted oldest-first")

	require.NoError(t, d.pollOnce(onPost))
	assert.Equal(t, []string{"1", "2", "3"}, got)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sinceIDs, 2)
	assert.Equal(t, "", sinceIDs[0], "first cycle omits since_id")
	assert.Equal(t, "3", sinceIDs[1], "cursor advances to the newest id")
}

func TestPollingDatasource_InitialSinceIDSeedsCursor(t *testing.T) {
	var gotSinceID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSinceID = r.URL.Query().Get("since_id")
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	d := NewPollingDatasource(srv.URL, "", time.Hour, "114352987654321001")
	require.NoError(t, d.pollOnce(func(datasource.Post) {}))
	assert.Equal(t, "114352987654321001", gotSinceID)
}

func TestPollingDatasource_SendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	d := NewPollingDatasource(srv.URL, "secret-token", time.Hour, "")
	require.NoError(t, d.pollOnce(func(datasource.Post) {}))
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestPollingDatasource_HTTPErrorReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewPollingDatasource(srv.URL, "", time.Hour, "")
	err := d.pollOnce(func(datasource.Post) {})
	assert.Error(t, err)
}

func TestPollingDatasource_StartStop(t *testing.T) {
	var mu sync.Mutex
	var got []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "[%s]", timelineStatus("1"))
	}))
	defer srv.Close()

	d := NewPollingDatasource(srv.URL, "", time.Hour, "")
	d.Start(func(p datasource.Post) {
		mu.Lock()
		got = append(got, p.ID)
		mu.Unlock()
	}, nil)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	d.Stop()
	d.Stop() // idempotent
}

func TestPollingDatasource_SourceID(t *testing.T) {
	d := NewPollingDatasource("https://wien.rocks/", "", 0, "")
	assert.Equal(t, "mastodon:wien.rocks", d.SourceID())
	assert.Equal(t, DefaultPollInterval, d.pollInterval)
}
