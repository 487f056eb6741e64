package news

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viennatalksbout/talkbout/pkg/datasource"
)

func rssBody(items ...string) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Testfeed</title><language>de-AT</language>%s</channel></rss>`,
		strings.Join(items, ""))
}

func rssItem(guid, title, description, pubDate string) string {
	return fmt.Sprintf(
		`<item><guid>%s</guid><title>%s</title><description>%s</description><pubDate>%s</pubDate><link>https://example.at/%s</link></item>`,
		guid, title, description, pubDate, guid)
}

func testFeed(url string) Feed {
	return Feed{URL: url, Name: "orf", Language: "de"}
}

func collect(onPosts *[]datasource.Post) datasource.PostHandler {
	return func(p datasource.Post) { *onPosts = append(*onPosts, p) }
}

func TestPollFeed_EmitsEntriesAsPosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		fmt.Fprint(w, rssBody(
			rssItem("e1", "U-Bahn Ausfall", "<p>Die <b>U2</b> steht still</p>", "Sun, 15 Jun 2025 12:00:00 GMT"),
		))
	}))
	defer srv.Close()

	d := NewRSSDatasource([]Feed{testFeed(srv.URL)}, time.Hour, "")

	var posts []datasource.Post
	require.NoError(t, d.pollFeed(d.feeds[0], collect(&posts)))

	require.Len(t, posts, 1)
	assert.Equal(t, "rss:orf:e1", posts[0].ID)
	assert.Equal(t, "U-Bahn Ausfall. Die U2 steht still", posts[0].Text)
	assert.Equal(t, "news:orf", posts[0].Source)
	assert.Equal(t, "de", posts[0].Language)
	assert.Equal(t, time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC), posts[0].CreatedAt.UTC())
}

// First fetch returns 200 with an ETag; the second fetch must carry
// If-None-Match, be answered 304, and produce no posts.
func TestPollFeed_ConditionalGet(t *testing.T) {
	var requests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.Header.Get("If-None-Match"))
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Last-Modified", "Sun, 15 Jun 2025 12:00:00 GMT")
		fmt.Fprint(w, rssBody(
			rssItem("e1", "Eintrag", "Text", "Sun, 15 Jun 2025 12:00:00 GMT"),
		))
	}))
	defer srv.Close()

	d := NewRSSDatasource([]Feed{testFeed(srv.URL)}, time.Hour, "")

	var posts []datasource.Post
	require.NoError(t, d.pollFeed(d.feeds[0], collect(&posts)))
	require.NoError(t, d.pollFeed(d.feeds[0], collect(&posts)))

	assert.Len(t, posts, 1, "304 cycle emits nothing")
	require.Len(t, requests, 2)
	assert.Equal(t, "", requests[0])
	assert.Equal(t, `"abc"`, requests[1])
}

func TestPollFeed_DedupAgainstPreviousCycle(t *testing.T) {
	cycle := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cycle++
		if cycle == 1 {
			fmt.Fprint(w, rssBody(
				rssItem("e1", "Erster", "", "Sun, 15 Jun 2025 12:00:00 GMT"),
				rssItem("e2", "Zweiter", "", "Sun, 15 Jun 2025 12:01:00 GMT"),
			))
			return
		}
		// e2 persists, e3 is new.
		fmt.Fprint(w, rssBody(
			rssItem("e2", "Zweiter", "", "Sun, 15 Jun 2025 12:01:00 GMT"),
			rssItem("e3", "Dritter", "", "Sun, 15 Jun 2025 12:02:00 GMT"),
		))
	}))
	defer srv.Close()

	d := NewRSSDatasource([]Feed{testFeed(srv.URL)}, time.Hour, "")

	var posts []datasource.Post
	require.NoError(t, d.pollFeed(d.feeds[0], collect(&posts)))
	require.NoError(t, d.pollFeed(d.feeds[0], collect(&posts)))

	var ids []string
	for _, p := range posts {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"rss:orf:e1", "rss:orf:e2", "rss:orf:e3"}, ids)
}

func TestPollFeed_SkipsEmptyEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssBody(
			rssItem("e1", "", "", "Sun, 15 Jun 2025 12:00:00 GMT"),
			rssItem("e2", "Nur Titel", "", "Sun, 15 Jun 2025 12:00:00 GMT"),
		))
	}))
	defer srv.Close()

	d := NewRSSDatasource([]Feed{testFeed(srv.URL)}, time.Hour, "")

	var posts []datasource.Post
	require.NoError(t, d.pollFeed(d.feeds[0], collect(&posts)))

	require.Len(t, posts, 1)
	assert.Equal(t, "Nur Titel", posts[0].Text)
}

func TestPollFeed_HTTPErrorReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewRSSDatasource([]Feed{testFeed(srv.URL)}, time.Hour, "")
	err := d.pollFeed(d.feeds[0], func(datasource.Post) {})
	assert.Error(t, err)
}

// A broken feed must not prevent the others in the same cycle from
// being polled.
func TestStart_FeedFailureIsolated(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssBody(rssItem("e1", "Guter Eintrag", "", "Sun, 15 Jun 2025 12:00:00 GMT")))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	d := NewRSSDatasource([]Feed{
		{URL: bad.URL, Name: "kaputt", Language: "de"},
		{URL: good.URL, Name: "orf", Language: "de"},
	}, time.Hour, "")

	postCh := make(chan datasource.Post, 8)
	errCh := make(chan error, 8)
	d.Start(func(p datasource.Post) { postCh <- p }, func(err error) { errCh <- err })
	defer d.Stop()

	select {
	case p := <-postCh:
		assert.Equal(t, "rss:orf:e1", p.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a post from the healthy feed")
	}
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an error from the broken feed")
	}
}

func TestStop_Idempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssBody())
	}))
	defer srv.Close()

	d := NewRSSDatasource([]Feed{testFeed(srv.URL)}, time.Hour, "")
	d.Start(func(datasource.Post) {}, nil)
	d.Stop()
	d.Stop()
}
