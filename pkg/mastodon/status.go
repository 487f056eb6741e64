// Package mastodon ingests posts from a Mastodon instance's public local
// timeline, either over the SSE streaming API or by polling the REST
// timeline endpoint.
package mastodon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/viennatalksbout/talkbout/pkg/datasource"
	"github.com/viennatalksbout/talkbout/pkg/textclean"
)

// Status is the subset of a Mastodon status payload the pipeline needs.
// Content and CreatedAt are pointers so a missing or null field can be
// told apart from an empty one.
type Status struct {
	ID        string          `json:"id"`
	Content   *string         `json:"content"`
	CreatedAt *string         `json:"created_at"`
	Language  string          `json:"language"`
	Sensitive bool            `json:"sensitive"`
	Reblog    json.RawMessage `json:"reblog"`
}

// isReblog reports whether the status carries a non-null reblog payload.
func (s Status) isReblog() bool {
	trimmed := strings.TrimSpace(string(s.Reblog))
	return trimmed != "" && trimmed != "null"
}

// ValidateStatus checks that a status has the required fields. Returns a
// descriptive error when the status must be dropped.
func ValidateStatus(s Status) error {
	if s.ID == "" {
		return fmt.Errorf("status missing required 'id' field")
	}
	if s.Content == nil {
		return fmt.Errorf("status %s: missing or null 'content' field", s.ID)
	}
	if s.CreatedAt == nil {
		return fmt.Errorf("status %s: missing or null 'created_at' field", s.ID)
	}
	return nil
}

// FilterStatus decides whether a validated status should be kept. Reblogs,
// sensitive posts, and posts that are empty after HTML stripping are
// dropped.
func FilterStatus(s Status) bool {
	if s.isReblog() {
		return false
	}
	if s.Sensitive {
		return false
	}
	return textclean.StripHTML(*s.Content) != ""
}

// ParseStatus converts a validated, filtered status into a normalized
// post. Unparseable timestamps fall back to the current time with a
// warning.
func ParseStatus(s Status, source string) datasource.Post {
	createdAt, err := time.Parse(time.RFC3339, *s.CreatedAt)
	if err != nil {
		slog.Warn("Status has unparseable created_at, using current time",
			"status_id", s.ID, "created_at", *s.CreatedAt)
		createdAt = time.Now().UTC()
	}

	return datasource.Post{
		ID:        s.ID,
		Text:      textclean.StripHTML(*s.Content),
		CreatedAt: createdAt,
		Language:  strings.TrimSpace(s.Language),
		Source:    source,
	}
}

// HostFromURL extracts the bare host from an instance URL, e.g.
// "https://wien.rocks/" → "wien.rocks".
func HostFromURL(instanceURL string) string {
	host := strings.TrimSuffix(instanceURL, "/")
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return host
}

// sourceID builds the datasource identifier for an instance URL.
func sourceID(instanceURL string) string {
	return "mastodon:" + HostFromURL(instanceURL)
}

// emitStatus runs one raw status payload through validate → filter →
// parse and invokes onPost when it survives. Shared by the streaming and
// polling datasources.
func emitStatus(raw json.RawMessage, source string, onPost datasource.PostHandler) {
	var status Status
	if err := json.Unmarshal(raw, &status); err != nil {
		slog.Warn("Skipping undecodable status payload", "error", err)
		return
	}
	if err := ValidateStatus(status); err != nil {
		slog.Warn("Skipping invalid status", "error", err)
		return
	}
	if !FilterStatus(status) {
		return
	}

	post := ParseStatus(status, source)
	slog.Debug("Post received",
		"id", post.ID, "lang", post.Language, "source", post.Source)
	onPost(post)
}
