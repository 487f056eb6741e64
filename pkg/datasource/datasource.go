// Package datasource defines the normalized Post model and the contract
// every ingestion source implements.
//
// A datasource connects to an external platform (Mastodon, RSS feeds,
// Reddit, ...), receives messages in real time, normalizes them into Post
// values, and delivers them via callback from its own background workers.
package datasource

import "time"

// Post is a normalized message from any datasource. Posts are immutable:
// they are passed by value through the pipeline and never mutated.
type Post struct {
	// ID is the unique post identifier from the source platform.
	ID string
	// Text is the plain text content with HTML/Markdown already stripped.
	Text string
	// CreatedAt is when the post was created on the platform.
	CreatedAt time.Time
	// Language is the ISO 639-1 language code, empty when unknown.
	Language string
	// Source identifies the datasource, e.g. "mastodon:wien.rocks".
	Source string
}

// PostHandler receives each normalized post a datasource emits.
// Handlers must be lightweight; datasources call them from their workers.
type PostHandler func(Post)

// ErrorHandler receives transport or decoding errors. Invocation is
// informational only and never terminates the datasource.
type ErrorHandler func(error)

// Datasource is the capability set every ingestion source implements.
type Datasource interface {
	// Start begins asynchronous delivery and returns immediately.
	// onError may be nil.
	Start(onPost PostHandler, onError ErrorHandler)
	// Stop signals shutdown and returns once all internal workers have
	// exited and callbacks will no longer fire. Idempotent.
	Stop()
	// SourceID returns the stable identifier included in every Post.
	SourceID() string
}
