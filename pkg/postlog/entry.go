package postlog

import (
	"time"

	"github.com/viennatalksbout/talkbout/pkg/datasource"
)

// NewEntry builds a log entry from an incoming post, stamping the
// receive time.
func NewEntry(p datasource.Post, receivedAt time.Time) Entry {
	return Entry{
		ID:         p.ID,
		Text:       p.Text,
		CreatedAt:  p.CreatedAt,
		Language:   p.Language,
		Source:     p.Source,
		ReceivedAt: receivedAt,
	}
}

// Post converts the entry back into the pipeline's post shape, used when
// replaying unprocessed entries into the buffer.
func (e Entry) Post() datasource.Post {
	return datasource.Post{
		ID:        e.ID,
		Text:      e.Text,
		CreatedAt: e.CreatedAt,
		Language:  e.Language,
		Source:    e.Source,
	}
}
