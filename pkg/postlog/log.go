// Package postlog provides the durable post log: a single-file SQLite
// database that deduplicates incoming posts and lets the pipeline replay
// posts that were buffered but never processed before a restart.
package postlog

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // Register sqlite3 driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// timeLayout is the stored timestamp format. RFC3339 in UTC keeps the
// TEXT columns lexicographically comparable, which cleanup relies on.
const timeLayout = time.RFC3339

// Entry is one durable row of the post log.
type Entry struct {
	ID         string
	Text       string
	CreatedAt  time.Time
	Language   string
	Source     string
	ReceivedAt time.Time
	Processed  bool
}

// Log is a SQLite-backed post log. Writes are serialized by a mutex so
// multiple datasources may save concurrently.
type Log struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the post log at path and applies any
// pending schema migrations. Parent directories are created automatically.
func Open(path string) (*Log, error) {
	if path == "" {
		return nil, errors.New("post log path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create post log directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open post log: %w", err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to post log: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run post log migrations: %w", err)
	}

	slog.Info("Post log opened", "path", path)
	return &Log{db: db, path: path}, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// SavePost persists an entry. Returns true when the row was newly
// inserted; a duplicate id is ignored and returns false.
func (l *Log) SavePost(e Entry) (bool, error) {
	receivedAt := e.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(
		`INSERT OR IGNORE INTO posts (id, text, created_at, language, source, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Text,
		e.CreatedAt.UTC().Format(timeLayout),
		nullableString(e.Language),
		e.Source,
		receivedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("failed to save post %s: %w", e.ID, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check insert result for post %s: %w", e.ID, err)
	}
	return inserted == 1, nil
}

// GetUnprocessedPosts returns every entry with processed=0, ordered by
// created_at ascending.
func (l *Log) GetUnprocessedPosts() ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT id, text, created_at, language, source, received_at, processed
		 FROM posts WHERE processed = 0 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed posts: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read unprocessed posts: %w", err)
	}
	return entries, nil
}

// MarkBatchProcessed flips processed to 1 for the given ids. Empty input
// and unknown ids are no-ops.
func (l *Log) MarkBatchProcessed(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE posts SET processed = 1 WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare update: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("failed to mark post %s processed: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit processed batch: %w", err)
	}
	return nil
}

// CleanupOldPosts deletes processed entries received before now minus
// retentionHours. Returns the number deleted.
func (l *Log) CleanupOldPosts(retentionHours int, now time.Time) (int, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	cutoff := now.UTC().Add(-time.Duration(retentionHours) * time.Hour).Format(timeLayout)

	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(
		`DELETE FROM posts WHERE processed = 1 AND received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old posts: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted posts: %w", err)
	}
	if deleted > 0 {
		slog.Info("Cleaned up old processed posts", "deleted", deleted)
	}
	return int(deleted), nil
}

// MaxPostID returns the numerically greatest id among posts from the
// given source, or "" when none exist. Used by the REST-poll datasource
// to seed its since_id cursor across restarts. Ids are digit strings,
// so ordering by length then value gives the numeric maximum.
func (l *Log) MaxPostID(source string) (string, error) {
	var id string
	err := l.db.QueryRow(
		`SELECT id FROM posts WHERE source = ?
		 ORDER BY LENGTH(id) DESC, id DESC LIMIT 1`, source).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query max post id: %w", err)
	}
	return id, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close post log: %w", err)
	}
	slog.Info("Post log closed", "path", l.path)
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		entry      Entry
		createdAt  string
		language   sql.NullString
		receivedAt string
		processed  int
	)
	if err := rows.Scan(&entry.ID, &entry.Text, &createdAt, &language, &entry.Source, &receivedAt, &processed); err != nil {
		return Entry{}, fmt.Errorf("failed to scan post row: %w", err)
	}

	created, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid created_at for post %s: %w", entry.ID, err)
	}
	received, err := time.Parse(timeLayout, receivedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid received_at for post %s: %w", entry.ID, err)
	}

	entry.CreatedAt = created
	entry.ReceivedAt = received
	entry.Language = language.String
	entry.Processed = processed == 1
	return entry, nil
}
