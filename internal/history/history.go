// Package history records listening sessions in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"tunedive/internal/core"
)

// Tracker implements core.HistoryTracker. At most one play session is open
// at a time: starting a new one while another is open closes the old one
// first, so a missed stop never leaks an open row.
type Tracker struct {
	db     *sql.DB
	logger *zap.Logger

	mu        sync.Mutex
	sessionID int64
	active    bool
}

func NewTracker(path string, logger *zap.Logger) (*Tracker, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS play_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		track_id TEXT NOT NULL,
		catalog_id TEXT NOT NULL,
		title TEXT NOT NULL,
		artists TEXT NOT NULL,
		source_label TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		completed INTEGER NOT NULL DEFAULT 0
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history table: %w", err)
	}

	return &Tracker{
		db:     db,
		logger: logger,
	}, nil
}

// StartTracking opens a play session for the given track.
func (t *Tracker) StartTracking(ctx context.Context, track *core.Track, catalogID, sourceLabel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active {
		// The previous session was never stopped; close it as abandoned.
		if err := t.closeLocked(ctx, false); err != nil {
			t.logger.Warn("Failed to close dangling play session", zap.Error(err))
		}
	}

	artists := make([]string, 0, len(track.Artists))
	for _, artist := range track.Artists {
		artists = append(artists, artist.Name)
	}

	result, err := t.db.ExecContext(ctx, `
		INSERT INTO play_sessions (track_id, catalog_id, title, artists, source_label, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		track.ID, catalogID, track.Title, strings.Join(artists, ", "), sourceLabel, time.Now())
	if err != nil {
		return fmt.Errorf("failed to open play session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read play session id: %w", err)
	}

	t.sessionID = id
	t.active = true

	t.logger.Debug("Opened play session",
		zap.Int64("sessionID", id),
		zap.String("trackID", track.ID),
		zap.String("sourceLabel", sourceLabel))

	return nil
}

// StopTracking closes the open play session, marking whether the track was
// played to completion. Calling it without an open session is a no-op.
func (t *Tracker) StopTracking(ctx context.Context, completed bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil
	}
	return t.closeLocked(ctx, completed)
}

func (t *Tracker) closeLocked(ctx context.Context, completed bool) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE play_sessions SET ended_at = ?, completed = ? WHERE id = ?`,
		time.Now(), completed, t.sessionID)

	t.active = false
	t.sessionID = 0

	if err != nil {
		return fmt.Errorf("failed to close play session: %w", err)
	}
	return nil
}

// PlayedEntry is one recorded play session.
type PlayedEntry struct {
	TrackID     string
	Title       string
	Artists     string
	SourceLabel string
	StartedAt   time.Time
	Completed   bool
}

// RecentlyPlayed returns the most recent play sessions, newest first.
func (t *Tracker) RecentlyPlayed(ctx context.Context, limit int) ([]PlayedEntry, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT track_id, title, artists, source_label, started_at, completed
		FROM play_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query play sessions: %w", err)
	}
	defer rows.Close()

	var entries []PlayedEntry
	for rows.Next() {
		var entry PlayedEntry
		if err := rows.Scan(&entry.TrackID, &entry.Title, &entry.Artists,
			&entry.SourceLabel, &entry.StartedAt, &entry.Completed); err != nil {
			return nil, fmt.Errorf("failed to scan play session: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Close releases the underlying database handle.
func (t *Tracker) Close() error {
	return t.db.Close()
}
