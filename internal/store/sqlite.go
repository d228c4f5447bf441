package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tunedive/internal/core"
)

// SQLiteStore is the durable snapshot tier. It keeps a single row per user
// so a restore never has to pick between conflicting durable copies.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS playback_snapshots (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL,
		saved_at TIMESTAMP NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(snap *core.PersistedSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO playback_snapshots (id, data, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		string(data), snap.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to write snapshot row: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadFreshestWithin(maxAge time.Duration) (*core.PersistedSnapshot, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM playback_snapshots WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot row: %w", err)
	}

	var snap core.PersistedSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, nil
	}

	if time.Since(snap.Timestamp) > maxAge {
		return nil, nil
	}
	return &snap, nil
}

func (s *SQLiteStore) ClearAll() error {
	if _, err := s.db.Exec(`DELETE FROM playback_snapshots`); err != nil {
		return fmt.Errorf("failed to clear snapshots: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
