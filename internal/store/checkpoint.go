package store

import (
	"database/sql"
	"errors"
	"time"
)

// Checkpoint keys.
const (
	CheckpointLastHydrated = "last_hydrated_at"
	CheckpointUserID       = "user_id"
)

// SetCheckpoint updates a sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// Checkpoint retrieves a sync checkpoint value. A missing key yields "".
func (db *DB) Checkpoint(key string) (string, error) {
	var value string
	err := db.Get(&value, `SELECT value FROM sync_state WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
