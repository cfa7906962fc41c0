package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *Conversation) error {
	_, err := db.NamedExec(`
		INSERT INTO conversations (id, counterparty_id, counterparty_name, counterparty_email,
			last_message_text, last_activity, unread_count, unread_saturated, last_read_id, updated_at)
		VALUES (:id, :counterparty_id, :counterparty_name, :counterparty_email,
			:last_message_text, :last_activity, :unread_count, :unread_saturated, :last_read_id, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			counterparty_id = excluded.counterparty_id,
			counterparty_name = excluded.counterparty_name,
			counterparty_email = excluded.counterparty_email,
			last_message_text = excluded.last_message_text,
			last_activity = excluded.last_activity,
			unread_count = excluded.unread_count,
			unread_saturated = excluded.unread_saturated,
			last_read_id = MAX(conversations.last_read_id, excluded.last_read_id),
			updated_at = excluded.updated_at`,
		struct {
			Conversation
			UpdatedAt int64 `db:"updated_at"`
		}{*c, time.Now().UnixMilli()})
	return err
}

// ListConversations returns conversations in display order: unread first,
// then most recent activity.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	var convs []Conversation
	err := db.Select(&convs, `
		SELECT id, counterparty_id, counterparty_name, counterparty_email, last_message_text,
			last_activity, unread_count, unread_saturated, last_read_id
		FROM conversations
		ORDER BY (unread_count > 0 OR unread_saturated) DESC, last_activity DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	return convs, err
}

// GetConversation returns a single conversation, or nil when it is unknown.
func (db *DB) GetConversation(id int64) (*Conversation, error) {
	var c Conversation
	err := db.Get(&c, `
		SELECT id, counterparty_id, counterparty_name, counterparty_email, last_message_text,
			last_activity, unread_count, unread_saturated, last_read_id
		FROM conversations
		WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
