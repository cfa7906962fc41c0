package store

import (
	"fmt"
	"time"
)

const upsertMessageSQL = `
	INSERT INTO messages (id, conversation_id, sender_id, from_me, body, sent_at, is_read, created_at)
	VALUES (:id, :conversation_id, :sender_id, :from_me, :body, :sent_at, :is_read, :created_at)
	ON CONFLICT(id) DO UPDATE SET
		body = excluded.body,
		is_read = MAX(messages.is_read, excluded.is_read)`

type messageRow struct {
	Message
	CreatedAt int64 `db:"created_at"`
}

// UpsertMessage inserts or updates a message (idempotent on the durable id).
func (db *DB) UpsertMessage(m *Message) error {
	_, err := db.NamedExec(upsertMessageSQL, messageRow{*m, time.Now().UnixMilli()})
	return err
}

// UpsertMessages stores a batch of messages in one transaction.
func (db *DB) UpsertMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareNamed(upsertMessageSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	for i := range msgs {
		if _, err := stmt.Exec(messageRow{msgs[i], now}); err != nil {
			return fmt.Errorf("upsert message %d: %w", msgs[i].ID, err)
		}
	}
	return tx.Commit()
}

// ListMessages returns messages of a conversation older than beforeID, newest
// first. A non-positive beforeID starts from the latest message.
func (db *DB) ListMessages(conversationID, beforeID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT id, conversation_id, sender_id, from_me, body, sent_at, is_read
		FROM messages
		WHERE conversation_id = ?`
	args := []any{conversationID}
	if beforeID > 0 {
		q += " AND id < ?"
		args = append(args, beforeID)
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	var msgs []Message
	err := db.Select(&msgs, q, args...)
	return msgs, err
}

// MarkRead flags every message of a conversation up to upToID as read.
func (db *DB) MarkRead(conversationID, upToID int64) error {
	_, err := db.Exec(`UPDATE messages SET is_read = 1 WHERE conversation_id = ? AND id <= ?`,
		conversationID, upToID)
	return err
}
