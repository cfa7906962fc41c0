package store

import "strings"

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchMessages returns messages whose body contains query, newest first.
// A zero conversationID searches every conversation.
func (db *DB) SearchMessages(query string, conversationID int64, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.conversation_id, m.sender_id, m.from_me, m.body, m.sent_at, m.is_read,
		       COALESCE(c.counterparty_name, '') AS counterparty_name
		FROM messages m
		LEFT JOIN conversations c ON c.id = m.conversation_id
		WHERE m.body LIKE ? ESCAPE '\'`

	args := []any{"%" + likeEscaper.Replace(query) + "%"}
	if conversationID != 0 {
		q += " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY m.id DESC LIMIT ?"
	args = append(args, limit)

	var results []SearchResult
	err := db.Select(&results, q, args...)
	return results, err
}
