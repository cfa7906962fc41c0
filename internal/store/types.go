package store

// Conversation is the cached row of a conversation. Times are epoch
// milliseconds.
type Conversation struct {
	ID                int64  `db:"id"`
	CounterpartyID    int64  `db:"counterparty_id"`
	CounterpartyName  string `db:"counterparty_name"`
	CounterpartyEmail string `db:"counterparty_email"`
	LastMessageText   string `db:"last_message_text"`
	LastActivity      int64  `db:"last_activity"`
	UnreadCount       int    `db:"unread_count"`
	UnreadSaturated   bool   `db:"unread_saturated"`
	LastReadID        int64  `db:"last_read_id"`
}

// Message is a cached message. Only messages with a durable id are stored.
type Message struct {
	ID             int64  `db:"id"`
	ConversationID int64  `db:"conversation_id"`
	SenderID       int64  `db:"sender_id"`
	FromMe         bool   `db:"from_me"`
	Body           string `db:"body"`
	SentAt         int64  `db:"sent_at"`
	IsRead         bool   `db:"is_read"`
}

// SearchResult holds a matching message with the name of its conversation.
type SearchResult struct {
	Message
	CounterpartyName string `db:"counterparty_name"`
}

type Counts struct {
	Conversations int `db:"conversations"`
	Messages      int `db:"messages"`
}
