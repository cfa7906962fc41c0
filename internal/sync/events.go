package sync

import "github.com/matheus3301/dfchat/internal/chat"

// Payloads published on the bus. Conversation and message events carry
// chat.Conversation and chat.Message values directly.

// HydratedEvent reports a merged latest-messages snapshot of one conversation.
type HydratedEvent struct {
	ConversationID int64
	Messages       []chat.Message
	Added          int
}

// HistoryEvent reports a page of older messages, newest first.
type HistoryEvent struct {
	ConversationID int64
	Messages       []chat.Message
}

type TypingEvent struct {
	ConversationID int64
	UserID         int64
	Typing         bool
}

type ServerErrorEvent struct {
	Message string
}

// SendFailedEvent reports a queued message that could not be delivered by any
// path. Its provisional copy stays in the conversation.
type SendFailedEvent struct {
	ConversationID int64
	LocalSeq       uint64
	Text           string
	Err            string
}
