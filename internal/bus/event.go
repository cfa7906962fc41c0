package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds. Subscribers filter by prefix, e.g. "chat." or "session.".
const (
	KindStatusChanged = "session.status_changed"
	KindLoggedOut     = "session.logged_out"

	KindConversationUpserted = "chat.conversation_upserted"
	KindMessageAppended      = "chat.message_appended"
	KindMessageReconciled    = "chat.message_reconciled"
	KindHistoryPage          = "chat.history_page"
	KindHydrated             = "chat.hydrated"
	KindCleared              = "chat.cleared"

	KindTypingChanged = "typing.changed"

	KindServerError = "conn.server_error"
	KindSendFailed  = "conn.send_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(kind string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
