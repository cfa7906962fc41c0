package chat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

// MaxMessageLength is the longest message body the service accepts, in UTF-16
// code units. Characters outside the Basic Multilingual Plane count twice.
const MaxMessageLength = 2048

// UnreadWindow is the size of the latest-messages page the service returns per
// conversation. Unread counts derived from a full window are lower bounds.
const UnreadWindow = 10

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = fmt.Errorf("message exceeds %d characters", MaxMessageLength)
)

// ValidateText checks a message body before it is sent or queued.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if TextLength(text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// TextLength returns the length of text as the service measures it, in UTF-16
// code units.
func TextLength(text string) int {
	n := 0
	for _, r := range text {
		n += utf16.RuneLen(r)
	}
	return n
}

// MessageID identifies a message. A message sent from this client starts with a
// provisional id and is switched to the server's durable id once the echo
// arrives.
type MessageID struct {
	durable int64
	local   uint64
}

// Durable returns the id assigned by the server.
func Durable(id int64) MessageID { return MessageID{durable: id} }

// Provisional returns a locally minted id. seq must be non-zero.
func Provisional(seq uint64) MessageID { return MessageID{local: seq} }

func (id MessageID) IsProvisional() bool { return id.local != 0 }

// DurableID returns the server id, or false for a provisional id.
func (id MessageID) DurableID() (int64, bool) {
	if id.IsProvisional() {
		return 0, false
	}
	return id.durable, true
}

// LocalSeq returns the local sequence of a provisional id, or 0.
func (id MessageID) LocalSeq() uint64 { return id.local }

func (id MessageID) String() string {
	if id.IsProvisional() {
		return "local-" + strconv.FormatUint(id.local, 10)
	}
	return strconv.FormatInt(id.durable, 10)
}

// Message is one entry in a conversation log.
type Message struct {
	ID             MessageID
	ConversationID int64
	SenderID       int64
	FromMe         bool
	Text           string
	SentAt         time.Time
	IsRead         bool
	// Failed marks a provisional message the service rejected or that could
	// not be delivered. It is kept so the user can see and resend it.
	Failed bool
}

// Unread is a conversation's unread counter. Saturated means the count is at
// least UnreadWindow and the exact value is unknown.
type Unread struct {
	Count     int
	Saturated bool
}

// Magnitude is the value used for ordering; a saturated counter weighs UnreadWindow.
func (u Unread) Magnitude() int {
	if u.Saturated {
		return UnreadWindow
	}
	return u.Count
}

func (u Unread) IsZero() bool { return !u.Saturated && u.Count == 0 }

func (u Unread) String() string {
	if u.Saturated {
		return strconv.Itoa(UnreadWindow) + "+"
	}
	return strconv.Itoa(u.Count)
}

// Conversation is a two-party chat summary.
type Conversation struct {
	ID                int64
	CounterpartyID    int64
	CounterpartyName  string
	CounterpartyEmail string
	LastMessageText   string
	LastActivity      time.Time
	Unread            Unread
	LastReadID        int64
}
