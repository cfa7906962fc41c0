package conn

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound frame types.
const (
	TypeMessage = "message"
	TypeTyping  = "typing"
	TypeError   = "error"
)

var (
	ErrUnknownFrame   = errors.New("unknown frame type")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Inbound is a decoded server frame: a *MessageFrame, *TypingFrame or *ErrorFrame.
type Inbound interface {
	Type() string
}

// MessageFrame carries a persisted message. It is delivered to every
// participant, the sender included.
type MessageFrame struct {
	ConversationID int64
	MessageID      int64
	SenderID       int64
	Text           string
	SentAt         time.Time
}

func (*MessageFrame) Type() string { return TypeMessage }

// TypingFrame signals that a participant is typing.
type TypingFrame struct {
	ConversationID int64
	UserID         int64
}

func (*TypingFrame) Type() string { return TypeTyping }

// ErrorFrame reports a rejected send.
type ErrorFrame struct {
	Message string
}

func (*ErrorFrame) Type() string { return TypeError }

type wireFrame struct {
	Type      string `json:"type"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	SenderID  int64  `json:"sender_id"`
	UserID    int64  `json:"user_id"`
	Message   string `json:"message"`
	SentAt    int64  `json:"sent_at"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (Inbound, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch w.Type {
	case TypeMessage:
		if w.ChatID == 0 || w.MessageID == 0 {
			return nil, fmt.Errorf("%w: message frame without ids", ErrMalformedFrame)
		}
		return &MessageFrame{
			ConversationID: w.ChatID,
			MessageID:      w.MessageID,
			SenderID:       w.SenderID,
			Text:           w.Message,
			SentAt:         time.UnixMilli(w.SentAt),
		}, nil
	case TypeTyping:
		if w.ChatID == 0 {
			return nil, fmt.Errorf("%w: typing frame without chat id", ErrMalformedFrame)
		}
		return &TypingFrame{ConversationID: w.ChatID, UserID: w.UserID}, nil
	case TypeError:
		return &ErrorFrame{Message: w.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, w.Type)
	}
}

// Outbound is the only frame the client sends. A typing keep-alive has
// IsMessage false and empty content.
type Outbound struct {
	ConversationID int64  `json:"id"`
	IsMessage      bool   `json:"isMessage"`
	Content        string `json:"content"`
}

// MessageOut builds a chat message frame.
func MessageOut(conversationID int64, text string) Outbound {
	return Outbound{ConversationID: conversationID, IsMessage: true, Content: text}
}

// TypingOut builds a typing keep-alive frame.
func TypingOut(conversationID int64) Outbound {
	return Outbound{ConversationID: conversationID}
}

func (o Outbound) kind() string {
	if o.IsMessage {
		return TypeMessage
	}
	return TypeTyping
}
