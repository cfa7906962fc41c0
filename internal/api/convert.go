package api

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/dfchat/internal/backend"
	"github.com/matheus3301/dfchat/internal/chat"
	"github.com/matheus3301/dfchat/internal/session"
	"github.com/matheus3301/dfchat/internal/status"
	"github.com/matheus3301/dfchat/internal/store"
	chatsync "github.com/matheus3301/dfchat/internal/sync"
)

// requiredID reads a positive integer field. Numbers and numeric strings
// are both accepted.
func requiredID(req *structpb.Struct, key string) (int64, error) {
	id := optionalInt(req, key)
	if id <= 0 {
		return 0, grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return id, nil
}

func optionalInt(req *structpb.Struct, key string) int64 {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return int64(k.NumberValue)
	case *structpb.Value_StringValue:
		n, _ := strconv.ParseInt(k.StringValue, 10, 64)
		return n
	}
	return 0
}

func stringField(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func respond(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

// toStatus maps a domain error to a gRPC status. fallback is used for errors
// of the chat service or the network.
func toStatus(op string, err error, fallback codes.Code) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := fallback
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLong):
		code = codes.InvalidArgument
	case errors.Is(err, chatsync.ErrUnknownConversation):
		code = codes.NotFound
	case errors.Is(err, session.ErrNoIdentity):
		code = codes.FailedPrecondition
	case backend.IsUnauthorized(err):
		code = codes.Unauthenticated
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func conversationValue(c chat.Conversation, typingUser int64, now time.Time) map[string]any {
	return map[string]any{
		"id":                  c.ID,
		"counterparty_id":     c.CounterpartyID,
		"counterparty_name":   c.CounterpartyName,
		"counterparty_email":  c.CounterpartyEmail,
		"last_message_text":   c.LastMessageText,
		"last_activity_ms":    millis(c.LastActivity),
		"last_activity_label": chat.RelativeLabel(c.LastActivity, now),
		"unread":              c.Unread.Magnitude(),
		"unread_label":        c.Unread.String(),
		"unread_saturated":    c.Unread.Saturated,
		"last_read_id":        c.LastReadID,
		"typing_user_id":      typingUser,
	}
}

func messageValue(m chat.Message) map[string]any {
	v := map[string]any{
		"id":              m.ID.String(),
		"provisional":     m.ID.IsProvisional(),
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"from_me":         m.FromMe,
		"text":            m.Text,
		"sent_at_ms":      millis(m.SentAt),
		"time_label":      chat.ClockLabel(m.SentAt),
		"is_read":         m.IsRead,
		"failed":          m.Failed,
	}
	if id, ok := m.ID.DurableID(); ok {
		v["message_id"] = id
	}
	return v
}

func messageList(msgs []chat.Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageValue(m))
	}
	return out
}

func searchResultValue(r store.SearchResult) map[string]any {
	return map[string]any{
		"message_id":        r.ID,
		"conversation_id":   r.ConversationID,
		"counterparty_name": r.CounterpartyName,
		"sender_id":         r.SenderID,
		"from_me":           r.FromMe,
		"text":              r.Body,
		"sent_at_ms":        r.SentAt,
	}
}

// eventPayload renders a bus payload as a Struct-compatible value.
func eventPayload(payload any) any {
	switch p := payload.(type) {
	case nil:
		return nil
	case status.StatusChange:
		return map[string]any{"from": string(p.From), "to": string(p.To)}
	case chat.Conversation:
		return conversationValue(p, 0, time.Now())
	case chat.Message:
		return messageValue(p)
	case chatsync.HydratedEvent:
		return map[string]any{"conversation_id": p.ConversationID, "added": p.Added, "messages": messageList(p.Messages)}
	case chatsync.HistoryEvent:
		return map[string]any{"conversation_id": p.ConversationID, "messages": messageList(p.Messages)}
	case chatsync.TypingEvent:
		return map[string]any{"conversation_id": p.ConversationID, "user_id": p.UserID, "typing": p.Typing}
	case chatsync.ServerErrorEvent:
		return map[string]any{"message": p.Message}
	case chatsync.SendFailedEvent:
		return map[string]any{"conversation_id": p.ConversationID, "local_seq": p.LocalSeq, "text": p.Text, "error": p.Err}
	default:
		if s, ok := payload.(fmt.Stringer); ok {
			return s.String()
		}
		return fmt.Sprintf("%+v", payload)
	}
}
