package api

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/dfchat/internal/bus"
	"github.com/matheus3301/dfchat/internal/store"
	chatsync "github.com/matheus3301/dfchat/internal/sync"
)

// ChatService implements dfchat.v1.ChatService.
type ChatService struct {
	sessionName string
	engine      *chatsync.Engine
	db          *store.DB
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewChatService creates a new chat service.
func NewChatService(sessionName string, engine *chatsync.Engine, db *store.DB, b *bus.Bus, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		sessionName: sessionName,
		engine:      engine,
		db:          db,
		bus:         b,
		logger:      logger,
	}
}

// ListConversations returns the conversation list in display order.
func (s *ChatService) ListConversations(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	now := time.Now()
	convs := s.engine.Conversations()
	out := make([]any, 0, len(convs))
	for _, c := range convs {
		typer, _ := s.engine.Typing(c.ID)
		out = append(out, conversationValue(c, typer, now))
	}
	return respond(map[string]any{
		"conversations": out,
		"active":        s.engine.Active(),
	})
}

func (s *ChatService) ListMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	convID, err := requiredID(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	msgs, err := s.engine.Messages(convID)
	if err != nil {
		return nil, toStatus("list messages", err, codes.Internal)
	}
	return respond(map[string]any{"conversation_id": convID, "messages": messageList(msgs)})
}

// LoadOlderMessages fetches the page before the earliest loaded message.
// It returns only the new page, newest first.
func (s *ChatService) LoadOlderMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	convID, err := requiredID(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	page, err := s.engine.LoadOlder(ctx, convID)
	if err != nil {
		return nil, toStatus("load older messages", err, codes.Unavailable)
	}
	return respond(map[string]any{
		"conversation_id": convID,
		"messages":        messageList(page),
		"exhausted":       len(page) == 0,
	})
}

// SendText appends the message optimistically and hands it to the
// connection. It returns the provisional message.
func (s *ChatService) SendText(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	convID, err := requiredID(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	msg, err := s.engine.SendText(convID, stringField(req, "text"))
	if err != nil {
		return nil, toStatus("send", err, codes.Internal)
	}
	return respond(map[string]any{"message": messageValue(msg)})
}

func (s *ChatService) Keystroke(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	convID, err := requiredID(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	if err := s.engine.Keystroke(convID); err != nil {
		return nil, toStatus("keystroke", err, codes.Internal)
	}
	return respond(map[string]any{"success": true})
}

// OpenConversation makes a conversation the active one and marks it read.
// A zero conversation_id closes the active conversation.
func (s *ChatService) OpenConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	convID := optionalInt(req, "conversation_id")
	if convID <= 0 {
		s.engine.CloseConversation()
		return respond(map[string]any{"active": int64(0)})
	}
	msgs, err := s.engine.OpenConversation(ctx, convID)
	if err != nil {
		return nil, toStatus("open conversation", err, codes.Internal)
	}
	return respond(map[string]any{"active": convID, "messages": messageList(msgs)})
}

// CreateConversation opens a conversation with user_id, reusing an existing
// one with the same counterparty.
func (s *ChatService) CreateConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requiredID(req, "user_id")
	if err != nil {
		return nil, err
	}
	conv, created, err := s.engine.CreateConversation(ctx, chatsync.Counterparty{
		ID:    userID,
		Name:  stringField(req, "name"),
		Email: stringField(req, "email"),
	})
	if err != nil {
		return nil, toStatus("create conversation", err, codes.Unavailable)
	}
	typer, _ := s.engine.Typing(conv.ID)
	return respond(map[string]any{
		"conversation": conversationValue(conv, typer, time.Now()),
		"created":      created,
	})
}

func (s *ChatService) GetTyping(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	convID, err := requiredID(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	if _, err := s.engine.Conversation(convID); err != nil {
		return nil, toStatus("typing", err, codes.Internal)
	}
	user, typing := s.engine.Typing(convID)
	return respond(map[string]any{"conversation_id": convID, "typing": typing, "user_id": user})
}

// SearchMessages searches the local mirror of confirmed messages.
func (s *ChatService) SearchMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	query := strings.TrimSpace(stringField(req, "query"))
	if query == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "query is required")
	}
	results, err := s.db.SearchMessages(query, optionalInt(req, "conversation_id"), int(optionalInt(req, "limit")))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search: %v", err)
	}
	out := make([]any, 0, len(results))
	for _, r := range results {
		out = append(out, searchResultValue(r))
	}
	return respond(map[string]any{"results": out})
}

// WatchEvents streams bus events whose kind starts with the requested
// namespace ("" streams everything) until the client goes away.
func (s *ChatService) WatchEvents(req *structpb.Struct, stream EventStream) error {
	ch, unsub := s.bus.Subscribe(stringField(req, "namespace"), 256)
	defer unsub()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := structpb.NewStruct(map[string]any{
				"id":             evt.ID,
				"kind":           evt.Kind,
				"session":        s.sessionName,
				"occurred_at_ms": evt.Timestamp.UnixMilli(),
				"payload":        eventPayload(evt.Payload),
			})
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(msg); err != nil {
				return grpcstatus.Errorf(codes.Unavailable, "send event: %v", err)
			}
		}
	}
}
