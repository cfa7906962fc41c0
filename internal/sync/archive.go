package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/dfchat/internal/bus"
	"github.com/matheus3301/dfchat/internal/chat"
	"github.com/matheus3301/dfchat/internal/store"
)

// Archive mirrors confirmed chat state into the local SQLite cache.
// It subscribes to "chat." events on the bus and applies them in order.
type Archive struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewArchive creates a new archive.
func NewArchive(db *store.DB, b *bus.Bus, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to chat events on the bus.
func (a *Archive) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	ch, unsub := a.bus.Subscribe("chat.", 256)

	go func() {
		defer close(a.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				a.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the archive and waits for the event loop to exit.
func (a *Archive) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

func (a *Archive) handleEvent(evt bus.Event) {
	var err error
	switch p := evt.Payload.(type) {
	case chat.Conversation:
		err = a.IngestConversation(p)
	case chat.Message:
		err = a.IngestMessages([]chat.Message{p})
	case HistoryEvent:
		err = a.IngestMessages(p.Messages)
	case HydratedEvent:
		if err = a.IngestMessages(p.Messages); err == nil {
			err = a.db.SetCheckpoint(store.CheckpointLastHydrated, strconv.FormatInt(time.Now().UnixMilli(), 10))
		}
	case nil:
		if evt.Kind == bus.KindCleared {
			err = a.db.Clear()
		}
	}
	if err != nil {
		a.logger.Error("failed to archive event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// IngestConversation stores a conversation and applies its read watermark.
func (a *Archive) IngestConversation(c chat.Conversation) error {
	if err := a.db.UpsertConversation(&store.Conversation{
		ID:                c.ID,
		CounterpartyID:    c.CounterpartyID,
		CounterpartyName:  c.CounterpartyName,
		CounterpartyEmail: c.CounterpartyEmail,
		LastMessageText:   truncate(c.LastMessageText, 100),
		LastActivity:      unixMilli(c.LastActivity),
		UnreadCount:       c.Unread.Count,
		UnreadSaturated:   c.Unread.Saturated,
		LastReadID:        c.LastReadID,
	}); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if c.LastReadID > 0 {
		if err := a.db.MarkRead(c.ID, c.LastReadID); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
	}
	return nil
}

// IngestMessages stores the confirmed messages of a batch. Provisional
// messages are skipped; they are stored once the service confirms them.
func (a *Archive) IngestMessages(msgs []chat.Message) error {
	rows := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		id, ok := m.ID.DurableID()
		if !ok {
			continue
		}
		rows = append(rows, store.Message{
			ID:             id,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			FromMe:         m.FromMe,
			Body:           m.Text,
			SentAt:         unixMilli(m.SentAt),
			IsRead:         m.IsRead,
		})
	}
	if err := a.db.UpsertMessages(rows); err != nil {
		return fmt.Errorf("upsert messages: %w", err)
	}
	return nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes])
}
