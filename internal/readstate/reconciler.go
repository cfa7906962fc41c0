// Package readstate derives unread counters and pushes read watermarks to the
// service.
package readstate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/dfchat/internal/chat"
)

// ComputeUnread derives a conversation's unread counter from its latest
// message window. Messages from the local user and messages at or below the
// watermark are not counted. A full window with nothing at or below the
// watermark may hide older unread messages, so it saturates.
func ComputeUnread(window []chat.Message, watermark int64, windowSize int) chat.Unread {
	count := 0
	seenRead := false
	for _, m := range window {
		id, ok := m.ID.DurableID()
		if !ok {
			continue
		}
		if id <= watermark {
			seenRead = true
			continue
		}
		if !m.FromMe {
			count++
		}
	}
	if windowSize > 0 && len(window) == windowSize && !seenRead {
		return chat.Unread{Saturated: true}
	}
	return chat.Unread{Count: count}
}

// ReadMarker submits a read watermark to the service.
type ReadMarker interface {
	MarkMessagesAsRead(ctx context.Context, conversationID, messageID int64) error
}

// Reconciler keeps local read state and the server watermark in step.
type Reconciler struct {
	messages *chat.MessageStore
	convs    *chat.ConversationList
	marker   ReadMarker
	logger   *zap.Logger
}

// NewReconciler creates a reconciler over the shared chat state.
func NewReconciler(messages *chat.MessageStore, convs *chat.ConversationList, marker ReadMarker, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		messages: messages,
		convs:    convs,
		marker:   marker,
		logger:   logger,
	}
}

// MarkAsRead zeroes the unread counter locally and submits the newest
// confirmed message id as the read watermark. Local state is not reverted when
// the submission fails.
func (r *Reconciler) MarkAsRead(ctx context.Context, conversationID int64) error {
	latestID, submit := r.MarkLocal(conversationID)
	if !submit {
		return nil
	}
	if err := r.Submit(ctx, conversationID, latestID); err != nil {
		return err
	}
	r.Advance(conversationID, latestID)
	return nil
}

// MarkLocal zeroes the unread counter and flags every message read. It returns
// the watermark to submit and false when the server already has it.
func (r *Reconciler) MarkLocal(conversationID int64) (int64, bool) {
	r.convs.MarkRead(conversationID)
	r.messages.MarkAllRead(conversationID)

	latest, ok := r.messages.LatestDurable(conversationID)
	if !ok {
		return 0, false
	}
	latestID, _ := latest.ID.DurableID()
	if conv, ok := r.convs.Get(conversationID); ok && latestID <= conv.LastReadID {
		return 0, false
	}
	return latestID, true
}

// Submit sends a read watermark to the service.
func (r *Reconciler) Submit(ctx context.Context, conversationID, messageID int64) error {
	if err := r.marker.MarkMessagesAsRead(ctx, conversationID, messageID); err != nil {
		r.logger.Warn("mark as read failed",
			zap.Int64("chat_id", conversationID),
			zap.Int64("message_id", messageID),
			zap.Error(err))
		return fmt.Errorf("mark messages as read: %w", err)
	}
	return nil
}

// Advance records an accepted watermark. It never moves backwards.
func (r *Reconciler) Advance(conversationID, messageID int64) {
	r.convs.Mutate(conversationID, func(c *chat.Conversation) {
		if messageID > c.LastReadID {
			c.LastReadID = messageID
		}
	})
}

// NoteIncoming bumps the unread counter for a message that arrived while its
// conversation was not being viewed.
func (r *Reconciler) NoteIncoming(msg chat.Message) {
	if msg.FromMe {
		return
	}
	r.convs.Mutate(msg.ConversationID, func(c *chat.Conversation) {
		if !c.Unread.Saturated {
			c.Unread.Count++
		}
	})
}

// Recompute re-derives a conversation's unread counter from a fresh window.
func (r *Reconciler) Recompute(conversationID int64, window []chat.Message, watermark int64) chat.Unread {
	unread := ComputeUnread(window, watermark, chat.UnreadWindow)
	r.convs.Mutate(conversationID, func(c *chat.Conversation) {
		c.Unread = unread
		if watermark > c.LastReadID {
			c.LastReadID = watermark
		}
	})
	return unread
}
