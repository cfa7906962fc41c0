package chat

import (
	"slices"
	"sync"
)

// ConversationList is the sorted set of conversations, at most one per
// counterparty. Every change goes through Mutate, which re-sorts.
type ConversationList struct {
	mu    sync.RWMutex
	items []Conversation
}

// NewConversationList creates an empty list.
func NewConversationList() *ConversationList {
	return &ConversationList{}
}

// Upsert adds c unless a conversation with the same counterparty exists, in
// which case the existing entry is returned untouched. The bool reports
// whether c was inserted.
func (l *ConversationList) Upsert(c Conversation) (Conversation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.items {
		if existing.CounterpartyID == c.CounterpartyID {
			return existing, false
		}
	}
	l.items = append(l.items, c)
	l.sortLocked()
	return c, true
}

// Mutate applies fn to the conversation with the given id and re-sorts the
// list. It reports whether the conversation exists.
func (l *ConversationList) Mutate(id int64, fn func(*Conversation)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := slices.IndexFunc(l.items, func(c Conversation) bool { return c.ID == id })
	if idx < 0 {
		return false
	}
	fn(&l.items[idx])
	l.items[idx].ID = id
	l.sortLocked()
	return true
}

// MarkRead zeroes the unread counter of a conversation.
func (l *ConversationList) MarkRead(id int64) bool {
	return l.Mutate(id, func(c *Conversation) {
		c.Unread = Unread{}
	})
}

// Get returns the conversation with the given id.
func (l *ConversationList) Get(id int64) (Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, c := range l.items {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

// ByCounterparty returns the conversation with the given remote user.
func (l *ConversationList) ByCounterparty(userID int64) (Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, c := range l.items {
		if c.CounterpartyID == userID {
			return c, true
		}
	}
	return Conversation{}, false
}

// Snapshot returns the conversations in display order.
func (l *ConversationList) Snapshot() []Conversation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.items)
}

func (l *ConversationList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Clear removes every conversation.
func (l *ConversationList) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
}

// sortLocked orders conversations with unread messages first, then by most
// recent activity, then by id.
func (l *ConversationList) sortLocked() {
	slices.SortStableFunc(l.items, compareConversations)
}

func compareConversations(a, b Conversation) int {
	au, bu := !a.Unread.IsZero(), !b.Unread.IsZero()
	if au != bu {
		if au {
			return -1
		}
		return 1
	}
	if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
