package chat

import (
	"slices"
	"sync"

	"github.com/matheus3301/dfchat/internal/clock"
)

// AppendResult reports what AppendIncoming did with a message.
type AppendResult int

const (
	Appended AppendResult = iota
	Reconciled
	Duplicate
)

func (r AppendResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case Reconciled:
		return "reconciled"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// MessageStore holds one ordered log per conversation. Durable messages are
// kept in ascending id order; provisional messages follow them in send order.
// Every accessor returns copies.
type MessageStore struct {
	mu    sync.Mutex
	logs  map[int64][]Message
	seq   uint64
	clock clock.Clock
}

// NewMessageStore creates an empty store. A nil clock uses the real clock.
func NewMessageStore(clk clock.Clock) *MessageStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MessageStore{
		logs:  make(map[int64][]Message),
		clock: clk,
	}
}

// AppendIncoming adds a server-confirmed message. A message already present by
// durable id is ignored. A message from the local user replaces the oldest
// provisional message with the same text, taking its durable id and timestamp.
func (s *MessageStore) AppendIncoming(msg Message) AppendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(msg)
}

func (s *MessageStore) appendLocked(msg Message) AppendResult {
	id, ok := msg.ID.DurableID()
	if !ok {
		return Duplicate
	}
	log := s.logs[msg.ConversationID]
	if indexOfDurable(log, id) >= 0 {
		return Duplicate
	}

	result := Appended
	if msg.FromMe {
		for i, m := range log {
			if m.ID.IsProvisional() && m.Text == msg.Text {
				log = slices.Delete(log, i, i+1)
				msg.IsRead = true
				result = Reconciled
				break
			}
		}
	}
	s.logs[msg.ConversationID] = insertDurable(log, msg)
	return result
}

// AppendOptimistic validates text and appends a provisional message from the
// local user at the tail of the conversation.
func (s *MessageStore) AppendOptimistic(conversationID, senderID int64, text string) (Message, error) {
	if err := ValidateText(text); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	msg := Message{
		ID:             Provisional(s.seq),
		ConversationID: conversationID,
		SenderID:       senderID,
		FromMe:         true,
		Text:           text,
		SentAt:         s.clock.Now(),
	}
	s.logs[conversationID] = append(s.logs[conversationID], msg)
	return msg, nil
}

// PrependOlderPage merges a history page that arrives newest-first. Messages
// already present are skipped and every page message is marked read. The page
// is returned in the order given.
func (s *MessageStore) PrependOlderPage(conversationID int64, page []Message) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0, len(page))
	log := s.logs[conversationID]
	for _, m := range page {
		m.ConversationID = conversationID
		m.IsRead = true
		out = append(out, m)
		id, ok := m.ID.DurableID()
		if !ok || indexOfDurable(log, id) >= 0 {
			continue
		}
		log = insertDurable(log, m)
	}
	s.logs[conversationID] = log
	return out
}

// Hydrate merges a snapshot of the latest messages of a conversation. It
// returns how many messages were new.
func (s *MessageStore) Hydrate(conversationID int64, msgs []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, m := range msgs {
		m.ConversationID = conversationID
		if s.appendLocked(m) != Duplicate {
			added++
		}
	}
	return added
}

// ConfirmProvisional switches the provisional message with the given local
// sequence to a durable id. It is used when a send was delivered out of band.
// When the durable id is already present the provisional copy is dropped.
func (s *MessageStore) ConfirmProvisional(conversationID int64, seq uint64, durableID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[conversationID]
	idx := slices.IndexFunc(log, func(m Message) bool { return m.ID.LocalSeq() == seq })
	if idx < 0 {
		return false
	}
	msg := log[idx]
	log = slices.Delete(log, idx, idx+1)
	if indexOfDurable(log, durableID) < 0 {
		msg.ID = Durable(durableID)
		msg.IsRead = true
		log = insertDurable(log, msg)
	}
	s.logs[conversationID] = log
	return true
}

// OldestPending returns the earliest-sent provisional message across all
// conversations that has not been marked failed. Sends go out in local sequence
// order, so it is the one a server rejection refers to.
func (s *MessageStore) OldestPending() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest Message
	found := false
	for _, log := range s.logs {
		for _, m := range log {
			if !m.ID.IsProvisional() || m.Failed {
				continue
			}
			if !found || m.ID.LocalSeq() < oldest.ID.LocalSeq() {
				oldest = m
				found = true
			}
		}
	}
	return oldest, found
}

// MarkFailed flags the provisional message with the given local sequence as
// failed. It reports whether the message was found.
func (s *MessageStore) MarkFailed(conversationID int64, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[conversationID]
	idx := slices.IndexFunc(log, func(m Message) bool { return m.ID.LocalSeq() == seq })
	if idx < 0 {
		return false
	}
	log[idx].Failed = true
	return true
}

// Messages returns a copy of the conversation log in display order.
func (s *MessageStore) Messages(conversationID int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.logs[conversationID])
}

// Len returns the number of messages held for a conversation.
func (s *MessageStore) Len(conversationID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs[conversationID])
}

// Earliest returns the lowest durable id held for a conversation.
func (s *MessageStore) Earliest(conversationID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.logs[conversationID] {
		if id, ok := m.ID.DurableID(); ok {
			return id, true
		}
	}
	return 0, false
}

// LatestDurable returns the most recent server-confirmed message.
func (s *MessageStore) LatestDurable(conversationID int64) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[conversationID]
	for i := len(log) - 1; i >= 0; i-- {
		if !log[i].ID.IsProvisional() {
			return log[i], true
		}
	}
	return Message{}, false
}

// MarkAllRead flags every message of the conversation as read.
func (s *MessageStore) MarkAllRead(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.logs[conversationID] {
		s.logs[conversationID][i].IsRead = true
	}
}

// Clear drops every conversation log.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = make(map[int64][]Message)
}

func indexOfDurable(log []Message, id int64) int {
	return slices.IndexFunc(log, func(m Message) bool {
		d, ok := m.ID.DurableID()
		return ok && d == id
	})
}

// insertDurable places msg before the first provisional message or the first
// message with a higher durable id.
func insertDurable(log []Message, msg Message) []Message {
	id, _ := msg.ID.DurableID()
	pos := slices.IndexFunc(log, func(m Message) bool {
		d, ok := m.ID.DurableID()
		return !ok || d > id
	})
	if pos < 0 {
		return append(log, msg)
	}
	return slices.Insert(log, pos, msg)
}
