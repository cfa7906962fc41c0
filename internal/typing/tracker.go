// Package typing tracks who is typing in each conversation and paces the
// local user's typing keep-alives.
package typing

import (
	"sync"
	"time"

	"github.com/matheus3301/dfchat/internal/clock"
)

// DefaultTTL is how long a remote typing marker lives without a refresh.
const DefaultTTL = 3 * time.Second

// ChangeFunc is called when a conversation's typing marker appears or clears.
type ChangeFunc func(conversationID, userID int64, typing bool)

type marker struct {
	userID int64
	timer  clock.Timer
}

// Tracker holds one self-expiring marker per conversation.
type Tracker struct {
	mu       sync.Mutex
	clock    clock.Clock
	ttl      time.Duration
	markers  map[int64]*marker
	onChange ChangeFunc
}

// NewTracker creates a tracker. A zero ttl uses DefaultTTL.
func NewTracker(clk clock.Clock, ttl time.Duration, onChange ChangeFunc) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		clock:    clk,
		ttl:      ttl,
		markers:  make(map[int64]*marker),
		onChange: onChange,
	}
}

// Observe records a typing frame. Any pending expiry for the conversation is
// canceled and a fresh one is armed.
func (t *Tracker) Observe(conversationID, userID int64) {
	t.mu.Lock()
	prev, existed := t.markers[conversationID]
	if existed {
		prev.timer.Stop()
	}
	m := &marker{userID: userID}
	m.timer = t.clock.AfterFunc(t.ttl, func() { t.expire(conversationID, m) })
	t.markers[conversationID] = m
	t.mu.Unlock()

	if !existed || prev.userID != userID {
		t.notify(conversationID, userID, true)
	}
}

// Typing returns the user currently typing in a conversation.
func (t *Tracker) Typing(conversationID int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.markers[conversationID]
	if !ok {
		return 0, false
	}
	return m.userID, true
}

// ClearUser removes the marker if userID is the one typing, typically because
// their message just arrived.
func (t *Tracker) ClearUser(conversationID, userID int64) {
	t.mu.Lock()
	m, ok := t.markers[conversationID]
	if !ok || m.userID != userID {
		t.mu.Unlock()
		return
	}
	m.timer.Stop()
	delete(t.markers, conversationID)
	t.mu.Unlock()

	t.notify(conversationID, userID, false)
}

// Reset drops every marker and cancels every timer. Expiry callbacks that are
// already running find their marker gone and do nothing.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, m := range t.markers {
		m.timer.Stop()
		delete(t.markers, id)
	}
}

func (t *Tracker) expire(conversationID int64, m *marker) {
	t.mu.Lock()
	if t.markers[conversationID] != m {
		t.mu.Unlock()
		return
	}
	delete(t.markers, conversationID)
	t.mu.Unlock()

	t.notify(conversationID, m.userID, false)
}

func (t *Tracker) notify(conversationID, userID int64, typing bool) {
	if t.onChange != nil {
		t.onChange(conversationID, userID, typing)
	}
}
