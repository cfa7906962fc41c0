package typing

import (
	"sync"
	"time"

	"github.com/matheus3301/dfchat/internal/clock"
)

const (
	DefaultKeepalivePeriod = 10 * time.Second
	DefaultIdleTimeout     = time.Second
)

// SendFunc transmits one keep-alive for a conversation.
type SendFunc func(conversationID int64) bool

type session struct {
	tick    clock.Timer
	idle    clock.Timer
	idleGen int
}

// Keepalive paces outgoing typing signals. The first keystroke in a
// conversation sends at once; while keystrokes continue a signal repeats every
// period. A quiet spell of the idle timeout or an explicit Stop ends it.
type Keepalive struct {
	mu       sync.Mutex
	clock    clock.Clock
	period   time.Duration
	idle     time.Duration
	send     SendFunc
	sessions map[int64]*session
}

// NewKeepalive creates a pacer. Zero durations use the defaults.
func NewKeepalive(clk clock.Clock, period, idle time.Duration, send SendFunc) *Keepalive {
	if clk == nil {
		clk = clock.Real()
	}
	if period <= 0 {
		period = DefaultKeepalivePeriod
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Keepalive{
		clock:    clk,
		period:   period,
		idle:     idle,
		send:     send,
		sessions: make(map[int64]*session),
	}
}

// Keystroke notes local typing activity in a conversation.
func (k *Keepalive) Keystroke(conversationID int64) {
	k.mu.Lock()
	s, active := k.sessions[conversationID]
	if !active {
		s = &session{}
		k.sessions[conversationID] = s
		s.tick = k.clock.AfterFunc(k.period, func() { k.repeat(conversationID, s) })
	}
	if s.idle != nil {
		s.idle.Stop()
	}
	s.idleGen++
	gen := s.idleGen
	s.idle = k.clock.AfterFunc(k.idle, func() { k.end(conversationID, s, gen) })
	k.mu.Unlock()

	if !active {
		k.send(conversationID)
	}
}

// Active reports whether keep-alives are running for a conversation.
func (k *Keepalive) Active(conversationID int64) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.sessions[conversationID]
	return ok
}

// Stop ends keep-alives for a conversation, for example after a send.
func (k *Keepalive) Stop(conversationID int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if s, ok := k.sessions[conversationID]; ok {
		s.stop()
		delete(k.sessions, conversationID)
	}
}

// Reset ends every keep-alive.
func (k *Keepalive) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, s := range k.sessions {
		s.stop()
		delete(k.sessions, id)
	}
}

func (k *Keepalive) repeat(conversationID int64, s *session) {
	k.mu.Lock()
	if k.sessions[conversationID] != s {
		k.mu.Unlock()
		return
	}
	s.tick = k.clock.AfterFunc(k.period, func() { k.repeat(conversationID, s) })
	k.mu.Unlock()

	k.send(conversationID)
}

func (k *Keepalive) end(conversationID int64, s *session, gen int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.sessions[conversationID] != s || s.idleGen != gen {
		return
	}
	s.stop()
	delete(k.sessions, conversationID)
}

func (s *session) stop() {
	if s.tick != nil {
		s.tick.Stop()
	}
	if s.idle != nil {
		s.idle.Stop()
	}
}
