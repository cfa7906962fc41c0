package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	stdsync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/dfchat/internal/backend"
	"github.com/matheus3301/dfchat/internal/bus"
	"github.com/matheus3301/dfchat/internal/chat"
	"github.com/matheus3301/dfchat/internal/clock"
	"github.com/matheus3301/dfchat/internal/conn"
	"github.com/matheus3301/dfchat/internal/outbox"
	"github.com/matheus3301/dfchat/internal/readstate"
	"github.com/matheus3301/dfchat/internal/session"
	"github.com/matheus3301/dfchat/internal/typing"
)

// ErrUnknownConversation is returned for operations on a conversation the
// client has not loaded.
var ErrUnknownConversation = errors.New("unknown conversation")

// Collaborator is the REST surface of the chat service.
type Collaborator interface {
	SetIdentity(session.Identity)
	LatestMessages(ctx context.Context) ([]backend.ChatSnapshot, error)
	OlderMessages(ctx context.Context, chatID, earliestID int64) ([]backend.HistoryMessage, error)
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
	MarkMessagesAsRead(ctx context.Context, chatID, messageID int64) error
	CreateChat(ctx context.Context, requesteeID int64) (int64, error)
	Signout(ctx context.Context) error
}

// Transport is the real-time connection.
type Transport interface {
	Connect(ctx context.Context, id session.Identity)
	Forget()
	Reconnect()
	IsOpen() bool
	Send(frame conn.Outbound) bool
	SendOrQueue(e outbox.Entry) bool
	TakeQueued() []outbox.Entry
}

type Options struct {
	Clock           clock.Clock
	TypingTTL       time.Duration
	KeepalivePeriod time.Duration
	TypingIdle      time.Duration
	// RequestTimeout bounds background REST calls such as re-hydration.
	RequestTimeout time.Duration
}

// Counterparty identifies the other participant of a new conversation.
type Counterparty struct {
	ID    int64
	Name  string
	Email string
}

// Engine owns the chat state of one session. Control calls and inbound
// frames both go through it; every change is published on the bus.
type Engine struct {
	backend   Collaborator
	transport Transport
	bus       *bus.Bus
	logger    *zap.Logger
	clock     clock.Clock
	timeout   time.Duration

	messages  *chat.MessageStore
	convs     *chat.ConversationList
	reads     *readstate.Reconciler
	tracker   *typing.Tracker
	keepalive *typing.Keepalive
	creates   singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	// stateMu serializes changes to the chat state with the clear done by
	// Logout. It is never held across a REST call.
	stateMu stdsync.Mutex

	mu       stdsync.Mutex
	identity session.Identity
	active   int64
	gen      uint64
}

// NewEngine creates an engine with empty state.
func NewEngine(b Collaborator, t Transport, eventBus *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = typing.DefaultTTL
	}
	if opts.KeepalivePeriod <= 0 {
		opts.KeepalivePeriod = typing.DefaultKeepalivePeriod
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = typing.DefaultIdleTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	e := &Engine{
		backend:   b,
		transport: t,
		bus:       eventBus,
		logger:    logger,
		clock:     opts.Clock,
		timeout:   opts.RequestTimeout,
		messages:  chat.NewMessageStore(opts.Clock),
		convs:     chat.NewConversationList(),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.reads = readstate.NewReconciler(e.messages, e.convs, b, logger)
	e.tracker = typing.NewTracker(opts.Clock, opts.TypingTTL, func(convID, userID int64, on bool) {
		e.bus.Emit(bus.KindTypingChanged, TypingEvent{ConversationID: convID, UserID: userID, Typing: on})
	})
	e.keepalive = typing.NewKeepalive(opts.Clock, opts.KeepalivePeriod, opts.TypingIdle, func(convID int64) bool {
		return e.transport.Send(conn.TypingOut(convID))
	})
	return e
}

// Start loads the conversations of id and opens the real-time connection.
// A failed snapshot is logged; the connection's replay retries it.
func (e *Engine) Start(ctx context.Context, id session.Identity) {
	e.mu.Lock()
	e.identity = id
	e.gen++
	gen := e.gen
	e.mu.Unlock()
	e.backend.SetIdentity(id)

	if err := e.Hydrate(ctx); err != nil {
		e.logger.Warn("initial snapshot failed", zap.Error(err))
	}
	if !e.sameSession(gen) {
		return
	}
	e.transport.Connect(ctx, id)
}

// Close stops background work and timers.
func (e *Engine) Close() {
	e.cancel()
	e.keepalive.Reset()
	e.tracker.Reset()
}

func (e *Engine) Identity() session.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// Active returns the conversation currently open, zero when none.
func (e *Engine) Active() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) Conversations() []chat.Conversation {
	return e.convs.Snapshot()
}

func (e *Engine) Conversation(id int64) (chat.Conversation, error) {
	c, ok := e.convs.Get(id)
	if !ok {
		return chat.Conversation{}, fmt.Errorf("%w: %d", ErrUnknownConversation, id)
	}
	return c, nil
}

func (e *Engine) Messages(conversationID int64) ([]chat.Message, error) {
	if _, err := e.Conversation(conversationID); err != nil {
		return nil, err
	}
	return e.messages.Messages(conversationID), nil
}

// Typing returns the remote user typing in a conversation.
func (e *Engine) Typing(conversationID int64) (int64, bool) {
	return e.tracker.Typing(conversationID)
}

// Hydrate merges the latest-messages snapshot of every conversation. It is
// idempotent and runs on start and after every (re)open.
func (e *Engine) Hydrate(ctx context.Context) error {
	self, gen, ok := e.current()
	if !ok {
		return session.ErrNoIdentity
	}
	chats, err := e.backend.LatestMessages(ctx)
	if err != nil {
		if backend.IsUnauthorized(err) {
			e.bus.Emit(bus.KindServerError, ServerErrorEvent{Message: "session rejected by service"})
		}
		return fmt.Errorf("hydrate: %w", err)
	}
	merged := 0
	for _, snap := range chats {
		if !e.mergeSnapshot(ctx, self, gen, snap) {
			e.logger.Debug("session ended during snapshot merge", zap.Int("merged", merged))
			return nil
		}
		merged++
	}
	e.logger.Debug("snapshot merged", zap.Int("chats", len(chats)))
	return nil
}

// mergeSnapshot applies one conversation of a snapshot. It returns false once
// the session that fetched the snapshot has ended.
func (e *Engine) mergeSnapshot(ctx context.Context, self int64, gen uint64, snap backend.ChatSnapshot) bool {
	cp, ok := snap.Counterparty(self)
	if !ok {
		e.logger.Debug("skipping chat without counterparty", zap.Int64("chat_id", snap.ChatID))
		return e.sameSession(gen)
	}
	watermark := snap.Watermark()

	window := make([]chat.Message, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		fromMe := m.SenderID == self
		window = append(window, chat.Message{
			ID:             chat.Durable(m.ID),
			ConversationID: snap.ChatID,
			SenderID:       m.SenderID,
			FromMe:         fromMe,
			Text:           m.Content,
			SentAt:         m.CreatedAt.Time,
			IsRead:         fromMe || m.ID <= watermark,
		})
	}

	conv := chat.Conversation{
		ID:                snap.ChatID,
		CounterpartyID:    cp.ID,
		CounterpartyName:  cp.Name,
		CounterpartyEmail: cp.Email,
		LastActivity:      snap.CreatedAt.Time,
		LastReadID:        watermark,
	}
	if n := len(window); n > 0 {
		conv.LastMessageText = window[n-1].Text
		conv.LastActivity = window[n-1].SentAt
	}

	active := false
	if !e.apply(gen, func() {
		existing, inserted := e.convs.Upsert(conv)
		if !inserted {
			if existing.ID != conv.ID {
				e.logger.Debug("ignoring second chat with counterparty",
					zap.Int64("chat_id", conv.ID),
					zap.Int64("kept_chat_id", existing.ID),
					zap.Int64("counterparty_id", cp.ID))
				return
			}
			e.convs.Mutate(conv.ID, func(c *chat.Conversation) {
				c.CounterpartyName = conv.CounterpartyName
				c.CounterpartyEmail = conv.CounterpartyEmail
				if conv.LastActivity.After(c.LastActivity) {
					c.LastActivity = conv.LastActivity
					c.LastMessageText = conv.LastMessageText
				}
			})
		}

		added := e.messages.Hydrate(conv.ID, window)
		e.reads.Recompute(conv.ID, window, watermark)
		active = e.Active() == conv.ID

		e.bus.Emit(bus.KindHydrated, HydratedEvent{ConversationID: conv.ID, Messages: window, Added: added})
		e.publishConversation(conv.ID)
	}) {
		return false
	}

	if active {
		_ = e.markRead(ctx, gen, conv.ID)
	}
	return e.sameSession(gen)
}

// HandleFrame applies one inbound frame.
func (e *Engine) HandleFrame(f conn.Inbound) {
	self, gen, ok := e.current()
	if !ok {
		return
	}
	switch f := f.(type) {
	case *conn.MessageFrame:
		e.handleMessage(self, gen, f)
	case *conn.TypingFrame:
		if f.UserID == self {
			return
		}
		e.apply(gen, func() {
			e.tracker.Observe(f.ConversationID, f.UserID)
		})
	case *conn.ErrorFrame:
		e.handleRejection(gen, f)
	}
}

func (e *Engine) handleMessage(self int64, gen uint64, f *conn.MessageFrame) {
	msg := chat.Message{
		ID:             chat.Durable(f.MessageID),
		ConversationID: f.ConversationID,
		SenderID:       f.SenderID,
		FromMe:         f.SenderID == self,
		Text:           f.Text,
		SentAt:         f.SentAt,
	}

	known, markActive := false, false
	e.apply(gen, func() {
		if _, known = e.convs.Get(f.ConversationID); !known {
			return
		}
		result := e.messages.AppendIncoming(msg)
		if result == chat.Duplicate {
			return
		}

		e.tracker.ClearUser(f.ConversationID, f.SenderID)
		e.convs.Mutate(f.ConversationID, func(c *chat.Conversation) {
			if !msg.SentAt.Before(c.LastActivity) {
				c.LastActivity = msg.SentAt
				c.LastMessageText = msg.Text
			}
		})

		kind := bus.KindMessageAppended
		if result == chat.Reconciled {
			kind = bus.KindMessageReconciled
			msg.IsRead = true
		}

		if !msg.FromMe {
			if e.Active() == f.ConversationID {
				markActive = true
			} else {
				e.reads.NoteIncoming(msg)
			}
		}

		e.bus.Emit(kind, msg)
		e.publishConversation(f.ConversationID)
	})

	if !known && e.sameSession(gen) {
		// A peer opened a conversation with us; the snapshot carries it.
		e.logger.Info("message for unknown chat, re-hydrating", zap.Int64("chat_id", f.ConversationID))
		go e.rehydrate()
		return
	}
	if markActive {
		go e.markReadAsync(gen, f.ConversationID)
	}
}

// handleRejection marks the send the service refused. The service answers
// sends in the order they were written and an error frame names no message,
// so the refusal belongs to the oldest send still awaiting its echo.
func (e *Engine) handleRejection(gen uint64, f *conn.ErrorFrame) {
	e.logger.Warn("service rejected a frame", zap.String("message", f.Message))
	e.bus.Emit(bus.KindServerError, ServerErrorEvent{Message: f.Message})

	var rejected chat.Message
	found := false
	e.apply(gen, func() {
		if rejected, found = e.messages.OldestPending(); found {
			e.messages.MarkFailed(rejected.ConversationID, rejected.ID.LocalSeq())
		}
	})
	if !found {
		return
	}
	e.bus.Emit(bus.KindSendFailed, SendFailedEvent{
		ConversationID: rejected.ConversationID,
		LocalSeq:       rejected.ID.LocalSeq(),
		Text:           rejected.Text,
		Err:            f.Message,
	})
}

// OnOpen re-fetches the snapshot so messages missed while offline appear.
func (e *Engine) OnOpen() {
	go e.rehydrate()
}

// OnGiveUp delivers the sends that were queued for the connection over REST.
func (e *Engine) OnGiveUp() {
	entries := e.transport.TakeQueued()
	if len(entries) == 0 {
		return
	}
	_, gen, _ := e.current()
	go e.deliver(gen, entries)
}

func (e *Engine) deliver(gen uint64, entries []outbox.Entry) {
	self, _, _ := e.current()
	for _, entry := range entries {
		if !e.sameSession(gen) {
			return
		}
		ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
		id, err := e.backend.SendMessage(ctx, entry.ConversationID, entry.Text)
		cancel()
		if err != nil {
			e.logger.Warn("fallback send failed",
				zap.Int64("chat_id", entry.ConversationID),
				zap.Uint64("local_seq", entry.LocalSeq),
				zap.Error(err))
			e.sendFailed(gen, entry, err.Error())
			continue
		}
		e.apply(gen, func() {
			if e.messages.ConfirmProvisional(entry.ConversationID, entry.LocalSeq, id) {
				e.bus.Emit(bus.KindMessageReconciled, chat.Message{
					ID:             chat.Durable(id),
					ConversationID: entry.ConversationID,
					SenderID:       self,
					FromMe:         true,
					Text:           entry.Text,
					SentAt:         e.clock.Now(),
					IsRead:         true,
				})
			}
		})
	}
}

// OnDropped reports the sends discarded by an explicit disconnect.
func (e *Engine) OnDropped(entries []outbox.Entry) {
	_, gen, ok := e.current()
	if !ok {
		return
	}
	for _, entry := range entries {
		e.sendFailed(gen, entry, "connection closed before the message was sent")
	}
}

// sendFailed marks a provisional message failed and publishes the failure.
func (e *Engine) sendFailed(gen uint64, entry outbox.Entry, reason string) {
	if !e.apply(gen, func() {
		e.messages.MarkFailed(entry.ConversationID, entry.LocalSeq)
	}) {
		return
	}
	e.bus.Emit(bus.KindSendFailed, SendFailedEvent{
		ConversationID: entry.ConversationID,
		LocalSeq:       entry.LocalSeq,
		Text:           entry.Text,
		Err:            reason,
	})
}

// SendText appends an optimistic message and hands it to the connection,
// which writes it now or queues it until the next open.
func (e *Engine) SendText(conversationID int64, text string) (chat.Message, error) {
	self, gen, ok := e.current()
	if !ok {
		return chat.Message{}, session.ErrNoIdentity
	}

	var msg chat.Message
	var err error
	if !e.apply(gen, func() {
		if _, err = e.Conversation(conversationID); err != nil {
			return
		}
		if msg, err = e.messages.AppendOptimistic(conversationID, self, text); err != nil {
			return
		}

		e.keepalive.Stop(conversationID)
		e.transport.SendOrQueue(outbox.Entry{
			ConversationID: conversationID,
			Text:           text,
			LocalSeq:       msg.ID.LocalSeq(),
		})

		e.convs.Mutate(conversationID, func(c *chat.Conversation) {
			c.LastActivity = msg.SentAt
			c.LastMessageText = msg.Text
		})
		e.bus.Emit(bus.KindMessageAppended, msg)
		e.publishConversation(conversationID)
	}) {
		return chat.Message{}, session.ErrNoIdentity
	}
	if err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// Keystroke keeps the counterparty's typing indicator alive.
func (e *Engine) Keystroke(conversationID int64) error {
	_, gen, ok := e.current()
	if !ok {
		return session.ErrNoIdentity
	}
	var err error
	if !e.apply(gen, func() {
		if _, err = e.Conversation(conversationID); err == nil {
			e.keepalive.Keystroke(conversationID)
		}
	}) {
		return session.ErrNoIdentity
	}
	return err
}

// OpenConversation makes a conversation the active one and marks it read.
// A failed read submission is logged and does not fail the call.
func (e *Engine) OpenConversation(ctx context.Context, conversationID int64) ([]chat.Message, error) {
	_, gen, _ := e.current()
	if _, err := e.Conversation(conversationID); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.active = conversationID
	e.mu.Unlock()

	_ = e.markRead(ctx, gen, conversationID)
	return e.messages.Messages(conversationID), nil
}

// CloseConversation clears the active conversation.
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	e.active = 0
	e.mu.Unlock()
}

// LoadOlder fetches the page of messages before the earliest one held. It
// returns nil when the conversation has no confirmed messages yet.
func (e *Engine) LoadOlder(ctx context.Context, conversationID int64) ([]chat.Message, error) {
	self, gen, ok := e.current()
	if !ok {
		return nil, session.ErrNoIdentity
	}
	if _, err := e.Conversation(conversationID); err != nil {
		return nil, err
	}
	earliest, ok := e.messages.Earliest(conversationID)
	if !ok {
		return nil, nil
	}

	page, err := e.backend.OlderMessages(ctx, conversationID, earliest)
	if err != nil {
		e.logger.Warn("load older messages failed", zap.Int64("chat_id", conversationID), zap.Error(err))
		return nil, fmt.Errorf("load older messages: %w", err)
	}

	msgs := make([]chat.Message, 0, len(page))
	for _, m := range page {
		msgs = append(msgs, chat.Message{
			ID:             chat.Durable(m.ID),
			ConversationID: conversationID,
			SenderID:       m.SenderID,
			FromMe:         m.SenderID == self,
			Text:           m.Message,
			SentAt:         m.SentAt.Time,
		})
	}
	var merged []chat.Message
	if !e.apply(gen, func() {
		merged = e.messages.PrependOlderPage(conversationID, msgs)
		e.bus.Emit(bus.KindHistoryPage, HistoryEvent{ConversationID: conversationID, Messages: merged})
	}) {
		return nil, nil
	}
	return merged, nil
}

// CreateConversation returns the conversation with cp, creating it on the
// service when none exists. Concurrent calls for one counterparty share a
// single request. The bool reports whether a conversation was created.
func (e *Engine) CreateConversation(ctx context.Context, cp Counterparty) (chat.Conversation, bool, error) {
	_, gen, ok := e.current()
	if !ok {
		return chat.Conversation{}, false, session.ErrNoIdentity
	}
	if c, ok := e.convs.ByCounterparty(cp.ID); ok {
		return c, false, nil
	}

	v, err, _ := e.creates.Do(strconv.FormatInt(cp.ID, 10), func() (any, error) {
		if c, ok := e.convs.ByCounterparty(cp.ID); ok {
			return createResult{conv: c}, nil
		}
		id, err := e.backend.CreateChat(ctx, cp.ID)
		if err != nil {
			return nil, err
		}
		var conv chat.Conversation
		var inserted bool
		if !e.apply(gen, func() {
			conv, inserted = e.convs.Upsert(chat.Conversation{
				ID:                id,
				CounterpartyID:    cp.ID,
				CounterpartyName:  cp.Name,
				CounterpartyEmail: cp.Email,
				LastActivity:      e.clock.Now(),
			})
			if inserted {
				e.publishConversation(conv.ID)
			}
		}) {
			return nil, session.ErrNoIdentity
		}
		if inserted {
			// The service only routes a socket to conversations that existed
			// when it connected.
			e.transport.Reconnect()
		}
		return createResult{conv: conv, created: inserted}, nil
	})
	if err != nil {
		e.logger.Warn("create conversation failed", zap.Int64("counterparty_id", cp.ID), zap.Error(err))
		return chat.Conversation{}, false, fmt.Errorf("create conversation: %w", err)
	}
	res := v.(createResult)
	return res.conv, res.created, nil
}

type createResult struct {
	conv    chat.Conversation
	created bool
}

// Logout tears the session down: the connection is closed and its queue
// dropped before any state is cleared, and the service is told to forget the
// session id. Work still in flight for the old session is discarded: every
// change is applied under stateMu after a generation check, and the clear
// below takes stateMu after the generation has moved on.
func (e *Engine) Logout(ctx context.Context) error {
	e.mu.Lock()
	e.gen++
	hadIdentity := e.identity.Valid()
	e.identity = session.Identity{}
	e.active = 0
	e.mu.Unlock()

	e.transport.Forget()

	e.stateMu.Lock()
	e.keepalive.Reset()
	e.tracker.Reset()
	e.messages.Clear()
	e.convs.Clear()
	e.stateMu.Unlock()

	var signoutErr error
	if hadIdentity {
		if err := e.backend.Signout(ctx); err != nil {
			e.logger.Warn("signout failed", zap.Error(err))
			signoutErr = fmt.Errorf("signout: %w", err)
		}
	}
	e.backend.SetIdentity(session.Identity{})

	e.bus.Emit(bus.KindCleared, nil)
	e.bus.Emit(bus.KindLoggedOut, nil)
	return signoutErr
}

// markRead zeroes the conversation's unread state and submits the watermark.
// The REST call runs outside stateMu; both local steps are dropped once the
// session has ended.
func (e *Engine) markRead(ctx context.Context, gen uint64, conversationID int64) error {
	var latestID int64
	var submit bool
	if !e.apply(gen, func() {
		latestID, submit = e.reads.MarkLocal(conversationID)
		e.publishConversation(conversationID)
	}) || !submit {
		return nil
	}
	if err := e.reads.Submit(ctx, conversationID, latestID); err != nil {
		return err
	}
	e.apply(gen, func() {
		e.reads.Advance(conversationID, latestID)
		e.publishConversation(conversationID)
	})
	return nil
}

func (e *Engine) markReadAsync(gen uint64, conversationID int64) {
	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	defer cancel()
	_ = e.markRead(ctx, gen, conversationID)
}

func (e *Engine) rehydrate() {
	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	defer cancel()
	if err := e.Hydrate(ctx); err != nil && !errors.Is(err, session.ErrNoIdentity) {
		e.logger.Warn("re-hydration failed", zap.Error(err))
	}
}

func (e *Engine) publishConversation(id int64) {
	if c, ok := e.convs.Get(id); ok {
		e.bus.Emit(bus.KindConversationUpserted, c)
	}
}

func (e *Engine) current() (self int64, gen uint64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity.UserID, e.gen, e.identity.Valid()
}

func (e *Engine) sameSession(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen == gen
}

// apply runs fn under stateMu if gen is still the current session. It reports
// whether fn ran.
func (e *Engine) apply(gen uint64, fn func()) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if !e.sameSession(gen) {
		return false
	}
	fn()
	return true
}
