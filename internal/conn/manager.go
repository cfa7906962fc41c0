// Package conn owns the real-time connection to the chat service.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/dfchat/internal/metrics"
	"github.com/matheus3301/dfchat/internal/outbox"
	"github.com/matheus3301/dfchat/internal/session"
	"github.com/matheus3301/dfchat/internal/status"
)

const writeTimeout = 10 * time.Second

var errStale = errors.New("connection superseded")

// Handler receives connection events. Calls are made from the manager's
// goroutines; HandleFrame calls are serialized in arrival order.
type Handler interface {
	HandleFrame(Inbound)
	// OnOpen runs after the outbound queue is flushed on every (re)open.
	OnOpen()
	// OnGiveUp runs when automatic reconnection stops retrying.
	OnGiveUp()
	// OnDropped receives the queued sends discarded by Disconnect.
	OnDropped([]outbox.Entry)
}

// Options configures the manager.
type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	// MaxElapsed bounds the automatic reconnect loop. Zero retries forever.
	MaxElapsed time.Duration
}

// Manager holds at most one connection, queues sends while it is down and
// re-establishes it after unexpected drops.
type Manager struct {
	opts    Options
	dialer  *websocket.Dialer
	queue   *outbox.Queue
	machine *status.Machine
	logger  *zap.Logger

	mu           sync.Mutex
	handler      Handler
	conn         *websocket.Conn
	open         bool
	identity     *session.Identity
	connecting   bool
	reconnecting bool
	gen          uint64
	cancelLoop   context.CancelFunc

	writeFrame func(*websocket.Conn, Outbound) error

	// sendMu serializes writes. The flush on open holds it until the state
	// is OPEN, so application sends never overtake queued ones.
	sendMu sync.Mutex
}

// NewManager creates a disconnected manager.
func NewManager(opts Options, queue *outbox.Queue, machine *status.Machine, logger *zap.Logger) *Manager {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		queue:   queue,
		machine: machine,
		logger:  logger,
	}
	m.writeFrame = m.write
	return m
}

// SetHandler installs the receiver of connection events.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Connect dials the service as id. It returns immediately when a connection
// is open or being established. A failed dial is logged and leaves the
// manager disconnected; the next send attempt retries.
func (m *Manager) Connect(ctx context.Context, id session.Identity) {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.connect(ctx, id, gen)
}

// connect does nothing when gen is no longer current, so a connect started
// before Disconnect or Forget cannot bring the old identity back.
func (m *Manager) connect(ctx context.Context, id session.Identity, gen uint64) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.identity = &id
	if m.conn != nil || m.connecting || m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.connecting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
	}()

	m.transition(status.Connecting)
	c, err := m.dial(ctx, id)
	if err != nil {
		m.logger.Warn("websocket connect failed", zap.Error(err))
		m.mu.Lock()
		stale := m.gen != gen
		m.mu.Unlock()
		if !stale {
			m.transition(status.Disconnected)
		}
		return
	}
	m.establish(c, gen)
}

// Disconnect closes the connection, stops any reconnect loop and drops every
// queued send. The handler is told which sends were dropped. The identity is
// kept, so a later send reconnects.
func (m *Manager) Disconnect() {
	m.disconnect(false)
}

// Forget disconnects and drops the stored identity so nothing reconnects.
// Queued sends are discarded without notice.
func (m *Manager) Forget() {
	m.disconnect(true)
}

func (m *Manager) disconnect(forget bool) {
	m.mu.Lock()
	m.gen++
	if forget {
		m.identity = nil
	}
	handler := m.handler
	c := m.conn
	m.conn = nil
	m.open = false
	m.reconnecting = false
	cancel := m.cancelLoop
	m.cancelLoop = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		deadline := time.Now().Add(time.Second)
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.Close()
	}
	dropped := m.queue.Drain()
	metrics.SetOutboxDepth(0)
	m.transition(status.Disconnected)

	if !forget && len(dropped) > 0 && handler != nil {
		handler.OnDropped(dropped)
	}
}

// Reconnect cycles the connection. The service subscribes a socket to the
// user's conversations when it connects, so a new conversation needs this.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c != nil {
		// The read loop observes the close and starts the reconnect loop.
		_ = c.Close()
		return
	}
	m.kick()
}

// IsOpen reports whether the connection is open and replayed.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// State returns the connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Pending returns the number of queued sends.
func (m *Manager) Pending() int {
	return m.queue.Len()
}

// Send writes a non-message frame such as a typing keep-alive. It returns
// false when the connection is not open, in which case a reconnect is started
// and the frame is dropped.
func (m *Manager) Send(frame Outbound) bool {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	c := m.openConn()
	if c == nil {
		m.kick()
		return false
	}
	if err := m.writeFrame(c, frame); err != nil {
		m.logger.Debug("frame write failed", zap.Error(err))
		return false
	}
	return true
}

// SendOrQueue writes a chat message when the connection is open and nothing
// is queued ahead of it; otherwise the entry is queued and a reconnect is
// started. It reports whether the message was written.
func (m *Manager) SendOrQueue(e outbox.Entry) bool {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	c := m.openConn()
	if c != nil && m.queue.Len() == 0 {
		err := m.writeFrame(c, MessageOut(e.ConversationID, e.Text))
		if err == nil {
			return true
		}
		m.logger.Warn("message write failed, queueing", zap.Int64("chat_id", e.ConversationID), zap.Error(err))
		_ = c.Close()
	}
	m.queue.Enqueue(e)
	metrics.SetOutboxDepth(m.queue.Len())
	if c == nil {
		m.kick()
	}
	return false
}

// TakeQueued removes and returns every queued send.
func (m *Manager) TakeQueued() []outbox.Entry {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	entries := m.queue.Drain()
	metrics.SetOutboxDepth(0)
	return entries
}

func (m *Manager) openConn() *websocket.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil
	}
	return m.conn
}

func (m *Manager) kick() {
	m.mu.Lock()
	id := m.identity
	gen := m.gen
	busy := m.conn != nil || m.connecting || m.reconnecting
	m.mu.Unlock()
	if id == nil || busy {
		return
	}
	go m.connect(context.Background(), *id, gen)
}

func (m *Manager) dial(ctx context.Context, id session.Identity) (*websocket.Conn, error) {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("id", strconv.FormatInt(id.UserID, 10))
	q.Set("session_id", id.Token)
	u.RawQuery = q.Encode()

	c, resp, err := m.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		metrics.IncWSConnect("error")
		return nil, fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}
	metrics.IncWSConnect("ok")
	return c, nil
}

// establish installs a dialed connection, replays the queue and reports the
// connection open.
func (m *Manager) establish(c *websocket.Conn, gen uint64) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = c.Close()
		return
	}
	m.conn = c
	handler := m.handler
	m.mu.Unlock()

	m.transition(status.Replaying)
	go m.readLoop(c, gen)

	m.sendMu.Lock()
	sent, err := m.queue.Flush(func(e outbox.Entry) error {
		return m.writeFrame(c, MessageOut(e.ConversationID, e.Text))
	})
	metrics.SetOutboxDepth(m.queue.Len())
	if err != nil {
		m.sendMu.Unlock()
		m.logger.Warn("outbox replay failed", zap.Int("sent", sent), zap.Error(err))
		_ = c.Close()
		return
	}
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		m.sendMu.Unlock()
		return
	}
	m.open = true
	m.mu.Unlock()
	m.transition(status.Open)
	m.sendMu.Unlock()

	m.logger.Info("websocket open", zap.Int("replayed", sent))
	if handler != nil {
		handler.OnOpen()
	}
}

func (m *Manager) write(c *websocket.Conn, frame Outbound) error {
	_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.WriteJSON(frame); err != nil {
		return err
	}
	metrics.IncFrameOut(frame.kind())
	return nil
}

func (m *Manager) readLoop(c *websocket.Conn, gen uint64) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			m.dropped(c, gen, err)
			return
		}
		frame, err := Decode(data)
		if err != nil {
			metrics.IncFrameIn("invalid")
			m.logger.Warn("dropping inbound frame", zap.Error(err), zap.ByteString("frame", truncate(data, 256)))
			continue
		}
		metrics.IncFrameIn(frame.Type())

		m.mu.Lock()
		handler := m.handler
		m.mu.Unlock()
		if handler != nil {
			handler.HandleFrame(frame)
		}
	}
}

// dropped handles the end of a connection's read loop. An unexpected drop
// starts the reconnect loop; a close from Disconnect is ignored.
func (m *Manager) dropped(c *websocket.Conn, gen uint64, cause error) {
	m.mu.Lock()
	if m.conn != c || m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.open = false
	m.reconnecting = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelLoop = cancel
	m.mu.Unlock()

	_ = c.Close()
	m.logger.Warn("websocket dropped", zap.Error(cause))
	m.transition(status.Reconnecting)
	go m.reconnectLoop(ctx, gen)
}

func (m *Manager) reconnectLoop(ctx context.Context, gen uint64) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialInterval
	b.MaxInterval = m.opts.MaxInterval
	b.MaxElapsedTime = m.opts.MaxElapsed

	var c *websocket.Conn
	attempt := 0
	op := func() error {
		m.mu.Lock()
		id := m.identity
		stale := m.gen != gen
		m.mu.Unlock()
		if stale || id == nil {
			return backoff.Permanent(errStale)
		}
		attempt++
		m.transition(status.Connecting)
		conn, err := m.dial(ctx, *id)
		if err != nil {
			m.logger.Debug("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			m.transition(status.Reconnecting)
			return err
		}
		c = conn
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))

	m.mu.Lock()
	current := m.gen == gen
	if current {
		m.reconnecting = false
		m.cancelLoop = nil
	}
	handler := m.handler
	m.mu.Unlock()

	if err != nil {
		if !current || errors.Is(err, errStale) || ctx.Err() != nil {
			return
		}
		m.logger.Warn("giving up reconnecting", zap.Int("attempts", attempt), zap.Error(err))
		m.transition(status.Disconnected)
		if handler != nil {
			handler.OnGiveUp()
		}
		return
	}
	m.establish(c, gen)
}

func (m *Manager) transition(to status.State) {
	if m.machine == nil {
		return
	}
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("state transition skipped", zap.Error(err))
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
