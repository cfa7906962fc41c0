package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/dfchat/internal/metrics"
	"github.com/matheus3301/dfchat/internal/session"
)

// Actions understood by the chat service's /api endpoint.
const (
	ActionLatestMessages = "get_latest_messages"
	ActionOlderMessages  = "get_older_messages"
	ActionSendMessage    = "send_message"
	ActionMarkAsRead     = "mark_messages_as_read"
	ActionCreateChat     = "create_chat"
	ActionSignout        = "signout"
)

const maxResponseBytes = 4 << 20

// StatusError is a non-2xx answer from the chat service.
type StatusError struct {
	Action  string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: http %d", e.Action, e.Code)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Action, e.Code, e.Message)
}

// IsUnauthorized reports whether err is the service rejecting the session id.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusUnauthorized
}

type Config struct {
	URL     string
	Timeout time.Duration
	// Rate is the sustained request rate per second. Zero disables limiting.
	Rate  float64
	Burst int
}

// Client talks to the chat service's form-encoded REST endpoint on behalf of
// the current identity.
type Client struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  *zap.Logger

	mu       sync.RWMutex
	identity session.Identity
}

func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return &Client{
		url:     cfg.URL,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		tracer:  otel.Tracer("dfchat/backend"),
		logger:  logger,
	}
}

// SetIdentity switches the credentials attached to every request.
func (c *Client) SetIdentity(id session.Identity) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

func (c *Client) Identity() session.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// LatestMessages returns every conversation of the user with its most recent
// messages in ascending id order.
func (c *Client) LatestMessages(ctx context.Context) ([]ChatSnapshot, error) {
	var out []ChatSnapshot
	if err := c.do(ctx, ActionLatestMessages, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OlderMessages returns the page of messages strictly older than earliestID,
// newest first.
func (c *Client) OlderMessages(ctx context.Context, chatID, earliestID int64) ([]HistoryMessage, error) {
	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(chatID, 10))
	form.Set("earliest_message_id", strconv.FormatInt(earliestID, 10))

	var out []HistoryMessage
	if err := c.do(ctx, ActionOlderMessages, form, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage persists a message over REST and returns its durable id. Used
// when the real-time connection is unavailable.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(chatID, 10))
	form.Set("message", text)

	var out struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.do(ctx, ActionSendMessage, form, &out); err != nil {
		return 0, err
	}
	return out.MessageID, nil
}

// MarkMessagesAsRead moves the server-side watermark of chatID to messageID.
func (c *Client) MarkMessagesAsRead(ctx context.Context, chatID, messageID int64) error {
	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(chatID, 10))
	form.Set("message_id", strconv.FormatInt(messageID, 10))
	return c.do(ctx, ActionMarkAsRead, form, nil)
}

// CreateChat opens a conversation with requesteeID and returns its id.
func (c *Client) CreateChat(ctx context.Context, requesteeID int64) (int64, error) {
	form := url.Values{}
	form.Set("requestee_id", strconv.FormatInt(requesteeID, 10))

	var out struct {
		ChatID int64 `json:"chat_id"`
	}
	if err := c.do(ctx, ActionCreateChat, form, &out); err != nil {
		return 0, err
	}
	if out.ChatID == 0 {
		return 0, fmt.Errorf("%s: response without chat_id", ActionCreateChat)
	}
	return out.ChatID, nil
}

// Signout invalidates the session id on the server.
func (c *Client) Signout(ctx context.Context) error {
	return c.do(ctx, ActionSignout, nil, nil)
}

func (c *Client) do(ctx context.Context, action string, form url.Values, out any) error {
	id := c.Identity()
	if !id.Valid() {
		return session.ErrNoIdentity
	}

	ctx, span := c.tracer.Start(ctx, "backend."+action, trace.WithAttributes(
		attribute.String("dfchat.action", action),
		attribute.Int64("dfchat.user_id", id.UserID),
	))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fail(fmt.Errorf("%s: rate limit: %w", action, err))
	}

	if form == nil {
		form = url.Values{}
	}
	form.Set("action", action)
	form.Set("id", strconv.FormatInt(id.UserID, 10))
	form.Set("session_id", id.Token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return fail(fmt.Errorf("%s: build request: %w", action, err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveBackend(action, "error", time.Since(start))
		return fail(fmt.Errorf("%s: %w", action, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	metrics.ObserveBackend(action, strconv.Itoa(resp.StatusCode), time.Since(start))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if err != nil {
		return fail(fmt.Errorf("%s: read response: %w", action, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &payload)
		c.logger.Debug("backend request rejected",
			zap.String("action", action),
			zap.Int("code", resp.StatusCode),
			zap.String("message", payload.Message),
		)
		return fail(&StatusError{Action: action, Code: resp.StatusCode, Message: payload.Message})
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fail(fmt.Errorf("%s: decode response: %w", action, err))
	}
	return nil
}
