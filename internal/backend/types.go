package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timestamp decodes the service's timestamps, which arrive as epoch
// milliseconds, RFC 3339 strings or the servlet's default date layout.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"Jan 2, 2006, 3:04:05 PM",
	"Jan 2, 2006 3:04:05 PM",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("timestamp %s: %w", data, err)
		}
		t.Time = time.UnixMilli(ms)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// ParseTimestamp parses one of the accepted string forms. Narrow no-break
// spaces emitted by newer JVM formatters are treated as plain spaces.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\u202f", " "))
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

type Participant struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// LatestMessage is one entry of a conversation snapshot.
type LatestMessage struct {
	ID        int64     `json:"id"`
	SenderID  int64     `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt Timestamp `json:"created_at"`
}

// ChatSnapshot is a conversation as returned by get_latest_messages.
type ChatSnapshot struct {
	ChatID            int64           `json:"chat_id"`
	CreatedAt         Timestamp       `json:"chat_created_at"`
	LastReadMessageID *int64          `json:"last_read_message_id"`
	Participants      []Participant   `json:"participants"`
	Messages          []LatestMessage `json:"messages"`
}

// Watermark returns the last read message id, zero when unset.
func (s ChatSnapshot) Watermark() int64 {
	if s.LastReadMessageID == nil {
		return 0
	}
	return *s.LastReadMessageID
}

// Counterparty returns the first participant other than selfID.
func (s ChatSnapshot) Counterparty(selfID int64) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ID != selfID {
			return p, true
		}
	}
	return Participant{}, false
}

// HistoryMessage is one entry of a get_older_messages page.
type HistoryMessage struct {
	ID       int64     `json:"id"`
	SenderID int64     `json:"sender_id"`
	Message  string    `json:"message"`
	SentAt   Timestamp `json:"sent_at"`
}
