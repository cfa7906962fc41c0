package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/dfchat/internal/clock"
)

func durableMsg(conv, id, sender int64, text string) Message {
	return Message{
		ID:             Durable(id),
		ConversationID: conv,
		SenderID:       sender,
		Text:           text,
		SentAt:         time.UnixMilli(id * 1000),
	}
}

func ids(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID.String())
	}
	return out
}

func TestValidateText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want error
	}{
		{"simple", "hello", nil},
		{"empty", "", ErrEmptyMessage},
		{"whitespace only", " \t\n ", ErrEmptyMessage},
		{"max length", strings.Repeat("a", MaxMessageLength), nil},
		{"one over max", strings.Repeat("a", MaxMessageLength+1), ErrMessageTooLong},
		{"multibyte at max", strings.Repeat("é", MaxMessageLength), nil},
		{"astral at max", strings.Repeat("😀", MaxMessageLength/2), nil},
		{"astral counts two units", strings.Repeat("😀", MaxMessageLength/2) + "a", ErrMessageTooLong},
		{"astral by rune count only", strings.Repeat("😀", MaxMessageLength), ErrMessageTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateText(tt.text), tt.want)
		})
	}
}

func TestTextLength(t *testing.T) {
	assert.Equal(t, 5, TextLength("hello"))
	assert.Equal(t, 1, TextLength("é"))
	assert.Equal(t, 2, TextLength("😀"))
	assert.Equal(t, 3, TextLength("a😀"))
}

func TestOldestPendingAndMarkFailed(t *testing.T) {
	s := NewMessageStore(clock.NewFake(time.Unix(100, 0)))

	_, ok := s.OldestPending()
	assert.False(t, ok)

	first, err := s.AppendOptimistic(2, 7, "first")
	require.NoError(t, err)
	_, err = s.AppendOptimistic(1, 7, "second")
	require.NoError(t, err)

	got, ok := s.OldestPending()
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)

	require.True(t, s.MarkFailed(2, first.ID.LocalSeq()))
	assert.False(t, s.MarkFailed(2, 999))
	assert.True(t, s.Messages(2)[0].Failed)

	got, ok = s.OldestPending()
	require.True(t, ok)
	assert.Equal(t, "second", got.Text)
}

func TestOptimisticSendReconciledByEcho(t *testing.T) {
	s := NewMessageStore(clock.NewFake(time.Unix(100, 0)))

	opt, err := s.AppendOptimistic(1, 7, "hi")
	require.NoError(t, err)
	assert.True(t, opt.ID.IsProvisional())
	assert.False(t, opt.IsRead)

	echo := durableMsg(1, 55, 7, "hi")
	echo.FromMe = true
	assert.Equal(t, Reconciled, s.AppendIncoming(echo))

	msgs := s.Messages(1)
	require.Len(t, msgs, 1)
	id, ok := msgs[0].ID.DurableID()
	require.True(t, ok)
	assert.Equal(t, int64(55), id)
	assert.True(t, msgs[0].IsRead)
	assert.Equal(t, echo.SentAt, msgs[0].SentAt)
}

func TestReconcileMatchesOldestProvisional(t *testing.T) {
	s := NewMessageStore(nil)
	_, err := s.AppendOptimistic(1, 7, "same")
	require.NoError(t, err)
	_, err = s.AppendOptimistic(1, 7, "other")
	require.NoError(t, err)
	_, err = s.AppendOptimistic(1, 7, "same")
	require.NoError(t, err)

	echo := durableMsg(1, 10, 7, "same")
	echo.FromMe = true
	require.Equal(t, Reconciled, s.AppendIncoming(echo))

	assert.Equal(t, []string{"10", "local-2", "local-3"}, ids(s.Messages(1)))
}

func TestAppendIncomingDuplicateIgnored(t *testing.T) {
	s := NewMessageStore(nil)
	m := durableMsg(1, 5, 2, "hello")

	assert.Equal(t, Appended, s.AppendIncoming(m))
	assert.Equal(t, Duplicate, s.AppendIncoming(m))
	assert.Equal(t, 1, s.Len(1))
}

func TestAppendIncomingOutOfOrder(t *testing.T) {
	s := NewMessageStore(nil)
	_, err := s.AppendOptimistic(1, 7, "pending")
	require.NoError(t, err)

	s.AppendIncoming(durableMsg(1, 9, 2, "nine"))
	s.AppendIncoming(durableMsg(1, 3, 2, "three"))
	s.AppendIncoming(durableMsg(1, 6, 2, "six"))

	assert.Equal(t, []string{"3", "6", "9", "local-1"}, ids(s.Messages(1)))
}

func TestIncomingFromMeWithoutMatchIsAppended(t *testing.T) {
	s := NewMessageStore(nil)
	m := durableMsg(1, 4, 7, "from another device")
	m.FromMe = true

	assert.Equal(t, Appended, s.AppendIncoming(m))
	assert.Equal(t, 1, s.Len(1))
}

func TestPrependOlderPageIdempotent(t *testing.T) {
	s := NewMessageStore(nil)
	s.AppendIncoming(durableMsg(1, 30, 2, "latest"))

	page := []Message{
		durableMsg(1, 29, 2, "b"),
		durableMsg(1, 28, 7, "a"),
	}
	got := s.PrependOlderPage(1, page)
	require.Len(t, got, 2)
	assert.Equal(t, "29", got[0].ID.String())
	assert.Equal(t, 3, s.Len(1))

	s.PrependOlderPage(1, page)
	assert.Equal(t, 3, s.Len(1))

	msgs := s.Messages(1)
	assert.Equal(t, []string{"28", "29", "30"}, ids(msgs))
	assert.True(t, msgs[0].IsRead)
	assert.True(t, msgs[1].IsRead)
}

func TestEarliestAndLatestDurable(t *testing.T) {
	s := NewMessageStore(nil)
	_, ok := s.Earliest(1)
	assert.False(t, ok)

	s.AppendIncoming(durableMsg(1, 12, 2, "x"))
	s.AppendIncoming(durableMsg(1, 8, 2, "y"))
	_, err := s.AppendOptimistic(1, 7, "z")
	require.NoError(t, err)

	earliest, ok := s.Earliest(1)
	require.True(t, ok)
	assert.Equal(t, int64(8), earliest)

	latest, ok := s.LatestDurable(1)
	require.True(t, ok)
	assert.Equal(t, "12", latest.ID.String())
}

func TestHydrateMergesAndCounts(t *testing.T) {
	s := NewMessageStore(nil)
	s.AppendIncoming(durableMsg(1, 2, 2, "b"))

	added := s.Hydrate(1, []Message{
		durableMsg(1, 1, 2, "a"),
		durableMsg(1, 2, 2, "b"),
		durableMsg(1, 3, 2, "c"),
	})
	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"1", "2", "3"}, ids(s.Messages(1)))
}

func TestConfirmProvisional(t *testing.T) {
	s := NewMessageStore(nil)
	opt, err := s.AppendOptimistic(1, 7, "via rest")
	require.NoError(t, err)

	require.True(t, s.ConfirmProvisional(1, opt.ID.LocalSeq(), 40))
	msgs := s.Messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, "40", msgs[0].ID.String())

	// The echo arriving later is a duplicate.
	echo := durableMsg(1, 40, 7, "via rest")
	echo.FromMe = true
	assert.Equal(t, Duplicate, s.AppendIncoming(echo))
}

func TestMarkAllReadAndClear(t *testing.T) {
	s := NewMessageStore(nil)
	s.AppendIncoming(durableMsg(1, 1, 2, "a"))
	s.AppendIncoming(durableMsg(1, 2, 2, "b"))

	s.MarkAllRead(1)
	for _, m := range s.Messages(1) {
		assert.True(t, m.IsRead)
	}

	s.Clear()
	assert.Equal(t, 0, s.Len(1))
}

func TestMessagesReturnsCopy(t *testing.T) {
	s := NewMessageStore(nil)
	s.AppendIncoming(durableMsg(1, 1, 2, "a"))

	msgs := s.Messages(1)
	msgs[0].Text = "mutated"
	assert.Equal(t, "a", s.Messages(1)[0].Text)
}
