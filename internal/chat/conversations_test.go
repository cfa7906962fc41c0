package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertDedupesByCounterparty(t *testing.T) {
	l := NewConversationList()

	first, inserted := l.Upsert(Conversation{ID: 1, CounterpartyID: 42, CounterpartyName: "Ann"})
	require.True(t, inserted)
	assert.Equal(t, int64(1), first.ID)

	again, inserted := l.Upsert(Conversation{ID: 2, CounterpartyID: 42, CounterpartyName: "Ann B"})
	assert.False(t, inserted)
	assert.Equal(t, int64(1), again.ID)
	assert.Equal(t, "Ann", again.CounterpartyName)
	assert.Equal(t, 1, l.Len())
}

func TestUnreadSortsFirst(t *testing.T) {
	now := time.Now()
	l := NewConversationList()
	l.Upsert(Conversation{ID: 1, CounterpartyID: 10, LastActivity: now.Add(-time.Minute)})
	l.Upsert(Conversation{ID: 2, CounterpartyID: 20, LastActivity: now.Add(-time.Hour), Unread: Unread{Count: 2}})

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(2), snap[0].ID)
	assert.Equal(t, int64(1), snap[1].ID)
}

func TestSortByActivityThenID(t *testing.T) {
	now := time.Now()
	l := NewConversationList()
	l.Upsert(Conversation{ID: 3, CounterpartyID: 30, LastActivity: now})
	l.Upsert(Conversation{ID: 1, CounterpartyID: 10, LastActivity: now})
	l.Upsert(Conversation{ID: 2, CounterpartyID: 20, LastActivity: now.Add(time.Second)})

	var got []int64
	for _, c := range l.Snapshot() {
		got = append(got, c.ID)
	}
	assert.Equal(t, []int64{2, 1, 3}, got)
}

func TestSaturatedCountsAsUnread(t *testing.T) {
	now := time.Now()
	l := NewConversationList()
	l.Upsert(Conversation{ID: 1, CounterpartyID: 10, LastActivity: now})
	l.Upsert(Conversation{ID: 2, CounterpartyID: 20, LastActivity: now.Add(-time.Hour), Unread: Unread{Saturated: true}})

	assert.Equal(t, int64(2), l.Snapshot()[0].ID)
}

func TestMutateResorts(t *testing.T) {
	now := time.Now()
	l := NewConversationList()
	l.Upsert(Conversation{ID: 1, CounterpartyID: 10, LastActivity: now})
	l.Upsert(Conversation{ID: 2, CounterpartyID: 20, LastActivity: now.Add(-time.Hour)})
	require.Equal(t, int64(1), l.Snapshot()[0].ID)

	ok := l.Mutate(2, func(c *Conversation) {
		c.LastActivity = now.Add(time.Minute)
		c.LastMessageText = "new"
	})
	require.True(t, ok)
	assert.Equal(t, int64(2), l.Snapshot()[0].ID)

	assert.False(t, l.Mutate(99, func(*Conversation) {}))
}

func TestMarkReadZeroesUnread(t *testing.T) {
	l := NewConversationList()
	l.Upsert(Conversation{ID: 1, CounterpartyID: 10, Unread: Unread{Saturated: true}})

	require.True(t, l.MarkRead(1))
	c, ok := l.Get(1)
	require.True(t, ok)
	assert.True(t, c.Unread.IsZero())
}

func TestUnreadString(t *testing.T) {
	assert.Equal(t, "10+", Unread{Saturated: true}.String())
	assert.Equal(t, "3", Unread{Count: 3}.String())
	assert.Equal(t, 10, Unread{Saturated: true}.Magnitude())
}

func TestByCounterpartyAndClear(t *testing.T) {
	l := NewConversationList()
	l.Upsert(Conversation{ID: 5, CounterpartyID: 50})

	c, ok := l.ByCounterparty(50)
	require.True(t, ok)
	assert.Equal(t, int64(5), c.ID)

	l.Clear()
	_, ok = l.ByCounterparty(50)
	assert.False(t, ok)
}

func TestRelativeLabel(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{30 * time.Second, "Just now"},
		{90 * time.Second, "1 minute ago"},
		{5 * time.Minute, "5 minutes ago"},
		{90 * time.Minute, "1 hour ago"},
		{3 * time.Hour, "3 hours ago"},
		{30 * time.Hour, "1 day ago"},
		{3 * 24 * time.Hour, "3 days ago"},
		{10 * 24 * time.Hour, "Feb 29, 2024"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, RelativeLabel(now.Add(-tt.ago), now))
		})
	}
	assert.Equal(t, "", RelativeLabel(time.Time{}, now))
}
