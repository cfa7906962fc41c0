package typing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/dfchat/internal/clock"
)

func TestMarkerExpiresWithoutRefresh(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	tr := NewTracker(clk, 3*time.Second, nil)

	tr.Observe(1, 42)
	_, ok := tr.Typing(1)
	require.True(t, ok)

	clk.Advance(3100 * time.Millisecond)
	_, ok = tr.Typing(1)
	assert.False(t, ok)
}

func TestRefreshResetsExpiry(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	tr := NewTracker(clk, 3*time.Second, nil)

	tr.Observe(1, 42)
	clk.Advance(2 * time.Second)
	tr.Observe(1, 42)

	clk.Advance(1100 * time.Millisecond) // t=3.1s
	user, ok := tr.Typing(1)
	require.True(t, ok)
	assert.Equal(t, int64(42), user)

	clk.Advance(2 * time.Second) // t=5.1s
	_, ok = tr.Typing(1)
	assert.False(t, ok)
	assert.Equal(t, 0, clk.Pending())
}

func TestRefreshDoesNotStackTimers(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	tr := NewTracker(clk, 3*time.Second, nil)

	for i := 0; i < 5; i++ {
		tr.Observe(1, 42)
		clk.Advance(500 * time.Millisecond)
	}
	assert.Equal(t, 1, clk.Pending())
}

func TestChangeNotifications(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	type change struct {
		conv, user int64
		typing     bool
	}
	var changes []change
	tr := NewTracker(clk, time.Second, func(conv, user int64, typing bool) {
		changes = append(changes, change{conv, user, typing})
	})

	tr.Observe(1, 42)
	tr.Observe(1, 42)
	clk.Advance(2 * time.Second)

	require.Len(t, changes, 2)
	assert.Equal(t, change{1, 42, true}, changes[0])
	assert.Equal(t, change{1, 42, false}, changes[1])
}

func TestClearUserOnlyMatchingTyper(t *testing.T) {
	tr := NewTracker(clock.NewFake(time.Unix(0, 0)), 0, nil)
	tr.Observe(1, 42)

	tr.ClearUser(1, 7)
	_, ok := tr.Typing(1)
	assert.True(t, ok)

	tr.ClearUser(1, 42)
	_, ok = tr.Typing(1)
	assert.False(t, ok)
}

func TestResetCancelsTimers(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	fired := 0
	tr := NewTracker(clk, time.Second, func(_, _ int64, typing bool) {
		if !typing {
			fired++
		}
	})
	tr.Observe(1, 42)
	tr.Observe(2, 43)

	tr.Reset()
	clk.Advance(5 * time.Second)

	assert.Equal(t, 0, fired)
	_, ok := tr.Typing(1)
	assert.False(t, ok)
}
