package typing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/matheus3301/dfchat/internal/clock"
)

type sendRecorder struct {
	clk   *clock.Fake
	start time.Time
	at    []time.Duration
}

func (r *sendRecorder) send(int64) bool {
	r.at = append(r.at, r.clk.Now().Sub(r.start))
	return true
}

func newRecorder() (*sendRecorder, *clock.Fake) {
	start := time.Unix(0, 0)
	clk := clock.NewFake(start)
	return &sendRecorder{clk: clk, start: start}, clk
}

func TestFirstKeystrokeSendsImmediately(t *testing.T) {
	rec, clk := newRecorder()
	k := NewKeepalive(clk, 10*time.Second, time.Second, rec.send)

	k.Keystroke(1)
	k.Keystroke(1)

	assert.Equal(t, []time.Duration{0}, rec.at)
	assert.True(t, k.Active(1))
}

func TestContinuousTypingRepeatsEveryPeriod(t *testing.T) {
	rec, clk := newRecorder()
	k := NewKeepalive(clk, 10*time.Second, time.Second, rec.send)

	// A keystroke every 500ms for 25s.
	for i := 0; i < 50; i++ {
		k.Keystroke(1)
		clk.Advance(500 * time.Millisecond)
	}

	assert.Equal(t, []time.Duration{0, 10 * time.Second, 20 * time.Second}, rec.at)
}

func TestIdleEndsKeepalive(t *testing.T) {
	rec, clk := newRecorder()
	k := NewKeepalive(clk, 10*time.Second, time.Second, rec.send)

	k.Keystroke(1)
	clk.Advance(1500 * time.Millisecond)
	assert.False(t, k.Active(1))

	clk.Advance(20 * time.Second)
	assert.Len(t, rec.at, 1)
	assert.Equal(t, 0, clk.Pending())

	// Typing again starts a fresh cycle.
	k.Keystroke(1)
	assert.Len(t, rec.at, 2)
}

func TestStopCancelsTimers(t *testing.T) {
	rec, clk := newRecorder()
	k := NewKeepalive(clk, 10*time.Second, time.Second, rec.send)

	k.Keystroke(1)
	k.Stop(1)

	assert.False(t, k.Active(1))
	assert.Equal(t, 0, clk.Pending())
}

func TestConversationsAreIndependent(t *testing.T) {
	rec, clk := newRecorder()
	k := NewKeepalive(clk, 10*time.Second, time.Second, rec.send)

	k.Keystroke(1)
	k.Keystroke(2)
	k.Stop(1)

	assert.False(t, k.Active(1))
	assert.True(t, k.Active(2))
	assert.Len(t, rec.at, 2)

	k.Reset()
	assert.False(t, k.Active(2))
}
