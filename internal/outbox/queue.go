package outbox

import (
	"errors"
	"slices"
	"sync"
)

// ErrFlushInProgress is returned when a flush is already draining the queue.
var ErrFlushInProgress = errors.New("outbox flush already in progress")

// Entry is a message waiting for the connection to come back.
type Entry struct {
	ConversationID int64
	Text           string
	LocalSeq       uint64
}

// Queue holds pending sends in FIFO order. It is never persisted.
type Queue struct {
	mu       sync.Mutex
	entries  []Entry
	flushing bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends an entry at the tail.
func (q *Queue) Enqueue(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the queued entries in send order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.entries)
}

// Drain removes and returns every pending entry in send order.
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	return out
}

// Clear drops every pending entry.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

// Flush hands entries to send in order. The first failure stops the flush;
// the failed entry and everything behind it stay queued. Entries enqueued
// while the flush runs are drained in the same pass. It returns how many
// entries were sent.
func (q *Queue) Flush(send func(Entry) error) (int, error) {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return 0, ErrFlushInProgress
	}
	q.flushing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	sent := 0
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return sent, nil
		}
		head := q.entries[0]
		q.mu.Unlock()

		if err := send(head); err != nil {
			return sent, err
		}

		q.mu.Lock()
		// Clear may have run while send was in flight.
		if len(q.entries) > 0 && q.entries[0] == head {
			q.entries = q.entries[1:]
		}
		q.mu.Unlock()
		sent++
	}
}
