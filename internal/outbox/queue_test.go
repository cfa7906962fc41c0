package outbox

import (
	"errors"
	"testing"
)

func TestFlushPreservesOrder(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Entry{ConversationID: 1, Text: "one", LocalSeq: 1})
	q.Enqueue(Entry{ConversationID: 1, Text: "two", LocalSeq: 2})
	q.Enqueue(Entry{ConversationID: 2, Text: "three", LocalSeq: 3})

	var got []string
	n, err := q.Flush(func(e Entry) error {
		got = append(got, e.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n != 3 {
		t.Errorf("sent = %d, want 3", n)
	}
	want := []string{"one", "two", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestFlushStopsAtFirstFailure(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Entry{Text: "a"})
	q.Enqueue(Entry{Text: "b"})
	q.Enqueue(Entry{Text: "c"})

	boom := errors.New("write failed")
	n, err := q.Flush(func(e Entry) error {
		if e.Text == "b" {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Flush() error = %v, want %v", err, boom)
	}
	if n != 1 {
		t.Errorf("sent = %d, want 1", n)
	}

	rest := q.Entries()
	if len(rest) != 2 || rest[0].Text != "b" || rest[1].Text != "c" {
		t.Errorf("remaining = %+v, want [b c]", rest)
	}
}

func TestFlushDrainsEntriesAddedDuringFlush(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Entry{Text: "first"})

	var got []string
	_, err := q.Flush(func(e Entry) error {
		got = append(got, e.Text)
		if e.Text == "first" {
			q.Enqueue(Entry{Text: "late"})
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1] != "late" {
		t.Errorf("sent = %v, want [first late]", got)
	}
}

func TestConcurrentFlushRejected(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Entry{Text: "x"})

	var inner error
	_, err := q.Flush(func(Entry) error {
		_, inner = q.Flush(func(Entry) error { return nil })
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(inner, ErrFlushInProgress) {
		t.Errorf("nested Flush() error = %v, want ErrFlushInProgress", inner)
	}
}

func TestClear(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Entry{Text: "x"})
	q.Clear()
	if q.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", q.Len())
	}
}

func TestDrain(t *testing.T) {
	q := NewQueue()
	if got := q.Drain(); len(got) != 0 {
		t.Fatalf("Drain() on empty queue = %v", got)
	}
	q.Enqueue(Entry{ConversationID: 1, Text: "a", LocalSeq: 1})
	q.Enqueue(Entry{ConversationID: 2, Text: "b", LocalSeq: 2})

	got := q.Drain()
	if len(got) != 2 || got[0].Text != "a" || got[1].Text != "b" {
		t.Fatalf("Drain() = %v, want [a b]", got)
	}
	if q.Len() != 0 {
		t.Errorf("Len() after Drain = %d, want 0", q.Len())
	}
}
