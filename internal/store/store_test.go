package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + activity index)", result.Version)
	}
}

func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert conversation", "INSERT INTO conversations (id, counterparty_id, counterparty_name, counterparty_email, last_message_text, last_activity, unread_count, unread_saturated, last_read_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)", []any{1, 9, "Ana", "ana@x", "hi", 1000, 0, false, 0}},
		{"insert message", "INSERT INTO messages (id, conversation_id, sender_id, from_me, body, sent_at, is_read) VALUES (?, ?, ?, ?, ?, ?, ?)", []any{10, 1, 9, false, "hello", 1000, false}},
		{"set sync state", "INSERT INTO sync_state (key, value) VALUES (?, ?)", []any{"k", "v"}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}
}

func TestConversationUpsertAndList(t *testing.T) {
	db := testDB(t)

	conv := &Conversation{ID: 1, CounterpartyID: 9, CounterpartyName: "Ana", LastActivity: 2000, LastReadID: 5}
	if err := db.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}

	conv.CounterpartyName = "Ana Maria"
	conv.LastReadID = 3
	if err := db.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	if convs[0].CounterpartyName != "Ana Maria" {
		t.Errorf("name = %q, want Ana Maria", convs[0].CounterpartyName)
	}
	if convs[0].LastReadID != 5 {
		t.Errorf("last_read_id = %d, want 5 (watermark must not move backwards)", convs[0].LastReadID)
	}
}

func TestListConversationsOrder(t *testing.T) {
	db := testDB(t)

	for _, c := range []*Conversation{
		{ID: 1, CounterpartyID: 10, LastActivity: 5000},
		{ID: 2, CounterpartyID: 11, LastActivity: 1000, UnreadCount: 2},
		{ID: 3, CounterpartyID: 12, LastActivity: 9000},
		{ID: 4, CounterpartyID: 13, LastActivity: 500, UnreadSaturated: true},
	} {
		if err := db.UpsertConversation(c); err != nil {
			t.Fatal(err)
		}
	}

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	var got []int64
	for _, c := range convs {
		got = append(got, c.ID)
	}
	want := []int64{2, 4, 3, 1}
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestGetConversation(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: 1, CounterpartyID: 9, CounterpartyName: "A"}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetConversation(1)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.CounterpartyName != "A" {
		t.Errorf("got %v, want A", c)
	}

	c, err = db.GetConversation(404)
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected nil for missing conversation")
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ID: 10, ConversationID: 1, SenderID: 9, Body: "hello", SentAt: 1000, IsRead: true}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Body = "hello updated"
	msg.IsRead = false
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(1, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Body != "hello updated" {
		t.Errorf("body = %q, want hello updated", msgs[0].Body)
	}
	if !msgs[0].IsRead {
		t.Error("read flag must not be cleared by a later upsert")
	}
}

func TestUpsertMessagesAndPaging(t *testing.T) {
	db := testDB(t)

	var batch []Message
	for id := int64(1); id <= 30; id++ {
		batch = append(batch, Message{ID: id, ConversationID: 1, SenderID: 9, Body: "m", SentAt: id * 1000})
	}
	if err := db.UpsertMessages(batch); err != nil {
		t.Fatal(err)
	}
	// Replaying the same batch must not duplicate rows.
	if err := db.UpsertMessages(batch); err != nil {
		t.Fatal(err)
	}

	page, err := db.ListMessages(1, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 10 || page[0].ID != 30 || page[9].ID != 21 {
		t.Fatalf("first page = %d rows [%d..%d], want 10 rows [30..21]", len(page), page[0].ID, page[len(page)-1].ID)
	}

	page, err = db.ListMessages(1, 21, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 10 || page[0].ID != 20 {
		t.Fatalf("second page starts at %d, want 20", page[0].ID)
	}

	counts, err := db.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts.Messages != 30 {
		t.Errorf("messages = %d, want 30", counts.Messages)
	}
}

func TestMarkRead(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessages([]Message{
		{ID: 1, ConversationID: 1, Body: "a"},
		{ID: 2, ConversationID: 1, Body: "b"},
		{ID: 3, ConversationID: 1, Body: "c"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkRead(1, 2); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(1, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if want := m.ID <= 2; m.IsRead != want {
			t.Errorf("message %d read = %v, want %v", m.ID, m.IsRead, want)
		}
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: 1, CounterpartyID: 9, CounterpartyName: "Ana"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessages([]Message{
		{ID: 1, ConversationID: 1, Body: "hello world"},
		{ID: 2, ConversationID: 1, Body: "goodbye world"},
		{ID: 3, ConversationID: 2, Body: "100% hello"},
	}); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages("hello", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[1].ID != 1 || results[1].CounterpartyName != "Ana" {
		t.Errorf("result = %+v, want message 1 from Ana", results[1])
	}

	results, err = db.SearchMessages("hello", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("scoped search got %d results, want 1", len(results))
	}

	results, err = db.SearchMessages("0%", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != 3 {
		t.Errorf("literal %% search got %d results, want message 3", len(results))
	}
}

func TestCheckpointsAndClear(t *testing.T) {
	db := testDB(t)

	v, err := db.Checkpoint(CheckpointLastHydrated)
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("missing checkpoint = %q, want empty", v)
	}

	if err := db.SetCheckpoint(CheckpointLastHydrated, "1000"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint(CheckpointLastHydrated, "2000"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.Checkpoint(CheckpointLastHydrated); v != "2000" {
		t.Errorf("checkpoint = %q, want 2000", v)
	}

	if err := db.UpsertConversation(&Conversation{ID: 1, CounterpartyID: 9}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ID: 1, ConversationID: 1, Body: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := db.Clear(); err != nil {
		t.Fatal(err)
	}

	counts, err := db.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts.Conversations != 0 || counts.Messages != 0 {
		t.Errorf("counts after clear = %+v, want zero", counts)
	}
	if v, _ := db.Checkpoint(CheckpointLastHydrated); v != "" {
		t.Errorf("checkpoint survived clear: %q", v)
	}
}
