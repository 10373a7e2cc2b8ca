package store

import (
	"context"
	"errors"
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

func newConversation(t *testing.T, db *DB, threadID int64) int64 {
	t.Helper()
	id, err := InsertConversation(context.Background(), db, &Conversation{ThreadID: threadID, NotificationEnabled: true})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func insertMessage(t *testing.T, db *DB, m *Message) int64 {
	t.Helper()
	var id int64
	err := db.InTx(context.Background(), func(tx *Tx) error {
		var err error
		id, err = InsertMessage(context.Background(), tx, m)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestPartTimestampFollowsMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := newConversation(t, db, 1)

	m := &Message{
		ConversationID:    conv,
		ReceivedTimestamp: 1000,
		Status:            StatusIncomingComplete,
		Parts:             []Part{{Text: "hi", ContentType: "text/plain"}},
	}
	id := insertMessage(t, db, m)

	parts, err := PartsForMessage(ctx, db, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 || parts[0].Timestamp != 1000 {
		t.Fatalf("parts = %+v, want one part with timestamp 1000", parts)
	}

	m.ReceivedTimestamp = 2000
	if err := UpdateMessageRow(ctx, db, m); err != nil {
		t.Fatal(err)
	}
	parts, err = PartsForMessage(ctx, db, id)
	if err != nil {
		t.Fatal(err)
	}
	if parts[0].Timestamp != 2000 {
		t.Errorf("part timestamp = %d, want 2000 after message update", parts[0].Timestamp)
	}
	if parts[0].Width != -1 || parts[0].Height != -1 {
		t.Errorf("dimensions = %dx%d, want -1x-1", parts[0].Width, parts[0].Height)
	}
}

func TestSecondDraftRejected(t *testing.T) {
	db := testDB(t)
	conv := newConversation(t, db, 1)

	insertMessage(t, db, &Message{ConversationID: conv, Status: StatusOutgoingDraft})

	err := db.InTx(context.Background(), func(tx *Tx) error {
		_, err := InsertMessage(context.Background(), tx, &Message{ConversationID: conv, Status: StatusOutgoingDraft})
		return err
	})
	if !IsUniqueViolation(err) {
		t.Fatalf("second draft error = %v, want unique violation", err)
	}
}

func TestInTxRollsBack(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := newConversation(t, db, 1)

	boom := errors.New("boom")
	err := db.InTx(ctx, func(tx *Tx) error {
		if _, err := InsertMessage(ctx, tx, &Message{
			ConversationID: conv,
			Status:         StatusIncomingComplete,
			Parts:          []Part{{Text: "a"}, {Text: "b"}},
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want boom", err)
	}

	var msgs, parts int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&msgs); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM parts`).Scan(&parts); err != nil {
		t.Fatal(err)
	}
	if msgs != 0 || parts != 0 {
		t.Errorf("after rollback: %d messages, %d parts, want 0/0", msgs, parts)
	}
}

func TestInsertPartsFailureLeavesNoMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := newConversation(t, db, 1)

	err := db.InTx(ctx, func(tx *Tx) error {
		m := &Message{ConversationID: conv, Status: StatusIncomingComplete, Parts: []Part{{Text: "ok"}}}
		if _, err := InsertMessage(ctx, tx, m); err != nil {
			return err
		}
		// A part pointing at a missing conversation violates the foreign key.
		m.ConversationID = conv + 100
		m.Parts = []Part{{Text: "orphan"}}
		return InsertParts(ctx, tx, m)
	})
	if err == nil {
		t.Fatal("expected foreign key failure")
	}

	n, err := CountMessages(ctx, db, conv)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
}

func TestParticipantUniqueness(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p := &Participant{SubID: OtherThanSelfSubID, SimSlotID: InvalidSlotID, NormalizedDestination: "+15551234567"}
	if _, err := InsertParticipant(ctx, db, p); err != nil {
		t.Fatal(err)
	}
	_, err := InsertParticipant(ctx, db, p)
	if !IsUniqueViolation(err) {
		t.Fatalf("duplicate insert error = %v, want unique violation", err)
	}

	// Same destination under a self subscription is a different row.
	self := &Participant{SubID: 1, SimSlotID: 0, NormalizedDestination: "+15551234567"}
	if _, err := InsertParticipant(ctx, db, self); err != nil {
		t.Fatalf("self insert: %v", err)
	}

	got, err := FindParticipantByDestination(ctx, db, "+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Self() {
		t.Errorf("FindParticipantByDestination = %+v, want non-self row", got)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := newConversation(t, db, 1)

	pid, err := InsertParticipant(ctx, db, &Participant{SubID: OtherThanSelfSubID, NormalizedDestination: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if err := LinkParticipant(ctx, db, conv, pid); err != nil {
		t.Fatal(err)
	}
	insertMessage(t, db, &Message{ConversationID: conv, SenderID: pid, Status: StatusIncomingComplete,
		Parts: []Part{{Text: "x"}}})

	n, err := DeleteConversation(ctx, db, conv)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted %d rows, want 1", n)
	}

	for _, table := range []string{"messages", "parts", "conversation_participants"} {
		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
			t.Fatal(err)
		}
		if count != 0 {
			t.Errorf("%s has %d rows after cascade, want 0", table, count)
		}
	}

	// Participants outlive their conversations.
	p, err := GetParticipant(ctx, db, pid)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Error("participant deleted with conversation")
	}
}

func TestUnseenIncomingOrdering(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := newConversation(t, db, 1)

	insertMessage(t, db, &Message{ConversationID: conv, ReceivedTimestamp: 100, Status: StatusIncomingComplete})
	insertMessage(t, db, &Message{ConversationID: conv, ReceivedTimestamp: 300, Status: StatusIncomingYetToManualDownload})
	insertMessage(t, db, &Message{ConversationID: conv, ReceivedTimestamp: 200, Status: StatusIncomingComplete, Seen: true})
	insertMessage(t, db, &Message{ConversationID: conv, ReceivedTimestamp: 400, Status: StatusIncomingDownloadFailed})
	insertMessage(t, db, &Message{ConversationID: conv, ReceivedTimestamp: 500, Status: StatusOutgoingComplete})

	msgs, err := UnseenIncoming(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d unseen messages, want 2", len(msgs))
	}
	if msgs[0].ReceivedTimestamp != 300 || msgs[1].ReceivedTimestamp != 100 {
		t.Errorf("order = [%d %d], want [300 100]", msgs[0].ReceivedTimestamp, msgs[1].ReceivedTimestamp)
	}
}

func TestState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v, err := GetStateInt64(ctx, db, "missing", -1)
	if err != nil {
		t.Fatal(err)
	}
	if v != -1 {
		t.Errorf("default = %d, want -1", v)
	}

	if err := SetStateInt64(ctx, db, "k", 42); err != nil {
		t.Fatal(err)
	}
	if err := SetStateInt64(ctx, db, "k", 43); err != nil {
		t.Fatal(err)
	}
	v, err = GetStateInt64(ctx, db, "k", -1)
	if err != nil {
		t.Fatal(err)
	}
	if v != 43 {
		t.Errorf("k = %d, want 43", v)
	}
}

func TestExpectOneReportsInvariant(t *testing.T) {
	db := testDB(t)
	err := SetConversationSelf(context.Background(), db, 999, 1)
	if !errors.Is(err, ErrInvariant) {
		t.Errorf("update of missing conversation error = %v, want ErrInvariant", err)
	}
}
