package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/matheus3301/bugle/internal/bus"
	"github.com/matheus3301/bugle/internal/datamodel"
	"github.com/matheus3301/bugle/internal/participant"
	"github.com/matheus3301/bugle/internal/store"
	"github.com/matheus3301/bugle/internal/telephony"
	"go.uber.org/zap"
)

type countingNotifier struct{ calls int }

func (n *countingNotifier) Refresh(context.Context) error {
	n.calls++
	return nil
}

type harness struct {
	db       *store.DB
	mem      *telephony.Memory
	bus      *bus.Bus
	ops      *datamodel.Operations
	engine   *Engine
	notifier *countingNotifier
}

func newHarness(t *testing.T, provider func(*harness) telephony.Provider, batchSize int) *harness {
	t.Helper()
	h := &harness{db: testDB(t), mem: telephony.NewMemory(), bus: bus.New(), notifier: &countingNotifier{}}
	logger := zap.NewNop()

	coord := testCoordinator(t, h.db, time.Hour)
	resolver := participant.NewResolver(participant.NewCache(), h.mem, h.mem, logger)
	h.ops = datamodel.New(h.db, resolver, participant.NewNormalizer("US"), h.bus, logger,
		datamodel.WithThreadRecipients(h.mem),
		datamodel.WithInsertObserver(coord),
	)

	var p telephony.Provider = h.mem
	if provider != nil {
		p = provider(h)
	}
	h.engine = NewEngine(h.ops, coord, p, h.mem, h.notifier, h.bus, logger, Options{BatchSize: batchSize})
	return h
}

func (h *harness) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	if err := h.db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func providerMessage(uri string, thread, ts int64, sender, text string) telephony.ProviderMessage {
	return telephony.ProviderMessage{
		URI:               uri,
		ThreadID:          thread,
		Protocol:          store.ProtocolSMS,
		Status:            store.StatusIncomingComplete,
		Sender:            sender,
		ReceivedTimestamp: ts,
		SentTimestamp:     ts,
		Parts:             []telephony.PartContent{{Text: text, ContentType: "text/plain"}},
	}
}

func TestEngineIngestIdempotent(t *testing.T) {
	h := newHarness(t, nil, 10)
	ctx := context.Background()
	pm := providerMessage("sms/1", 1, 1000, "+16502530000", "hello")

	id, err := h.engine.Ingest(ctx, &pm)
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("first ingest stored nothing")
	}
	again, err := h.engine.Ingest(ctx, &pm)
	if err != nil {
		t.Fatal(err)
	}
	if again != 0 {
		t.Errorf("second ingest stored message %d", again)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM messages`); n != 1 {
		t.Errorf("got %d messages, want 1", n)
	}
	if h.notifier.calls != 1 {
		t.Errorf("notifier called %d times, want 1", h.notifier.calls)
	}

	m, err := h.ops.GetMessage(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Text() != "hello" || m.SMSMessageURI != "sms/1" {
		t.Errorf("stored message = %+v", m)
	}
}

func TestEngineFullSync(t *testing.T) {
	h := newHarness(t, nil, 2)
	ctx := context.Background()
	for _, pm := range []telephony.ProviderMessage{
		providerMessage("sms/1", 1, 100, "+16502530000", "a1"),
		providerMessage("sms/2", 1, 200, "+16502530000", "a2"),
		providerMessage("sms/3", 2, 300, "+16502530001", "b1"),
		providerMessage("sms/4", 2, 400, "+16502530001", "b2"),
		providerMessage("sms/5", 1, 500, "+16502530000", "a3"),
	} {
		h.mem.AddMessage(pm)
	}

	res, err := h.engine.Sync(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Started || res.Inserted != 5 || res.Batches < 3 {
		t.Errorf("result = %+v, want started with 5 inserted over at least 3 batches", res)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM conversations`); n != 2 {
		t.Errorf("got %d conversations, want 2", n)
	}

	conv, err := store.FindConversationByThread(ctx, h.db, 1)
	if err != nil {
		t.Fatal(err)
	}
	if conv.SnippetText != "a3" || conv.SortTimestamp != 500 {
		t.Errorf("thread 1 summary = {%q %d}, want {a3 500}", conv.SnippetText, conv.SortTimestamp)
	}

	if syncing, _ := h.engine.Coordinator().Syncing(); syncing {
		t.Error("coordinator still syncing after Sync returned")
	}
	if h.engine.Coordinator().LastFullSync() == 0 {
		t.Error("full sync not recorded")
	}

	// An immediate second full sync is inside the backoff window.
	again, err := h.engine.Sync(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if again.Started {
		t.Error("full sync ran inside backoff window")
	}

	inc, err := h.engine.Sync(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if !inc.Started || inc.Inserted != 0 {
		t.Errorf("incremental result = %+v, want started with nothing new", inc)
	}
}

func TestEngineWalksEqualTimestamps(t *testing.T) {
	tests := []struct {
		name        string
		timestamps  []int64
		wantBatches int
	}{
		{"run longer than a batch", []int64{200, 100, 100, 100, 100, 100, 50}, 4},
		{"run at the window floor", []int64{100, 100, 100}, 2},
		{"run filling whole batches", []int64{100, 100, 100, 100}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, 2)
			for i, ts := range tt.timestamps {
				h.mem.AddMessage(providerMessage(fmt.Sprintf("sms/%d", i), 1, ts, "+16502530000", "m"))
			}

			res, err := h.engine.Sync(context.Background(), true)
			if err != nil {
				t.Fatal(err)
			}
			if res.Inserted != len(tt.timestamps) || res.Batches != tt.wantBatches || res.Redone != 0 {
				t.Errorf("result = %+v, want %d inserted over %d batches", res, len(tt.timestamps), tt.wantBatches)
			}
			if n := h.count(t, `SELECT COUNT(*) FROM messages`); n != len(tt.timestamps) {
				t.Errorf("got %d messages, want %d", n, len(tt.timestamps))
			}
		})
	}
}

func TestEngineIngestWithoutURI(t *testing.T) {
	h := newHarness(t, nil, 10)
	ctx := context.Background()
	pm := providerMessage("", 1, 1000, "+16502530000", "bridge")

	// Live traffic without a uri cannot be deduplicated, so each delivery
	// is stored.
	for range 2 {
		id, err := h.engine.Ingest(ctx, &pm)
		if err != nil {
			t.Fatal(err)
		}
		if id == 0 {
			t.Fatal("ingest without uri reported a duplicate")
		}
	}
	if n := h.count(t, `SELECT COUNT(*) FROM messages WHERE sms_message_uri = ''`); n != 2 {
		t.Errorf("got %d messages without uri, want 2", n)
	}
}

// hookProvider runs once after its first read, standing in for a write
// that races the sync reader.
type hookProvider struct {
	inner telephony.Provider
	once  func(ctx context.Context) error
	done  bool
}

func (p *hookProvider) Messages(ctx context.Context, page telephony.Page) ([]telephony.ProviderMessage, error) {
	msgs, err := p.inner.Messages(ctx, page)
	if err != nil || p.done {
		return msgs, err
	}
	p.done = true
	return msgs, p.once(ctx)
}

func TestEngineRereadsDirtyBatch(t *testing.T) {
	h := newHarness(t, func(h *harness) telephony.Provider {
		return &hookProvider{inner: h.mem, once: func(ctx context.Context) error {
			late := providerMessage("sms/late", 3, 150, "+16502530002", "late")
			h.mem.AddMessage(late)
			_, err := h.engine.Ingest(ctx, &late)
			return err
		}}
	}, 10)
	h.mem.AddMessage(providerMessage("sms/1", 1, 100, "+16502530000", "one"))
	h.mem.AddMessage(providerMessage("sms/2", 1, 200, "+16502530000", "two"))

	res, err := h.engine.Sync(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Redone != 1 {
		t.Errorf("redone = %d, want 1", res.Redone)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM messages`); n != 3 {
		t.Errorf("got %d messages, want 3", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM messages WHERE sms_message_uri = 'sms/late'`); n != 1 {
		t.Errorf("late message stored %d times, want 1", n)
	}
}

func TestEngineSyncKeepsCustomization(t *testing.T) {
	ctx := context.Background()
	var convID, msgID int64
	h := newHarness(t, func(h *harness) telephony.Provider {
		// The user deletes the conversation while the sync reads.
		return &hookProvider{inner: h.mem, once: func(ctx context.Context) error {
			_, err := h.ops.DeleteMessage(ctx, msgID)
			return err
		}}
	}, 10)

	pm := providerMessage("sms/1", 7, 100, "+16502530000", "hi")
	h.mem.AddMessage(pm)
	var err error
	if msgID, err = h.engine.Ingest(ctx, &pm); err != nil {
		t.Fatal(err)
	}
	m, _ := h.ops.GetMessage(ctx, msgID)
	convID = m.ConversationID
	if err := h.ops.ArchiveConversation(ctx, convID, true); err != nil {
		t.Fatal(err)
	}
	if err := h.ops.SetNotificationSettings(ctx, convID, store.NotificationSettings{Enabled: false, Vibration: true}); err != nil {
		t.Fatal(err)
	}

	if _, err := h.engine.Sync(ctx, true); err != nil {
		t.Fatal(err)
	}
	conv, err := store.FindConversationByThread(ctx, h.db, 7)
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil {
		t.Fatal("conversation not recreated")
	}
	if conv.ID == convID {
		t.Fatal("conversation was not deleted during the sync")
	}
	if !conv.Archived || conv.NotificationEnabled {
		t.Errorf("recreated conversation archived=%v notifications=%v, want true/false", conv.Archived, conv.NotificationEnabled)
	}
}

func TestEngineBusSubscription(t *testing.T) {
	h := newHarness(t, nil, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Start(ctx)
	defer h.engine.Stop()

	pm := providerMessage("sms/bus", 4, 5000, "+16502530003", "from bus")
	h.bus.Publish(bus.Event{Kind: bus.KindInboundMessage, Payload: &pm})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.count(t, `SELECT COUNT(*) FROM messages WHERE sms_message_uri = 'sms/bus'`) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("inbound bus message was not ingested")
}
