package sync

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/matheus3301/bugle/internal/store"
	"github.com/matheus3301/bugle/internal/telephony"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testCoordinator(t *testing.T, db *store.DB, backoff time.Duration) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(context.Background(), db, telephony.NewMemory(), backoff)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestDirtyWindow(t *testing.T) {
	tests := []struct {
		name    string
		upper   int64
		inserts []int64
		lower   int64
		want    bool
	}{
		{"no inserts", 100, nil, 50, false},
		{"insert inside window", 100, []int64{70}, 50, true},
		{"insert at lower bound", 100, []int64{50}, 50, true},
		{"insert at upper bound", 100, []int64{100}, 50, true},
		{"insert above upper", 100, []int64{101, 500}, 50, false},
		{"insert below lower", 100, []int64{10}, 50, false},
		{"mixed", 100, []int64{200, 10, 60}, 50, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCoordinator(t, testDB(t), time.Hour)
			if err := c.StartSyncBatch(tt.upper); err != nil {
				t.Fatal(err)
			}
			for _, ts := range tt.inserts {
				c.OnNewMessageInserted(ts)
			}
			if got := c.IsBatchDirty(tt.lower); got != tt.want {
				t.Errorf("IsBatchDirty(%d) = %v, want %v", tt.lower, got, tt.want)
			}
		})
	}
}

func TestBatchLifecycle(t *testing.T) {
	c := testCoordinator(t, testDB(t), time.Hour)

	// Inserts with no open batch are ignored.
	c.OnNewMessageInserted(10)

	if err := c.StartSyncBatch(100); err != nil {
		t.Fatal(err)
	}
	if err := c.StartSyncBatch(200); !errors.Is(err, ErrBatchOpen) {
		t.Fatalf("second StartSyncBatch error = %v, want ErrBatchOpen", err)
	}
	c.OnNewMessageInserted(80)
	if !c.IsBatchDirty(0) {
		t.Fatal("batch should be dirty")
	}

	// IsBatchDirty closed the batch and reset the high-water mark.
	if err := c.StartSyncBatch(100); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if c.IsBatchDirty(0) {
		t.Error("new batch inherited the previous high-water mark")
	}
}

func TestShouldSync(t *testing.T) {
	c := testCoordinator(t, testDB(t), time.Hour)

	if !c.ShouldSync(false, 1000) {
		t.Fatal("idle coordinator refused sync")
	}
	if syncing, since := c.Syncing(); !syncing || since != 1000 {
		t.Errorf("Syncing() = %v, %d, want true, 1000", syncing, since)
	}
	if c.ShouldSync(false, 2000) || c.ShouldSync(true, 2000) {
		t.Error("second sync allowed while one is running")
	}
	c.Complete()
	if !c.ShouldSync(true, 3000) {
		t.Error("sync refused after Complete")
	}
}

func TestFullSyncBackoff(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	c := testCoordinator(t, db, time.Hour)

	base := time.UnixMilli(1_700_000_000_000)
	if err := c.RecordFullSync(ctx, base.UnixMilli()); err != nil {
		t.Fatal(err)
	}

	inside := base.Add(30 * time.Minute).UnixMilli()
	if c.ShouldSync(true, inside) {
		t.Error("full sync allowed inside backoff window")
	}
	if !c.ShouldSync(false, inside) {
		t.Error("incremental sync refused inside backoff window")
	}
	c.Complete()

	if got := c.DelayUntilFullSync(base.Add(45 * time.Minute)); got != 15*time.Minute {
		t.Errorf("DelayUntilFullSync = %v, want 15m", got)
	}
	if got := c.DelayUntilFullSync(base.Add(2 * time.Hour)); got != 0 {
		t.Errorf("DelayUntilFullSync after window = %v, want 0", got)
	}

	// The last full sync survives a restart.
	reopened := testCoordinator(t, db, time.Hour)
	if reopened.LastFullSync() != base.UnixMilli() {
		t.Errorf("LastFullSync = %d, want %d", reopened.LastFullSync(), base.UnixMilli())
	}
	if reopened.ShouldSync(true, inside) {
		t.Error("restarted coordinator forgot the backoff")
	}
	if !reopened.ShouldSync(true, base.Add(61*time.Minute).UnixMilli()) {
		t.Error("full sync refused after backoff window")
	}
}

func TestThreadInfoCache(t *testing.T) {
	ctx := context.Background()
	mem := telephony.NewMemory()
	mem.SetThread(1, "+15550001")
	cache := NewThreadInfoCache(mem)

	first, err := cache.RecipientsForThread(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	mem.SetThread(1, "+15550002")
	second, _ := cache.RecipientsForThread(ctx, 1)
	if !slices.Equal(first, second) {
		t.Errorf("cached recipients changed: %v -> %v", first, second)
	}

	cache.Clear()
	third, _ := cache.RecipientsForThread(ctx, 1)
	if !slices.Equal(third, []string{"+15550002"}) {
		t.Errorf("after Clear = %v, want [+15550002]", third)
	}
}

func TestCompleteDropsSnapshot(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	if _, err := db.Exec(`INSERT INTO conversations (sms_thread_id, archive_status) VALUES (9, 1)`); err != nil {
		t.Fatal(err)
	}
	c := testCoordinator(t, db, time.Hour)
	if err := c.SnapshotCustomizations(ctx); err != nil {
		t.Fatal(err)
	}
	cu, ok := c.Customization(9)
	if !ok || !cu.Archived {
		t.Fatalf("Customization(9) = %+v, %v, want archived", cu, ok)
	}
	c.Complete()
	if _, ok := c.Customization(9); ok {
		t.Error("snapshot survived Complete")
	}
}
