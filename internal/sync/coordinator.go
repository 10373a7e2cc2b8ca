package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/matheus3301/bugle/internal/store"
	"github.com/matheus3301/bugle/internal/telephony"
)

const (
	idle    int64 = -1
	noBatch int64 = -1

	stateLastFullSync = "sync.last_full_sync"
	stateLastUpper    = "sync.last_upper_bound"
)

// ErrBatchOpen is returned when a batch is started while another is open.
var ErrBatchOpen = errors.New("sync batch already open")

// Coordinator tracks the running sync and its open batch window. Inserts
// that land inside the window while the provider is being read mark the
// batch dirty so the reader redoes it.
type Coordinator struct {
	db      *store.DB
	backoff time.Duration

	mu             stdsync.Mutex
	inProgress     int64
	upper          int64
	maxRecent      int64
	lastFullSync   int64
	customizations map[int64]store.Customization

	threads *ThreadInfoCache
}

// NewCoordinator returns an idle coordinator. Full syncs are refused within
// backoff of the last one recorded in db.
func NewCoordinator(ctx context.Context, db *store.DB, recipients telephony.ThreadRecipients, backoff time.Duration) (*Coordinator, error) {
	last, err := store.GetStateInt64(ctx, db, stateLastFullSync, 0)
	if err != nil {
		return nil, fmt.Errorf("read last full sync: %w", err)
	}
	return &Coordinator{
		db:           db,
		backoff:      backoff,
		inProgress:   idle,
		upper:        noBatch,
		maxRecent:    noBatch,
		lastFullSync: last,
		threads:      NewThreadInfoCache(recipients),
	}, nil
}

// ShouldSync reports whether a sync starting at start may run and, if so,
// enters the syncing state.
func (c *Coordinator) ShouldSync(full bool, start int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if full && c.lastFullSync > 0 && start-c.lastFullSync < c.backoff.Milliseconds() {
		return false
	}
	if c.inProgress != idle {
		return false
	}
	c.inProgress = start
	return true
}

// StartSyncBatch opens a batch covering messages up to upper.
func (c *Coordinator) StartSyncBatch(upper int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upper != noBatch {
		return fmt.Errorf("%w: upper bound %d", ErrBatchOpen, c.upper)
	}
	c.upper = upper
	c.maxRecent = noBatch
	return nil
}

// OnNewMessageInserted records an insert. Inserts at or below the open
// batch's upper bound raise the high-water mark.
func (c *Coordinator) OnNewMessageInserted(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upper != noBatch && ts <= c.upper && ts > c.maxRecent {
		c.maxRecent = ts
	}
}

// IsBatchDirty reports whether an insert landed at or above lower while
// the batch was open, and closes the batch.
func (c *Coordinator) IsBatchDirty(lower int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	dirty := c.maxRecent != noBatch && c.maxRecent >= lower
	c.upper = noBatch
	c.maxRecent = noBatch
	return dirty
}

// Complete returns to idle and drops per-sync caches.
func (c *Coordinator) Complete() {
	c.mu.Lock()
	c.inProgress = idle
	c.upper = noBatch
	c.maxRecent = noBatch
	c.customizations = nil
	c.mu.Unlock()
	c.threads.Clear()
}

// Syncing reports whether a sync is running and since when.
func (c *Coordinator) Syncing() (bool, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress != idle, c.inProgress
}

// Threads returns the per-sync thread recipient cache.
func (c *Coordinator) Threads() *ThreadInfoCache { return c.threads }

// DelayUntilFullSync returns how long until a full sync is allowed at now.
func (c *Coordinator) DelayUntilFullSync(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastFullSync == 0 {
		return 0
	}
	next := time.UnixMilli(c.lastFullSync).Add(c.backoff)
	return max(next.Sub(now), 0)
}

// LastFullSync returns the completion timestamp of the last full sync, or 0.
func (c *Coordinator) LastFullSync() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFullSync
}

// RecordFullSync persists ts as the last full sync.
func (c *Coordinator) RecordFullSync(ctx context.Context, ts int64) error {
	if err := store.SetStateInt64(ctx, c.db, stateLastFullSync, ts); err != nil {
		return fmt.Errorf("record full sync: %w", err)
	}
	c.mu.Lock()
	c.lastFullSync = ts
	c.mu.Unlock()
	return nil
}

// SnapshotCustomizations captures the user settings of every thread so a
// conversation recreated during the sync keeps them.
func (c *Coordinator) SnapshotCustomizations(ctx context.Context) error {
	list, err := store.ListCustomizations(ctx, c.db)
	if err != nil {
		return err
	}
	snap := make(map[int64]store.Customization, len(list))
	for _, cu := range list {
		if cu.ThreadID > 0 {
			snap[cu.ThreadID] = cu
		}
	}
	c.mu.Lock()
	c.customizations = snap
	c.mu.Unlock()
	return nil
}

// Customization returns the snapshot entry for threadID.
func (c *Coordinator) Customization(threadID int64) (store.Customization, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cu, ok := c.customizations[threadID]
	return cu, ok
}

// ThreadInfoCache memoizes thread recipients for the duration of one sync.
type ThreadInfoCache struct {
	source telephony.ThreadRecipients

	mu      stdsync.Mutex
	entries map[int64][]string
}

// NewThreadInfoCache wraps source.
func NewThreadInfoCache(source telephony.ThreadRecipients) *ThreadInfoCache {
	return &ThreadInfoCache{source: source, entries: make(map[int64][]string)}
}

// RecipientsForThread implements telephony.ThreadRecipients.
func (t *ThreadInfoCache) RecipientsForThread(ctx context.Context, threadID int64) ([]string, error) {
	t.mu.Lock()
	r, ok := t.entries[threadID]
	t.mu.Unlock()
	if ok {
		return r, nil
	}
	if t.source == nil {
		return nil, nil
	}
	r, err := t.source.RecipientsForThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.entries[threadID] = r
	t.mu.Unlock()
	return r, nil
}

// Clear drops every entry.
func (t *ThreadInfoCache) Clear() {
	t.mu.Lock()
	clear(t.entries)
	t.mu.Unlock()
}
