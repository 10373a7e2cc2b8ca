package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/bugle/internal/bus"
	"github.com/matheus3301/bugle/internal/datamodel"
	"github.com/matheus3301/bugle/internal/store"
	"github.com/matheus3301/bugle/internal/telephony"
	"go.uber.org/zap"
)

// ErrTooManyRetries aborts a sync whose batch stayed dirty.
var ErrTooManyRetries = errors.New("sync batch stayed dirty")

// Notifier refreshes user notifications after new messages are stored.
type Notifier interface {
	Refresh(ctx context.Context) error
}

// Options tunes the engine.
type Options struct {
	BatchSize       int
	MaxBatchRetries int
	// Interval between scheduled syncs. Zero disables the scheduler.
	Interval time.Duration
}

// Result summarizes one sync run.
type Result struct {
	Started  bool
	Full     bool
	Batches  int
	Redone   int
	Inserted int
}

// Engine ingests provider messages into the store. Live traffic arrives
// through Ingest, which the control API calls, or as "telephony." bus
// events published by a device bridge running in the same process. The
// engine also walks the provider history periodically to catch anything
// it missed.
type Engine struct {
	ops        *datamodel.Operations
	coord      *Coordinator
	provider   telephony.Provider
	recipients telephony.ThreadRecipients
	notifier   Notifier
	bus        *bus.Bus
	logger     *zap.Logger
	opts       Options
	now        func() time.Time
	cancel     context.CancelFunc
}

// NewEngine creates a new sync engine. notifier may be nil.
func NewEngine(ops *datamodel.Operations, coord *Coordinator, provider telephony.Provider, recipients telephony.ThreadRecipients,
	notifier Notifier, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.MaxBatchRetries <= 0 {
		opts.MaxBatchRetries = 3
	}
	return &Engine{
		ops:        ops,
		coord:      coord,
		provider:   provider,
		recipients: recipients,
		notifier:   notifier,
		bus:        b,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// Coordinator returns the engine's coordinator.
func (e *Engine) Coordinator() *Coordinator { return e.coord }

// Start subscribes to inbound telephony events from an in-process bridge
// and starts the scheduler.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe(bus.TelephonyNamespace, 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()

	if e.opts.Interval > 0 {
		go e.loop(ctx)
	}
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			full := e.coord.DelayUntilFullSync(e.now()) == 0
			if _, err := e.Sync(ctx, full); err != nil && ctx.Err() == nil {
				e.logger.Error("scheduled sync failed", zap.Bool("full", full), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	if evt.Kind != bus.KindInboundMessage {
		return
	}
	pm, ok := evt.Payload.(*telephony.ProviderMessage)
	if !ok {
		return
	}
	if _, err := e.Ingest(ctx, pm); err != nil {
		e.logger.Error("failed to ingest message", zap.Error(err), zap.String("uri", pm.URI))
	}
}

// Ingest stores one live message. It returns 0 when the message is
// already present.
func (e *Engine) Ingest(ctx context.Context, pm *telephony.ProviderMessage) (int64, error) {
	var id int64
	err := e.ops.InTx(ctx, "ingest message", func(tx *store.Tx) error {
		var err error
		id, err = e.ingestInTx(ctx, tx, pm, e.recipients, true)
		return err
	})
	if err != nil {
		return 0, err
	}
	if id > 0 {
		e.logger.Debug("message ingested", zap.Int64("message_id", id), zap.Int64("thread_id", pm.ThreadID))
		e.updateNotifications(ctx)
	}
	return id, nil
}

// Sync walks the provider history newest to oldest in batches. A full sync
// starts from the beginning of time; an incremental one from the upper
// bound of the last successful run. It returns a zero Result when the
// coordinator refuses to start.
func (e *Engine) Sync(ctx context.Context, full bool) (Result, error) {
	start := e.now().UnixMilli()
	if !e.coord.ShouldSync(full, start) {
		return Result{}, nil
	}
	defer e.coord.Complete()

	res := Result{Started: true, Full: full}
	e.bus.Publish(bus.Event{Kind: bus.KindSyncStarted, Payload: full})
	if err := e.run(ctx, full, start, &res); err != nil {
		e.bus.Publish(bus.Event{Kind: bus.KindSyncCompleted, Payload: err})
		return res, err
	}

	e.logger.Info("sync completed",
		zap.Bool("full", full), zap.Int("batches", res.Batches), zap.Int("redone", res.Redone), zap.Int("inserted", res.Inserted))
	if res.Inserted > 0 {
		e.updateNotifications(ctx)
	}
	e.bus.Publish(bus.Event{Kind: bus.KindSyncCompleted, Payload: res})
	return res, nil
}

func (e *Engine) run(ctx context.Context, full bool, start int64, res *Result) error {
	db := e.ops.DB()
	var lower int64
	if full {
		if err := e.coord.SnapshotCustomizations(ctx); err != nil {
			e.logger.Warn("customization snapshot failed", zap.Error(err))
		}
	} else {
		var err error
		if lower, err = store.GetStateInt64(ctx, db, stateLastUpper, 0); err != nil {
			return fmt.Errorf("read sync checkpoint: %w", err)
		}
	}

	if err := e.walk(ctx, lower, start, res); err != nil {
		return err
	}

	if err := store.SetStateInt64(ctx, db, stateLastUpper, start); err != nil {
		return fmt.Errorf("write sync checkpoint: %w", err)
	}
	if full {
		return e.coord.RecordFullSync(ctx, start)
	}
	return nil
}

func (e *Engine) walk(ctx context.Context, lower, upper int64, res *Result) error {
	page := telephony.Page{Lower: lower, Upper: upper, Limit: e.opts.BatchSize}
	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.coord.StartSyncBatch(page.Upper); err != nil {
			return err
		}
		msgs, err := e.provider.Messages(ctx, page)
		if err != nil {
			e.coord.IsBatchDirty(lower)
			return fmt.Errorf("read provider messages: %w", err)
		}

		full := len(msgs) == page.Limit
		batchLower := lower
		if full {
			batchLower = msgs[len(msgs)-1].ReceivedTimestamp
		}
		if e.coord.IsBatchDirty(batchLower) {
			res.Redone++
			retries++
			e.logger.Info("sync batch dirty, rereading", zap.Int64("lower", batchLower), zap.Int64("upper", page.Upper))
			if retries > e.opts.MaxBatchRetries {
				return fmt.Errorf("%w: [%d, %d]", ErrTooManyRetries, batchLower, page.Upper)
			}
			continue
		}
		retries = 0

		n, err := e.ingestBatch(ctx, msgs)
		if err != nil {
			return err
		}
		res.Batches++
		res.Inserted += n
		e.bus.Publish(bus.Event{Kind: bus.KindSyncBatch, Payload: n})

		if !full {
			return nil
		}
		// The next page resumes after the last message read, inside its
		// timestamp when more messages share it.
		last := msgs[len(msgs)-1]
		page.Upper = last.ReceivedTimestamp
		page.Before = &telephony.Cursor{ReceivedTimestamp: last.ReceivedTimestamp, URI: last.URI}
	}
}

func (e *Engine) ingestBatch(ctx context.Context, msgs []telephony.ProviderMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	var inserted int
	err := e.ops.InTx(ctx, "sync batch", func(tx *store.Tx) error {
		inserted = 0
		for i := range msgs {
			id, err := e.ingestInTx(ctx, tx, &msgs[i], e.coord.Threads(), false)
			if err != nil {
				return err
			}
			if id > 0 {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

// ingestInTx maps pm onto a conversation and stores it. Live messages may
// unarchive the conversation and switch its subscription; synced history
// does neither.
func (e *Engine) ingestInTx(ctx context.Context, tx *store.Tx, pm *telephony.ProviderMessage, recipients telephony.ThreadRecipients, live bool) (int64, error) {
	if pm.URI != "" {
		existing, err := store.MessageIDByURI(ctx, tx, pm.URI)
		if err != nil {
			return 0, err
		}
		if existing > 0 {
			return 0, nil
		}
	}

	convID, err := e.ops.GetOrCreateConversation(ctx, tx, pm.ThreadID, e.participants(ctx, pm, recipients), e.createOptions(pm.ThreadID))
	if err != nil {
		return 0, err
	}

	subID := pm.SubID
	if subID <= 0 {
		subID = store.DefaultSelfSubID
	}
	self, err := e.ops.ResolveSelf(ctx, tx, subID)
	if err != nil {
		return 0, err
	}

	status := pm.Status
	if status == store.StatusUnknown {
		status = store.StatusIncomingComplete
	}
	senderID := self.ID
	if status.Incoming() {
		sender := pm.Sender
		if sender == "" {
			sender = store.UnknownSenderDestination
		}
		if senderID, err = e.ops.ResolveDestination(ctx, tx, sender); err != nil {
			return 0, err
		}
	}

	m := &store.Message{
		ConversationID:    convID,
		SenderID:          senderID,
		SelfID:            self.ID,
		SentTimestamp:     pm.SentTimestamp,
		ReceivedTimestamp: pm.ReceivedTimestamp,
		Protocol:          pm.Protocol,
		Status:            status,
		Seen:              pm.Seen,
		Read:              pm.Read,
		SMSMessageURI:     pm.URI,
		MMSSubject:        pm.Subject,
	}
	for _, p := range pm.Parts {
		m.Parts = append(m.Parts, store.Part{
			Text:        p.Text,
			URI:         p.URI,
			ContentType: p.ContentType,
			Width:       p.Width,
			Height:      p.Height,
		})
	}

	id, err := e.ops.InsertMessageInTx(ctx, tx, m)
	if err != nil {
		return 0, err
	}
	if err := e.ops.RefreshConversationMetadata(ctx, tx, convID, !live, live); err != nil {
		return 0, err
	}
	return id, nil
}

func (e *Engine) participants(ctx context.Context, pm *telephony.ProviderMessage, recipients telephony.ThreadRecipients) []*store.Participant {
	var dests []string
	if recipients != nil && pm.ThreadID > 0 {
		var err error
		if dests, err = recipients.RecipientsForThread(ctx, pm.ThreadID); err != nil {
			e.logger.Warn("thread recipients lookup failed", zap.Int64("thread_id", pm.ThreadID), zap.Error(err))
		}
	}
	if len(dests) == 0 && pm.Sender != "" {
		dests = []string{pm.Sender}
	}
	out := make([]*store.Participant, 0, len(dests))
	for _, d := range dests {
		out = append(out, e.ops.Normalizer().FromDestination(d))
	}
	return out
}

func (e *Engine) createOptions(threadID int64) datamodel.CreateOptions {
	cu, ok := e.coord.Customization(threadID)
	if !ok {
		return datamodel.CreateOptions{}
	}
	n := cu.Notifications
	return datamodel.CreateOptions{Archived: cu.Archived, Notifications: &n}
}

func (e *Engine) updateNotifications(ctx context.Context) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Refresh(ctx); err != nil {
		e.logger.Warn("notification update failed", zap.Error(err))
	}
}
