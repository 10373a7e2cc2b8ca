// Package notify turns unseen messages into user notifications: it folds
// the unseen-message query into per-conversation state, renders it and
// posts it, rate limiting audible alerts per conversation.
package notify

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/bugle/internal/bus"
	"github.com/matheus3301/bugle/internal/store"
	"go.uber.org/zap"
)

const (
	stateLatestNotified = "notify.latest_message_timestamp"
	stateGroupChildren  = "notify.group_children"
)

// Coverage selects which notification kinds an update refreshes.
type Coverage int

const (
	CoverageMessages Coverage = 1 << iota
	CoverageErrors

	CoverageAll = CoverageMessages | CoverageErrors
)

// Poster delivers rendered notifications to the user.
type Poster interface {
	Post(ctx context.Context, d *Descriptor) error
	Cancel(ctx context.Context, tag string, typ Type) error
}

// ImageLoader fetches avatar and attachment images.
type ImageLoader interface {
	Load(ctx context.Context, uri string) ([]byte, error)
}

// Config holds notification settings.
type Config struct {
	Enabled                  bool
	Package                  string
	Locale                   string
	MaxMessages              int
	MaxMessagesWithCompanion int
	CompanionPaired          bool
	TimeBetweenDings         time.Duration
	AvatarTimeout            time.Duration
}

// Engine builds and posts notifications from the store.
type Engine struct {
	db     *store.DB
	poster Poster
	images ImageLoader
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config
	loc    Locale
	now    func() time.Time

	updateMu sync.Mutex

	mu      sync.Mutex
	pending map[*stateBase]struct{}
	dings   map[int64]time.Time
	focused int64
}

// NewEngine returns an engine posting through poster. images may be nil.
func NewEngine(db *store.DB, poster Poster, images ImageLoader, b *bus.Bus, logger *zap.Logger, cfg Config) *Engine {
	return &Engine{
		db:      db,
		poster:  poster,
		images:  images,
		bus:     b,
		logger:  logger,
		cfg:     cfg,
		loc:     NewLocale(cfg.Locale),
		now:     time.Now,
		pending: make(map[*stateBase]struct{}),
		dings:   make(map[int64]time.Time),
	}
}

func (e *Engine) maxMessages() int {
	if e.cfg.CompanionPaired {
		return e.cfg.MaxMessagesWithCompanion
	}
	return e.cfg.MaxMessages
}

// Refresh updates every notification kind audibly.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.Update(ctx, 0, false, CoverageAll)
}

// Update rebuilds the notifications selected by coverage. conversationID
// names the conversation that received a message, or 0. silent suppresses
// sound and vibration.
func (e *Engine) Update(ctx context.Context, conversationID int64, silent bool, coverage Coverage) error {
	e.updateMu.Lock()
	defer e.updateMu.Unlock()

	if !e.cfg.Enabled {
		e.logger.Debug("notifications disabled")
		return e.cancel(ctx, TypeMessage, 0, false)
	}
	if coverage&CoverageMessages != 0 {
		if err := e.updateMessages(ctx, conversationID, silent); err != nil {
			return fmt.Errorf("update message notifications: %w", err)
		}
	}
	if coverage&CoverageErrors != 0 {
		if err := e.updateErrors(ctx); err != nil {
			return fmt.Errorf("update error notifications: %w", err)
		}
	}
	return nil
}

// SetFocusedConversation records the conversation the user is looking at.
// New messages there are not posted. Zero clears the focus.
func (e *Engine) SetFocusedConversation(id int64) {
	e.mu.Lock()
	e.focused = id
	e.mu.Unlock()
}

func (e *Engine) isFocused(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return id > 0 && id == e.focused
}

func (e *Engine) updateMessages(ctx context.Context, conversationID int64, silent bool) error {
	list, err := BuildInfoList(ctx, e.db, e.maxMessages(), e.loc.Printer())
	if err != nil {
		return err
	}
	state := BuildState(list, e.loc)
	if state == nil {
		return e.cancel(ctx, TypeMessage, 0, false)
	}
	if e.isFocused(conversationID) {
		e.logger.Debug("conversation in focus, not posting", zap.Int64("conversation_id", conversationID))
		return nil
	}

	if err := e.processAndSend(ctx, state, silent); err != nil {
		return err
	}

	old, err := e.groupChildren(ctx)
	if err != nil {
		return err
	}
	if len(old) > 0 {
		if err := e.cancelStaleGroupChildren(ctx, old, state); err != nil {
			return err
		}
	}

	var children []int64
	if m, ok := state.(*MultiConversation); ok {
		for _, child := range m.Children {
			if err := e.processAndSend(ctx, child, true); err != nil {
				return err
			}
			children = append(children, child.conversationIDs[0])
		}
	}
	return e.writeGroupChildren(ctx, children)
}

func (e *Engine) processAndSend(ctx context.Context, s State, silent bool) error {
	b := s.common()
	d := Render(s, e.loc)
	_, bundled := s.(*BundledChild)
	var convID int64
	if len(b.conversationIDs) == 1 {
		convID = b.conversationIDs[0]
	}
	d.Tag = e.tag(b.typ, convID, bundled)

	if !silent {
		if err := e.applyDing(ctx, b, d); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.pending[b] = struct{}{}
	e.mu.Unlock()

	if single, ok := s.(*SingleConversation); ok && single.AvatarURI != "" {
		d.Avatar = e.loadImage(ctx, single.AvatarURI)
	}
	if d.Style == StyleBigPicture {
		d.AttachmentImage = e.loadImage(ctx, d.AttachmentURI)
	}

	e.mu.Lock()
	if b.canceled {
		e.mu.Unlock()
		e.logger.Debug("notification canceled before posting", zap.Stringer("state_id", b.id))
		return nil
	}
	delete(e.pending, b)
	b.canceled = true
	e.mu.Unlock()

	if err := e.poster.Post(ctx, d); err != nil {
		return fmt.Errorf("post %s: %w", d.Tag, err)
	}
	e.logger.Info("notification posted",
		zap.String("tag", d.Tag), zap.Stringer("type", d.Type), zap.Int64s("conversations", d.ConversationIDs), zap.Bool("audible", d.Audible))
	e.bus.Publish(bus.Event{Kind: bus.KindNotificationPosted, Payload: d})
	return nil
}

// applyDing makes d audible when it carries a message newer than anything
// notified before and its conversation has not dinged recently.
func (e *Engine) applyDing(ctx context.Context, b *stateBase, d *Descriptor) error {
	latest, err := store.GetStateInt64(ctx, e.db, stateLatestNotified, math.MinInt64)
	if err != nil {
		return err
	}
	if err := store.SetStateInt64(ctx, e.db, stateLatestNotified, max(latest, b.latestReceived)); err != nil {
		return err
	}
	if b.latestReceived <= latest {
		return nil
	}

	convID := b.conversationIDs[0]
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.dings[convID]; ok && now.Sub(last) <= e.cfg.TimeBetweenDings {
		return nil
	}
	e.dings[convID] = now
	d.Audible = true
	d.Sound = b.soundURI
	d.Vibrate = b.vibrate
	return nil
}

// ResetLastDing forgets when a conversation last dinged. Zero resets all.
func (e *Engine) ResetLastDing(conversationID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if conversationID == 0 {
		clear(e.dings)
		return
	}
	delete(e.dings, conversationID)
}

func (e *Engine) loadImage(ctx context.Context, uri string) []byte {
	if e.images == nil || uri == "" {
		return nil
	}
	if e.cfg.AvatarTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.AvatarTimeout)
		defer cancel()
	}
	img, err := e.images.Load(ctx, uri)
	if err != nil {
		e.logger.Debug("image load failed", zap.String("uri", uri), zap.Error(err))
		return nil
	}
	return img
}

// Cancel withdraws every notification of typ.
func (e *Engine) Cancel(ctx context.Context, typ Type) error {
	return e.cancel(ctx, typ, 0, false)
}

func (e *Engine) cancel(ctx context.Context, typ Type, conversationID int64, bundled bool) error {
	tag := e.tag(typ, conversationID, bundled)

	e.mu.Lock()
	for b := range e.pending {
		if b.typ == typ {
			b.canceled = true
			delete(e.pending, b)
		}
	}
	e.mu.Unlock()

	if err := e.poster.Cancel(ctx, tag, typ); err != nil {
		return fmt.Errorf("cancel %s: %w", tag, err)
	}
	e.logger.Debug("notification canceled", zap.String("tag", tag))
	e.bus.Publish(bus.Event{Kind: bus.KindNotificationCanceled, Payload: tag})

	if typ != TypeMessage {
		return nil
	}
	children, err := e.groupChildren(ctx)
	if err != nil || len(children) == 0 {
		return err
	}
	if conversationID != 0 {
		remaining := children[:0]
		for _, id := range children {
			if id != conversationID {
				remaining = append(remaining, id)
			}
		}
		return e.writeGroupChildren(ctx, remaining)
	}
	return e.cancelStaleGroupChildren(ctx, children, nil)
}

// cancelStaleGroupChildren cancels every previous child that next does
// not carry. A next that is not a group cancels them all.
func (e *Engine) cancelStaleGroupChildren(ctx context.Context, previous []int64, next State) error {
	keep := make(map[int64]bool)
	if m, ok := next.(*MultiConversation); ok {
		for _, c := range m.Children {
			keep[c.conversationIDs[0]] = true
		}
	}
	for _, id := range previous {
		if keep[id] {
			continue
		}
		if err := e.cancel(ctx, TypeMessage, id, true); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) groupChildren(ctx context.Context) ([]int64, error) {
	v, ok, err := store.GetState(ctx, e.db, stateGroupChildren)
	if err != nil || !ok || v == "" {
		return nil, err
	}
	var ids []int64
	for _, f := range strings.Split(v, ",") {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("group children %q: %w", v, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Engine) writeGroupChildren(ctx context.Context, ids []int64) error {
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = strconv.FormatInt(id, 10)
	}
	return store.SetState(ctx, e.db, stateGroupChildren, strings.Join(fields, ","))
}

func (e *Engine) tag(typ Type, conversationID int64, bundled bool) string {
	switch typ {
	case TypeError:
		return e.cfg.Package + ":error:"
	case TypeMessage:
		if bundled && conversationID > 0 {
			return e.cfg.Package + ":sms:" + strconv.FormatInt(conversationID, 10)
		}
	}
	return e.cfg.Package + ":sms:"
}

// updateErrors posts one notification summarizing failed sends and
// downloads, or cancels it when none remain. The oldest failure decides
// whether the title speaks of sends or downloads.
func (e *Engine) updateErrors(ctx context.Context) error {
	failed, err := store.UnseenFailed(ctx, e.db)
	if err != nil {
		return err
	}
	var (
		msgs  []store.Message
		convs []int64
		seen  = make(map[int64]bool)
		when  int64
	)
	for _, m := range failed {
		if e.isFocused(m.ConversationID) {
			continue
		}
		msgs = append(msgs, m)
		when = max(when, m.ReceivedTimestamp)
		if !seen[m.ConversationID] {
			seen[m.ConversationID] = true
			convs = append(convs, m.ConversationID)
		}
	}
	if len(msgs) == 0 {
		return e.cancel(ctx, TypeError, 0, false)
	}

	p := e.loc.Printer()
	d := &Descriptor{
		StateID:         uuid.NewString(),
		Type:            TypeError,
		Tag:             e.tag(TypeError, 0, false),
		ConversationIDs: convs,
		When:            when,
		Audible:         true,
	}
	download := msgs[len(msgs)-1].Status == store.StatusIncomingDownloadFailed
	switch {
	case len(msgs) == 1 && download:
		d.Title = p.Sprintf(keyDownloadFailed)
		d.Content = msgs[0].Text()
	case len(msgs) == 1:
		d.Title = p.Sprintf(keySendFailed)
		d.Content = msgs[0].Text()
	case download:
		d.Title = p.Sprintf(keyDownloadFailedMany)
		d.Content = p.Sprintf(keyFailureCount, len(msgs), len(convs))
	default:
		d.Title = p.Sprintf(keySendFailedMany)
		d.Content = p.Sprintf(keyFailureCount, len(msgs), len(convs))
	}
	d.Ticker = d.Title

	if err := e.poster.Post(ctx, d); err != nil {
		return fmt.Errorf("post %s: %w", d.Tag, err)
	}
	e.logger.Warn("failed messages", zap.Int("messages", len(msgs)), zap.Int("conversations", len(convs)))
	e.bus.Publish(bus.Event{Kind: bus.KindNotificationPosted, Payload: d})
	return nil
}
