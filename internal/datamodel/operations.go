// Package datamodel implements the transactional operations over the
// message store: conversation creation, message and draft writes, and the
// denormalized conversation metadata that list views read.
package datamodel

import (
	"context"
	"fmt"

	"github.com/matheus3301/bugle/internal/bus"
	"github.com/matheus3301/bugle/internal/participant"
	"github.com/matheus3301/bugle/internal/store"
	"github.com/matheus3301/bugle/internal/telephony"
	"go.uber.org/zap"
)

// InsertObserver is told about every message insert while the inserting
// transaction is still open.
type InsertObserver interface {
	OnNewMessageInserted(receivedTimestamp int64)
}

// Operations is the single entry point for store mutations.
type Operations struct {
	db         *store.DB
	resolver   *participant.Resolver
	normalizer *participant.Normalizer
	recipients telephony.ThreadRecipients
	content    telephony.ContentRemover
	observer   InsertObserver
	bus        *bus.Bus
	logger     *zap.Logger
}

// Option configures optional collaborators of Operations.
type Option func(*Operations)

// WithThreadRecipients sets the provider thread lookup.
func WithThreadRecipients(r telephony.ThreadRecipients) Option {
	return func(o *Operations) { o.recipients = r }
}

// WithContentRemover sets the attachment content remover used for stale
// draft attachments.
func WithContentRemover(c telephony.ContentRemover) Option {
	return func(o *Operations) { o.content = c }
}

// WithInsertObserver sets the observer notified of message inserts.
func WithInsertObserver(obs InsertObserver) Option {
	return func(o *Operations) { o.observer = obs }
}

// New returns Operations over db.
func New(db *store.DB, resolver *participant.Resolver, normalizer *participant.Normalizer, b *bus.Bus, logger *zap.Logger, opts ...Option) *Operations {
	o := &Operations{
		db:         db,
		resolver:   resolver,
		normalizer: normalizer,
		bus:        b,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetInsertObserver replaces the insert observer. It must be called before
// the first write.
func (o *Operations) SetInsertObserver(obs InsertObserver) {
	o.observer = obs
}

// DB exposes the underlying store for read-only queries.
func (o *Operations) DB() *store.DB { return o.db }

// Normalizer returns the destination normalizer shared with the resolver.
func (o *Operations) Normalizer() *participant.Normalizer { return o.normalizer }

// InTx runs fn in a write transaction with the same failure reporting as
// the built-in operations. op names the operation in logs and errors.
func (o *Operations) InTx(ctx context.Context, op string, fn func(tx *store.Tx) error) error {
	return o.inTx(ctx, op, fn)
}

// ResolveDestination returns the participant row for a remote destination.
func (o *Operations) ResolveDestination(ctx context.Context, tx *store.Tx, destination string) (int64, error) {
	return o.resolver.Resolve(ctx, tx, o.normalizer.FromDestination(destination))
}

// ResolveSelf returns the self participant for subID.
func (o *Operations) ResolveSelf(ctx context.Context, tx *store.Tx, subID int) (*store.Participant, error) {
	return o.resolver.ResolveSelf(ctx, tx, subID)
}

// inTx runs fn in a transaction and reports transient storage failures on
// the bus before returning them.
func (o *Operations) inTx(ctx context.Context, op string, fn func(tx *store.Tx) error) error {
	err := o.db.InTx(ctx, fn)
	if err == nil {
		return nil
	}
	if store.IsTransient(err) {
		o.logger.Error("storage failure", zap.String("op", op), zap.Error(err))
		o.bus.Publish(bus.Event{Kind: bus.KindStoreFailure, Payload: op})
	}
	return fmt.Errorf("%s: %w", op, err)
}

// notifyOnCommit publishes change signals once tx commits.
func (o *Operations) notifyOnCommit(tx *store.Tx, kinds ...string) {
	tx.OnCommit(func() { o.bus.NotifyChanges(kinds...) })
}

func conversationChanged(id int64) []string {
	return []string{bus.KindConversation(id), bus.KindConversationList}
}

func messagesChanged(conversationID int64) []string {
	return []string{
		bus.KindConversationMessages(conversationID),
		bus.KindConversation(conversationID),
		bus.KindMessages,
		bus.KindConversationList,
	}
}
