package datamodel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/bugle/internal/bus"
	"github.com/matheus3301/bugle/internal/store"
	"go.uber.org/zap"
)

// ErrDraftStatus rejects draft messages on the regular insert and update
// paths; drafts go through UpdateDraft.
var ErrDraftStatus = errors.New("draft messages must be written with UpdateDraft")

// InsertMessageInTx stores a new message and its parts inside tx.
func (o *Operations) InsertMessageInTx(ctx context.Context, tx *store.Tx, m *store.Message) (int64, error) {
	if m.Draft() {
		return 0, ErrDraftStatus
	}
	if m.ConversationID <= 0 {
		return 0, fmt.Errorf("%w: message without conversation", store.ErrInvariant)
	}
	id, err := store.InsertMessage(ctx, tx, m)
	if err != nil {
		return 0, err
	}
	if o.observer != nil {
		o.observer.OnNewMessageInserted(m.ReceivedTimestamp)
	}
	o.notifyOnCommit(tx, messagesChanged(m.ConversationID)...)
	return id, nil
}

// InsertMessage stores a new message with its parts and refreshes the
// conversation summary in one transaction. Incoming messages may switch
// the conversation's subscription.
func (o *Operations) InsertMessage(ctx context.Context, m *store.Message) (int64, error) {
	var id int64
	err := o.inTx(ctx, "insert message", func(tx *store.Tx) error {
		var err error
		if id, err = o.InsertMessageInTx(ctx, tx, m); err != nil {
			return err
		}
		return o.RefreshConversationMetadata(ctx, tx, m.ConversationID, false, m.Status.Incoming())
	})
	return id, err
}

// UpdateMessage rewrites a stored message and replaces all of its parts.
func (o *Operations) UpdateMessage(ctx context.Context, m *store.Message) error {
	if m.Draft() {
		return ErrDraftStatus
	}
	return o.inTx(ctx, "update message", func(tx *store.Tx) error {
		if err := store.UpdateMessageRow(ctx, tx, m); err != nil {
			return fmt.Errorf("update message %d: %w", m.ID, err)
		}
		if err := store.DeleteParts(ctx, tx, m.ID); err != nil {
			return err
		}
		if err := store.InsertParts(ctx, tx, m); err != nil {
			return err
		}
		if err := o.RefreshConversationMetadata(ctx, tx, m.ConversationID, true, false); err != nil {
			return err
		}
		o.notifyOnCommit(tx, messagesChanged(m.ConversationID)...)
		return nil
	})
}

// DeleteMessage removes a message. A conversation left without non-draft
// messages is deleted with it; otherwise its summary is refreshed.
func (o *Operations) DeleteMessage(ctx context.Context, id int64) (int64, error) {
	var deleted int64
	err := o.inTx(ctx, "delete message", func(tx *store.Tx) error {
		m, err := store.GetMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		if m == nil {
			return nil
		}
		if deleted, err = store.DeleteMessageRow(ctx, tx, id); err != nil {
			return err
		}

		remaining, err := store.CountMessages(ctx, tx, m.ConversationID)
		if err != nil {
			return err
		}
		if remaining == 0 {
			if _, err := store.DeleteConversation(ctx, tx, m.ConversationID); err != nil {
				return err
			}
			o.logger.Info("deleted empty conversation", zap.Int64("conversation_id", m.ConversationID))
		} else if err := o.RefreshConversationMetadata(ctx, tx, m.ConversationID, false, false); err != nil {
			return err
		}
		o.notifyOnCommit(tx, messagesChanged(m.ConversationID)...)
		return nil
	})
	return deleted, err
}

// GetMessage returns a stored message, or nil.
func (o *Operations) GetMessage(ctx context.Context, id int64) (*store.Message, error) {
	return store.GetMessage(ctx, o.db, id)
}

// ListMessages pages through a conversation's messages, newest first.
func (o *Operations) ListMessages(ctx context.Context, conversationID, beforeTs int64, limit int) ([]store.Message, error) {
	return store.ListMessages(ctx, o.db, conversationID, beforeTs, limit)
}

// MessageExistsByURI reports whether a provider message is already stored.
func (o *Operations) MessageExistsByURI(ctx context.Context, uri string) (bool, error) {
	if uri == "" {
		return false, nil
	}
	id, err := store.MessageIDByURI(ctx, o.db, uri)
	return id > 0, err
}

// MarkConversationSeen clears the unseen flag of a conversation's messages.
func (o *Operations) MarkConversationSeen(ctx context.Context, conversationID int64) (int64, error) {
	var n int64
	err := o.inTx(ctx, "mark seen", func(tx *store.Tx) error {
		var err error
		if n, err = store.MarkSeen(ctx, tx, conversationID); err != nil {
			return err
		}
		if n > 0 {
			o.notifyOnCommit(tx, bus.KindConversationMessages(conversationID), bus.KindMessages)
		}
		return nil
	})
	return n, err
}

// MarkAllSeen clears the unseen flag everywhere.
func (o *Operations) MarkAllSeen(ctx context.Context) (int64, error) {
	var n int64
	err := o.inTx(ctx, "mark all seen", func(tx *store.Tx) error {
		var err error
		if n, err = store.MarkSeen(ctx, tx, 0); err != nil {
			return err
		}
		if n > 0 {
			o.notifyOnCommit(tx, bus.KindMessages, bus.KindAll)
		}
		return nil
	})
	return n, err
}

// MarkConversationRead marks every message of a conversation read and seen.
func (o *Operations) MarkConversationRead(ctx context.Context, conversationID int64) (int64, error) {
	var n int64
	err := o.inTx(ctx, "mark read", func(tx *store.Tx) error {
		var err error
		if n, err = store.MarkRead(ctx, tx, conversationID, time.Now().UnixMilli()); err != nil {
			return err
		}
		o.notifyOnCommit(tx, messagesChanged(conversationID)...)
		return nil
	})
	return n, err
}
