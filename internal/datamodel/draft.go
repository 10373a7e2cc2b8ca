package datamodel

import (
	"context"
	"time"

	"github.com/matheus3301/bugle/internal/bus"
	"github.com/matheus3301/bugle/internal/store"
	"go.uber.org/zap"
)

// DraftMode selects what UpdateDraft does with the supplied message.
type DraftMode int

const (
	// DraftClear removes any stored draft.
	DraftClear DraftMode = 1
	// DraftAdd replaces the stored draft with the supplied message.
	DraftAdd DraftMode = 2
)

// UpdateDraft replaces the draft of a conversation. Attachments of the old
// draft that the new one no longer references are removed after commit.
// It returns the id of the stored draft, or 0 when none remains.
func (o *Operations) UpdateDraft(ctx context.Context, conversationID int64, draft *store.Message, mode DraftMode) (int64, error) {
	var (
		draftID int64
		orphans []string
	)
	err := o.inTx(ctx, "update draft", func(tx *store.Tx) error {
		conv, err := store.GetConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}

		existing, err := store.DraftAttachmentURIs(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		orphans = unreferenced(existing, draft)

		if _, err := store.DeleteDraft(ctx, tx, conversationID); err != nil {
			return err
		}

		if mode == DraftAdd && draft != nil && draft.HasContent() && conv != nil {
			prepareDraft(conversationID, draft)
			if draftID, err = store.InsertMessage(ctx, tx, draft); err != nil {
				return err
			}
		}
		if conv == nil {
			return nil
		}

		if err := o.updateDraftSummary(ctx, tx, conv, draft, draftID); err != nil {
			return err
		}
		if draft != nil && draft.SelfID > 0 && draft.SelfID != conv.CurrentSelfID {
			if err := store.SetConversationSelf(ctx, tx, conversationID, draft.SelfID); err != nil {
				return err
			}
		}
		o.notifyOnCommit(tx, bus.KindConversation(conversationID), bus.KindConversationMessages(conversationID),
			bus.KindConversationList)
		return nil
	})
	if err != nil {
		return 0, err
	}

	o.removeContent(ctx, orphans)
	return draftID, nil
}

func (o *Operations) updateDraftSummary(ctx context.Context, tx *store.Tx, conv *store.Conversation, draft *store.Message, draftID int64) error {
	latest, err := store.LatestMessage(ctx, tx, conv.ID)
	if err != nil {
		return err
	}
	var sortTs int64
	if latest != nil {
		sortTs = latest.ReceivedTimestamp
	}

	summary := store.DraftSummary{SortTimestamp: sortTs}
	if draftID > 0 {
		summary.Show = true
		summary.SnippetText = draft.Text()
		summary.SubjectText = draft.MMSSubject
		if p := previewPart(draft); p != nil {
			summary.PreviewURI = p.URI
			summary.PreviewContentType = p.ContentType
		}
		summary.SortTimestamp = max(sortTs, draft.ReceivedTimestamp)
	}
	return store.SetConversationDraft(ctx, tx, conv.ID, summary)
}

func (o *Operations) removeContent(ctx context.Context, uris []string) {
	if o.content == nil {
		return
	}
	for _, uri := range uris {
		if err := o.content.Remove(ctx, uri); err != nil {
			o.logger.Warn("failed to remove draft attachment", zap.String("uri", uri), zap.Error(err))
		}
	}
}

// ReadDraft returns the conversation's draft detached from its row ids so
// callers can edit and write it back. With no stored draft an empty SMS
// draft for selfID is returned.
func (o *Operations) ReadDraft(ctx context.Context, conversationID, selfID int64) (*store.Message, error) {
	draft, err := store.DraftMessage(ctx, o.db, conversationID)
	if err != nil {
		return nil, err
	}
	if draft == nil {
		return &store.Message{
			ConversationID: conversationID,
			SelfID:         selfID,
			Status:         store.StatusOutgoingDraft,
			Protocol:       store.ProtocolSMS,
		}, nil
	}
	draft.ID = 0
	for i := range draft.Parts {
		draft.Parts[i].ID = 0
		draft.Parts[i].MessageID = 0
	}
	return draft, nil
}

func prepareDraft(conversationID int64, draft *store.Message) {
	draft.ConversationID = conversationID
	draft.Status = store.StatusOutgoingDraft
	draft.Seen = true
	draft.Read = true
	if draft.ReceivedTimestamp == 0 {
		draft.ReceivedTimestamp = time.Now().UnixMilli()
	}
	if draft.SentTimestamp == 0 {
		draft.SentTimestamp = draft.ReceivedTimestamp
	}
	draft.Protocol = store.ProtocolSMS
	if draft.MMSSubject != "" || draft.FirstAttachment() != nil {
		draft.Protocol = store.ProtocolMMS
	}
}

// unreferenced returns the uris in existing that draft does not reference.
func unreferenced(existing []string, draft *store.Message) []string {
	keep := make(map[string]struct{})
	if draft != nil {
		for _, p := range draft.Parts {
			if p.Attachment() {
				keep[p.URI] = struct{}{}
			}
		}
	}
	var out []string
	for _, uri := range existing {
		if _, ok := keep[uri]; !ok {
			out = append(out, uri)
		}
	}
	return out
}
