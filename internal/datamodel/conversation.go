package datamodel

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/matheus3301/bugle/internal/bus"
	"github.com/matheus3301/bugle/internal/store"
	"go.uber.org/zap"
)

// maxGroupIconMembers bounds how many member avatars a group icon combines.
const maxGroupIconMembers = 4

// CreateOptions carries the user-visible settings of a new conversation.
// Notifications nil means defaults (enabled, vibrate, default sound).
type CreateOptions struct {
	Archived      bool
	Notifications *store.NotificationSettings
}

// GetOrCreateConversation returns the conversation mapped to threadID,
// creating it with the given participants when absent. The lookup and
// creation share tx.
func (o *Operations) GetOrCreateConversation(ctx context.Context, tx *store.Tx, threadID int64, participants []*store.Participant, opts CreateOptions) (int64, error) {
	if threadID > 0 {
		existing, err := store.FindConversationByThread(ctx, tx, threadID)
		if err != nil {
			return 0, fmt.Errorf("find conversation for thread %d: %w", threadID, err)
		}
		if existing != nil {
			return existing.ID, nil
		}
	}
	if len(participants) == 0 {
		participants = []*store.Participant{o.normalizer.FromDestination(store.UnknownSenderDestination)}
	}

	self, err := o.resolver.ResolveSelf(ctx, tx, store.DefaultSelfSubID)
	if err != nil {
		return 0, fmt.Errorf("resolve default self: %w", err)
	}

	supplied := make([]store.Participant, len(participants))
	for i, p := range participants {
		supplied[i] = *p
	}
	ident := identityFor(supplied)

	conv := &store.Conversation{
		ThreadID:                              threadID,
		Name:                                  ident.Name,
		Icon:                                  ident.Icon,
		Archived:                              opts.Archived,
		ParticipantContactID:                  ident.ParticipantContactID,
		ParticipantLookupKey:                  ident.ParticipantLookupKey,
		OtherParticipantNormalizedDestination: ident.OtherParticipantNormalizedDestination,
		CurrentSelfID:                         self.ID,
		ParticipantCount:                      ident.ParticipantCount,
		NotificationEnabled:                   true,
		NotificationVibration:                 true,
		IncludeEmailAddress:                   includesEmail(supplied),
	}
	if n := opts.Notifications; n != nil {
		conv.NotificationEnabled = n.Enabled
		conv.NotificationSoundURI = n.SoundURI
		conv.NotificationVibration = n.Vibration
	}

	id, err := store.InsertConversation(ctx, tx, conv)
	if err != nil {
		return 0, err
	}

	for _, p := range participants {
		pid, err := o.resolver.Resolve(ctx, tx, p)
		if err != nil {
			return 0, fmt.Errorf("resolve participant: %w", err)
		}
		if err := store.LinkParticipant(ctx, tx, id, pid); err != nil {
			return 0, err
		}
	}

	// Stored participants may predate this call and carry richer contact
	// data than the caller supplied, so name and icon are derived again.
	resolved, err := store.ConversationParticipants(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if err := store.SetConversationIdentity(ctx, tx, id, identityFor(resolved)); err != nil {
		return 0, fmt.Errorf("update conversation identity: %w", err)
	}

	o.notifyOnCommit(tx, bus.KindConversationList, bus.KindConversation(id),
		bus.KindConversationParticipants(id), bus.KindParticipants)
	o.logger.Debug("conversation created",
		zap.Int64("conversation_id", id), zap.Int64("thread_id", threadID), zap.Int("participants", len(participants)))
	return id, nil
}

// GetOrCreateConversationForThread resolves the thread's recipients through
// the provider and returns the matching conversation. Threads with no
// known recipients map to a single unknown sender.
func (o *Operations) GetOrCreateConversationForThread(ctx context.Context, threadID int64, opts CreateOptions) (int64, error) {
	participants := o.ThreadParticipants(ctx, threadID)
	var id int64
	err := o.inTx(ctx, "get or create conversation", func(tx *store.Tx) error {
		var err error
		id, err = o.GetOrCreateConversation(ctx, tx, threadID, participants, opts)
		return err
	})
	return id, err
}

// ThreadParticipants returns unresolved participants for a provider
// thread's recipients, or the unknown sender when none are known.
func (o *Operations) ThreadParticipants(ctx context.Context, threadID int64) []*store.Participant {
	var dests []string
	if o.recipients != nil {
		var err error
		dests, err = o.recipients.RecipientsForThread(ctx, threadID)
		if err != nil {
			o.logger.Warn("thread recipients lookup failed", zap.Int64("thread_id", threadID), zap.Error(err))
			dests = nil
		}
	}
	if len(dests) == 0 {
		dests = []string{store.UnknownSenderDestination}
	}
	out := make([]*store.Participant, 0, len(dests))
	for _, d := range dests {
		out = append(out, o.normalizer.FromDestination(d))
	}
	return out
}

// RefreshConversationMetadata recomputes the latest-message summary of a
// conversation from its newest non-draft message. The conversation is
// unarchived unless keepArchived is set or the sender is blocked. With
// autoSwitchSelf an incoming message on a different active subscription
// moves the conversation onto that subscription.
func (o *Operations) RefreshConversationMetadata(ctx context.Context, tx *store.Tx, conversationID int64, keepArchived, autoSwitchSelf bool) error {
	latest, err := store.LatestMessage(ctx, tx, conversationID)
	if err != nil {
		return fmt.Errorf("latest message: %w", err)
	}
	if latest == nil {
		return nil
	}

	if latest.SenderID > 0 {
		sender, err := store.GetParticipant(ctx, tx, latest.SenderID)
		if err != nil {
			return err
		}
		if sender != nil && sender.Blocked {
			keepArchived = true
		}
	}

	l := store.Latest{
		MessageID:     latest.ID,
		SortTimestamp: latest.ReceivedTimestamp,
		SnippetText:   latest.Text(),
		SubjectText:   latest.MMSSubject,
		Unarchive:     !keepArchived,
	}
	if p := previewPart(latest); p != nil {
		l.PreviewURI = p.URI
		l.PreviewContentType = p.ContentType
	}
	if err := store.SetConversationLatest(ctx, tx, conversationID, l); err != nil {
		return fmt.Errorf("update conversation %d metadata: %w", conversationID, err)
	}

	if autoSwitchSelf {
		if err := o.maybeSwitchSelf(ctx, tx, conversationID, latest); err != nil {
			return err
		}
	}
	o.notifyOnCommit(tx, conversationChanged(conversationID)...)
	return nil
}

func (o *Operations) maybeSwitchSelf(ctx context.Context, tx *store.Tx, conversationID int64, latest *store.Message) error {
	if !latest.Status.Incoming() || latest.SelfID <= 0 {
		return nil
	}
	conv, err := store.GetConversation(ctx, tx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil || conv.CurrentSelfID <= 0 {
		return nil
	}

	candidate, err := store.GetParticipant(ctx, tx, latest.SelfID)
	if err != nil {
		return err
	}
	if candidate == nil || !candidate.ActiveSubscription() || candidate.DefaultSelf() {
		return nil
	}

	current, err := store.GetParticipant(ctx, tx, conv.CurrentSelfID)
	if err != nil {
		return err
	}
	effectiveSub := store.DefaultSelfSubID
	if current != nil {
		effectiveSub = current.SubID
	}
	if effectiveSub == candidate.SubID {
		return nil
	}

	if err := store.SetConversationSelf(ctx, tx, conversationID, candidate.ID); err != nil {
		return fmt.Errorf("switch conversation self: %w", err)
	}
	o.logger.Info("conversation switched subscription",
		zap.Int64("conversation_id", conversationID), zap.Int("sub_id", candidate.SubID))
	return nil
}

// ArchiveConversation sets the archive status of a conversation.
func (o *Operations) ArchiveConversation(ctx context.Context, conversationID int64, archived bool) error {
	return o.inTx(ctx, "archive conversation", func(tx *store.Tx) error {
		if err := store.SetConversationArchived(ctx, tx, conversationID, archived); err != nil {
			return err
		}
		o.notifyOnCommit(tx, conversationChanged(conversationID)...)
		return nil
	})
}

// SetNotificationSettings stores per-conversation notification preferences.
func (o *Operations) SetNotificationSettings(ctx context.Context, conversationID int64, s store.NotificationSettings) error {
	return o.inTx(ctx, "set notification settings", func(tx *store.Tx) error {
		if err := store.SetConversationNotifications(ctx, tx, conversationID, s); err != nil {
			return err
		}
		o.notifyOnCommit(tx, bus.KindConversation(conversationID))
		return nil
	})
}

// UpdateDestinationBlocked blocks or unblocks a destination. Blocking also
// archives every conversation that includes it. The participant cache is
// cleared because blocked state lives on cached rows.
func (o *Operations) UpdateDestinationBlocked(ctx context.Context, destination string, blocked bool) error {
	normalized := o.normalizer.Normalize(destination)
	return o.inTx(ctx, "update destination blocked", func(tx *store.Tx) error {
		if _, err := store.SetDestinationBlocked(ctx, tx, normalized, blocked); err != nil {
			return err
		}
		ids, err := store.ConversationIDsWithDestination(ctx, tx, normalized)
		if err != nil {
			return err
		}
		if blocked {
			for _, id := range ids {
				if err := store.SetConversationArchived(ctx, tx, id, true); err != nil {
					return err
				}
			}
		}
		kinds := []string{bus.KindParticipants, bus.KindConversationList}
		for _, id := range ids {
			kinds = append(kinds, bus.KindConversation(id), bus.KindConversationParticipants(id))
		}
		o.notifyOnCommit(tx, kinds...)
		tx.OnCommit(o.resolver.ClearCache)
		return nil
	})
}

// ListConversations returns visible conversations, newest first.
func (o *Operations) ListConversations(ctx context.Context, archived bool, limit int) ([]store.Conversation, error) {
	return store.ListConversations(ctx, o.db, archived, limit)
}

// identityFor derives a conversation's name, icon and participant summary
// from its non-self participants.
func identityFor(participants []store.Participant) store.Identity {
	ident := store.Identity{
		ParticipantContactID: store.ContactNotFound,
		ParticipantCount:     len(participants),
	}
	oneOnOne := len(participants) == 1

	names := make([]string, 0, len(participants))
	for i := range participants {
		if n := participants[i].DisplayName(oneOnOne); n != "" {
			names = append(names, n)
		}
	}
	ident.Name = strings.Join(names, ", ")

	switch {
	case oneOnOne:
		p := &participants[0]
		ident.Icon = p.AvatarURI()
		ident.ParticipantContactID = p.ContactID
		ident.ParticipantLookupKey = p.LookupKey
		ident.OtherParticipantNormalizedDestination = p.NormalizedDestination
	case len(participants) > 1:
		ident.Icon = groupIcon(participants)
	}
	return ident
}

func groupIcon(participants []store.Participant) string {
	v := url.Values{}
	for i := range participants {
		if i == maxGroupIconMembers {
			break
		}
		v.Add("m", participants[i].AvatarURI())
	}
	return "avatar:group?" + v.Encode()
}

func includesEmail(participants []store.Participant) bool {
	for i := range participants {
		if strings.Contains(participants[i].NormalizedDestination, "@") {
			return true
		}
	}
	return false
}

// previewPart returns the first attachment that can back a list preview.
func previewPart(m *store.Message) *store.Part {
	for i := range m.Parts {
		if p := &m.Parts[i]; p.Attachment() && p.Previewable() {
			return p
		}
	}
	return nil
}
