package notify

import (
	"context"
	"fmt"

	"github.com/matheus3301/bugle/internal/store"
	"golang.org/x/text/message"
)

// MessageLineInfo is one message line of a conversation notification.
type MessageLineInfo struct {
	MessageID       int64
	AuthorFullName  string
	AuthorFirstName string
	Text            string
	AttachmentURI   string
	AttachmentType  string
	ManualDownload  bool
}

// ConversationLineInfo groups the unseen messages of one conversation,
// newest first.
type ConversationLineInfo struct {
	ConversationID    int64
	Group             bool
	Name              string
	IncludeEmail      bool
	ReceivedTimestamp int64
	SelfID            int64
	SoundURI          string
	Vibrate           bool
	AvatarURI         string
	ParticipantCount  int

	Lines []MessageLineInfo
	// TotalMessageCount counts every unseen message, including those
	// beyond the line cap.
	TotalMessageCount int
}

// Latest returns the newest line.
func (c *ConversationLineInfo) Latest() *MessageLineInfo {
	if len(c.Lines) == 0 {
		return nil
	}
	return &c.Lines[0]
}

// ConversationInfoList is the folded unseen-message query, most recently
// active conversation first.
type ConversationInfoList struct {
	MessageCount  int
	Conversations []*ConversationLineInfo
}

// BuildInfoList folds the unseen incoming messages into a
// ConversationInfoList holding at most maxMessages lines per conversation.
// It returns nil when nothing is unseen.
func BuildInfoList(ctx context.Context, q store.Querier, maxMessages int, p *message.Printer) (*ConversationInfoList, error) {
	msgs, err := store.UnseenIncoming(ctx, q)
	if err != nil {
		return nil, err
	}

	var (
		list       ConversationInfoList
		byID       = make(map[int64]*ConversationLineInfo)
		disabled   = make(map[int64]bool)
		firstNames map[string]int
		namesFor   int64
	)
	for i := range msgs {
		m := &msgs[i]
		if disabled[m.ConversationID] {
			continue
		}
		info := byID[m.ConversationID]
		if info == nil {
			conv, err := store.GetConversation(ctx, q, m.ConversationID)
			if err != nil {
				return nil, err
			}
			if conv == nil || !conv.NotificationEnabled {
				disabled[m.ConversationID] = true
				continue
			}
			sender, err := senderOf(ctx, q, m)
			if err != nil {
				return nil, err
			}
			info = &ConversationLineInfo{
				ConversationID:    conv.ID,
				Group:             conv.Group(),
				Name:              conv.Name,
				IncludeEmail:      conv.IncludeEmailAddress,
				ReceivedTimestamp: m.ReceivedTimestamp,
				SelfID:            conv.CurrentSelfID,
				SoundURI:          conv.NotificationSoundURI,
				Vibrate:           conv.NotificationVibration,
				ParticipantCount:  conv.ParticipantCount,
			}
			if sender != nil {
				info.AvatarURI = sender.AvatarURI()
			}
			byID[m.ConversationID] = info
			list.Conversations = append(list.Conversations, info)
		}

		if len(info.Lines) < maxMessages {
			sender, err := senderOf(ctx, q, m)
			if err != nil {
				return nil, err
			}
			var full, first string
			if sender != nil {
				full, first = sender.FullName, sender.FirstName
			}
			if info.Group {
				if first == "" {
					first = full
				}
			} else {
				if namesFor != m.ConversationID {
					if firstNames, err = scanFirstNames(ctx, q, m.ConversationID); err != nil {
						return nil, err
					}
					namesFor = m.ConversationID
				}
				if first != "" && firstNames[first] > 1 {
					first = full
				}
				if full == "" {
					full = info.Name
				}
				if first == "" {
					first = info.Name
				}
			}
			info.Lines = append(info.Lines, lineFor(m, full, first, p))
		}
		list.MessageCount++
		info.TotalMessageCount++
	}

	if len(list.Conversations) == 0 {
		return nil, nil
	}
	return &list, nil
}

func lineFor(m *store.Message, full, first string, p *message.Printer) MessageLineInfo {
	line := MessageLineInfo{
		MessageID:       m.ID,
		AuthorFullName:  full,
		AuthorFirstName: first,
		Text:            m.Text(),
		ManualDownload:  m.Status == store.StatusIncomingYetToManualDownload,
	}
	if line.ManualDownload {
		line.Text = p.Sprintf(keyManualDownload)
	}
	if m.MMSSubject != "" {
		subject := p.Sprintf(keySubject, m.MMSSubject)
		if line.Text != "" {
			subject += "\n" + line.Text
		}
		line.Text = subject
	}
	if a := mostInterestingAttachment(m.Parts); a != nil {
		line.AttachmentURI = a.URI
		line.AttachmentType = a.ContentType
	}
	return line
}

func senderOf(ctx context.Context, q store.Querier, m *store.Message) (*store.Participant, error) {
	if m.SenderID <= 0 {
		return nil, nil
	}
	p, err := store.GetParticipant(ctx, q, m.SenderID)
	if err != nil {
		return nil, fmt.Errorf("sender of message %d: %w", m.ID, err)
	}
	return p, nil
}

// scanFirstNames counts first names among a conversation's participants
// and its current self, so a sender sharing the owner's first name is
// shown by full name.
func scanFirstNames(ctx context.Context, q store.Querier, conversationID int64) (map[string]int, error) {
	participants, err := store.ConversationParticipants(ctx, q, conversationID)
	if err != nil {
		return nil, err
	}
	conv, err := store.GetConversation(ctx, q, conversationID)
	if err != nil {
		return nil, err
	}
	if conv != nil && conv.CurrentSelfID > 0 {
		self, err := store.GetParticipant(ctx, q, conv.CurrentSelfID)
		if err != nil {
			return nil, err
		}
		if self != nil {
			participants = append(participants, *self)
		}
	}
	names := make(map[string]int, len(participants))
	for i := range participants {
		if n := participants[i].FirstName; n != "" {
			names[n]++
		}
	}
	return names, nil
}

// mostInterestingAttachment picks the first image, else the first video,
// audio and vCard in that order.
func mostInterestingAttachment(parts []store.Part) *store.Part {
	var image, video, audio, vcard *store.Part
	for i := range parts {
		p := &parts[i]
		if !p.Attachment() {
			continue
		}
		switch {
		case p.Image() && image == nil:
			image = p
		case p.Video() && video == nil:
			video = p
		case p.Audio() && audio == nil:
			audio = p
		case p.VCard() && vcard == nil:
			vcard = p
		}
	}
	for _, p := range []*store.Part{image, video, audio, vcard} {
		if p != nil {
			return p
		}
	}
	return nil
}
