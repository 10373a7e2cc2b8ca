package store

import "strings"

// Status is the lifecycle state of a message. Outgoing values are below
// 100, incoming values start at 100.
type Status int

const (
	StatusUnknown Status = 0

	StatusOutgoingComplete        Status = 1
	StatusOutgoingDelivered       Status = 2
	StatusOutgoingDraft           Status = 3
	StatusOutgoingYetToSend       Status = 4
	StatusOutgoingSending         Status = 5
	StatusOutgoingResending       Status = 6
	StatusOutgoingAwaitingRetry   Status = 7
	StatusOutgoingFailed          Status = 8
	StatusOutgoingFailedEmergency Status = 9

	StatusIncomingComplete            Status = 100
	StatusIncomingYetToManualDownload Status = 101
	StatusIncomingRetryingManual      Status = 102
	StatusIncomingManualDownloading   Status = 103
	StatusIncomingRetryingAuto        Status = 104
	StatusIncomingAutoDownloading     Status = 105
	StatusIncomingDownloadFailed      Status = 106
	StatusIncomingExpired             Status = 107
)

// Incoming reports whether the status belongs to a received message.
func (s Status) Incoming() bool { return s >= StatusIncomingComplete }

// Failed reports whether an outgoing send gave up.
func (s Status) Failed() bool {
	return s == StatusOutgoingFailed || s == StatusOutgoingFailedEmergency
}

// Protocol identifies the wire family of a message.
type Protocol int

const (
	ProtocolUnknown             Protocol = -1
	ProtocolSMS                 Protocol = 0
	ProtocolMMS                 Protocol = 1
	ProtocolMMSPushNotification Protocol = 2
)

// Participant sub ids and slots.
const (
	OtherThanSelfSubID = -2
	DefaultSelfSubID   = -1
	InvalidSlotID      = -1
)

// Contact resolution markers stored in participants.contact_id.
const (
	ContactNotResolved int64 = 0
	ContactNotFound    int64 = -1
)

// UnknownSenderDestination stands in for a thread with no recipients.
const UnknownSenderDestination = "ʼUNKNOWN_SENDER!ʼ"

// Conversation is a row of the conversations table.
type Conversation struct {
	ID                      int64
	ThreadID                int64
	Name                    string
	LatestMessageID         int64
	SnippetText             string
	SubjectText             string
	PreviewURI              string
	PreviewContentType      string
	ShowDraft               bool
	DraftSnippetText        string
	DraftSubjectText        string
	DraftPreviewURI         string
	DraftPreviewContentType string
	Archived                bool
	SortTimestamp           int64
	LastReadTimestamp       int64
	Icon                    string

	ParticipantContactID                  int64
	ParticipantLookupKey                  string
	OtherParticipantNormalizedDestination string
	CurrentSelfID                         int64
	ParticipantCount                      int

	NotificationEnabled   bool
	NotificationSoundURI  string
	NotificationVibration bool
	IncludeEmailAddress   bool
	SMSServiceCenter      string
}

// Group reports whether more than one other participant takes part.
func (c *Conversation) Group() bool { return c.ParticipantCount > 1 }

// Visible reports whether the conversation appears in list views.
func (c *Conversation) Visible() bool { return c.SortTimestamp != 0 }

// Message is a row of the messages table with its parts.
type Message struct {
	ID                  int64
	ConversationID      int64
	SenderID            int64
	SelfID              int64
	SentTimestamp       int64
	ReceivedTimestamp   int64
	Protocol            Protocol
	Status              Status
	Seen                bool
	Read                bool
	SMSMessageURI       string
	SMSPriority         int
	SMSMessageSize      int64
	MMSSubject          string
	MMSTransactionID    string
	MMSContentLocation  string
	MMSExpiry           int64
	RawStatus           int
	RetryStartTimestamp int64

	Parts []Part
}

// Draft reports whether the message is the conversation's draft.
func (m *Message) Draft() bool { return m.Status == StatusOutgoingDraft }

// HasContent reports whether the message carries any text, subject or attachment.
func (m *Message) HasContent() bool {
	if strings.TrimSpace(m.MMSSubject) != "" {
		return true
	}
	for _, p := range m.Parts {
		if p.Attachment() || strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}

// Text joins the message's text parts with newlines.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Attachment() || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// FirstAttachment returns the first non-text part, or nil.
func (m *Message) FirstAttachment() *Part {
	for i := range m.Parts {
		if m.Parts[i].Attachment() {
			return &m.Parts[i]
		}
	}
	return nil
}

// Part is a row of the parts table.
type Part struct {
	ID             int64
	MessageID      int64
	ConversationID int64
	Text           string
	URI            string
	ContentType    string
	Width          int
	Height         int
	Timestamp      int64
}

// Attachment reports whether the part references external content.
func (p *Part) Attachment() bool { return p.URI != "" }

func (p *Part) Image() bool { return strings.HasPrefix(p.ContentType, "image/") }
func (p *Part) Video() bool { return strings.HasPrefix(p.ContentType, "video/") }
func (p *Part) Audio() bool { return strings.HasPrefix(p.ContentType, "audio/") }

func (p *Part) VCard() bool {
	ct := strings.ToLower(p.ContentType)
	return ct == "text/x-vcard" || ct == "text/vcard"
}

// Previewable reports whether the part can back a conversation preview.
func (p *Part) Previewable() bool { return p.Image() || p.Video() }

// Participant is a row of the participants table.
type Participant struct {
	ID                    int64
	SubID                 int
	SimSlotID             int
	NormalizedDestination string
	SendDestination       string
	DisplayDestination    string
	FullName              string
	FirstName             string
	ProfilePhotoURI       string
	ContactID             int64
	LookupKey             string
	Blocked               bool
	SubscriptionName      string
	SubscriptionColor     int
	ContactDestination    string
}

// Self reports whether the participant represents a local subscription.
func (p *Participant) Self() bool { return p.SubID != OtherThanSelfSubID }

// DefaultSelf reports whether the participant is the default subscription stand-in.
func (p *Participant) DefaultSelf() bool { return p.SubID == DefaultSelfSubID }

// ActiveSubscription reports whether the self participant maps to a SIM slot.
func (p *Participant) ActiveSubscription() bool { return p.SimSlotID != InvalidSlotID }

// UnknownSender reports whether the participant is the unknown-sender sentinel.
func (p *Participant) UnknownSender() bool {
	return p.NormalizedDestination == UnknownSenderDestination
}

// DisplayName returns the best human label. preferFullName selects the
// full name over the first name when both exist. The unknown sender has
// no label.
func (p *Participant) DisplayName(preferFullName bool) string {
	if p.UnknownSender() {
		return ""
	}
	if preferFullName && p.FullName != "" {
		return p.FullName
	}
	if p.FirstName != "" {
		return p.FirstName
	}
	if p.FullName != "" {
		return p.FullName
	}
	if p.DisplayDestination != "" {
		return p.DisplayDestination
	}
	return p.NormalizedDestination
}

// AvatarURI is the avatar source for the participant.
func (p *Participant) AvatarURI() string {
	if p.ProfilePhotoURI != "" {
		return p.ProfilePhotoURI
	}
	return "avatar:" + p.NormalizedDestination
}
