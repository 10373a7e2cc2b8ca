package notify

import (
	"fmt"

	"github.com/google/uuid"
)

// Type separates message notifications from send-failure notifications.
type Type int

const (
	TypeMessage Type = iota + 1
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeMessage:
		return "message"
	case TypeError:
		return "error"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Style is the expanded layout of a posted notification.
type Style int

const (
	StyleNone Style = iota
	StyleBigText
	StyleBigPicture
	StyleInbox
)

// State is a notification waiting to be rendered and posted. It is one of
// *SingleConversation, *MultiConversation or *BundledChild.
type State interface {
	common() *stateBase
}

type stateBase struct {
	id              uuid.UUID
	typ             Type
	conversationIDs []int64
	latestReceived  int64
	list            *ConversationInfoList
	soundURI        string
	vibrate         bool
	canceled        bool
}

func (b *stateBase) common() *stateBase { return b }

// ID identifies the state across log lines and bus events.
func (b *stateBase) ID() uuid.UUID { return b.id }

// ConversationIDs lists the conversations the state covers.
func (b *stateBase) ConversationIDs() []int64 { return b.conversationIDs }

// LatestReceived is the newest received timestamp in the state.
func (b *stateBase) LatestReceived() int64 { return b.latestReceived }

func newBase(typ Type, list *ConversationInfoList) stateBase {
	b := stateBase{id: uuid.New(), typ: typ, list: list}
	for i, c := range list.Conversations {
		b.conversationIDs = append(b.conversationIDs, c.ConversationID)
		b.latestReceived = max(b.latestReceived, c.ReceivedTimestamp)
		if i == 0 {
			b.soundURI = c.SoundURI
			b.vibrate = c.Vibrate
		}
	}
	return b
}

// SingleConversation notifies about one or more messages of one
// conversation.
type SingleConversation struct {
	stateBase
	Title          string
	Content        string
	TickerSender   string
	TickerText     string
	AttachmentURI  string
	AttachmentType string
	AvatarURI      string
}

// MultiConversation summarizes several conversations and carries one
// bundled child per conversation.
type MultiConversation struct {
	stateBase
	Title        string
	TickerSender string
	TickerText   string
	Children     []*BundledChild
}

// BundledChild is the per-conversation member of a MultiConversation group.
type BundledChild struct {
	SingleConversation
	Order int
}

// SortKey orders children lexicographically in recency order.
func (c *BundledChild) SortKey() string { return fmt.Sprintf("%02d", c.Order) }

// BuildState derives the notification state from list. A single
// conversation yields *SingleConversation; several yield
// *MultiConversation. A nil list yields nil.
func BuildState(list *ConversationInfoList, loc Locale) State {
	if list == nil || len(list.Conversations) == 0 {
		return nil
	}
	single := newSingle(list, loc)
	if len(list.Conversations) == 1 {
		single.AvatarURI = list.Conversations[0].AvatarURI
		return single
	}
	return newMulti(list, single, loc)
}

func newSingle(list *ConversationInfoList, loc Locale) *SingleConversation {
	conv := list.Conversations[0]
	line := conv.Latest()
	s := &SingleConversation{
		stateBase:      newBase(TypeMessage, list),
		AttachmentURI:  line.AttachmentURI,
		AttachmentType: line.AttachmentType,
		Content:        line.Text,
	}
	if s.AttachmentURI != "" {
		s.Content = joinNonEmpty("\n", s.Content, loc.AttachmentLabel(s.AttachmentType))
	}
	if conv.Group {
		s.TickerText = s.Content
		s.TickerSender = line.AuthorFullName
		s.Content = joinNonEmpty(" ", line.AuthorFullName, s.Content)
		s.Title = conv.Name
	} else {
		s.Title = line.AuthorFullName
	}
	return s
}

func newMulti(list *ConversationInfoList, single *SingleConversation, loc Locale) *MultiConversation {
	m := &MultiConversation{
		stateBase:    newBase(TypeMessage, list),
		Title:        loc.Printer().Sprintf(keyNewMessages, list.MessageCount),
		TickerSender: single.Title,
		TickerText:   single.Content,
	}
	for i, conv := range list.Conversations {
		sub := &ConversationInfoList{MessageCount: conv.TotalMessageCount, Conversations: []*ConversationLineInfo{conv}}
		child := &BundledChild{SingleConversation: *newSingle(sub, loc), Order: i}
		m.Children = append(m.Children, child)
	}
	return m
}
