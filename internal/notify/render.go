package notify

import (
	"strings"
)

// Descriptor is a fully rendered notification handed to a Poster.
type Descriptor struct {
	StateID         string
	Type            Type
	Tag             string
	ConversationIDs []int64

	Title   string
	Content string
	Ticker  string
	When    int64

	Style   Style
	BigText string
	Summary string
	Lines   []string

	AttachmentURI   string
	AttachmentType  string
	AttachmentImage []byte
	Avatar          []byte

	Group        string
	GroupSummary bool
	SortKey      string

	// Audible is set when the notification should ding. Sound and
	// Vibrate refine it.
	Audible bool
	Sound   string
	Vibrate bool
}

const groupKey = "groupkey"

// Render lays out a state for posting.
func Render(s State, loc Locale) *Descriptor {
	switch s := s.(type) {
	case *BundledChild:
		d := renderSingle(&s.SingleConversation, loc)
		d.Group = groupKey
		d.SortKey = s.SortKey()
		return d
	case *SingleConversation:
		return renderSingle(s, loc)
	case *MultiConversation:
		return renderMulti(s, loc)
	}
	return nil
}

func newDescriptor(b *stateBase) *Descriptor {
	return &Descriptor{
		StateID:         b.id.String(),
		Type:            b.typ,
		ConversationIDs: b.conversationIDs,
		When:            b.latestReceived,
	}
}

func renderSingle(s *SingleConversation, loc Locale) *Descriptor {
	d := newDescriptor(&s.stateBase)
	d.Title = s.Title
	d.Content = s.Content
	d.Ticker = joinNonEmpty(": ", s.tickerSender(), s.tickerText())
	d.AttachmentURI = s.AttachmentURI
	d.AttachmentType = s.AttachmentType

	conv := s.list.Conversations[0]
	lines := conv.Lines
	if len(lines) == 1 {
		if s.AttachmentURI != "" && previewable(s.AttachmentType) {
			line := lines[0]
			tag := joinNonEmpty(" ", line.AuthorFirstName, loc.AttachmentLabel(s.AttachmentType))
			d.Ticker = tag
			d.Content = loc.AttachmentLabel(s.AttachmentType)
			if conv.Group {
				d.Content = tag
				d.Summary = line.AuthorFirstName
			}
			d.Style = StyleBigPicture
		} else {
			d.Style = StyleBigText
			d.BigText = s.Content
		}
		return d
	}

	// Several messages from one conversation: oldest first, one per line.
	var buf []string
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if line.Text == "" && line.AttachmentURI == "" {
			continue
		}
		author := ""
		if conv.Group {
			author = line.AuthorFullName
		}
		attachment := ""
		if line.AttachmentURI != "" {
			attachment = loc.AttachmentLabel(line.AttachmentType)
		}
		buf = append(buf, joinNonEmpty(" ", author, line.Text, attachment))
	}
	d.Style = StyleBigText
	d.BigText = strings.Join(buf, "\n")
	return d
}

func renderMulti(m *MultiConversation, loc Locale) *Descriptor {
	d := newDescriptor(&m.stateBase)
	d.Title = m.Title
	d.Ticker = joinNonEmpty(": ", m.TickerSender, m.TickerText)
	d.Style = StyleInbox
	d.Group = groupKey
	d.GroupSummary = true

	var senders []string
	for _, conv := range m.list.Conversations {
		line := conv.Latest()
		sender := line.AuthorFullName
		if conv.Group {
			sender = truncateGroupName(conv.Name)
		}
		attachment := ""
		if line.AttachmentURI != "" {
			attachment = loc.AttachmentLabel(line.AttachmentType)
		}
		d.Lines = append(d.Lines, joinNonEmpty("  ", sender, line.Text, attachment))
		if sender != "" {
			senders = append(senders, sender)
		}
	}
	d.Content = strings.Join(senders, loc.Separator())
	return d
}

func (s *SingleConversation) tickerSender() string {
	if s.TickerSender != "" {
		return s.TickerSender
	}
	return s.Title
}

func (s *SingleConversation) tickerText() string {
	if s.TickerText != "" {
		return s.TickerText
	}
	return s.Content
}

func previewable(contentType string) bool {
	return strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "video/")
}
