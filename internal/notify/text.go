package notify

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/feature/plural"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Catalog keys. English text doubles as the key.
const (
	keyNewMessages        = "%d new messages"
	keyManualDownload     = "Tap to download message"
	keySubject            = "Subject: %s"
	keyPicture            = "Picture"
	keyVideo              = "Video"
	keyAudio              = "Audio clip"
	keyVCard              = "Contact card"
	keySendFailed         = "Message not sent"
	keySendFailedMany     = "Messages not sent"
	keyDownloadFailed     = "Message not downloaded"
	keyDownloadFailedMany = "Messages not downloaded"
	keyFailureCount       = "%d messages in %d conversations"
)

const maxGroupNameChars = 30

var supported = []language.Tag{
	language.English,
	language.Japanese,
	language.Chinese,
	language.Arabic,
}

var (
	matcher    = language.NewMatcher(supported)
	separators = map[language.Base]string{
		base(language.Japanese): "、",
		base(language.Chinese):  "、",
		base(language.Arabic):   "، ",
	}
	texts = catalog.NewBuilder(catalog.Fallback(language.English))
)

func init() {
	en := language.English
	_ = texts.Set(en, keyNewMessages, plural.Selectf(1, "%d",
		plural.One, "%d new message",
		plural.Other, "%d new messages"))
	_ = texts.Set(en, keyFailureCount, plural.Selectf(1, "%d",
		plural.One, plural.Selectf(2, "%d",
			plural.One, "%d message in %d conversation",
			plural.Other, "%d message in %d conversations"),
		plural.Other, plural.Selectf(2, "%d",
			plural.One, "%d messages in %d conversation",
			plural.Other, "%d messages in %d conversations")))
	for _, k := range []string{keyManualDownload, keySubject, keyPicture, keyVideo, keyAudio, keyVCard,
		keySendFailed, keySendFailedMany, keyDownloadFailed, keyDownloadFailedMany} {
		_ = texts.SetString(en, k, k)
	}
}

func base(t language.Tag) language.Base {
	b, _ := t.Base()
	return b
}

// Locale formats notification text for one language.
type Locale struct {
	tag     language.Tag
	printer *message.Printer
}

// NewLocale matches name against the supported languages, falling back
// to English.
func NewLocale(name string) Locale {
	want, err := language.Parse(name)
	if err != nil {
		want = language.English
	}
	_, i, _ := matcher.Match(want)
	tag := supported[i]
	return Locale{tag: tag, printer: message.NewPrinter(tag, message.Catalog(texts))}
}

// Printer returns the locale's message printer.
func (l Locale) Printer() *message.Printer { return l.printer }

// Separator joins list items such as sender names.
func (l Locale) Separator() string {
	if s, ok := separators[base(l.tag)]; ok {
		return s
	}
	return ", "
}

// AttachmentLabel names an attachment kind. Unknown types count as pictures.
func (l Locale) AttachmentLabel(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "audio/"):
		return l.printer.Sprintf(keyAudio)
	case strings.HasPrefix(contentType, "video/"):
		return l.printer.Sprintf(keyVideo)
	case isVCard(contentType):
		return l.printer.Sprintf(keyVCard)
	}
	return l.printer.Sprintf(keyPicture)
}

func isVCard(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "text/x-vcard" || ct == "text/vcard"
}

// truncateGroupName shortens a group name to maxGroupNameChars, cutting at
// the last comma within reach when there is one.
func truncateGroupName(name string) string {
	if utf8.RuneCountInString(name) <= maxGroupNameChars {
		return name
	}
	runes := []rune(name)
	end := maxGroupNameChars
	for i := maxGroupNameChars; i >= 0; i-- {
		if runes[i] == ',' {
			end = i
			break
		}
	}
	return string(runes[:end]) + "…"
}

// joinNonEmpty joins the non-empty values with sep.
func joinNonEmpty(sep string, values ...string) string {
	out := values[:0:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return strings.Join(out, sep)
}
