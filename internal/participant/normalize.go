package participant

import (
	"strings"

	"github.com/matheus3301/bugle/internal/store"
	"github.com/ttacon/libphonenumber"
)

// Normalizer canonicalizes destinations. Phone numbers become E.164 using
// the configured default region; email addresses are lower-cased.
type Normalizer struct {
	region string
}

// NewNormalizer returns a Normalizer for a two-letter region code.
func NewNormalizer(region string) *Normalizer {
	if region == "" {
		region = "US"
	}
	return &Normalizer{region: strings.ToUpper(region)}
}

// Normalize returns the canonical form of dest.
func (n *Normalizer) Normalize(dest string) string {
	dest = strings.TrimSpace(dest)
	switch {
	case dest == "" || dest == store.UnknownSenderDestination:
		return dest
	case isEmail(dest):
		return strings.ToLower(dest)
	}
	num, err := libphonenumber.Parse(dest, n.region)
	if err != nil || !libphonenumber.IsPossibleNumber(num) {
		return stripSeparators(dest)
	}
	return libphonenumber.Format(num, libphonenumber.E164)
}

// Display formats dest for people: national format for numbers in the
// default region, international otherwise.
func (n *Normalizer) Display(dest string) string {
	dest = strings.TrimSpace(dest)
	if dest == "" || isEmail(dest) || dest == store.UnknownSenderDestination {
		return dest
	}
	num, err := libphonenumber.Parse(dest, n.region)
	if err != nil || !libphonenumber.IsPossibleNumber(num) {
		return dest
	}
	if int(num.GetCountryCode()) == libphonenumber.GetCountryCodeForRegion(n.region) {
		return libphonenumber.Format(num, libphonenumber.NATIONAL)
	}
	return libphonenumber.Format(num, libphonenumber.INTERNATIONAL)
}

// FromDestination builds an unresolved non-self participant for dest.
func (n *Normalizer) FromDestination(dest string) *store.Participant {
	normalized := n.Normalize(dest)
	p := &store.Participant{
		SubID:                 store.OtherThanSelfSubID,
		SimSlotID:             store.InvalidSlotID,
		NormalizedDestination: normalized,
		SendDestination:       strings.TrimSpace(dest),
		DisplayDestination:    n.Display(dest),
		ContactID:             store.ContactNotResolved,
	}
	if normalized == store.UnknownSenderDestination {
		p.ContactID = store.ContactNotFound
		p.SendDestination = ""
		p.DisplayDestination = ""
	}
	return p
}

func isEmail(dest string) bool {
	at := strings.IndexByte(dest, '@')
	return at > 0 && at < len(dest)-1
}

func stripSeparators(dest string) string {
	var b strings.Builder
	for i, r := range dest {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return dest
		}
	}
	return b.String()
}
