// Package telephony declares the boundary between bugle and the device's
// messaging provider, contacts database and subscription manager.
package telephony

import (
	"context"

	"github.com/matheus3301/bugle/internal/store"
)

// Contact is a contacts-database match for a destination.
type Contact struct {
	ID          int64
	LookupKey   string
	FullName    string
	FirstName   string
	PhotoURI    string
	Destination string
}

// ContactLookup resolves destinations against the contacts database.
// Both methods return (nil, nil) when there is no match.
type ContactLookup interface {
	LookupContact(ctx context.Context, destination string) (*Contact, error)
	LookupSelfProfile(ctx context.Context) (*Contact, error)
}

// ThreadRecipients maps a provider thread to its recipient destinations.
type ThreadRecipients interface {
	RecipientsForThread(ctx context.Context, threadID int64) ([]string, error)
}

// Subscription describes an active SIM subscription.
type Subscription struct {
	SubID       int
	SlotID      int
	Name        string
	Color       int
	Destination string
}

// Subscriptions reports the device's active subscriptions. Subscription
// returns (nil, nil) for inactive or unknown sub ids.
type Subscriptions interface {
	Subscription(ctx context.Context, subID int) (*Subscription, error)
}

// PartContent is one part of a provider message.
type PartContent struct {
	Text        string
	URI         string
	ContentType string
	Width       int
	Height      int
}

// ProviderMessage is a message as the provider reports it.
type ProviderMessage struct {
	URI               string
	ThreadID          int64
	Protocol          store.Protocol
	Status            store.Status
	Sender            string
	SubID             int
	SentTimestamp     int64
	ReceivedTimestamp int64
	Seen              bool
	Read              bool
	Subject           string
	Parts             []PartContent
}

// Cursor is a position in the provider history, which is ordered by
// received timestamp then uri, both descending.
type Cursor struct {
	ReceivedTimestamp int64
	URI               string
}

// Page selects a window of the provider history. With Before set only
// messages strictly older than the cursor are returned, so a walk can
// continue inside a run of equal timestamps.
type Page struct {
	Lower  int64
	Upper  int64
	Before *Cursor
	Limit  int
}

// Provider reads the authoritative message history. Messages returns at
// most page.Limit messages with received timestamps in [Lower, Upper] in
// history order. Provider uris are unique and non-empty.
type Provider interface {
	Messages(ctx context.Context, page Page) ([]ProviderMessage, error)
}

// Older reports whether m sorts strictly after c in history order.
func (c Cursor) Older(m *ProviderMessage) bool {
	if m.ReceivedTimestamp != c.ReceivedTimestamp {
		return m.ReceivedTimestamp < c.ReceivedTimestamp
	}
	return m.URI < c.URI
}

// ContentRemover deletes attachment content no longer referenced by any
// message.
type ContentRemover interface {
	Remove(ctx context.Context, uri string) error
}
