package telephony

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
)

// Memory is an in-process implementation of every telephony interface.
// The daemon uses it when no device bridge is attached and feeds it from
// ingest calls; tests populate it directly.
type Memory struct {
	mu            sync.RWMutex
	contacts      map[string]Contact
	self          *Contact
	threads       map[int64][]string
	subscriptions map[int]Subscription
	messages      []ProviderMessage
	removed       []string
}

// NewMemory returns an empty Memory.
func NewMemory() *Memory {
	return &Memory{
		contacts:      make(map[string]Contact),
		threads:       make(map[int64][]string),
		subscriptions: make(map[int]Subscription),
	}
}

// AddContact registers a contact under its destination.
func (m *Memory) AddContact(c Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.Destination] = c
}

// SetSelfProfile sets the device owner's profile.
func (m *Memory) SetSelfProfile(c *Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.self = c
}

// SetThread records the recipients of a thread.
func (m *Memory) SetThread(threadID int64, recipients ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[threadID] = recipients
}

// AddSubscription marks a subscription active.
func (m *Memory) AddSubscription(s Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[s.SubID] = s
}

// AddMessage appends a message to the provider history.
func (m *Memory) AddMessage(msg ProviderMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	if _, ok := m.threads[msg.ThreadID]; !ok && msg.Sender != "" {
		m.threads[msg.ThreadID] = []string{msg.Sender}
	}
}

// Removed returns the uris passed to Remove.
func (m *Memory) Removed() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.removed)
}

func (m *Memory) LookupContact(_ context.Context, destination string) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[destination]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) LookupSelfProfile(_ context.Context) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.self == nil {
		return nil, nil
	}
	c := *m.self
	return &c, nil
}

func (m *Memory) RecipientsForThread(_ context.Context, threadID int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.threads[threadID]), nil
}

func (m *Memory) Subscription(_ context.Context, subID int) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subscriptions[subID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) Messages(_ context.Context, page Page) ([]ProviderMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ProviderMessage
	for i := range m.messages {
		msg := &m.messages[i]
		if msg.ReceivedTimestamp < page.Lower || msg.ReceivedTimestamp > page.Upper {
			continue
		}
		if page.Before != nil && !page.Before.Older(msg) {
			continue
		}
		out = append(out, *msg)
	}
	slices.SortFunc(out, func(a, b ProviderMessage) int {
		if c := cmp.Compare(b.ReceivedTimestamp, a.ReceivedTimestamp); c != 0 {
			return c
		}
		return strings.Compare(b.URI, a.URI)
	})
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

func (m *Memory) Remove(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, uri)
	return nil
}
