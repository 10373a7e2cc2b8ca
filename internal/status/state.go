package status

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/bugle/internal/bus"
	"go.uber.org/zap"
)

// State represents a daemon runtime state.
type State string

const (
	Booting  State = "BOOTING"
	Idle     State = "IDLE"
	Syncing  State = "SYNCING"
	Degraded State = "DEGRADED"
	Error    State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:  {Idle, Error},
	Idle:     {Syncing, Degraded, Error},
	Syncing:  {Idle, Degraded, Error},
	Degraded: {Idle, Syncing, Error},
	Error:    {Booting},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	reason  string
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reason describes why the daemon entered Degraded or Error.
func (m *Machine) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.transition(to, "")
}

func (m *Machine) transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.reason = reason
	m.bus.Publish(bus.Event{
		Kind:      bus.KindStatusChanged,
		Timestamp: time.Now(),
		Payload:   StatusChange{From: from, To: to, Reason: reason},
	})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State
	To     State
	Reason string
}

// Follow drives the machine from sync and storage events until ctx is
// done. A failed sync or storage error degrades the daemon; the next
// successful sync restores it.
func (m *Machine) Follow(ctx context.Context, b *bus.Bus, logger *zap.Logger) {
	syncEvents, unsubSync := b.Subscribe(bus.SyncNamespace, 64)
	storeEvents, unsubStore := b.Subscribe(bus.KindStoreFailure, 64)
	go func() {
		defer unsubSync()
		defer unsubStore()
		for {
			var evt bus.Event
			select {
			case <-ctx.Done():
				return
			case evt = <-syncEvents:
			case evt = <-storeEvents:
			}
			to, reason, ok := next(m.Current(), evt)
			if !ok {
				continue
			}
			if err := m.transition(to, reason); err != nil {
				logger.Warn("status transition rejected", zap.String("event", evt.Kind), zap.Error(err))
			}
		}
	}()
}

// next maps an event onto the state it leads to from cur.
func next(cur State, evt bus.Event) (State, string, bool) {
	switch evt.Kind {
	case bus.KindSyncStarted:
		return Syncing, "", cur != Syncing
	case bus.KindSyncCompleted:
		if err, ok := evt.Payload.(error); ok {
			return Degraded, "sync failed: " + err.Error(), cur != Degraded
		}
		if cur == Syncing || cur == Degraded {
			return Idle, "", true
		}
	case bus.KindStoreFailure:
		op, _ := evt.Payload.(string)
		return Degraded, "storage failure in " + op, cur == Idle || cur == Syncing
	}
	return "", "", false
}
