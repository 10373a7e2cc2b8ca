package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/bugle/internal/bus"
	"go.uber.org/zap"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Idle},
		{Booting, Error},
		{Idle, Syncing},
		{Syncing, Idle},
		{Syncing, Degraded},
		{Degraded, Syncing},
		{Degraded, Idle},
		{Error, Booting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Syncing); err == nil {
		t.Error("Transition(BOOTING -> SYNCING) should fail")
	}
	if m.Current() != Booting {
		t.Errorf("state = %s, want BOOTING unchanged", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.StatusNamespace, 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Idle); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStatusChanged {
		t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Idle {
		t.Errorf("change = %v -> %v, want BOOTING -> IDLE", change.From, change.To)
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		name   string
		cur    State
		evt    bus.Event
		want   State
		wantOK bool
	}{
		{"sync starts", Idle, bus.Event{Kind: bus.KindSyncStarted}, Syncing, true},
		{"sync succeeds", Syncing, bus.Event{Kind: bus.KindSyncCompleted, Payload: struct{}{}}, Idle, true},
		{"sync fails", Syncing, bus.Event{Kind: bus.KindSyncCompleted, Payload: errors.New("boom")}, Degraded, true},
		{"already degraded", Degraded, bus.Event{Kind: bus.KindSyncCompleted, Payload: errors.New("boom")}, "", false},
		{"recovery", Degraded, bus.Event{Kind: bus.KindSyncCompleted}, Idle, true},
		{"storage failure", Idle, bus.Event{Kind: bus.KindStoreFailure, Payload: "insert message"}, Degraded, true},
		{"storage failure while booting", Booting, bus.Event{Kind: bus.KindStoreFailure}, "", false},
		{"batch", Syncing, bus.Event{Kind: bus.KindSyncBatch}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, ok := next(tt.cur, tt.evt)
			if ok != tt.wantOK || (ok && got != tt.want) {
				t.Errorf("next(%s, %s) = %s, %v, want %s, %v", tt.cur, tt.evt.Kind, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestFollow(t *testing.T) {
	b := bus.New()
	m := NewMachine(b)
	walkTo(t, m, Idle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, unsub := b.Subscribe(bus.StatusNamespace, 10)
	defer unsub()
	m.Follow(ctx, b, zap.NewNop())

	b.Publish(bus.Event{Kind: bus.KindSyncStarted, Payload: true})
	waitFor(t, changes, Syncing)
	b.Publish(bus.Event{Kind: bus.KindSyncCompleted, Payload: errors.New("provider offline")})
	waitFor(t, changes, Degraded)
	if r := m.Reason(); r != "sync failed: provider offline" {
		t.Errorf("reason = %q", r)
	}
	b.Publish(bus.Event{Kind: bus.KindSyncStarted, Payload: false})
	waitFor(t, changes, Syncing)
	b.Publish(bus.Event{Kind: bus.KindSyncCompleted, Payload: struct{}{}})
	waitFor(t, changes, Idle)
}

func waitFor(t *testing.T, ch <-chan bus.Event, want State) {
	t.Helper()
	select {
	case evt := <-ch:
		if got := evt.Payload.(StatusChange).To; got != want {
			t.Fatalf("state = %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:  {},
		Idle:     {Idle},
		Syncing:  {Idle, Syncing},
		Degraded: {Idle, Degraded},
		Error:    {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
