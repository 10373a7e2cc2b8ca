package participant

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/matheus3301/bugle/internal/store"
	"github.com/matheus3301/bugle/internal/telephony"
	"go.uber.org/zap"
)

func openDB(t *testing.T, path string) *store.DB {
	t.Helper()
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func resolve(t *testing.T, db *store.DB, r *Resolver, p *store.Participant) int64 {
	t.Helper()
	var id int64
	err := db.InTx(context.Background(), func(tx *store.Tx) error {
		var err error
		id, err = r.Resolve(context.Background(), tx, p)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestNormalize(t *testing.T) {
	n := NewNormalizer("US")
	tests := []struct {
		in, want string
	}{
		{"(650) 253-0000", "+16502530000"},
		{"+44 20 7031 3000", "+442070313000"},
		{"Alice@Example.COM", "alice@example.com"},
		{store.UnknownSenderDestination, store.UnknownSenderDestination},
		{"GOOGLE", "GOOGLE"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := n.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFromDestinationUnknownSender(t *testing.T) {
	p := NewNormalizer("US").FromDestination(store.UnknownSenderDestination)
	if !p.UnknownSender() {
		t.Fatal("expected unknown sender participant")
	}
	if p.ContactID != store.ContactNotFound {
		t.Errorf("contact id = %d, want %d", p.ContactID, store.ContactNotFound)
	}
}

func TestResolveCreatesOnceAndCaches(t *testing.T) {
	db := openDB(t, filepath.Join(t.TempDir(), "p.db"))
	contacts := telephony.NewMemory()
	contacts.AddContact(telephony.Contact{ID: 7, FullName: "Alice Smith", FirstName: "Alice", Destination: "+16502530000"})

	cache := NewCache()
	r := NewResolver(cache, contacts, nil, zap.NewNop())
	n := NewNormalizer("US")

	id1 := resolve(t, db, r, n.FromDestination("650-253-0000"))
	id2 := resolve(t, db, r, n.FromDestination("+1 650 253 0000"))
	if id1 != id2 {
		t.Fatalf("ids differ: %d vs %d", id1, id2)
	}
	if cache.Len() != 1 {
		t.Errorf("cache len = %d, want 1", cache.Len())
	}

	p, err := store.GetParticipant(context.Background(), db, id1)
	if err != nil {
		t.Fatal(err)
	}
	if p.FullName != "Alice Smith" || p.ContactID != 7 {
		t.Errorf("participant = %+v, want contact fields from lookup", p)
	}
}

func TestResolveMarksMissingContact(t *testing.T) {
	db := openDB(t, filepath.Join(t.TempDir(), "p.db"))
	r := NewResolver(NewCache(), telephony.NewMemory(), nil, zap.NewNop())

	id := resolve(t, db, r, NewNormalizer("US").FromDestination("+16502530000"))
	p, err := store.GetParticipant(context.Background(), db, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.ContactID != store.ContactNotFound {
		t.Errorf("contact id = %d, want %d", p.ContactID, store.ContactNotFound)
	}
}

func TestResolveDoesNotCacheRolledBackRow(t *testing.T) {
	db := openDB(t, filepath.Join(t.TempDir(), "p.db"))
	cache := NewCache()
	r := NewResolver(cache, nil, nil, zap.NewNop())

	boom := errors.New("boom")
	err := db.InTx(context.Background(), func(tx *store.Tx) error {
		if _, err := r.Resolve(context.Background(), tx, NewNormalizer("US").FromDestination("+16502530000")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if cache.Len() != 0 {
		t.Errorf("cache len = %d after rollback, want 0", cache.Len())
	}
}

func TestResolveSelfUsesSubscription(t *testing.T) {
	db := openDB(t, filepath.Join(t.TempDir(), "p.db"))
	subs := telephony.NewMemory()
	subs.AddSubscription(telephony.Subscription{SubID: 3, SlotID: 1, Name: "Work"})
	r := NewResolver(NewCache(), nil, subs, zap.NewNop())

	var self *store.Participant
	err := db.InTx(context.Background(), func(tx *store.Tx) error {
		var err error
		self, err = r.ResolveSelf(context.Background(), tx, 3)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if !self.Self() || !self.ActiveSubscription() || self.SubscriptionName != "Work" {
		t.Errorf("self = %+v, want active subscription Work in slot 1", self)
	}
}

// Two resolvers with independent caches and connections race to create
// the same participant; exactly one row must survive.
func TestConcurrentResolversConverge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "race.db")
	dbA := openDB(t, path)
	dbB := openDB(t, path)

	n := NewNormalizer("US")
	resolvers := []struct {
		db *store.DB
		r  *Resolver
	}{
		{dbA, NewResolver(NewCache(), nil, nil, zap.NewNop())},
		{dbB, NewResolver(NewCache(), nil, nil, zap.NewNop())},
	}

	const rounds = 20
	ids := make(chan int64, rounds*len(resolvers))
	errs := make(chan error, rounds*len(resolvers))
	var wg sync.WaitGroup
	for _, rr := range resolvers {
		for range rounds {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := rr.db.InTx(context.Background(), func(tx *store.Tx) error {
					id, err := rr.r.Resolve(context.Background(), tx, n.FromDestination("+16502530000"))
					if err == nil {
						ids <- id
					}
					return err
				})
				if err != nil {
					errs <- err
				}
			}()
		}
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		t.Fatalf("resolve: %v", err)
	}
	var first int64
	for id := range ids {
		if first == 0 {
			first = id
		}
		if id != first {
			t.Fatalf("resolvers disagree: %d vs %d", id, first)
		}
	}

	var count int
	if err := dbA.QueryRow(`SELECT COUNT(*) FROM participants WHERE normalized_destination = ?`, "+16502530000").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("participant rows = %d, want 1", count)
	}
}
