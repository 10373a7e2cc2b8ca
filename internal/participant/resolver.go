package participant

import (
	"context"
	"fmt"
	"strconv"

	"github.com/matheus3301/bugle/internal/store"
	"github.com/matheus3301/bugle/internal/telephony"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Key returns the canonical cache key of a participant: SELF(<subId>) for
// local subscriptions, the normalized destination otherwise.
func Key(p *store.Participant) string {
	if p.Self() {
		return "SELF(" + strconv.Itoa(p.SubID) + ")"
	}
	return p.NormalizedDestination
}

// Resolver maps participants to stable row ids, creating rows on demand.
type Resolver struct {
	cache    *Cache
	contacts telephony.ContactLookup
	subs     telephony.Subscriptions
	logger   *zap.Logger
	lookups  singleflight.Group
}

// NewResolver returns a Resolver that shares cache with the rest of the process.
// contacts and subs may be nil.
func NewResolver(cache *Cache, contacts telephony.ContactLookup, subs telephony.Subscriptions, logger *zap.Logger) *Resolver {
	return &Resolver{
		cache:    cache,
		contacts: contacts,
		subs:     subs,
		logger:   logger,
	}
}

// Resolve returns the row id of p inside tx, inserting it when no row
// matches. On success p.ID is set.
func (r *Resolver) Resolve(ctx context.Context, tx *store.Tx, p *store.Participant) (int64, error) {
	key := Key(p)
	if id, ok := r.cache.Get(key); ok {
		p.ID = id
		return id, nil
	}

	existing, err := r.find(ctx, tx, p)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		r.remember(tx, key, existing.ID)
		p.ID = existing.ID
		return existing.ID, nil
	}

	if p.ContactID == store.ContactNotResolved {
		r.refreshContact(ctx, p)
	}

	id, err := store.InsertParticipant(ctx, tx, p)
	if store.IsUniqueViolation(err) {
		// Another writer created the row between our lookup and insert.
		existing, err = r.find(ctx, tx, p)
		if err != nil {
			return 0, err
		}
		if existing == nil {
			return 0, fmt.Errorf("%w: participant %q vanished after conflict", store.ErrInvariant, key)
		}
		id = existing.ID
	} else if err != nil {
		return 0, fmt.Errorf("insert participant %q: %w", key, err)
	}

	r.remember(tx, key, id)
	p.ID = id
	return id, nil
}

// ResolveSelf returns the self participant for subID, creating it from
// the subscription manager's view when needed.
func (r *Resolver) ResolveSelf(ctx context.Context, tx *store.Tx, subID int) (*store.Participant, error) {
	p := &store.Participant{
		SubID:     subID,
		SimSlotID: store.InvalidSlotID,
		ContactID: store.ContactNotResolved,
	}
	if r.subs != nil && subID != store.DefaultSelfSubID {
		sub, err := r.subs.Subscription(ctx, subID)
		if err != nil {
			r.logger.Warn("subscription lookup failed", zap.Int("sub_id", subID), zap.Error(err))
		} else if sub != nil {
			p.SimSlotID = sub.SlotID
			p.SubscriptionName = sub.Name
			p.SubscriptionColor = sub.Color
			p.NormalizedDestination = sub.Destination
			p.SendDestination = sub.Destination
			p.DisplayDestination = sub.Destination
		}
	}
	if _, err := r.Resolve(ctx, tx, p); err != nil {
		return nil, err
	}
	stored, err := store.GetParticipant(ctx, tx, p.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: self participant %d missing", store.ErrInvariant, p.ID)
	}
	return stored, nil
}

// ClearCache drops every cached id.
func (r *Resolver) ClearCache() {
	r.cache.ClearAll()
}

func (r *Resolver) find(ctx context.Context, tx *store.Tx, p *store.Participant) (*store.Participant, error) {
	var (
		found *store.Participant
		err   error
	)
	if p.Self() {
		found, err = store.FindSelfParticipant(ctx, tx, p.SubID)
	} else {
		found, err = store.FindParticipantByDestination(ctx, tx, p.NormalizedDestination)
	}
	if err != nil {
		return nil, fmt.Errorf("find participant %q: %w", Key(p), err)
	}
	return found, nil
}

func (r *Resolver) remember(tx *store.Tx, key string, id int64) {
	tx.OnCommit(func() { r.cache.Put(key, id) })
}

// refreshContact fills contact columns from the contacts database. Lookup
// failures leave the participant unresolved.
func (r *Resolver) refreshContact(ctx context.Context, p *store.Participant) {
	if r.contacts == nil || p.UnknownSender() {
		return
	}

	key := Key(p)
	v, err, _ := r.lookups.Do(key, func() (any, error) {
		if p.Self() {
			return r.contacts.LookupSelfProfile(ctx)
		}
		return r.contacts.LookupContact(ctx, p.NormalizedDestination)
	})
	if err != nil {
		r.logger.Warn("contact lookup failed", zap.String("key", key), zap.Error(err))
		return
	}

	c, _ := v.(*telephony.Contact)
	if c == nil {
		p.ContactID = store.ContactNotFound
		return
	}
	p.ContactID = c.ID
	p.LookupKey = c.LookupKey
	p.FullName = c.FullName
	p.FirstName = c.FirstName
	p.ProfilePhotoURI = c.PhotoURI
	p.ContactDestination = c.Destination
}
