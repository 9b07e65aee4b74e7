// Package kbucket implements the k-bucket routing table: a slice of buckets
// indexed by common-prefix-length with the local identifier, splittable on
// the deepest (last) bucket, and ping-arbitrated eviction on a full,
// unsplittable bucket. Grounded on the upstream go-libp2p-kbucket table
// (the single-bucket-unfolds-at-a-time design) and on the ping-on-full-
// bucket arbitration in the teacher's kernel/core/mesh/routing/dht.go
// AddPeer.
package kbucket

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/nmxmxh/kadmesh/kad/identity"
)

// DefaultBucketSize is K, the maximum number of contacts per bucket.
const DefaultBucketSize = 20

// Contact is a routing-table entry: a peer's routing key, its opaque
// identifier, and a liveness marker updated on every successful response.
type Contact struct {
	Key      identity.Key
	PeerID   string
	LastSeen time.Time
}

// PingFunc probes a peer for liveness, per spec.md §4.2's arbitration
// protocol ("opening the DHT protocol stream ... counts as a liveness
// probe"). It must return promptly: the table calls it from its
// ping-arbitration worker without applying a timeout of its own.
type PingFunc func(peerID string) error

// HealthFunc reports whether a peer is already known-unreachable from
// recent history, letting arbitration skip a doomed ping (see
// SPEC_FULL.md "Peer health scoring feeding ping arbitration"). May be nil.
type HealthFunc func(peerID string) (knownDead bool)

// Table is the k-bucket routing table for one local identifier.
type Table struct {
	local      identity.Key
	bucketSize int

	mu      sync.RWMutex
	buckets []*bucket // buckets[i] holds contacts whose cpl with local is exactly i, except the last which is a catch-all

	ping   PingFunc
	health HealthFunc

	pq *PingQueue

	onAdd    func(peerID string)
	onRemove func(peerID string)

	logger *slog.Logger
}

// Option configures a Table at construction.
type Option func(*Table)

// WithHealthFunc installs a HealthFunc consulted before pinging.
func WithHealthFunc(h HealthFunc) Option {
	return func(t *Table) { t.health = h }
}

// WithEvents installs peer:add / peer:remove subscribers (spec.md §4.2
// "Events").
func WithEvents(onAdd, onRemove func(peerID string)) Option {
	return func(t *Table) {
		if onAdd != nil {
			t.onAdd = onAdd
		}
		if onRemove != nil {
			t.onRemove = onRemove
		}
	}
}

// WithLogger installs a structured logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// New creates a routing table for localID with the given bucket size and
// ping function. ping is required: every full, unsplittable bucket insert
// arbitrates via it.
func New(localID []byte, bucketSize int, ping PingFunc, opts ...Option) *Table {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	t := &Table{
		local:      identity.ToRoutingKey(localID),
		bucketSize: bucketSize,
		buckets:    []*bucket{newBucket()},
		ping:       ping,
		onAdd:      func(string) {},
		onRemove:   func(string) {},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	t.pq = NewPingQueue(1, t.logger)
	return t
}

// Close releases the table's ping-arbitration worker.
func (t *Table) Close() {
	t.pq.Close()
}

// Add inserts or refreshes peerID. On a full, unsplittable bucket this
// enqueues ping arbitration (spec.md §4.2) and returns without error; the
// new peer is only admitted if arbitration later evicts the oldest
// candidate.
func (t *Table) Add(peerID string) {
	key := identity.ToRoutingKey([]byte(peerID))

	t.mu.Lock()
	bidx := t.bucketIndex(key)
	b := t.buckets[bidx]

	if existing := b.get(peerID); existing != nil {
		b.moveToNewest(peerID, time.Now())
		t.mu.Unlock()
		return
	}

	if b.len() < t.bucketSize {
		b.pushNewest(&Contact{Key: key, PeerID: peerID, LastSeen: time.Now()})
		t.mu.Unlock()
		t.onAdd(peerID)
		return
	}

	// Bucket full. If it's the deepest (last) bucket, try splitting it —
	// this is the only bucket ever allowed to split, matching the
	// upstream kbucket design.
	if bidx == len(t.buckets)-1 {
		t.split()
		bidx = t.bucketIndex(key)
		b = t.buckets[bidx]
		if b.len() < t.bucketSize {
			b.pushNewest(&Contact{Key: key, PeerID: peerID, LastSeen: time.Now()})
			t.mu.Unlock()
			t.onAdd(peerID)
			return
		}
	}

	oldest := b.oldest()
	t.mu.Unlock()
	if oldest == nil {
		return
	}
	t.arbitrate(bidx, oldest.PeerID, peerID, key)
}

// split unfolds the deepest bucket into two, on the next bit beyond its
// current depth, and keeps unfolding while the new deepest bucket is still
// full. Caller holds t.mu.
func (t *Table) split() {
	depth := len(t.buckets) - 1
	old := t.buckets[depth]
	next := newBucket()

	var keep []*Contact
	for _, c := range old.all() {
		if identity.CommonPrefixLen(c.Key, t.local) > depth {
			next.pushNewest(c)
		} else {
			keep = append(keep, c)
		}
	}
	old.replaceAll(keep)
	t.buckets = append(t.buckets, next)
	if next.len() >= t.bucketSize && len(t.buckets) < 8*identity.KeySize {
		t.split()
	}
}

// bucketIndex returns which bucket key falls into: its common-prefix
// length with the local key, capped at the deepest bucket. Caller holds
// t.mu (read or write).
func (t *Table) bucketIndex(key identity.Key) int {
	cpl := identity.CommonPrefixLen(key, t.local)
	if cpl >= len(t.buckets) {
		cpl = len(t.buckets) - 1
	}
	return cpl
}

// arbitrate runs ping arbitration for a full bucket: it pings oldest, and
// on success moves oldest to newest and drops newPeer; on failure it
// evicts oldest and admits newPeer. Coalesced per-bucket via PingQueue.
func (t *Table) arbitrate(bucketIdx int, oldestID, newID string, newKey identity.Key) {
	t.pq.Enqueue(bucketIdx, func() {
		if t.health != nil && t.health(oldestID) {
			t.evictAndAdmit(bucketIdx, oldestID, newID, newKey)
			return
		}
		if err := t.ping(oldestID); err != nil {
			t.evictAndAdmit(bucketIdx, oldestID, newID, newKey)
			return
		}
		t.mu.Lock()
		if bucketIdx < len(t.buckets) {
			t.buckets[bucketIdx].moveToNewest(oldestID, time.Now())
		}
		t.mu.Unlock()
	})
}

func (t *Table) evictAndAdmit(bucketIdx int, oldestID, newID string, newKey identity.Key) {
	t.mu.Lock()
	if bucketIdx < len(t.buckets) {
		b := t.buckets[bucketIdx]
		b.remove(oldestID)
		if b.len() < t.bucketSize {
			b.pushNewest(&Contact{Key: newKey, PeerID: newID, LastSeen: time.Now()})
		}
	}
	t.mu.Unlock()
	t.onRemove(oldestID)
	t.onAdd(newID)
}

// Remove deletes peerID if present and reports whether it was removed.
func (t *Table) Remove(peerID string) bool {
	key := identity.ToRoutingKey([]byte(peerID))
	t.mu.Lock()
	bidx := t.bucketIndex(key)
	removed := t.buckets[bidx].remove(peerID)
	t.mu.Unlock()
	if removed {
		t.onRemove(peerID)
	}
	return removed
}

// Get returns the contact for peerID, if present.
func (t *Table) Get(peerID string) (Contact, bool) {
	key := identity.ToRoutingKey([]byte(peerID))
	t.mu.RLock()
	defer t.mu.RUnlock()
	bidx := t.bucketIndex(key)
	if c := t.buckets[bidx].get(peerID); c != nil {
		return *c, true
	}
	return Contact{}, false
}

// ClosestPeers returns up to count peer IDs nearest to targetKey in XOR
// distance, per spec.md invariant 2.
func (t *Table) ClosestPeers(targetKey identity.Key, count int) []string {
	t.mu.RLock()
	cpl := identity.CommonPrefixLen(targetKey, t.local)
	if cpl >= len(t.buckets) {
		cpl = len(t.buckets) - 1
	}

	var items []identity.Distanced[string]
	items = append(items, distancedFromBucket(t.buckets[cpl])...)

	for i := cpl + 1; i < len(t.buckets) && len(items) < count; i++ {
		items = append(items, distancedFromBucket(t.buckets[i])...)
	}
	for i := cpl - 1; i >= 0 && len(items) < count; i-- {
		items = append(items, distancedFromBucket(t.buckets[i])...)
	}
	t.mu.RUnlock()

	identity.SortByDistance(items, targetKey)
	if len(items) > count {
		items = items[:count]
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Value
	}
	return out
}

func distancedFromBucket(b *bucket) []identity.Distanced[string] {
	contacts := b.all()
	out := make([]identity.Distanced[string], len(contacts))
	for i, c := range contacts {
		out[i] = identity.Distanced[string]{Key: c.Key, Value: c.PeerID}
	}
	return out
}

// NumBuckets returns the current number of buckets (prefix depths), for
// the refresh loop's per-bucket last_refreshed bookkeeping.
func (t *Table) NumBuckets() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets)
}

// Local returns the table's local routing key.
func (t *Table) Local() identity.Key {
	return t.local
}

// Size returns the total number of contacts across all buckets.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		n += b.len()
	}
	return n
}

// bucket is an ordered list (oldest -> newest) of up to K contacts,
// backed by container/list as in the upstream kbucket implementation.
type bucket struct {
	l     *list.List
	index map[string]*list.Element
}

func newBucket() *bucket {
	return &bucket{l: list.New(), index: make(map[string]*list.Element)}
}

func (b *bucket) len() int { return b.l.Len() }

func (b *bucket) get(peerID string) *Contact {
	if e, ok := b.index[peerID]; ok {
		return e.Value.(*Contact)
	}
	return nil
}

func (b *bucket) pushNewest(c *Contact) {
	e := b.l.PushBack(c)
	b.index[c.PeerID] = e
}

func (b *bucket) moveToNewest(peerID string, seenAt time.Time) {
	e, ok := b.index[peerID]
	if !ok {
		return
	}
	c := e.Value.(*Contact)
	c.LastSeen = seenAt
	b.l.MoveToBack(e)
}

func (b *bucket) remove(peerID string) bool {
	e, ok := b.index[peerID]
	if !ok {
		return false
	}
	b.l.Remove(e)
	delete(b.index, peerID)
	return true
}

func (b *bucket) oldest() *Contact {
	e := b.l.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*Contact)
}

func (b *bucket) all() []*Contact {
	out := make([]*Contact, 0, b.l.Len())
	for e := b.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Contact))
	}
	return out
}

func (b *bucket) replaceAll(contacts []*Contact) {
	b.l = list.New()
	b.index = make(map[string]*list.Element)
	for _, c := range contacts {
		b.pushNewest(c)
	}
}
