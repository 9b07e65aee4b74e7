// Package providers implements the provider store from spec.md §4.3: a
// content key -> {peer, timestamp} mapping, capped at P providers per key,
// TTL-expired lazily on read, and LRU-bounded across distinct content keys.
// Grounded on the teacher's kernel/core/mesh/cache.go ChunkCache (same
// mapping shape, same hand-rolled container/list LRU) but the outer LRU
// bound is now delegated to github.com/hashicorp/golang-lru/v2 — adopted
// from the dolthub/dolt example in the pack — instead of re-deriving LRU
// bookkeeping by hand.
package providers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Defaults from spec.md §4.3.
const (
	DefaultMaxProvidersPerKey = 10
	DefaultMaxKeys            = 256
	DefaultTTL                = 24 * time.Hour
	DefaultSweepInterval      = time.Hour
)

type record struct {
	peerID    string
	insertion time.Time
}

// entry is one content key's provider list, independently locked so a
// sweep of one key never blocks a read of another.
type entry struct {
	mu      sync.Mutex
	records []record
}

// Store is the provider store for one DHT node.
type Store struct {
	maxPerKey int
	ttl       time.Duration

	cache *lru.Cache[string, *entry]

	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once

	logger *slog.Logger
}

// Option configures a Store at construction.
type Option func(*Store)

func WithMaxProvidersPerKey(n int) Option { return func(s *Store) { s.maxPerKey = n } }
func WithTTL(d time.Duration) Option      { return func(s *Store) { s.ttl = d } }
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepInterval = d }
}
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// New constructs a Store bounded to maxKeys distinct content keys.
func New(maxKeys int, opts ...Option) *Store {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	s := &Store{
		maxPerKey:     DefaultMaxProvidersPerKey,
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		stop:          make(chan struct{}),
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "providers.store")

	cache, err := lru.NewWithEvict[string, *entry](maxKeys, func(key string, _ *entry) {
		s.logger.Debug("evicted content key from LRU", "key", key)
	})
	if err != nil {
		// Only returns an error for a non-positive size, which New already
		// guards against.
		panic(err)
	}
	s.cache = cache
	return s
}

// AddProvider records that peerID can serve cid as of now, capping the
// per-cid list at maxPerKey by evicting the oldest entry.
func (s *Store) AddProvider(cid, peerID string, now time.Time) {
	e, ok := s.cache.Get(cid)
	if !ok {
		e = &entry{}
		s.cache.Add(cid, e)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, r := range e.records {
		if r.peerID == peerID {
			e.records[i].insertion = now
			return
		}
	}

	e.records = append(e.records, record{peerID: peerID, insertion: now})
	if len(e.records) > s.maxPerKey {
		e.records = e.records[len(e.records)-s.maxPerKey:]
	}
}

// GetProviders returns peers known to serve cid whose record has not
// expired, purging expired entries from the in-memory list as it goes
// (spec.md §4.3's "lazily purged on read").
func (s *Store) GetProviders(cid string, now time.Time) []string {
	e, ok := s.cache.Get(cid)
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	live := e.records[:0:0]
	out := make([]string, 0, len(e.records))
	for _, r := range e.records {
		if now.Sub(r.insertion) < s.ttl {
			live = append(live, r)
			out = append(out, r.peerID)
		}
	}
	e.records = live
	return out
}

// Sweep removes expired records from every cached key. Intended to run
// periodically (spec.md's "Background sweep", default every T_sweep).
func (s *Store) Sweep(now time.Time) {
	for _, cid := range s.cache.Keys() {
		e, ok := s.cache.Peek(cid)
		if !ok {
			continue
		}
		e.mu.Lock()
		live := e.records[:0:0]
		for _, r := range e.records {
			if now.Sub(r.insertion) < s.ttl {
				live = append(live, r)
			}
		}
		e.records = live
		empty := len(e.records) == 0
		e.mu.Unlock()
		if empty {
			s.cache.Remove(cid)
		}
	}
}

// RunSweepLoop blocks, running Sweep on sweepInterval until ctx is done or
// Close is called.
func (s *Store) RunSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(time.Now())
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops any running sweep loop.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}
