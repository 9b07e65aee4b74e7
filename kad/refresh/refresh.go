// Package refresh implements the routing-table refresh loop (spec.md
// §4.7) and the query-self loop (§4.8). Grounded on the teacher's
// kernel/core/mesh/routing/dht.go Refresh stub (which this fleshes out)
// and kernel/utils/id.go's crypto/rand-with-fallback style for generating
// random targets.
package refresh

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/nmxmxh/kadmesh/kad/identity"
	"github.com/nmxmxh/kadmesh/kad/kbucket"
)

// Defaults from spec.md §4.7/§4.8.
const (
	DefaultInterval          = 10 * time.Minute
	DefaultQuerySelfInterval = 60 * time.Second
	DefaultForcedConcurrency = 4
)

// LookupFunc issues a FIND_NODE-shaped query for target and blocks until
// it completes (the caller is expected to drain a query.Lookup/FindNode
// channel internally).
type LookupFunc func(ctx context.Context, target identity.Key)

// Refresher owns the per-bucket last_refreshed state and the query-self
// timer for one routing table.
type Refresher struct {
	table             *kbucket.Table
	lookup            LookupFunc
	interval          time.Duration
	querySelfInterval time.Duration
	forcedConcurrency int
	logger            *slog.Logger

	mu            sync.Mutex
	lastRefreshed map[int]time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Refresher at construction.
type Option func(*Refresher)

func WithInterval(d time.Duration) Option          { return func(r *Refresher) { r.interval = d } }
func WithQuerySelfInterval(d time.Duration) Option { return func(r *Refresher) { r.querySelfInterval = d } }
func WithForcedConcurrency(n int) Option           { return func(r *Refresher) { r.forcedConcurrency = n } }
func WithLogger(l *slog.Logger) Option             { return func(r *Refresher) { r.logger = l } }

// New constructs a Refresher. lookup is called once per bucket needing
// refresh, and once per query-self tick with the local identifier.
func New(table *kbucket.Table, lookup LookupFunc, opts ...Option) *Refresher {
	r := &Refresher{
		table:             table,
		lookup:            lookup,
		interval:          DefaultInterval,
		querySelfInterval: DefaultQuerySelfInterval,
		forcedConcurrency: DefaultForcedConcurrency,
		logger:            slog.Default(),
		lastRefreshed:     make(map[int]time.Time),
		stop:              make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "refresh")
	return r
}

// Run blocks, driving both the bucket-refresh timer and the query-self
// timer until ctx is done or Close is called.
func (r *Refresher) Run(ctx context.Context) {
	refreshTicker := time.NewTicker(r.interval)
	defer refreshTicker.Stop()
	selfTicker := time.NewTicker(r.querySelfInterval)
	defer selfTicker.Stop()

	for {
		select {
		case <-refreshTicker.C:
			r.refreshStale(ctx, time.Now())
		case <-selfTicker.C:
			r.querySelf(ctx)
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops a running Refresher's Run loop.
func (r *Refresher) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// refreshStale refreshes every bucket whose last_refreshed predates
// interval, per spec.md §4.7 steps 1-3.
func (r *Refresher) refreshStale(ctx context.Context, now time.Time) {
	n := r.table.NumBuckets()
	for depth := 0; depth < n; depth++ {
		r.mu.Lock()
		last, seen := r.lastRefreshed[depth]
		r.mu.Unlock()
		if seen && now.Sub(last) <= r.interval {
			continue
		}
		r.refreshBucket(ctx, depth, now)
	}
}

func (r *Refresher) refreshBucket(ctx context.Context, depth int, now time.Time) {
	target, err := RandomKeyWithCPL(r.table.Local(), depth)
	if err != nil {
		r.logger.Warn("failed generating refresh target", "bucket", depth, "err", err)
	} else {
		r.lookup(ctx, target)
	}
	r.mu.Lock()
	r.lastRefreshed[depth] = now
	r.mu.Unlock()
}

// Refresh is the public forced-refresh operation. When force is true,
// every bucket is refreshed concurrently, bounded by forcedConcurrency
// (spec.md §4.7's "refresh(true)").
func (r *Refresher) Refresh(ctx context.Context, force bool) {
	now := time.Now()
	if !force {
		r.refreshStale(ctx, now)
		return
	}

	n := r.table.NumBuckets()
	sem := make(chan struct{}, r.forcedConcurrency)
	var wg sync.WaitGroup
	for depth := 0; depth < n; depth++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(depth int) {
			defer wg.Done()
			defer func() { <-sem }()
			r.refreshBucket(ctx, depth, now)
		}(depth)
	}
	wg.Wait()
}

func (r *Refresher) querySelf(ctx context.Context) {
	r.lookup(ctx, r.table.Local())
}

// RandomKeyWithCPL generates a routing key whose common-prefix length with
// local is exactly cpl, per spec.md §4.7 step 1 ("pick a random identifier
// whose cpl with the local identifier equals the bucket's depth"): it
// copies local's leading cpl bits, flips the next bit so cpl is exact
// rather than a lower bound, and leaves the remaining bits random.
func RandomKeyWithCPL(local identity.Key, cpl int) (identity.Key, error) {
	var out identity.Key
	if _, err := rand.Read(out[:]); err != nil {
		return out, err
	}
	if cpl > 8*identity.KeySize {
		cpl = 8 * identity.KeySize
	}

	for bit := 0; bit < cpl; bit++ {
		setBit(&out, bit, getBit(local, bit))
	}
	if cpl < 8*identity.KeySize {
		setBit(&out, cpl, 1-getBit(local, cpl))
	}
	return out, nil
}

func getBit(k identity.Key, bit int) byte {
	byteIdx := bit / 8
	bitInByte := uint(bit % 8)
	return (k[byteIdx] >> (7 - bitInByte)) & 1
}

func setBit(k *identity.Key, bit int, v byte) {
	byteIdx := bit / 8
	bitInByte := uint(bit % 8)
	mask := byte(1) << (7 - bitInByte)
	if v == 1 {
		k[byteIdx] |= mask
	} else {
		k[byteIdx] &^= mask
	}
}
