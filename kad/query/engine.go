// Package query implements the iterative lookup engine from spec.md §4.5:
// S/Kademlia-style alpha-parallel, D-disjoint-path lookups over the DHT
// wire protocol. Grounded on the teacher's
// kernel/core/mesh/routing/dht.go iterativeFindNode/lookupChunk (same
// shortlist-sort-trim, alpha-candidates-per-round shape) generalized from
// a single shared shortlist to claimed-disjoint per-path shortlists and
// from "return a slice" to a lazy tagged-variant Event sequence.
package query

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/kadmesh/kad/errs"
	"github.com/nmxmxh/kadmesh/kad/identity"
	"github.com/nmxmxh/kadmesh/kad/netio"
	"github.com/nmxmxh/kadmesh/kad/pb"
)

// Defaults from spec.md §4.5.
const (
	DefaultAlpha = 3
	DefaultK     = 20
	DefaultBeta  = 1
)

// DisjointPaths computes D = ceil(K/2).
func DisjointPaths(k int) int {
	return (k + 1) / 2
}

// Candidate is a routing-table contact considered as a lookup target.
type Candidate struct {
	Key    identity.Key
	PeerID string
}

// SendFunc issues one request to peerID and streams the network layer's
// lifecycle events for it, matching netio.Network.SendRequest's signature
// but keyed by the string peer IDs the routing table and query engine use.
type SendFunc func(ctx context.Context, peerID string, msg *pb.Message) <-chan netio.QueryEvent

// Satisfier inspects one peer_response event and reports whether the
// overall query is now satisfied (per-operation rule from spec.md §4.5).
// It may also emit extra Events (value_found, provider_found) onto out.
type Satisfier func(resp netio.QueryEvent, out chan<- Event) (satisfied bool)

// Config tunes one lookup.
type Config struct {
	Alpha         int
	K             int
	DisjointPaths int
	Beta          int
}

// DefaultConfig returns spec.md §4.5's defaults.
func DefaultConfig() Config {
	return Config{Alpha: DefaultAlpha, K: DefaultK, DisjointPaths: DisjointPaths(DefaultK), Beta: DefaultBeta}
}

// Lookup runs one iterative query to completion, emitting events on the
// returned channel until every path has terminated or ctx is done. The
// request message is cloned per peer by requestFor so callers can embed
// the target/key per spec.md §4.6's dispatch table.
func Lookup(ctx context.Context, target identity.Key, seeds []Candidate, cfg Config, send SendFunc, requestFor func(peerID string) *pb.Message, satisfy Satisfier) <-chan Event {
	if cfg.Alpha <= 0 {
		cfg.Alpha = DefaultAlpha
	}
	if cfg.K <= 0 {
		cfg.K = DefaultK
	}
	if cfg.DisjointPaths <= 0 {
		cfg.DisjointPaths = DisjointPaths(cfg.K)
	}
	if cfg.Beta <= 0 {
		cfg.Beta = DefaultBeta
	}

	l := &lookup{
		target:     target,
		cfg:        cfg,
		send:       send,
		requestFor: requestFor,
		satisfy:    satisfy,
		events:     make(chan Event, 64),
	}
	l.claimed = &sync.Map{}
	l.paths = make([]*path, cfg.DisjointPaths)
	for i := range l.paths {
		l.paths[i] = &path{idx: i, queried: make(map[string]bool)}
	}

	// Seed round-robin across paths, claiming each seed for its path.
	for i, c := range seeds {
		p := l.paths[i%len(l.paths)]
		if _, loaded := l.claimed.LoadOrStore(c.PeerID, p.idx); !loaded {
			p.candidates = append(p.candidates, c)
		}
	}

	l.wg.Add(len(l.paths))
	for _, p := range l.paths {
		go l.runPath(ctx, p)
	}
	go func() {
		l.wg.Wait()
		close(l.events)
	}()

	return l.events
}

type lookup struct {
	target     identity.Key
	cfg        Config
	send       SendFunc
	requestFor func(peerID string) *pb.Message
	satisfy    Satisfier

	claimed *sync.Map // peerID -> path index
	paths   []*path
	wg      sync.WaitGroup
	events  chan Event

	satisfied atomic.Bool
}

type path struct {
	idx            int
	mu             sync.Mutex
	candidates     []Candidate // unqueried, kept sorted ascending by distance
	queried        map[string]bool
	inFlight       int
	noCloserStreak int
	bestDistance   *big.Int // nil until first response
}

func (l *lookup) runPath(ctx context.Context, p *path) {
	defer l.wg.Done()
	var pwg sync.WaitGroup

	for {
		if ctx.Err() != nil || l.satisfied.Load() {
			break
		}

		p.mu.Lock()
		sortCandidates(p.candidates, l.target)
		if len(p.candidates) == 0 || p.noCloserStreak >= l.cfg.Beta {
			p.mu.Unlock()
			break
		}
		var batch []Candidate
		for len(batch) < l.cfg.Alpha-p.inFlight && len(p.candidates) > 0 {
			batch = append(batch, p.candidates[0])
			p.candidates = p.candidates[1:]
		}
		p.inFlight += len(batch)
		p.mu.Unlock()

		if len(batch) == 0 {
			break
		}

		for _, c := range batch {
			pwg.Add(1)
			go func(c Candidate) {
				defer pwg.Done()
				l.queryOne(ctx, p, c)
			}(c)
		}
		pwg.Wait()
	}

	l.events <- Event{Kind: EventFinishPath, Path: p.idx}
}

func (l *lookup) queryOne(ctx context.Context, p *path, c Candidate) {
	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.queried[c.PeerID] = true
		p.mu.Unlock()
	}()

	req := l.requestFor(c.PeerID)
	improved := false

	for ev := range l.send(ctx, c.PeerID, req) {
		switch ev.Kind {
		case netio.EventPeerResponse:
			l.events <- Event{Kind: EventPeerResponse, From: ev.From, Path: p.idx, Type: ev.Type, Closer: ev.Closer}
			if l.satisfy != nil && l.satisfy(ev, l.events) {
				l.satisfied.Store(true)
			}
			if l.mergeCloser(p, c.Key, ev.Closer) {
				improved = true
			}
		case netio.EventQueryError:
			l.events <- Event{Kind: EventQueryError, From: ev.From, Path: p.idx, Err: classify(ev)}
		}
	}

	p.mu.Lock()
	if improved {
		p.noCloserStreak = 0
	} else {
		p.noCloserStreak++
	}
	p.mu.Unlock()
}

// mergeCloser claims and enqueues newly learned peers onto p, reporting
// whether any claimed peer is closer to the target than p's best so far.
func (l *lookup) mergeCloser(p *path, fromKey identity.Key, closer []pb.Peer) bool {
	improved := false
	for _, peer := range closer {
		peerID := string(peer.ID)
		if peerID == "" {
			continue
		}
		if _, loaded := l.claimed.LoadOrStore(peerID, p.idx); loaded {
			continue
		}

		key := identity.ToRoutingKey(peer.ID)
		dist := identity.XORDistance(l.target, key)

		p.mu.Lock()
		if p.queried[peerID] {
			p.mu.Unlock()
			continue
		}
		p.candidates = append(p.candidates, Candidate{Key: key, PeerID: peerID})
		if p.bestDistance == nil || dist.Cmp(p.bestDistance) < 0 {
			p.bestDistance = dist
			improved = true
		}
		p.mu.Unlock()
	}
	return improved
}

func sortCandidates(c []Candidate, target identity.Key) {
	sort.SliceStable(c, func(i, j int) bool {
		return identity.Less(target, c[i].Key, c[j].Key)
	})
}

func classify(ev netio.QueryEvent) error {
	if ev.Err == nil {
		return errs.ErrNoMessageReceived
	}
	switch ev.ErrClass {
	case netio.ErrClassAborted:
		return errs.Wrap(errs.ErrAborted, ev.Err.Error())
	case netio.ErrClassTimeout:
		return errs.Wrap(errs.ErrTimeout, ev.Err.Error())
	case netio.ErrClassDialFailed:
		return errs.Wrap(errs.ErrDialFailed, ev.Err.Error())
	default:
		return errs.Wrap(errs.ErrStreamReset, ev.Err.Error())
	}
}
