package query

import (
	"context"
	"sync"

	"github.com/nmxmxh/kadmesh/kad/identity"
	"github.com/nmxmxh/kadmesh/kad/netio"
	"github.com/nmxmxh/kadmesh/kad/pb"
)

// FindNode runs a lookup satisfied when targetPeerID is observed in any
// response's closer set (spec.md §4.5's FIND_NODE satisfaction rule).
func FindNode(ctx context.Context, targetPeerID string, seeds []Candidate, cfg Config, send SendFunc) <-chan Event {
	target := identity.ToRoutingKey([]byte(targetPeerID))
	req := func(peerID string) *pb.Message {
		return &pb.Message{Type: pb.MessageTypeFindNode, Key: []byte(targetPeerID)}
	}
	satisfy := func(resp netio.QueryEvent, out chan<- Event) bool {
		for _, p := range resp.Closer {
			if string(p.ID) == targetPeerID {
				return true
			}
		}
		return false
	}
	return Lookup(ctx, target, seeds, cfg, send, req, satisfy)
}

// GetValue runs a lookup for key, collecting up to quorum distinct valid
// records (spec.md's "collect up to Q valid records") and emitting
// value_found for each. Namespace resolution and the selector's choice
// among the collected records are the caller's concern (dht.go): this
// engine only gathers candidates and reports when quorum is reached. No
// "put-back" of the chosen record to peers that returned a stale or no
// record is performed, here or in dht.go.
func GetValue(ctx context.Context, key string, quorum int, validate func(value []byte) error, seeds []Candidate, cfg Config, send SendFunc) <-chan Event {
	target := identity.ToRoutingKey([]byte(key))
	req := func(peerID string) *pb.Message {
		return &pb.Message{Type: pb.MessageTypeGetValue, Key: []byte(key)}
	}

	var mu sync.Mutex
	found := 0

	satisfy := func(resp netio.QueryEvent, out chan<- Event) bool {
		if resp.Record == nil {
			return false
		}
		if validate != nil && validate(resp.Record.Value) != nil {
			return false
		}
		out <- Event{Kind: EventValueFound, From: resp.From, Record: resp.Record, Value: resp.Record.Value}

		mu.Lock()
		defer mu.Unlock()
		found++
		return found >= quorum
	}
	return Lookup(ctx, target, seeds, cfg, send, req, satisfy)
}

// GetProviders streams unique providers for cid until K distinct providers
// have been seen or every path is exhausted.
func GetProviders(ctx context.Context, cid string, seeds []Candidate, cfg Config, send SendFunc) <-chan Event {
	target := identity.ToRoutingKey([]byte(cid))
	req := func(peerID string) *pb.Message {
		return &pb.Message{Type: pb.MessageTypeGetProviders, Key: []byte(cid)}
	}

	var mu sync.Mutex
	seen := make(map[string]bool)

	satisfy := func(resp netio.QueryEvent, out chan<- Event) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range resp.Providers {
			id := string(p.ID)
			if seen[id] {
				continue
			}
			seen[id] = true
			out <- Event{Kind: EventProviderFound, From: resp.From, Provider: p}
		}
		return len(seen) >= cfg.K
	}
	return Lookup(ctx, target, seeds, cfg, send, req, satisfy)
}

// FanOut discovers the K peers closest to targetKey via a FindNode-shaped
// lookup that never self-terminates early, then issues one write request
// to each of those K peers in parallel, returning the count that replied
// without a query_error — spec.md's "lookup closest K, then fan-out
// writes" pattern shared by PUT_VALUE and ADD_PROVIDER.
func FanOut(ctx context.Context, targetKey []byte, seeds []Candidate, cfg Config, send SendFunc, writeFor func(peerID string) *pb.Message) int {
	target := identity.ToRoutingKey(targetKey)

	var mu sync.Mutex
	closest := append([]Candidate{}, seeds...)

	req := func(peerID string) *pb.Message {
		return &pb.Message{Type: pb.MessageTypeFindNode, Key: targetKey}
	}
	collect := func(resp netio.QueryEvent, out chan<- Event) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range resp.Closer {
			closest = append(closest, Candidate{Key: identity.ToRoutingKey(p.ID), PeerID: string(p.ID)})
		}
		return false
	}

	for range Lookup(ctx, target, seeds, cfg, send, req, collect) {
		// Drain: FanOut only needs collect's side effect on `closest`.
	}

	mu.Lock()
	candidates := dedupeCandidates(closest)
	mu.Unlock()

	distanced := make([]identity.Distanced[Candidate], len(candidates))
	for i, c := range candidates {
		distanced[i] = identity.Distanced[Candidate]{Key: c.Key, Value: c}
	}
	identity.SortByDistance(distanced, target)
	if len(distanced) > cfg.K {
		distanced = distanced[:cfg.K]
	}

	var wg sync.WaitGroup
	var counter counter
	for _, d := range distanced {
		wg.Add(1)
		go func(c Candidate) {
			defer wg.Done()
			msg := writeFor(c.PeerID)
			for ev := range send(ctx, c.PeerID, msg) {
				if ev.Kind == netio.EventPeerResponse {
					counter.add(1)
				}
			}
		}(d.Value)
	}
	wg.Wait()
	return counter.load()
}

func dedupeCandidates(in []Candidate) []Candidate {
	seen := make(map[string]bool, len(in))
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		if seen[c.PeerID] {
			continue
		}
		seen[c.PeerID] = true
		out = append(out, c)
	}
	return out
}

// counter is a tiny mutex-guarded tally, avoiding a sync/atomic import for
// the single increment-and-read FanOut needs.
type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) add(d int) {
	c.mu.Lock()
	c.n += d
	c.mu.Unlock()
}

func (c *counter) load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
