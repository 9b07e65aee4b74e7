package kad

import (
	"log/slog"
	"sync"

	"github.com/nmxmxh/kadmesh/kad/kbucket"
)

// Topology bridges externally discovered peers (connection-manager
// notifications, discovery sources such as mDNS/rendezvous) into a routing
// table's Add/Remove, deduplicating bulk updates against the table's
// current membership. Grounded on the teacher's
// kernel/core/mesh/routing/gossip.go GossipManager.UpdatePeers/AddPeer/
// RemovePeer — same "list of known peer IDs, add/remove/replace" shape —
// adapted from a flat peer list to routing-table admission, where "add" no
// longer unconditionally keeps the peer but defers to ping arbitration.
type Topology struct {
	table  *kbucket.Table
	mu     sync.Mutex
	known  map[string]bool
	logger *slog.Logger
}

// NewTopology wraps table for bulk and incremental peer-discovery updates.
func NewTopology(table *kbucket.Table, logger *slog.Logger) *Topology {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topology{
		table:  table,
		known:  make(map[string]bool),
		logger: logger.With("component", "topology"),
	}
}

// AddPeer admits a single newly discovered peer into the routing table.
func (t *Topology) AddPeer(peerID string) {
	t.mu.Lock()
	t.known[peerID] = true
	t.mu.Unlock()
	t.table.Add(peerID)
}

// RemovePeer evicts a peer the connection manager reports as gone.
func (t *Topology) RemovePeer(peerID string) {
	t.mu.Lock()
	delete(t.known, peerID)
	t.mu.Unlock()
	t.table.Remove(peerID)
}

// UpdatePeers replaces the known peer set wholesale: newly seen peers are
// added, and peers no longer present are removed from the routing table.
// Mirrors the teacher's UpdatePeers([]string) bulk-replace semantics.
func (t *Topology) UpdatePeers(peers []string) {
	next := make(map[string]bool, len(peers))
	for _, p := range peers {
		next[p] = true
	}

	t.mu.Lock()
	var toRemove []string
	for p := range t.known {
		if !next[p] {
			toRemove = append(toRemove, p)
		}
	}
	var toAdd []string
	for p := range next {
		if !t.known[p] {
			toAdd = append(toAdd, p)
		}
	}
	t.known = next
	t.mu.Unlock()

	for _, p := range toRemove {
		t.table.Remove(p)
	}
	for _, p := range toAdd {
		t.table.Add(p)
	}
	t.logger.Debug("topology updated", "added", len(toAdd), "removed", len(toRemove), "total", len(next))
}
