// Package handler implements the inbound RPC dispatch table from spec.md
// §4.6. Grounded on the teacher's internal/network/mesh.go stream-handler
// shape (read request, compute response, write response or close) and on
// kernel/core/mesh/routing/dht.go's FindNode/AddPeer for the routing-table
// reads a handler needs, generalized to the six-message dispatch table.
package handler

import (
	"bytes"
	"log/slog"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/kadmesh/kad/addrfilter"
	"github.com/nmxmxh/kadmesh/kad/datastore"
	"github.com/nmxmxh/kadmesh/kad/identity"
	"github.com/nmxmxh/kadmesh/kad/kbucket"
	"github.com/nmxmxh/kadmesh/kad/pb"
	"github.com/nmxmxh/kadmesh/kad/providers"
	"github.com/nmxmxh/kadmesh/kad/validator"
)

// AddressBook resolves a peer's known multiaddrs, standing in for the
// external peer store collaborator (spec.md §6).
type AddressBook interface {
	Addrs(peerID string) []ma.Multiaddr
}

// Handler dispatches inbound DHT messages per spec.md §4.6's table.
type Handler struct {
	Table      *kbucket.Table
	Providers  *providers.Store
	Records    datastore.Datastore
	Validators *validator.Registry
	AddrBook   AddressBook
	Filter     *addrfilter.Filter
	LAN        bool
	K          int
	LocalID    string

	Logger *slog.Logger
}

// Handle dispatches req per spec.md §4.6, returning the reply message or
// nil when the stream should close without a reply (malformed or rejected
// request).
func (h *Handler) Handle(from string, req *pb.Message) *pb.Message {
	logger := h.logger()
	if req == nil {
		return nil
	}

	switch req.Type {
	case pb.MessageTypePing:
		return h.handlePing(req)
	case pb.MessageTypeFindNode:
		return h.handleFindNode(req)
	case pb.MessageTypeGetValue:
		return h.handleGetValue(req)
	case pb.MessageTypePutValue:
		return h.handlePutValue(from, req)
	case pb.MessageTypeGetProviders:
		return h.handleGetProviders(req)
	case pb.MessageTypeAddProvider:
		return h.handleAddProvider(from, req)
	default:
		logger.Debug("malformed message: unknown type, closing silently", "from", from, "type", int32(req.Type))
		return nil
	}
}

func (h *Handler) handlePing(req *pb.Message) *pb.Message {
	return &pb.Message{Type: pb.MessageTypePing}
}

func (h *Handler) handleFindNode(req *pb.Message) *pb.Message {
	if len(req.Key) == 0 {
		return nil
	}
	target := identity.ToRoutingKey(req.Key)
	return &pb.Message{
		Type:        pb.MessageTypeFindNode,
		Key:         req.Key,
		CloserPeers: h.closestWithAddrs(target),
	}
}

func (h *Handler) handleGetValue(req *pb.Message) *pb.Message {
	if len(req.Key) == 0 {
		return nil
	}
	target := identity.ToRoutingKey(req.Key)
	resp := &pb.Message{
		Type:        pb.MessageTypeGetValue,
		Key:         req.Key,
		CloserPeers: h.closestWithAddrs(target),
	}

	if h.Records == nil {
		return resp
	}
	value, err := h.Records.Get(req.Key)
	if err != nil {
		return resp
	}
	ns := namespaceOf(req.Key)
	if h.Validators != nil && h.Validators.Validate(ns, string(req.Key), value) != nil {
		return resp
	}
	resp.Record = &pb.Record{Key: req.Key, Value: value, TimeReceived: time.Now().UTC().Format(time.RFC3339)}
	return resp
}

func (h *Handler) handlePutValue(from string, req *pb.Message) *pb.Message {
	if req.Record == nil || !bytes.Equal(req.Record.Key, req.Key) {
		return nil
	}
	ns := namespaceOf(req.Key)
	if h.Validators != nil {
		if err := h.Validators.Validate(ns, string(req.Key), req.Record.Value); err != nil {
			h.logger().Debug("put_value rejected by validator", "from", from, "err", err)
			return nil
		}
	}

	if h.Records == nil {
		return nil
	}

	var current *pb.Record
	if existing, err := h.Records.Get(req.Key); err == nil {
		current = &pb.Record{Key: req.Key, Value: existing}
	}

	shouldStore := true
	if current != nil && h.Validators != nil {
		better, err := h.Validators.BetterRecord(ns, string(req.Key), current, req.Record)
		shouldStore = err == nil && better
	}

	stored := current
	if shouldStore {
		if err := h.Records.Put(req.Key, req.Record.Value); err != nil {
			return nil
		}
		stored = req.Record
	}

	return &pb.Message{Type: pb.MessageTypePutValue, Key: req.Key, Record: stored}
}

func (h *Handler) handleGetProviders(req *pb.Message) *pb.Message {
	if len(req.Key) == 0 {
		return nil
	}
	target := identity.ToRoutingKey(req.Key)
	resp := &pb.Message{
		Type:        pb.MessageTypeGetProviders,
		Key:         req.Key,
		CloserPeers: h.closestWithAddrs(target),
	}
	if h.Providers == nil {
		return resp
	}
	cid := string(req.Key)
	for _, p := range h.Providers.GetProviders(cid, time.Now()) {
		resp.ProviderPeers = append(resp.ProviderPeers, pb.Peer{ID: []byte(p), Addrs: addrBytes(h.addrsFor(p))})
	}
	return resp
}

func (h *Handler) handleAddProvider(from string, req *pb.Message) *pb.Message {
	if len(req.Key) == 0 || h.Providers == nil {
		return nil
	}
	cid := string(req.Key)

	advertised := false
	for _, p := range req.ProviderPeers {
		if string(p.ID) == from {
			advertised = true
			break
		}
	}
	if !advertised {
		h.logger().Debug("add_provider rejected: sender not in advertised providers", "from", from, "cid", cid)
		return nil
	}

	h.Providers.AddProvider(cid, from, time.Now())
	return &pb.Message{Type: pb.MessageTypeAddProvider, Key: req.Key}
}

func (h *Handler) closestWithAddrs(target identity.Key) []pb.Peer {
	if h.Table == nil {
		return nil
	}
	k := h.K
	if k <= 0 {
		k = kbucket.DefaultBucketSize
	}
	ids := h.Table.ClosestPeers(target, k)
	out := make([]pb.Peer, 0, len(ids))
	for _, id := range ids {
		out = append(out, pb.Peer{ID: []byte(id), Addrs: addrBytes(h.addrsFor(id))})
	}
	return out
}

func (h *Handler) addrsFor(peerID string) []ma.Multiaddr {
	if h.AddrBook == nil {
		return nil
	}
	addrs := h.AddrBook.Addrs(peerID)
	if h.Filter == nil {
		return addrs
	}
	if h.LAN {
		return h.Filter.FilterLAN(addrs)
	}
	return h.Filter.FilterWAN(addrs)
}

func addrBytes(addrs []ma.Multiaddr) [][]byte {
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		out[i] = a.Bytes()
	}
	return out
}

func namespaceOf(key []byte) string {
	s := string(key)
	if !strings.HasPrefix(s, "/") {
		return ""
	}
	parts := strings.SplitN(s[1:], "/", 2)
	return parts[0]
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
