// Package kad is the orchestration root: it wires the routing table,
// provider store, network layer, query engine, RPC handler, and refresh
// loops into the public DHT operations spec.md §3 describes (PutValue,
// GetValue, Provide, FindProviders, FindPeer), instantiated once for WAN
// and, per the DESIGN NOTES' "LAN vs WAN dual instantiation", optionally
// again for LAN with a second, independent routing table and protocol ID.
package kad

import (
	"context"
	"log/slog"
	"time"

	"github.com/ipfs/go-cid"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/libp2p/go-libp2p/core/host"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/nmxmxh/kadmesh/kad/addrfilter"
	"github.com/nmxmxh/kadmesh/kad/errs"
	"github.com/nmxmxh/kadmesh/kad/handler"
	"github.com/nmxmxh/kadmesh/kad/identity"
	"github.com/nmxmxh/kadmesh/kad/kbucket"
	"github.com/nmxmxh/kadmesh/kad/netio"
	"github.com/nmxmxh/kadmesh/kad/pb"
	"github.com/nmxmxh/kadmesh/kad/providers"
	"github.com/nmxmxh/kadmesh/kad/query"
	"github.com/nmxmxh/kadmesh/kad/refresh"
)

// DHT is one Kademlia instance bound to a libp2p host, for either the WAN
// or LAN routing table (construct two DHTs, one per variant, to run both).
type DHT struct {
	cfg    Config
	host   host.Host
	local  string
	logger *slog.Logger

	table     *kbucket.Table
	providers *providers.Store
	network   *netio.Network
	handler   *handler.Handler
	topology  *Topology
	refresher *refresh.Refresher
	filter    *addrfilter.Filter
	health    *kbucket.HealthTracker

	shutdown *shutdownSequence
	cancel   context.CancelFunc
}

// New constructs a DHT bound to h, not yet listening for inbound streams —
// call Start to register the protocol handler and begin refresh loops.
func New(h host.Host, opts ...Option) (*DHT, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	filter, err := addrfilter.New()
	if err != nil {
		return nil, errs.Wrap(err, "building address filter")
	}

	local := h.ID().String()

	provStore := providers.New(providers.DefaultMaxKeys,
		providers.WithTTL(cfg.ProviderTTL),
		providers.WithLogger(cfg.Logger))

	protocolID := netio.ProtocolID(cfg.ProtocolPrefix, cfg.LAN)
	net := netio.New(h, protocolID, cfg.Logger)

	d := &DHT{
		cfg:       cfg,
		host:      h,
		local:     local,
		logger:    cfg.Logger.With("component", "dht", "lan", cfg.LAN),
		providers: provStore,
		network:   net,
		filter:    filter,
		health:    kbucket.NewHealthTracker(cfg.Logger),
		shutdown:  newShutdownSequence(10*time.Second, cfg.Logger),
	}

	// d.pingPeer closes over d.network, so the table (which needs the ping
	// func at construction) is built only after d exists.
	table := kbucket.New([]byte(local), cfg.KBucketSize, d.pingPeer,
		kbucket.WithLogger(cfg.Logger),
		kbucket.WithEvents(d.onPeerAdd, d.onPeerRemove),
		kbucket.WithHealthFunc(d.health.KnownDead))
	d.table = table
	d.topology = NewTopology(table, cfg.Logger)

	d.handler = &handler.Handler{
		Table:      table,
		Providers:  provStore,
		Records:    cfg.Records,
		Validators: cfg.Validators,
		AddrBook:   hostAddrBook{h},
		Filter:     filter,
		LAN:        cfg.LAN,
		K:          cfg.KBucketSize,
		LocalID:    local,
		Logger:     cfg.Logger,
	}

	d.refresher = refresh.New(table, d.selfLookup,
		refresh.WithInterval(cfg.RefreshInterval),
		refresh.WithQuerySelfInterval(cfg.QuerySelfInterval),
		refresh.WithLogger(cfg.Logger))

	return d, nil
}

// Start registers the protocol handler and begins the refresh/query-self
// loops. A client-mode node (spec.md §1/§2, default true) only issues
// queries: it never registers a request handler and never admits inbound
// peers into its routing table. Startup failures are fatal per spec.md §7.
func (d *DHT) Start(ctx context.Context) error {
	if !d.cfg.ClientMode {
		d.network.SetRequestHandler(func(ctx context.Context, from libp2pPeer.ID, req *pb.Message) *pb.Message {
			d.topology.AddPeer(from.String())
			return d.handler.Handle(from.String(), req)
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	go d.refresher.Run(runCtx)

	d.shutdown.register(func() error { d.refresher.Close(); return nil })
	d.shutdown.register(func() error { d.table.Close(); return nil })
	d.shutdown.register(func() error { d.providers.Close(); return nil })

	d.logger.Info("dht started", "local_id", d.local, "protocol", string(netio.ProtocolID(d.cfg.ProtocolPrefix, d.cfg.LAN)))
	return nil
}

// Stop runs the shutdown sequence, closing streams and background loops.
func (d *DHT) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	return d.shutdown.run(ctx)
}

func (d *DHT) pingPeer(peerID string) error {
	pid, err := libp2pPeer.Decode(peerID)
	if err != nil {
		d.health.RecordFailure(peerID)
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PingTimeout)
	defer cancel()
	if err := d.network.Ping(ctx, pid); err != nil {
		d.health.RecordFailure(peerID)
		return err
	}
	d.health.RecordSuccess(peerID)
	return nil
}

func (d *DHT) onPeerAdd(peerID string)    { d.logger.Debug("peer:add", "peer", peerID) }
func (d *DHT) onPeerRemove(peerID string) { d.logger.Debug("peer:remove", "peer", peerID) }

// send adapts netio.Network.SendRequest to query.SendFunc's string-keyed
// peer IDs, feeding every outcome into the health tracker so ping
// arbitration benefits from query traffic, not just explicit pings.
func (d *DHT) send(ctx context.Context, peerID string, msg *pb.Message) <-chan netio.QueryEvent {
	pid, err := libp2pPeer.Decode(peerID)
	if err != nil {
		d.health.RecordFailure(peerID)
		out := make(chan netio.QueryEvent, 1)
		out <- netio.QueryEvent{Kind: netio.EventQueryError, From: peerID, Err: err, ErrClass: netio.ErrClassProtocolMismatch}
		close(out)
		return out
	}

	in := d.network.SendRequest(ctx, pid, msg)
	out := make(chan netio.QueryEvent)
	go func() {
		defer close(out)
		for ev := range in {
			switch ev.Kind {
			case netio.EventPeerResponse:
				d.health.RecordSuccess(peerID)
			case netio.EventQueryError:
				d.health.RecordFailure(peerID)
			}
			out <- ev
		}
	}()
	return out
}

func (d *DHT) seeds(target []byte) []query.Candidate {
	ids := d.table.ClosestPeers(identity.ToRoutingKey(target), d.cfg.KBucketSize)
	out := make([]query.Candidate, len(ids))
	for i, id := range ids {
		out[i] = query.Candidate{Key: identity.ToRoutingKey([]byte(id)), PeerID: id}
	}
	return out
}

func (d *DHT) selfLookup(ctx context.Context, target identity.Key) {
	for range query.FindNode(ctx, d.local, d.seeds([]byte(d.local)), d.cfg.queryConfig(), d.send) {
	}
}

// Bootstrap admits a already-connected peer into the routing table and
// runs a self-lookup seeded from it, so a freshly joined node (whose
// table would otherwise be empty) discovers the rest of the network
// through that one known peer.
func (d *DHT) Bootstrap(ctx context.Context, peerID string) {
	d.topology.AddPeer(peerID)
	seed := []query.Candidate{{Key: identity.ToRoutingKey([]byte(peerID)), PeerID: peerID}}
	for range query.FindNode(ctx, d.local, seed, d.cfg.queryConfig(), d.send) {
	}
}

// FindPeer locates a peer's multiaddrs via FIND_NODE, satisfied per
// spec.md §4.5 when the target is observed in a closer-peer set.
func (d *DHT) FindPeer(ctx context.Context, peerID string) ([]pb.Peer, error) {
	var found []pb.Peer
	for ev := range query.FindNode(ctx, peerID, d.seeds([]byte(peerID)), d.cfg.queryConfig(), d.send) {
		if ev.Kind != query.EventPeerResponse {
			continue
		}
		for _, p := range ev.Closer {
			if string(p.ID) == peerID {
				found = append(found, p)
			}
		}
	}
	if len(found) == 0 {
		return nil, errs.ErrNoMessageReceived
	}
	return found, nil
}

// PutValue validates value under key's namespace, then fans the write out
// to the K peers closest to key (spec.md §4.5's PUT_VALUE pattern).
func (d *DHT) PutValue(ctx context.Context, key string, value []byte) (int, error) {
	ns := namespaceOf(key)
	if err := d.cfg.Validators.Validate(ns, key, value); err != nil {
		return 0, errs.Wrap(errs.ErrInvalidRecord, err.Error())
	}
	record := &pb.Record{Key: []byte(key), Value: value, TimeReceived: time.Now().UTC().Format(time.RFC3339)}
	writeFor := func(peerID string) *pb.Message {
		return &pb.Message{Type: pb.MessageTypePutValue, Key: []byte(key), Record: record}
	}
	n := query.FanOut(ctx, []byte(key), d.seeds([]byte(key)), d.cfg.queryConfig(), d.send, writeFor)
	return n, nil
}

// GetValue collects up to the configured quorum of valid records for key
// and returns the one key's namespace selector picks (the first record
// found when the selector reports an error). The chosen record is not sent
// back to peers that returned a stale or no record.
func (d *DHT) GetValue(ctx context.Context, key string) ([]byte, error) {
	ns := namespaceOf(key)
	validate := func(value []byte) error { return d.cfg.Validators.Validate(ns, key, value) }

	var values [][]byte
	for ev := range query.GetValue(ctx, key, d.cfg.GetValueQuorum, validate, d.seeds([]byte(key)), d.cfg.queryConfig(), d.send) {
		if ev.Kind == query.EventValueFound {
			values = append(values, ev.Value)
		}
	}
	if len(values) == 0 {
		return nil, errs.ErrNoMessageReceived
	}
	best := 0
	if len(values) > 1 {
		if i, err := d.cfg.Validators.Select(ns, key, values); err == nil && i >= 0 && i < len(values) {
			best = i
		}
	}
	return values[best], nil
}

// Provide advertises the local peer as a provider of c to the K peers
// closest to it (spec.md §4.5's ADD_PROVIDER pattern). The content
// identifier is a first-class cid.Cid rather than an opaque string, so
// callers get the same type safety the rest of the IPFS ecosystem uses
// for provider-record keys.
func (d *DHT) Provide(ctx context.Context, c cid.Cid) (int, error) {
	key := c.Bytes()
	writeFor := func(peerID string) *pb.Message {
		return &pb.Message{
			Type:          pb.MessageTypeAddProvider,
			Key:           key,
			ProviderPeers: []pb.Peer{{ID: []byte(d.local)}},
		}
	}
	n := query.FanOut(ctx, key, d.seeds(key), d.cfg.queryConfig(), d.send, writeFor)
	return n, nil
}

// FindProviders streams unique providers of c until K distinct are found
// or every path is exhausted.
func (d *DHT) FindProviders(ctx context.Context, c cid.Cid) <-chan string {
	key := string(c.Bytes())
	out := make(chan string)
	go func() {
		defer close(out)
		for ev := range query.GetProviders(ctx, key, d.seeds(c.Bytes()), d.cfg.queryConfig(), d.send) {
			if ev.Kind == query.EventProviderFound {
				out <- string(ev.Provider.ID)
			}
		}
	}()
	return out
}

func namespaceOf(key string) string {
	for i := 1; i < len(key); i++ {
		if key[i] == '/' {
			return key[1:i]
		}
	}
	if len(key) > 0 && key[0] == '/' {
		return key[1:]
	}
	return ""
}

// hostAddrBook adapts a libp2p host's peerstore to handler.AddressBook.
type hostAddrBook struct{ h host.Host }

func (a hostAddrBook) Addrs(peerID string) []ma.Multiaddr {
	pid, err := libp2pPeer.Decode(peerID)
	if err != nil {
		return nil
	}
	return a.h.Peerstore().Addrs(pid)
}
