// Package netio is the network layer from spec.md §4.4: opens a protocol
// stream, writes one message, optionally reads one reply, and emits
// lifecycle events. Grounded on the teacher's internal/network/mesh.go
// (StartNodeWithStreams/SendPacket), generalized from a raw-byte-packet
// protocol to the length-prefixed pb.Message wire format and from a single
// fire-and-forget call to a typed QueryEvent stream per spec.md §4.4.
package netio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/nmxmxh/kadmesh/kad/errs"
	"github.com/nmxmxh/kadmesh/kad/pb"
)

// DefaultPingTimeout matches spec.md §4.7's fixed ping probe timeout.
const DefaultPingTimeout = 10 * time.Second

// ProtocolID builds the wire protocol name from spec.md §6:
// "/<prefix>/kad/1.0.0" or the LAN variant "/<prefix>/lan/kad/1.0.0".
func ProtocolID(prefix string, lan bool) protocol.ID {
	if lan {
		return protocol.ID(fmt.Sprintf("%s/lan/kad/1.0.0", prefix))
	}
	return protocol.ID(fmt.Sprintf("%s/kad/1.0.0", prefix))
}

// Network borrows streams from host for one DHT routing table (LAN or WAN)
// and dispatches inbound streams to a handler function.
type Network struct {
	host       host.Host
	protocolID protocol.ID
	logger     *slog.Logger
}

// New registers nothing by itself; call SetRequestHandler to accept inbound
// streams once a handler is ready.
func New(h host.Host, protocolID protocol.ID, logger *slog.Logger) *Network {
	if logger == nil {
		logger = slog.Default()
	}
	return &Network{host: h, protocolID: protocolID, logger: logger.With("component", "netio", "protocol", string(protocolID))}
}

// RequestHandler produces a response message for an inbound request, or nil
// to close the stream without a reply (spec.md §4.6's malformed-message
// rule: never send an empty reply, just close silently).
type RequestHandler func(ctx context.Context, from peer.ID, req *pb.Message) *pb.Message

// SetRequestHandler registers the DHT protocol stream handler on the host,
// mirroring the teacher's host.SetStreamHandler("/packet/1.0.0", ...) wiring.
func (n *Network) SetRequestHandler(handle RequestHandler) {
	n.host.SetStreamHandler(n.protocolID, func(s network.Stream) {
		defer s.Close()

		req, err := pb.ReadMessage(s)
		if err != nil {
			n.logger.Debug("inbound message unreadable, closing stream silently", "peer", s.Conn().RemotePeer(), "err", err)
			s.Reset()
			return
		}

		resp := handle(context.Background(), s.Conn().RemotePeer(), req)
		if resp == nil {
			return
		}
		if err := pb.WriteMessage(s, resp); err != nil {
			n.logger.Debug("failed writing response", "peer", s.Conn().RemotePeer(), "err", err)
		}
	})
}

// SendRequest opens one stream to p, writes req, reads exactly one
// response, then closes — spec.md §4.4's send_request, emitting events on
// the returned channel as it proceeds. It returns at once; the channel is
// closed when the exchange has finished.
func (n *Network) SendRequest(ctx context.Context, p peer.ID, req *pb.Message) <-chan QueryEvent {
	evt := make(chan QueryEvent, 4)
	go n.sendRequest(ctx, p, req, evt)
	return evt
}

func (n *Network) sendRequest(ctx context.Context, p peer.ID, req *pb.Message, evt chan<- QueryEvent) {
	defer close(evt)

	evt <- QueryEvent{Kind: EventDialingPeer, From: p.String()}

	s, err := n.host.NewStream(ctx, p, n.protocolID)
	if err != nil {
		evt <- classifyOpenErr(p.String(), err)
		return
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}

	evt <- QueryEvent{Kind: EventSendingQuery, From: p.String()}

	if err := pb.WriteMessage(s, req); err != nil {
		s.Reset()
		evt <- classifyIOErr(ctx, p.String(), err)
		return
	}

	resp, err := pb.ReadMessage(s)
	if err != nil {
		s.Reset()
		evt <- classifyIOErr(ctx, p.String(), err)
		return
	}

	evt <- QueryEvent{
		Kind:      EventPeerResponse,
		From:      p.String(),
		Type:      resp.Type,
		Closer:    resp.CloserPeers,
		Providers: resp.ProviderPeers,
		Record:    resp.Record,
	}
}

// SendMessage is send_request without reading a reply: it opens one stream
// to p, writes msg, and closes the stream without waiting for the peer's
// acknowledgement.
func (n *Network) SendMessage(ctx context.Context, p peer.ID, msg *pb.Message) error {
	s, err := n.host.NewStream(ctx, p, n.protocolID)
	if err != nil {
		return errs.Wrap(errs.ErrDialFailed, err.Error())
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}

	if err := pb.WriteMessage(s, msg); err != nil {
		s.Reset()
		return err
	}
	return nil
}

// Ping opens a bare protocol stream to p and closes it, counting as the
// liveness probe spec.md §4.2 describes ("opening the DHT protocol stream,
// writing nothing, then closing").
func (n *Network) Ping(ctx context.Context, p peer.ID) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()

	s, err := n.host.NewStream(ctx, p, n.protocolID)
	if err != nil {
		return errs.Wrap(errs.ErrDialFailed, err.Error())
	}
	return s.Close()
}

func classifyOpenErr(from string, err error) QueryEvent {
	return QueryEvent{Kind: EventQueryError, From: from, Err: err, ErrClass: ErrClassDialFailed}
}

func classifyIOErr(ctx context.Context, from string, err error) QueryEvent {
	class := ErrClassStreamReset
	switch {
	case ctx.Err() == context.Canceled:
		class = ErrClassAborted
	case ctx.Err() == context.DeadlineExceeded:
		class = ErrClassTimeout
	case err == io.EOF:
		class = ErrClassStreamReset
	}
	return QueryEvent{Kind: EventQueryError, From: from, Err: err, ErrClass: class}
}
