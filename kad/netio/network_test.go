package netio

import (
	"context"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/kadmesh/kad/pb"
)

func newTestHostPair(t *testing.T) (host.Host, host.Host) {
	t.Helper()
	a, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	b, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(); b.Close() })

	require.NoError(t, a.Connect(context.Background(), peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()}))
	return a, b
}

func TestSendRequestRoundTrip(t *testing.T) {
	a, b := newTestHostPair(t)

	srv := New(b, ProtocolID("/test", false), nil)
	srv.SetRequestHandler(func(ctx context.Context, from peer.ID, req *pb.Message) *pb.Message {
		return &pb.Message{Type: pb.MessageTypePing}
	})

	cli := New(a, ProtocolID("/test", false), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := cli.SendRequest(ctx, b.ID(), &pb.Message{Type: pb.MessageTypeFindNode})

	var kinds []EventKind
	var gotResponse bool
	for e := range events {
		kinds = append(kinds, e.Kind)
		if e.Kind == EventPeerResponse {
			gotResponse = true
			require.Equal(t, pb.MessageTypePing, e.Type)
		}
	}
	require.True(t, gotResponse)
	require.Equal(t, EventDialingPeer, kinds[0])
}

func TestSendRequestHandlerNilClosesSilently(t *testing.T) {
	a, b := newTestHostPair(t)

	srv := New(b, ProtocolID("/test", false), nil)
	srv.SetRequestHandler(func(ctx context.Context, from peer.ID, req *pb.Message) *pb.Message {
		return nil
	})

	cli := New(a, ProtocolID("/test", false), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := cli.SendRequest(ctx, b.ID(), &pb.Message{Type: pb.MessageTypePing})

	var sawError bool
	for e := range events {
		if e.Kind == EventQueryError {
			sawError = true
		}
	}
	require.True(t, sawError, "closing without a reply should surface as a read error to the caller")
}

func TestPingOpensAndClosesStream(t *testing.T) {
	a, b := newTestHostPair(t)

	srv := New(b, ProtocolID("/test", false), nil)
	srv.SetRequestHandler(func(ctx context.Context, from peer.ID, req *pb.Message) *pb.Message {
		return nil
	})

	cli := New(a, ProtocolID("/test", false), nil)
	err := cli.Ping(context.Background(), b.ID())
	require.NoError(t, err)
}
