package handler

import (
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/kadmesh/kad/datastore"
	"github.com/nmxmxh/kadmesh/kad/kbucket"
	"github.com/nmxmxh/kadmesh/kad/pb"
	"github.com/nmxmxh/kadmesh/kad/providers"
)

type noopAddrBook struct{}

func (noopAddrBook) Addrs(string) []ma.Multiaddr { return nil }

func newTestHandler() *Handler {
	tbl := kbucket.New([]byte("local"), 20, func(string) error { return nil })
	return &Handler{
		Table:     tbl,
		Providers: providers.New(providers.DefaultMaxKeys),
		Records:   datastore.NewMemory(),
		AddrBook:  noopAddrBook{},
		K:         20,
	}
}

func TestHandlePingEchoes(t *testing.T) {
	h := newTestHandler()
	resp := h.Handle("peer-a", &pb.Message{Type: pb.MessageTypePing})
	require.NotNil(t, resp)
	assert.Equal(t, pb.MessageTypePing, resp.Type)
}

func TestHandleFindNodeReturnsCloserPeers(t *testing.T) {
	h := newTestHandler()
	h.Table.Add("peer-a")
	h.Table.Add("peer-b")

	resp := h.Handle("peer-c", &pb.Message{Type: pb.MessageTypeFindNode, Key: []byte("target")})
	require.NotNil(t, resp)
	assert.Len(t, resp.CloserPeers, 2)
}

func TestHandlePutValueThenGetValueRoundTrips(t *testing.T) {
	h := newTestHandler()
	key := []byte("/test/foo")

	putResp := h.Handle("peer-a", &pb.Message{
		Type:   pb.MessageTypePutValue,
		Key:    key,
		Record: &pb.Record{Key: key, Value: []byte("bar")},
	})
	require.NotNil(t, putResp)
	require.NotNil(t, putResp.Record)
	assert.Equal(t, []byte("bar"), putResp.Record.Value)

	getResp := h.Handle("peer-a", &pb.Message{Type: pb.MessageTypeGetValue, Key: key})
	require.NotNil(t, getResp)
	require.NotNil(t, getResp.Record)
	assert.Equal(t, []byte("bar"), getResp.Record.Value)
}

func TestHandleAddProviderRequiresAdvertisement(t *testing.T) {
	h := newTestHandler()
	cid := []byte("cid-1")

	resp := h.Handle("peer-a", &pb.Message{
		Type: pb.MessageTypeAddProvider,
		Key:  cid,
		// peer-a did not advertise itself, so this must be rejected
		ProviderPeers: []pb.Peer{{ID: []byte("someone-else")}},
	})
	assert.Nil(t, resp)
	assert.Empty(t, h.Providers.GetProviders(string(cid), time.Now()))
}

func TestHandleAddProviderThenGetProviders(t *testing.T) {
	h := newTestHandler()
	cid := []byte("cid-1")

	resp := h.Handle("peer-a", &pb.Message{
		Type:          pb.MessageTypeAddProvider,
		Key:           cid,
		ProviderPeers: []pb.Peer{{ID: []byte("peer-a")}},
	})
	require.NotNil(t, resp)
	assert.Equal(t, pb.MessageTypeAddProvider, resp.Type)

	getResp := h.Handle("peer-b", &pb.Message{Type: pb.MessageTypeGetProviders, Key: cid})
	require.NotNil(t, getResp)
	require.Len(t, getResp.ProviderPeers, 1)
	assert.Equal(t, "peer-a", string(getResp.ProviderPeers[0].ID))
}

func TestHandleUnknownTypeClosesSilently(t *testing.T) {
	h := newTestHandler()
	resp := h.Handle("peer-a", &pb.Message{Type: pb.MessageType(99)})
	assert.Nil(t, resp)
}
