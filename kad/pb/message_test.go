package pb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{
		Type: MessageTypeFindNode,
		Key:  []byte("target-key"),
		Record: &Record{
			Key:          []byte("rec-key"),
			Value:        []byte("rec-value"),
			TimeReceived: "2026-07-31T00:00:00Z",
		},
		ClusterLevelRaw: 3,
		CloserPeers: []Peer{
			{ID: []byte("peer-1"), Addrs: [][]byte{[]byte("/ip4/127.0.0.1/tcp/4001")}, Connection: 2},
		},
		ProviderPeers: []Peer{
			{ID: []byte("peer-2")},
		},
	}

	encoded := m.Marshal()

	var got Message
	require.NoError(t, got.Unmarshal(encoded))

	assert.Equal(t, m.Type, got.Type)
	assert.Equal(t, m.Key, got.Key)
	assert.Equal(t, m.Record.Key, got.Record.Key)
	assert.Equal(t, m.Record.Value, got.Record.Value)
	assert.Equal(t, m.Record.TimeReceived, got.Record.TimeReceived)
	assert.Equal(t, m.ClusterLevelRaw, got.ClusterLevelRaw)
	require.Len(t, got.CloserPeers, 1)
	assert.Equal(t, m.CloserPeers[0].ID, got.CloserPeers[0].ID)
	assert.Equal(t, m.CloserPeers[0].Addrs, got.CloserPeers[0].Addrs)
	assert.Equal(t, m.CloserPeers[0].Connection, got.CloserPeers[0].Connection)
	require.Len(t, got.ProviderPeers, 1)
	assert.Equal(t, m.ProviderPeers[0].ID, got.ProviderPeers[0].ID)
}

func TestMessageRoundTripEmptyMessage(t *testing.T) {
	m := &Message{Type: MessageTypePing}
	var got Message
	require.NoError(t, got.Unmarshal(m.Marshal()))
	assert.Equal(t, MessageTypePing, got.Type)
	assert.Nil(t, got.Record)
	assert.Empty(t, got.CloserPeers)
}

func TestWriteReadMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	m := &Message{Type: MessageTypeGetProviders, Key: []byte("cid-123")}
	require.NoError(t, WriteMessage(&buf, m))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.Type, got.Type)
	assert.Equal(t, m.Key, got.Key)
}

func TestWriteMessageRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	m := &Message{Type: MessageTypePutValue, Record: &Record{Value: make([]byte, MaxMessageSize+1)}}
	err := WriteMessage(&buf, m)
	assert.Error(t, err)
}
