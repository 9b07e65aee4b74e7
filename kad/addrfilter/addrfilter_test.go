package addrfilter

import (
	"testing"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func must(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

func TestIsPrivateClassifiesKnownRanges(t *testing.T) {
	f, err := New()
	require.NoError(t, err)

	assert.True(t, f.IsPrivate(must(t, "/ip4/192.168.1.5/tcp/4001")))
	assert.True(t, f.IsPrivate(must(t, "/ip4/127.0.0.1/tcp/4001")))
	assert.False(t, f.IsPrivate(must(t, "/ip4/8.8.8.8/tcp/4001")))
}

func TestFilterLANAndWANPartitionAddrs(t *testing.T) {
	f, err := New()
	require.NoError(t, err)

	addrs := []ma.Multiaddr{
		must(t, "/ip4/10.0.0.1/tcp/4001"),
		must(t, "/ip4/203.0.113.7/tcp/4001"),
	}

	lan := f.FilterLAN(addrs)
	wan := f.FilterWAN(addrs)

	require.Len(t, lan, 1)
	require.Len(t, wan, 1)
	assert.Equal(t, addrs[0], lan[0])
	assert.Equal(t, addrs[1], wan[0])
}
