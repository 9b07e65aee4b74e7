package refresh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/kadmesh/kad/identity"
	"github.com/nmxmxh/kadmesh/kad/kbucket"
)

func TestRandomKeyWithCPLProducesExactPrefixLength(t *testing.T) {
	local := identity.ToRoutingKey([]byte("local"))
	for _, cpl := range []int{0, 1, 7, 8, 9, 33, 255} {
		key, err := RandomKeyWithCPL(local, cpl)
		require.NoError(t, err)
		assert.Equal(t, cpl, identity.CommonPrefixLen(local, key), "cpl=%d", cpl)
	}
}

func TestRandomKeyWithCPLFullLengthReturnsMatchingPrefix(t *testing.T) {
	local := identity.ToRoutingKey([]byte("local"))
	key, err := RandomKeyWithCPL(local, 8*identity.KeySize)
	require.NoError(t, err)
	assert.Equal(t, 8*identity.KeySize, identity.CommonPrefixLen(local, key))
}

func TestForcedRefreshVisitsEveryBucket(t *testing.T) {
	tbl := kbucket.New([]byte("local"), 2, func(string) error { return nil })
	defer tbl.Close()
	for i := 0; i < 50; i++ {
		tbl.Add(randomPeerID(i))
	}

	var mu sync.Mutex
	var visited int
	lookup := func(ctx context.Context, target identity.Key) {
		mu.Lock()
		visited++
		mu.Unlock()
	}

	r := New(tbl, lookup, WithForcedConcurrency(2))
	r.Refresh(context.Background(), true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, tbl.NumBuckets(), visited)
}

func TestRefreshStaleSkipsRecentlyRefreshedBuckets(t *testing.T) {
	tbl := kbucket.New([]byte("local"), 2, func(string) error { return nil })
	defer tbl.Close()
	tbl.Add("peer-a")

	var calls int
	lookup := func(ctx context.Context, target identity.Key) { calls++ }

	r := New(tbl, lookup, WithInterval(time.Hour))
	r.Refresh(context.Background(), false)
	first := calls

	r.Refresh(context.Background(), false)
	assert.Equal(t, first, calls, "second call within interval should refresh nothing new")
}

func randomPeerID(i int) string {
	return string(rune('a' + i%26))
}
