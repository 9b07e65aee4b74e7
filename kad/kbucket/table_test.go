package kbucket

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/kadmesh/kad/identity"
)

func alwaysAlive(string) error { return nil }
func alwaysDead(string) error  { return assertErr }

var assertErr = fmt.Errorf("simulated dial failure")

func TestAddAndSizeBounded(t *testing.T) {
	tbl := New([]byte("local"), 20, alwaysAlive)
	defer tbl.Close()

	for i := 0; i < 1000; i++ {
		peer := fmt.Sprintf("peer-%d", i%20)
		tbl.Add(peer)
	}

	assert.LessOrEqual(t, tbl.Size(), 20) // only 20 distinct peers were ever inserted
	for i := 0; i < 20; i++ {
		peer := fmt.Sprintf("peer-%d", i)
		closest := tbl.ClosestPeers(identity.ToRoutingKey([]byte(peer)), 5)
		assert.Greater(t, len(closest), 0)
	}
}

func TestAddRemove(t *testing.T) {
	tbl := New([]byte("local"), 20, alwaysAlive)
	defer tbl.Close()

	var peers []string
	for i := 0; i < 10; i++ {
		p := fmt.Sprintf("peer-%d", i)
		peers = append(peers, p)
		tbl.Add(p)
	}
	require.Equal(t, 10, tbl.Size())

	removed := tbl.Remove(peers[5])
	assert.True(t, removed)
	assert.Equal(t, 9, tbl.Size())

	closest := tbl.ClosestPeers(identity.ToRoutingKey([]byte(peers[2])), 10)
	assert.Len(t, closest, 9)
}

func TestClosestPeerIsExactMatch(t *testing.T) {
	tbl := New([]byte("local"), 20, alwaysAlive)
	defer tbl.Close()

	peers := []string{"p0", "p1", "p2", "p3"}
	for _, p := range peers {
		tbl.Add(p)
	}

	closest := tbl.ClosestPeers(identity.ToRoutingKey([]byte("p2")), 1)
	require.Len(t, closest, 1)
	assert.Equal(t, "p2", closest[0])
}

func TestFullBucketPingablePeerSurvives(t *testing.T) {
	tbl := New([]byte("local"), 2, alwaysAlive)
	defer tbl.Close()

	// old-0, old-2 and new-1 all have cpl 0 with "local", so splitting the
	// full bucket moves none of them and new-1 lands in a full, unsplittable
	// bucket that must be arbitrated.
	tbl.Add("old-0")
	tbl.Add("old-2")
	tbl.Add("new-1")

	waitForQueueDrain(tbl)

	_, hasNew := tbl.Get("new-1")
	_, hasOld0 := tbl.Get("old-0")
	assert.False(t, hasNew)
	assert.True(t, hasOld0)
}

func TestFullBucketFailingPeerEvicted(t *testing.T) {
	tbl := New([]byte("local"), 2, alwaysDead)
	defer tbl.Close()

	// Same cpl-0 peers as above: new-1 meets a full, unsplittable bucket.
	tbl.Add("old-0")
	tbl.Add("old-2")
	tbl.Add("new-1")

	waitForQueueDrain(tbl)

	_, hasNew := tbl.Get("new-1")
	_, hasOld0 := tbl.Get("old-0")
	assert.True(t, hasNew)
	assert.False(t, hasOld0)
}

func TestArbitrationCoalescesPerBucket(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	slowPing := func(id string) error {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	tbl := New([]byte("local"), 1, slowPing)
	defer tbl.Close()

	tbl.Add("old-1")
	tbl.Add("new-1")
	tbl.Add("new-2")
	tbl.Add("new-3")

	waitForQueueDrain(tbl)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, calls, int32(1), "concurrent arbitration requests for the same bucket should coalesce")
}

func waitForQueueDrain(tbl *Table) {
	time.Sleep(30 * time.Millisecond)
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		tbl.pq.mu.Lock()
		n := len(tbl.pq.inflight)
		tbl.pq.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
