package providers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndGetProvider(t *testing.T) {
	s := New(DefaultMaxKeys)
	defer s.Close()

	now := time.Now()
	s.AddProvider("cid-1", "peer-a", now)
	s.AddProvider("cid-1", "peer-b", now)

	got := s.GetProviders("cid-1", now)
	assert.ElementsMatch(t, []string{"peer-a", "peer-b"}, got)
}

func TestGetProvidersUnknownKeyReturnsNil(t *testing.T) {
	s := New(DefaultMaxKeys)
	defer s.Close()
	assert.Nil(t, s.GetProviders("absent", time.Now()))
}

func TestPerKeyCapEvictsOldest(t *testing.T) {
	s := New(DefaultMaxKeys, WithMaxProvidersPerKey(3))
	defer s.Close()

	base := time.Now()
	for i := 0; i < 5; i++ {
		s.AddProvider("cid-1", peerName(i), base.Add(time.Duration(i)*time.Second))
	}

	got := s.GetProviders("cid-1", base.Add(10*time.Second))
	require.Len(t, got, 3)
	assert.ElementsMatch(t, []string{peerName(2), peerName(3), peerName(4)}, got)
}

func TestTTLExpiryPurgesOnRead(t *testing.T) {
	s := New(DefaultMaxKeys, WithTTL(time.Minute))
	defer s.Close()

	now := time.Now()
	s.AddProvider("cid-1", "peer-a", now)

	later := now.Add(2 * time.Minute)
	got := s.GetProviders("cid-1", later)
	assert.Empty(t, got)

	// the expired record was purged, so a fresh add is the only provider
	s.AddProvider("cid-1", "peer-b", later)
	got = s.GetProviders("cid-1", later)
	assert.Equal(t, []string{"peer-b"}, got)
}

func TestSweepRemovesExpiredKeysEntirely(t *testing.T) {
	s := New(DefaultMaxKeys, WithTTL(time.Minute))
	defer s.Close()

	now := time.Now()
	s.AddProvider("cid-1", "peer-a", now)

	s.Sweep(now.Add(2 * time.Minute))

	assert.Equal(t, 0, s.cache.Len())
}

func TestReaddingSameProviderRefreshesTimestamp(t *testing.T) {
	s := New(DefaultMaxKeys, WithTTL(time.Minute))
	defer s.Close()

	now := time.Now()
	s.AddProvider("cid-1", "peer-a", now)
	s.AddProvider("cid-1", "peer-a", now.Add(50*time.Second))

	got := s.GetProviders("cid-1", now.Add(70*time.Second))
	assert.Equal(t, []string{"peer-a"}, got)
}

func peerName(i int) string {
	return [...]string{"peer-0", "peer-1", "peer-2", "peer-3", "peer-4"}[i]
}
