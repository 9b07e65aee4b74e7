package kbucket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthTrackerUnknownPeerNotDead(t *testing.T) {
	h := NewHealthTracker(nil)
	assert.False(t, h.KnownDead("stranger"))
	assert.Equal(t, 0.5, h.Score("stranger"))
}

func TestHealthTrackerConsecutiveFailuresMarkDead(t *testing.T) {
	h := NewHealthTracker(nil)
	h.RecordFailure("flaky")
	assert.False(t, h.KnownDead("flaky"))
	// From the neutral 0.5 score the EMA drops below the 0.1 floor only on
	// the tenth consecutive failure (0.5 * 0.85^10 ≈ 0.098).
	for i := 0; i < 9; i++ {
		h.RecordFailure("flaky")
	}
	assert.True(t, h.KnownDead("flaky"))
}

func TestHealthTrackerSuccessResetsFailureStreak(t *testing.T) {
	h := NewHealthTracker(nil)
	h.RecordFailure("recovering")
	h.RecordFailure("recovering")
	h.RecordSuccess("recovering")
	assert.False(t, h.KnownDead("recovering"))
	assert.Greater(t, h.Score("recovering"), 0.1)
}
