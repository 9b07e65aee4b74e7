package kbucket

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// HealthTracker is an EMA-smoothed peer reliability score, adapted from the
// teacher's kernel/core/mesh/routing/reputation.go ReputationManager down
// to exactly the signal ping arbitration needs: "is this peer already
// known-dead from consecutive recent failures". It is not a general trust
// system (no confidence interval, no proof-of-retrievability weighting) —
// those concerns are out of spec.md's scope.
type HealthTracker struct {
	mu     sync.Mutex
	scores map[string]*healthScore
	alpha  float64 // EMA smoothing factor
	floor  float64 // score below which a peer is considered known-dead
	logger *slog.Logger
}

type healthScore struct {
	score           float64
	consecutiveFail int
	lastUpdated     time.Time
}

// NewHealthTracker constructs a tracker with the teacher's default EMA
// smoothing factor (0.15).
func NewHealthTracker(logger *slog.Logger) *HealthTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthTracker{
		scores: make(map[string]*healthScore),
		alpha:  0.15,
		floor:  0.1,
		logger: logger.With("component", "kbucket.health"),
	}
}

// RecordSuccess raises peerID's score toward 1.0.
func (h *HealthTracker) RecordSuccess(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.getOrCreate(peerID)
	s.score = (1-h.alpha)*s.score + h.alpha*1.0
	s.consecutiveFail = 0
	s.lastUpdated = time.Now()
}

// RecordFailure lowers peerID's score toward 0.0 and tracks consecutive
// failures, since a single timeout (congestion, transient reset) should
// not condemn a peer the way several in a row should.
func (h *HealthTracker) RecordFailure(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.getOrCreate(peerID)
	s.score = (1-h.alpha)*s.score + h.alpha*0.0
	s.consecutiveFail++
	s.lastUpdated = time.Now()
}

// KnownDead reports whether peerID's score has fallen below the floor
// after at least two consecutive failures, satisfying HealthFunc.
func (h *HealthTracker) KnownDead(peerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.scores[peerID]
	if !ok {
		return false
	}
	return s.consecutiveFail >= 2 && s.score < h.floor
}

// Score returns peerID's current EMA score, defaulting to 0.5 for an
// unknown peer (no evidence either way).
func (h *HealthTracker) Score(peerID string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.scores[peerID]
	if !ok {
		return 0.5
	}
	return math.Max(0, math.Min(1, s.score))
}

func (h *HealthTracker) getOrCreate(peerID string) *healthScore {
	s, ok := h.scores[peerID]
	if !ok {
		s = &healthScore{score: 0.5}
		h.scores[peerID] = s
	}
	return s
}
