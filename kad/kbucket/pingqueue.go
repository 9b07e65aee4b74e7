package kbucket

import (
	"log/slog"
	"sync"
)

// PingQueue is the bounded, single-flight FIFO ping-arbitration worker from
// spec.md §4.2: at most one arbitration job per bucket is ever in flight,
// and concurrent requests for the same bucket coalesce into the one
// already queued or running. Per DESIGN NOTES' open question, this
// serializes per-bucket rather than enforcing strict global FIFO, bounded
// by a small global concurrency (default 1).
type PingQueue struct {
	jobs chan job

	mu       sync.Mutex
	inflight map[int]bool

	wg     sync.WaitGroup
	logger *slog.Logger
}

type job struct {
	bucket int
	run    func()
}

// NewPingQueue starts concurrency worker goroutines draining the queue.
func NewPingQueue(concurrency int, logger *slog.Logger) *PingQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &PingQueue{
		jobs:     make(chan job, 256),
		inflight: make(map[int]bool),
		logger:   logger.With("component", "kbucket.pingqueue"),
	}
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func (q *PingQueue) worker() {
	defer q.wg.Done()
	for j := range q.jobs {
		j.run()
		q.mu.Lock()
		delete(q.inflight, j.bucket)
		q.mu.Unlock()
	}
}

// Enqueue submits run as the arbitration job for bucket. If a job for that
// bucket is already queued or executing, this call is a silent no-op —
// the in-flight job's effect already supersedes it.
func (q *PingQueue) Enqueue(bucket int, run func()) {
	q.mu.Lock()
	if q.inflight[bucket] {
		q.mu.Unlock()
		q.logger.Debug("arbitration coalesced", "bucket", bucket)
		return
	}
	q.inflight[bucket] = true
	q.mu.Unlock()

	select {
	case q.jobs <- job{bucket: bucket, run: run}:
	default:
		// Queue saturated; drop the probation rather than block the
		// caller's insert path — the new peer is simply not admitted
		// this round.
		q.mu.Lock()
		delete(q.inflight, bucket)
		q.mu.Unlock()
		q.logger.Warn("ping queue saturated, dropping arbitration", "bucket", bucket)
	}
}

// Close stops accepting new jobs and waits for in-flight workers to drain.
func (q *PingQueue) Close() {
	close(q.jobs)
	q.wg.Wait()
}
