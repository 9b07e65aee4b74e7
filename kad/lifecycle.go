package kad

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// shutdownSequence runs registered teardown functions in reverse
// registration order, bounded by a timeout, adapted from the teacher's
// kernel/utils/graceful.go GracefulShutdown down to log/slog and a single
// DHT instance's component set (routing table, refresher, provider store).
type shutdownSequence struct {
	mu      sync.Mutex
	fns     []func() error
	timeout time.Duration
	logger  *slog.Logger
}

func newShutdownSequence(timeout time.Duration, logger *slog.Logger) *shutdownSequence {
	if logger == nil {
		logger = slog.Default()
	}
	return &shutdownSequence{timeout: timeout, logger: logger.With("component", "shutdown")}
}

func (s *shutdownSequence) register(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
}

func (s *shutdownSequence) run(ctx context.Context) error {
	s.mu.Lock()
	fns := append([]func() error{}, s.fns...)
	s.mu.Unlock()

	s.logger.Info("starting shutdown", "components", len(fns))

	shutdownCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var firstErr error
		for i := len(fns) - 1; i >= 0; i-- {
			if err := fns[i](); err != nil {
				s.logger.Error("shutdown step failed", "index", i, "err", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		done <- firstErr
	}()

	select {
	case err := <-done:
		s.logger.Info("shutdown complete")
		return err
	case <-shutdownCtx.Done():
		s.logger.Warn("shutdown timed out")
		return fmt.Errorf("kad: shutdown timed out after %s", s.timeout)
	}
}
