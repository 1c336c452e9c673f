package scheduler

import (
	"context"
	"sync"
	"time"
)

// sleeper is a cancellable pause between work cycles. At most one sleep is in
// flight at a time; Wake interrupts it and is a no-op when nobody is asleep,
// so a burst of push notifications collapses into a single early wake.
type sleeper struct {
	mu   sync.Mutex
	wake chan struct{}
}

// sleep blocks for d, until woken, or until ctx is done. It reports whether
// the pause ended early because of a wake.
func (s *sleeper) sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	ch := make(chan struct{})
	s.wake = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.wake == ch {
			s.wake = nil
		}
		s.mu.Unlock()
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Wake interrupts the current sleep, if any.
func (s *sleeper) Wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wake != nil {
		close(s.wake)
		s.wake = nil
	}
}
