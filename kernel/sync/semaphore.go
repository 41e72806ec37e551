package sync

import (
	"context"
	"time"
)

// Semaphore is a counting semaphore built on top of a WaitQueue whose wakeup
// balance holds the semaphore count. It does not peek into the queue's
// internals: Down is a sleep and Up is a wakeup.
type Semaphore struct {
	wq *WaitQueue
}

// NewSemaphore returns a semaphore whose counter is seeded to count.
func NewSemaphore(count int) *Semaphore {
	return &Semaphore{wq: NewWithCount(count)}
}

// Down decrements the semaphore, blocking the caller until the counter is
// positive.
func (s *Semaphore) Down() {
	s.wq.Sleep(nil, 0, None)
}

// DownTimeout behaves like Down but gives up after the supplied timeout,
// returning Timeout. A zero timeout together with the NonBlocking flag makes
// the call a try-acquire.
func (s *Semaphore) DownTimeout(ctx context.Context, timeout time.Duration, flags Flags) Result {
	return s.wq.Sleep(ctx, timeout, flags)
}

// Up increments the semaphore, waking the longest-waiting sleeper if one is
// present.
func (s *Semaphore) Up() {
	s.wq.WakeOne()
}
