package proc

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"orrery/kernel/sync"
)

const (
	// NumPriorities is the number of priority bands per CPU. Band 0 is
	// the most urgent.
	NumPriorities = 16

	// DefaultPriority is the band threads start in.
	DefaultPriority = NumPriorities / 2

	// sleepBonus is the minimum sleep duration that earns a thread a
	// one-band priority boost on wakeup.
	sleepBonus = 10 * time.Millisecond

	// migrationCap bounds how many threads one rebalance pass may move
	// between a pair of CPUs.
	migrationCap = 4

	// tickInterval is the scheduler clock period driving quantum expiry
	// and load balancing.
	tickInterval = 10 * time.Millisecond
)

// runqueue is one FIFO priority band, linked through Thread.qnext.
type runqueue struct {
	head, tail *Thread
	count      int
}

func (q *runqueue) pushBack(t *Thread) {
	t.qnext = nil
	if q.tail == nil {
		q.head, q.tail = t, t
	} else {
		q.tail.qnext = t
		q.tail = t
	}
	q.count++
}

func (q *runqueue) popFront() *Thread {
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.qnext
	if q.head == nil {
		q.tail = nil
	}
	t.qnext = nil
	q.count--
	return t
}

// popBack removes the most recently queued thread; rebalancing hands these
// to other CPUs since they are the coldest in cache terms.
func (q *runqueue) popBack() *Thread {
	if q.head == nil {
		return nil
	}
	if q.head == q.tail {
		return q.popFront()
	}

	prev := q.head
	for prev.qnext != q.tail {
		prev = prev.qnext
	}
	t := q.tail
	prev.qnext = nil
	q.tail = prev
	t.qnext = nil
	q.count--
	return t
}

// CPU is one logical processor: an array of priority runqueues, a load
// metric and the thread it currently executes.
type CPU struct {
	id int

	lock    sync.Spinlock
	queues  [NumPriorities]runqueue
	load    int
	current *Thread

	// kick wakes the engine loop out of idle when work arrives.
	kick chan struct{}

	sched *Scheduler
}

// ID returns the CPU's index.
func (c *CPU) ID() int { return c.id }

// Current returns the thread the CPU is executing, or nil when idle.
func (c *CPU) Current() *Thread {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.current
}

// Load returns the sum of the weights of the CPU's ready threads.
func (c *CPU) Load() int {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.load
}

// enqueue appends t to the tail of its priority band.
func (c *CPU) enqueue(t *Thread) {
	c.lock.Acquire()
	c.queues[t.Priority()].pushBack(t)
	c.load += t.weight
	c.lock.Release()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// pick dequeues the head of the highest non-empty band, or nil when every
// band is empty.
func (c *CPU) pick() *Thread {
	c.lock.Acquire()
	defer c.lock.Release()

	for band := 0; band < NumPriorities; band++ {
		if t := c.queues[band].popFront(); t != nil {
			c.load -= t.weight
			return t
		}
	}
	return nil
}

// Tick implements quantum expiry: the running thread is pushed one band
// down (bounded) so CPU hogs decay toward the background bands. Threads
// with preemption disabled are left alone.
func (c *CPU) Tick() {
	c.lock.Acquire()
	t := c.current
	c.lock.Release()

	if t == nil || t.PreemptionDisabled() {
		return
	}
	t.SetPriority(t.Priority() + 1)
}

// Scheduler multiplexes threads over a fixed set of logical CPUs. It is an
// explicit subsystem handle: constructors that need scheduling receive it
// rather than reaching for a global.
type Scheduler struct {
	cpus []*CPU

	engineOn uint32
	stop     context.CancelFunc
}

// NewScheduler returns a scheduler managing cpuCount logical CPUs.
func NewScheduler(cpuCount int) *Scheduler {
	s := &Scheduler{cpus: make([]*CPU, cpuCount)}
	for i := range s.cpus {
		s.cpus[i] = &CPU{
			id:    i,
			kick:  make(chan struct{}, 1),
			sched: s,
		}
	}
	return s
}

// CPUs returns the managed CPUs.
func (s *Scheduler) CPUs() []*CPU { return s.cpus }

// CPU returns the CPU with the given index.
func (s *Scheduler) CPU(id int) *CPU { return s.cpus[id] }

func (s *Scheduler) running() bool {
	return atomic.LoadUint32(&s.engineOn) == 1
}

// Ready makes t runnable: Entering and Sleeping threads move to Ready and
// join the tail of their band on the least-loaded CPU. Threads woken from a
// long sleep are bumped one band up before they are queued.
func (s *Scheduler) Ready(t *Thread) {
	t.lock.Acquire()
	if t.state == StateSleeping && !t.sleptAt.IsZero() && time.Since(t.sleptAt) >= sleepBonus {
		if t.priority > 0 {
			t.priority--
		}
	}
	t.sleptAt = time.Time{}
	t.state = StateReady
	t.lock.Release()

	s.leastLoaded().enqueue(t)
}

// leastLoaded picks the CPU with the smallest load, favoring lower ids on
// ties.
func (s *Scheduler) leastLoaded() *CPU {
	best := s.cpus[0]
	bestLoad := best.Load()
	for _, c := range s.cpus[1:] {
		if load := c.Load(); load < bestLoad {
			best, bestLoad = c, load
		}
	}
	return best
}

// Rebalance moves work from the most- to the least-loaded CPU: the tails of
// the busiest CPU's lowest non-empty bands, at most migrationCap threads
// per pass. The two runqueue locks are taken in CPU-id order.
func (s *Scheduler) Rebalance() {
	if len(s.cpus) < 2 {
		return
	}

	busiest, idlest := s.cpus[0], s.cpus[0]
	for _, c := range s.cpus[1:] {
		if c.Load() > busiest.Load() {
			busiest = c
		}
		if c.Load() < idlest.Load() {
			idlest = c
		}
	}
	if busiest == idlest || busiest.Load()-idlest.Load() < 2 {
		return
	}

	first, second := busiest, idlest
	if second.id < first.id {
		first, second = second, first
	}
	first.lock.Acquire()
	second.lock.Acquire()

	moved := 0
	for band := NumPriorities - 1; band >= 0 && moved < migrationCap; band-- {
		for moved < migrationCap && busiest.load-idlest.load >= 2 {
			t := busiest.queues[band].popBack()
			if t == nil {
				break
			}
			busiest.load -= t.weight
			idlest.queues[band].pushBack(t)
			idlest.load += t.weight
			moved++
		}
	}

	second.lock.Release()
	first.lock.Release()

	if moved > 0 {
		select {
		case idlest.kick <- struct{}{}:
		default:
		}
	}
}

// Start launches one engine goroutine per CPU plus the scheduler clock.
// Threads made Ready before Start simply wait in their runqueues.
func (s *Scheduler) Start() {
	if !atomic.CompareAndSwapUint32(&s.engineOn, 0, 1) {
		return
	}

	// Contended spinlock acquirers step off the goroutine backing their
	// thread between spin rounds; with the engines running, that is what
	// yielding the CPU means here.
	sync.SetYield(runtime.Gosched)

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel

	for _, c := range s.cpus {
		go c.engine(ctx)
	}
	go s.clock(ctx)
}

// Stop halts the engines after their current threads yield.
func (s *Scheduler) Stop() {
	if !atomic.CompareAndSwapUint32(&s.engineOn, 1, 0) {
		return
	}
	s.stop()
	for _, c := range s.cpus {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// clock drives quantum expiry and load balancing.
func (s *Scheduler) clock(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range s.cpus {
				c.Tick()
			}
			s.Rebalance()
		}
	}
}

// engine is the per-CPU scheduling loop: pick the next thread, run it until
// it gives the CPU back, then act on its yield directive.
func (c *CPU) engine(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		t := c.pick()
		if t == nil {
			// Idle: wait for work with "interrupts enabled".
			select {
			case <-ctx.Done():
				return
			case <-c.kick:
			}
			continue
		}

		c.runThread(t)
	}
}

// runThread context-switches to t and blocks until t yields, sleeps or
// exits.
func (c *CPU) runThread(t *Thread) {
	t.lock.Acquire()
	t.state = StateRunning
	t.curCPU = c
	t.lock.Release()

	c.lock.Acquire()
	c.current = t
	c.lock.Release()

	t.resume <- struct{}{}
	<-t.yield

	c.lock.Acquire()
	c.current = nil
	c.lock.Release()

	t.lock.Acquire()
	t.curCPU = nil
	action := t.yieldAction
	t.lock.Release()

	switch action {
	case yieldReady:
		c.enqueue(t)
	case yieldSleep:
		// The waker re-enqueues the thread via Ready.
	case yieldExit:
		t.finish()
	}
}
