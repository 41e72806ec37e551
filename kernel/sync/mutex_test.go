package sync

import (
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexMutualExclusion(t *testing.T) {
	m := NewMutex()

	var (
		counter int
		wg      gosync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, counter)
}

func TestMutexTryLock(t *testing.T) {
	m := NewMutex()

	m.Lock()
	assert.Equal(t, Timeout, m.LockTimeout(nil, 0, NonBlocking))

	m.Unlock()
	assert.Equal(t, OK, m.LockTimeout(nil, 0, NonBlocking))
	m.Unlock()
}

func TestSemaphoreCount(t *testing.T) {
	sem := NewSemaphore(2)

	sem.Down()
	sem.Down()
	require.Equal(t, Timeout, sem.DownTimeout(nil, 0, NonBlocking))

	sem.Up()
	assert.Equal(t, OK, sem.DownTimeout(nil, 0, NonBlocking))
}

func TestCondSignalWakesWaiter(t *testing.T) {
	m := NewMutex()
	c := NewCond()

	ready := false
	done := make(chan struct{})

	go func() {
		m.Lock()
		for !ready {
			c.Wait(m)
		}
		m.Unlock()
		close(done)
	}()

	// Let the waiter park, then flip the predicate under the mutex.
	time.Sleep(5 * time.Millisecond)
	m.Lock()
	ready = true
	c.Signal()
	m.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cond waiter never woke")
	}
}

func TestCondBroadcast(t *testing.T) {
	m := NewMutex()
	c := NewCond()

	var (
		ready bool
		wg    gosync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock()
			for !ready {
				c.Wait(m)
			}
			m.Unlock()
		}()
	}

	time.Sleep(5 * time.Millisecond)
	m.Lock()
	ready = true
	c.Broadcast()
	m.Unlock()

	doneC := make(chan struct{})
	go func() { wg.Wait(); close(doneC) }()
	select {
	case <-doneC:
	case <-time.After(time.Second):
		t.Fatal("broadcast did not wake every waiter")
	}
}
