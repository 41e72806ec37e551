// Package debugconsole redirects the kernel's formatted output into an
// in-kernel ring buffer that debugging tools can drain, replacing whatever
// console driver owns the output sink. User space reaches it through the
// debug_enable_console system call.
package debugconsole

import (
	"orrery/kernel/kfmt"
	"orrery/kernel/sync"
)

// bufferSize is the capacity of the console ring. Old output is overwritten
// once the ring wraps.
const bufferSize = 16 * 1024

// Console is the ring-buffered sink kernel output is routed into while the
// debug console is enabled.
type Console struct {
	lock sync.Spinlock

	buf   [bufferSize]byte
	start int
	used  int
}

// Write implements io.Writer, overwriting the oldest output on wrap.
func (c *Console) Write(p []byte) (int, error) {
	c.lock.Acquire()
	defer c.lock.Release()

	for _, b := range p {
		end := (c.start + c.used) % bufferSize
		c.buf[end] = b
		if c.used == bufferSize {
			c.start = (c.start + 1) % bufferSize
		} else {
			c.used++
		}
	}

	return len(p), nil
}

// Contents returns a copy of the buffered output in write order.
func (c *Console) Contents() []byte {
	c.lock.Acquire()
	defer c.lock.Release()

	out := make([]byte, c.used)
	for i := 0; i < c.used; i++ {
		out[i] = c.buf[(c.start+i)%bufferSize]
	}
	return out
}

var (
	stateLock sync.Spinlock
	active    *Console
)

// Enable switches kernel output to the debug console, creating it on first
// use. Repeated calls return the same console.
func Enable() *Console {
	stateLock.Acquire()
	defer stateLock.Release()

	if active == nil {
		active = &Console{}
		kfmt.SetOutputSink(active)
	}
	return active
}

// Active returns the enabled console, or nil.
func Active() *Console {
	stateLock.Acquire()
	defer stateLock.Release()
	return active
}

// Disable detaches the debug console; kernel output falls back to the early
// boot buffer until another sink is installed.
func Disable() {
	stateLock.Acquire()
	defer stateLock.Release()

	if active != nil {
		kfmt.SetOutputSink(nil)
		active = nil
	}
}
