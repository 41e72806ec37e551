// Package ipc implements the kernel's message-passing endpoints. A phone is
// the client end of a connection and points at a server's answerbox; calls
// travel from phone to answerbox and their answers travel back to the
// caller's own answerbox. When a task dies its phones are hung up and every
// call still parked in its answerbox is force-answered with a hangup error
// so no caller is left sleeping forever.
package ipc

import (
	"context"
	"time"

	"orrery/kernel"
	"orrery/kernel/sync"
)

// MaxPhones bounds the phone array of a task.
const MaxPhones = 16

// Answer return values.
const (
	// RetOK is the answer value for a successfully served call.
	RetOK uintptr = 0

	// RetHangup is the answer value delivered to force-answered calls
	// when the callee's task is torn down.
	RetHangup uintptr = ^uintptr(0)
)

var (
	ErrPhoneNotConnected = &kernel.Error{Module: "ipc", Message: "phone is not connected", Kind: kernel.KindInvalid}
	ErrPhoneInUse        = &kernel.Error{Module: "ipc", Message: "phone is already connected", Kind: kernel.KindLimit}
	ErrBoxClosed         = &kernel.Error{Module: "ipc", Message: "answerbox is closed", Kind: kernel.KindInvalid}
)

// Call is one in-flight request. The method/args layout follows the compact
// register-sized payload convention: anything larger travels through shared
// memory negotiated by the endpoints.
type Call struct {
	Method uintptr
	Args   [5]uintptr

	// Retval is filled in by Answer.
	Retval uintptr

	// Forced marks calls answered by teardown rather than the callee.
	Forced bool

	// sender is the answerbox the answer is routed back to.
	sender *Answerbox
}

// PhoneState tracks the lifecycle of a phone slot.
type PhoneState uint8

const (
	// PhoneFree marks an unused slot.
	PhoneFree PhoneState = iota

	// PhoneConnected marks a phone attached to a callee answerbox.
	PhoneConnected

	// PhoneHungUp marks a disconnected phone whose slot has not been
	// reused yet.
	PhoneHungUp
)

// Phone is the client end of a connection.
type Phone struct {
	lock   sync.Spinlock
	state  PhoneState
	callee *Answerbox
}

// State returns the phone's lifecycle state.
func (p *Phone) State() PhoneState {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.state
}

// Connect attaches a free phone to the callee's answerbox.
func (p *Phone) Connect(callee *Answerbox) *kernel.Error {
	p.lock.Acquire()
	defer p.lock.Release()

	if p.state != PhoneFree {
		return ErrPhoneInUse
	}
	p.state = PhoneConnected
	p.callee = callee
	return nil
}

// Call posts c to the connected callee, recording from as the box the
// answer is delivered to.
func (p *Phone) Call(c *Call, from *Answerbox) *kernel.Error {
	p.lock.Acquire()
	if p.state != PhoneConnected {
		p.lock.Release()
		return ErrPhoneNotConnected
	}
	callee := p.callee
	p.lock.Release()

	c.sender = from
	return callee.post(c)
}

// Hangup disconnects the phone. Calls already posted to the callee stay
// pending; their answers are still routed back.
func (p *Phone) Hangup() {
	p.lock.Acquire()
	if p.state == PhoneConnected {
		p.state = PhoneHungUp
		p.callee = nil
	}
	p.lock.Release()
}

// Reset returns a hung-up or connected phone to the free state so the slot
// can be reused. Task teardown resets every slot.
func (p *Phone) Reset() {
	p.lock.Acquire()
	p.state = PhoneFree
	p.callee = nil
	p.lock.Release()
}

// Answerbox is the server end of connections and the delivery point for
// answers to the owner's own outgoing calls.
type Answerbox struct {
	lock sync.Spinlock

	// calls holds posted, not yet received requests.
	calls []*Call

	// answers holds completed calls awaiting pickup by their senders.
	answers []*Call

	// callWq parks callees waiting for requests; answerWq parks callers
	// waiting for answers.
	callWq   *sync.WaitQueue
	answerWq *sync.WaitQueue

	closed bool
}

// Init prepares an embedded answerbox for use.
func (b *Answerbox) Init() {
	b.callWq = sync.New()
	b.answerWq = sync.New()
}

// post enqueues an incoming call and wakes one waiting callee.
func (b *Answerbox) post(c *Call) *kernel.Error {
	b.lock.Acquire()
	if b.closed {
		b.lock.Release()
		return ErrBoxClosed
	}
	b.calls = append(b.calls, c)
	b.lock.Release()

	b.callWq.WakeOne()
	return nil
}

// Receive dequeues the oldest pending call, sleeping until one arrives. The
// usual wait-queue timeout/interrupt results apply; a closed box returns
// (nil, OK) so teardown paths drain immediately.
func (b *Answerbox) Receive(ctx context.Context, timeout time.Duration, flags sync.Flags) (*Call, sync.Result) {
	for {
		b.lock.Acquire()
		if len(b.calls) > 0 {
			c := b.calls[0]
			b.calls = b.calls[1:]
			b.lock.Release()
			return c, sync.OK
		}
		closed := b.closed
		b.lock.Release()

		if closed {
			return nil, sync.OK
		}

		if res := b.callWq.Sleep(ctx, timeout, flags); res != sync.OK {
			return nil, res
		}
	}
}

// Answer completes a received call with the supplied return value and routes
// it back to the sender's answerbox.
func (b *Answerbox) Answer(c *Call, retval uintptr) {
	c.Retval = retval

	sender := c.sender
	if sender == nil {
		return
	}

	sender.lock.Acquire()
	sender.answers = append(sender.answers, c)
	sender.lock.Release()

	sender.answerWq.WakeOne()
}

// WaitAnswer dequeues the oldest completed call, sleeping until one is
// delivered.
func (b *Answerbox) WaitAnswer(ctx context.Context, timeout time.Duration, flags sync.Flags) (*Call, sync.Result) {
	for {
		b.lock.Acquire()
		if len(b.answers) > 0 {
			c := b.answers[0]
			b.answers = b.answers[1:]
			b.lock.Release()
			return c, sync.OK
		}
		closed := b.closed
		b.lock.Release()

		if closed {
			return nil, sync.OK
		}

		if res := b.answerWq.Sleep(ctx, timeout, flags); res != sync.OK {
			return nil, res
		}
	}
}

// PendingCalls returns the number of posted, unreceived calls.
func (b *Answerbox) PendingCalls() int {
	b.lock.Acquire()
	defer b.lock.Release()
	return len(b.calls)
}

// Close force-answers every pending call with RetHangup, marks the box
// closed and wakes every sleeper. It returns the number of calls that were
// force-answered. Used by task teardown: callers sleeping on their answers
// receive the hangup answer instead of sleeping forever.
func (b *Answerbox) Close() int {
	b.lock.Acquire()
	doomed := b.calls
	b.calls = nil
	b.closed = true
	b.lock.Release()

	for _, c := range doomed {
		c.Forced = true
		b.Answer(c, RetHangup)
	}

	b.callWq.Close()
	b.answerWq.Close()
	return len(doomed)
}
