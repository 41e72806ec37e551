package tlb

import (
	"testing"

	"orrery/kernel/mm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubFlushes(t *testing.T) (*[]Message, func()) {
	var drained []Message

	origPage, origASID, origAll := flushPageFn, flushASIDFn, flushAllFn
	origDisable, origEnable := disableInterruptsFn, enableInterruptsFn

	flushPageFn = func(asid mm.ASID, page mm.Page) {
		drained = append(drained, Message{Kind: InvalidatePages, ASID: asid, Page: page, Count: 1})
	}
	flushASIDFn = func(asid mm.ASID) {
		drained = append(drained, Message{Kind: InvalidateASID, ASID: asid})
	}
	flushAllFn = func() {
		drained = append(drained, Message{Kind: InvalidateAll})
	}
	disableInterruptsFn = func() {}
	enableInterruptsFn = func() {}

	return &drained, func() {
		flushPageFn, flushASIDFn, flushAllFn = origPage, origASID, origAll
		disableInterruptsFn, enableInterruptsFn = origDisable, origEnable
	}
}

func TestShootdownDeliversPageInvalidations(t *testing.T) {
	drained, restore := stubFlushes(t)
	defer restore()

	var sd *Shootdown
	sd = NewShootdown(2, func(id int) { sd.CPU(id).Drain() })

	sd.Start(0, InvalidatePages, 7, 0x400, 3)
	sd.Finalize()

	require.Len(t, *drained, 3)
	for i, msg := range *drained {
		assert.Equal(t, InvalidatePages, msg.Kind)
		assert.Equal(t, mm.ASID(7), msg.ASID)
		assert.Equal(t, mm.Page(0x400+i), msg.Page)
	}
	assert.False(t, sd.CPU(1).Pending())
}

func TestShootdownSkipsInitiator(t *testing.T) {
	drained, restore := stubFlushes(t)
	defer restore()

	kicked := make(map[int]bool)
	var sd *Shootdown
	sd = NewShootdown(3, func(id int) {
		kicked[id] = true
		sd.CPU(id).Drain()
	})

	sd.Start(1, InvalidateASID, 9, 0, 0)
	sd.Finalize()

	assert.False(t, kicked[1], "initiator must not receive an IPI")
	assert.True(t, kicked[0])
	assert.True(t, kicked[2])
	// One ASID flush per target CPU.
	assert.Len(t, *drained, 2)
}

func TestMailboxOverflowPromotesToInvalidateAll(t *testing.T) {
	drained, restore := stubFlushes(t)
	defer restore()

	state := &CPUState{}
	for i := 0; i < MailboxSize; i++ {
		state.post(Message{Kind: InvalidatePages, ASID: 1, Page: mm.Page(i), Count: 1})
	}
	// The overflowing message collapses the batch.
	state.post(Message{Kind: InvalidatePages, ASID: 1, Page: 0x999, Count: 1})
	require.Equal(t, 1, state.box.count)
	assert.Equal(t, InvalidateAll, state.box.msgs[0].Kind)

	// Further posts stay absorbed by the promoted batch.
	state.post(Message{Kind: InvalidateASID, ASID: 1})
	require.Equal(t, 1, state.box.count)

	state.pending = 1
	state.Drain()

	require.Len(t, *drained, 1)
	assert.Equal(t, InvalidateAll, (*drained)[0].Kind)
	assert.False(t, state.Pending())
}

func TestDrainWithoutPendingIsNoOp(t *testing.T) {
	drained, restore := stubFlushes(t)
	defer restore()

	state := &CPUState{}
	state.post(Message{Kind: InvalidateAll})
	state.Drain()

	assert.Empty(t, *drained, "drain must not run without a pending marker")
}

func TestSingleCPUShootdownCompletesImmediately(t *testing.T) {
	_, restore := stubFlushes(t)
	defer restore()

	sd := NewShootdown(1, nil)
	sd.Start(0, InvalidateAll, 0, 0, 0)
	sd.Finalize()
}
