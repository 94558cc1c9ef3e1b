package scheduler_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vireonos/kernel/internal/actor"
	"github.com/vireonos/kernel/internal/arena"
	"github.com/vireonos/kernel/internal/kernelutil"
	"github.com/vireonos/kernel/internal/scheduler"
)

func newScheduled(t *testing.T) (*actor.Table, *scheduler.Scheduler) {
	t.Helper()
	heap := arena.NewHeap(arena.DefaultHeapSize)
	pool := actor.NewPool()
	tbl := actor.NewTable(heap, pool, kernelutil.DefaultLogger("sched-test"))
	sched := scheduler.New(tbl, kernelutil.DefaultLogger("sched-test"))
	return tbl, sched
}

func TestRoundRobinFIFOWithinLevel(t *testing.T) {
	tbl, sched := newScheduled(t)
	order := make(chan string, 16)

	makeEntry := func(name string) func(actor.ID, interface{}) {
		return func(self actor.ID, _ interface{}) {
			order <- name + ":1"
			sched.Yield(self)
			order <- name + ":2"
		}
	}

	a, err := tbl.Create(makeEntry("a"), nil, actor.PriorityNormal, 0)
	require.NoError(t, err)
	b, err := tbl.Create(makeEntry("b"), nil, actor.PriorityNormal, 0)
	require.NoError(t, err)

	require.True(t, sched.Start(a))
	require.True(t, sched.Start(b))

	require.True(t, sched.Schedule()) // a:1, a yields
	require.True(t, sched.Schedule()) // b:1, b yields
	require.True(t, sched.Schedule()) // a:2, a finishes
	require.True(t, sched.Schedule()) // b:2, b finishes
	require.False(t, sched.Schedule())

	close(order)
	var got []string
	for s := range order {
		got = append(got, s)
	}
	require.Equal(t, []string{"a:1", "b:1", "a:2", "b:2"}, got)
	require.False(t, tbl.Live(a))
	require.False(t, tbl.Live(b))
}

func TestHigherPriorityPreemptsReadyQueueOrder(t *testing.T) {
	tbl, sched := newScheduled(t)
	order := make(chan string, 4)

	low, err := tbl.Create(func(actor.ID, interface{}) { order <- "low" }, nil, actor.PriorityIdle, 0)
	require.NoError(t, err)
	high, err := tbl.Create(func(actor.ID, interface{}) { order <- "high" }, nil, actor.PriorityHigh, 0)
	require.NoError(t, err)

	// Start low first so it would come out first under plain FIFO; the
	// scheduler must still run the higher-priority level first.
	require.True(t, sched.Start(low))
	require.True(t, sched.Start(high))

	require.True(t, sched.Schedule())
	require.True(t, sched.Schedule())
	close(order)

	var got []string
	for s := range order {
		got = append(got, s)
	}
	require.Equal(t, []string{"high", "low"}, got)
}

func TestMessageWaitBlocksAndWakesOnDelivery(t *testing.T) {
	tbl, sched := newScheduled(t)
	received := make(chan string, 1)

	b, err := tbl.Create(func(self actor.ID, _ interface{}) {
		m := sched.MessageWait(self, 0)
		if m != nil {
			received <- string(m.Payload)
		}
	}, nil, actor.PriorityNormal, 0)
	require.NoError(t, err)
	require.True(t, sched.Start(b))

	require.True(t, sched.Schedule()) // b finds an empty mailbox and blocks
	bActor, ok := tbl.Get(b)
	require.True(t, ok)
	require.Equal(t, actor.StateBlocked, bActor.State)
	require.False(t, sched.Schedule()) // nothing else ready while b is blocked

	woken, err := sched.Send(actor.KernelActorID, b, actor.MessageAsync, actor.PriorityNormal, []byte("ping"))
	require.NoError(t, err)
	require.True(t, woken)

	require.True(t, sched.Schedule()) // b wakes, receives, and finishes
	require.Equal(t, "ping", <-received)
	require.False(t, tbl.Live(b))
}

func TestMessageWaitTimeoutWakesWithNilMessage(t *testing.T) {
	tbl, sched := newScheduled(t)
	results := make(chan *actor.Message, 1)

	b, err := tbl.Create(func(self actor.ID, _ interface{}) {
		results <- sched.MessageWait(self, 2)
	}, nil, actor.PriorityNormal, 0)
	require.NoError(t, err)
	require.True(t, sched.Start(b))

	require.True(t, sched.Schedule()) // b blocks with a 2-tick deadline
	bActor, ok := tbl.Get(b)
	require.True(t, ok)
	require.Equal(t, actor.StateBlocked, bActor.State)

	sched.TimerTick()
	require.Equal(t, actor.StateBlocked, bActor.State)
	sched.TimerTick()
	require.Equal(t, actor.StateReady, bActor.State)

	require.True(t, sched.Schedule()) // b wakes on timeout and finishes
	require.Nil(t, <-results)
}

func TestSuspendMidRunTakesEffectAtNextYield(t *testing.T) {
	tbl, sched := newScheduled(t)
	started := make(chan struct{})
	proceed := make(chan struct{})
	resumed := make(chan struct{})

	a, err := tbl.Create(func(self actor.ID, _ interface{}) {
		close(started)
		<-proceed
		sched.Yield(self)
		close(resumed)
	}, nil, actor.PriorityNormal, 0)
	require.NoError(t, err)
	require.True(t, sched.Start(a))

	doneSched := make(chan struct{})
	go func() {
		sched.Schedule()
		close(doneSched)
	}()
	<-started

	require.True(t, sched.Suspend(a))
	aActor, ok := tbl.Get(a)
	require.True(t, ok)
	require.Equal(t, actor.StateSuspended, aActor.State)

	close(proceed)
	<-doneSched

	// a was not re-enqueued: it is Suspended, not Ready.
	require.False(t, sched.Schedule())

	require.True(t, sched.Resume(a))
	require.True(t, sched.Schedule())
	<-resumed
	require.False(t, tbl.Live(a))
}

func TestTimerTickAccountsOnlyTheDispatchedActor(t *testing.T) {
	tbl, sched := newScheduled(t)
	sched.SetTimeSlice(3)
	started := make(chan struct{})
	proceed := make(chan struct{})

	a, err := tbl.Create(func(actor.ID, interface{}) {
		close(started)
		<-proceed
	}, nil, actor.PriorityNormal, 0)
	require.NoError(t, err)
	require.True(t, sched.Start(a))

	doneSched := make(chan struct{})
	go func() {
		sched.Schedule()
		close(doneSched)
	}()
	<-started

	require.False(t, sched.ShouldYield(a))
	for i := 0; i < 3; i++ {
		sched.TimerTick()
	}
	require.True(t, sched.ShouldYield(a))

	close(proceed)
	<-doneSched
	require.False(t, tbl.Live(a))
}

func TestInterruptDirectHandlerRunsSynchronously(t *testing.T) {
	_, sched := newScheduled(t)
	var seenIRQ int = -1
	sched.RegisterDirectHandler(3, func(irq int) { seenIRQ = irq })

	require.NoError(t, sched.Interrupt(3, nil))
	require.Equal(t, 3, seenIRQ)
}

func TestInterruptRoutesToRegisteredActorMailbox(t *testing.T) {
	tbl, sched := newScheduled(t)
	received := make(chan string, 1)

	a, err := tbl.Create(func(self actor.ID, _ interface{}) {
		m := sched.MessageWait(self, 0)
		if m != nil {
			received <- string(m.Payload)
		}
	}, nil, actor.PriorityNormal, 0)
	require.NoError(t, err)
	require.True(t, sched.Start(a))
	sched.RegisterInterruptActor(7, a)

	require.True(t, sched.Schedule()) // a blocks waiting for a message
	require.NoError(t, sched.Interrupt(7, []byte("irq7")))
	require.True(t, sched.Schedule()) // a wakes, receives, finishes
	require.Equal(t, "irq7", <-received)
}

func TestInterruptOnUnregisteredIRQFails(t *testing.T) {
	_, sched := newScheduled(t)
	err := sched.Interrupt(99, nil)
	require.Error(t, err)
}

func TestSamplerFiresOnAnalysisInterval(t *testing.T) {
	tbl, sched := newScheduled(t)
	_ = tbl

	calls := 0
	sched.SetSampler(samplerFunc(func() { calls++ }))

	for i := uint64(0); i < scheduler.DefaultAnalysisInterval-1; i++ {
		sched.TimerTick()
	}
	require.Equal(t, 0, calls)

	sched.TimerTick()
	require.Equal(t, 1, calls)
}

type samplerFunc func()

func (f samplerFunc) Sample() { f() }
