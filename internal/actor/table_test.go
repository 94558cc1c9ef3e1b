package actor_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vireonos/kernel/internal/actor"
	"github.com/vireonos/kernel/internal/arena"
	"github.com/vireonos/kernel/internal/kernelutil"
)

func newTable(t *testing.T) *actor.Table {
	t.Helper()
	heap := arena.NewHeap(arena.DefaultHeapSize)
	pool := actor.NewPool()
	return actor.NewTable(heap, pool, kernelutil.DefaultLogger("actor-test"))
}

func noop(actor.ID, interface{}) {}

func TestCreateStartTerminateRoundTrip(t *testing.T) {
	tbl := newTable(t)
	id, err := tbl.Create(noop, nil, actor.PriorityNormal, 0)
	require.NoError(t, err)
	require.True(t, tbl.Start(id))

	a, ok := tbl.Get(id)
	require.True(t, ok)
	require.Equal(t, actor.StateReady, a.State)

	tbl.Terminate(id)
	require.False(t, tbl.Live(id))
}

func TestActorTableFullReturnsNoFreeSlot(t *testing.T) {
	tbl := newTable(t)
	var last error
	for i := 0; i < actor.MaxActors; i++ {
		_, last = tbl.Create(noop, nil, actor.PriorityNormal, 0)
		if last != nil {
			break
		}
	}
	require.ErrorIs(t, last, kernelutil.ErrNoFreeSlot)
}

func TestFIFOWithinPair(t *testing.T) {
	tbl := newTable(t)
	a, err := tbl.Create(noop, nil, actor.PriorityNormal, 0)
	require.NoError(t, err)
	b, err := tbl.Create(noop, nil, actor.PriorityNormal, 0)
	require.NoError(t, err)
	require.True(t, tbl.Start(a))
	require.True(t, tbl.Start(b))

	for _, payload := range []string{"x", "y", "z"} {
		_, err := tbl.SendAsync(a, b, actor.MessageAsync, actor.PriorityNormal, []byte(payload))
		require.NoError(t, err)
	}

	for _, want := range []string{"x", "y", "z"} {
		m := tbl.Receive(b)
		require.NotNil(t, m)
		require.Equal(t, want, string(m.Payload))
		tbl.Free(m)
	}
}

func TestBlockedWake(t *testing.T) {
	tbl := newTable(t)
	a, _ := tbl.Create(noop, nil, actor.PriorityNormal, 0)
	b, _ := tbl.Create(noop, nil, actor.PriorityNormal, 0)
	tbl.Start(a)
	tbl.Start(b)

	bActor, _ := tbl.Get(b)
	bActor.State = actor.StateRunning
	require.True(t, tbl.Block(b, 0))

	woken, err := tbl.SendAsync(a, b, actor.MessageAsync, actor.PriorityNormal, []byte("ping"))
	require.NoError(t, err)
	require.True(t, woken)

	bActor, _ = tbl.Get(b)
	require.Equal(t, actor.StateReady, bActor.State)
}

func TestMailboxFullReturnsMailboxFullAndPoolUnaffected(t *testing.T) {
	pool := actor.NewPool()
	tbl := actor.NewTable(arena.NewHeap(arena.DefaultHeapSize), pool, kernelutil.DefaultLogger("actor-test"))
	a, _ := tbl.Create(noop, nil, actor.PriorityNormal, 0)
	b, _ := tbl.Create(noop, nil, actor.PriorityNormal, 0)
	tbl.Start(a)
	tbl.Start(b)

	bActor, _ := tbl.Get(b)
	bActor.Mailbox = actor.NewMailbox(2)

	_, err := tbl.SendAsync(a, b, actor.MessageAsync, actor.PriorityNormal, []byte("m1"))
	require.NoError(t, err)
	_, err = tbl.SendAsync(a, b, actor.MessageAsync, actor.PriorityNormal, []byte("m2"))
	require.NoError(t, err)

	_, err = tbl.SendAsync(a, b, actor.MessageAsync, actor.PriorityNormal, []byte("m3"))
	require.ErrorIs(t, err, kernelutil.ErrMailboxFull)

	bActor, _ = tbl.Get(b)
	require.EqualValues(t, 2, bActor.Mailbox.Len())
	require.Equal(t, 2, pool.Len())
}

func TestBroadcastCopiesPayloadPerRecipient(t *testing.T) {
	tbl := newTable(t)
	a, _ := tbl.Create(noop, nil, actor.PriorityNormal, 0)
	b, _ := tbl.Create(noop, nil, actor.PriorityNormal, 0)
	c, _ := tbl.Create(noop, nil, actor.PriorityNormal, 0)
	tbl.Start(a)
	tbl.Start(b)
	tbl.Start(c)

	delivered, failures := tbl.Broadcast(a, []actor.ID{b, c}, actor.PriorityNormal, []byte("hi"))
	require.Equal(t, 2, delivered)
	require.Empty(t, failures)

	mb := tbl.Receive(b)
	mc := tbl.Receive(c)
	require.NotNil(t, mb)
	require.NotNil(t, mc)
	require.NotSame(t, mb, mc)
	mb.Payload[0] = 'H'
	require.Equal(t, byte('h'), mc.Payload[0])
}
