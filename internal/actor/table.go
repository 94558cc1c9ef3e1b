package actor

import (
	"time"

	"github.com/vireonos/kernel/internal/kernelutil"
)

// MaxActors is the fixed capacity of the actor table, including the
// reserved kernel actor at index 0.
const MaxActors = 256

// DefaultStackSize is the default stack allocation for a new actor.
const DefaultStackSize = 8 * 1024

// Allocator is the heap collaborator contract §6 requires: kmalloc
// returns a base pointer and a false ok on exhaustion, kfree releases
// it back. critical marks a stack region as belonging to a
// PriorityCritical actor, so the heap can track that pressure
// separately from routine allocation churn.
type Allocator interface {
	Alloc(size uint32, critical bool) (ptr uintptr, ok bool)
	Free(ptr uintptr)
}

// Table is the fixed-capacity actor table. It owns actor records and
// the shared message pool, and enforces the §3 invariants: an actor
// occupies at most one slot, mailbox length never exceeds capacity,
// stack regions never overlap (delegated to the Allocator).
type Table struct {
	slots     [MaxActors]*Actor
	heap      Allocator
	pool      *Pool
	logger    *kernelutil.Logger
}

// NewTable creates an actor table backed by the given heap allocator
// and message pool, and registers the reserved kernel actor at id 0.
func NewTable(heap Allocator, pool *Pool, logger *kernelutil.Logger) *Table {
	t := &Table{heap: heap, pool: pool, logger: logger}
	t.slots[KernelActorID] = &Actor{
		ID:            KernelActorID,
		State:         StateReady,
		Priority:      PriorityCritical,
		Mailbox:       NewMailbox(KernelMailboxCapacity),
		BehaviorScore: 100,
		Monitored:     false,
		Counters:      Counters{CreatedAt: time.Now()},
	}
	return t
}

// Create allocates a new actor slot and its stack. It linear-scans for
// a free slot (id 1..MaxActors-1) and fails with ErrNoFreeSlot if none
// is available, or ErrOutOfMemory if the stack cannot be allocated
// (releasing the slot in that case).
func (t *Table) Create(entry func(self ID, userData interface{}), userData interface{}, priority Priority, stackSize uint32) (ID, error) {
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}

	var id ID
	found := false
	for i := 1; i < MaxActors; i++ {
		if t.slots[i] == nil {
			id = ID(i)
			found = true
			break
		}
	}
	if !found {
		return 0, kernelutil.Wrap(kernelutil.ErrNoFreeSlot, "actor table full at %d slots", MaxActors)
	}

	base, ok := t.heap.Alloc(stackSize, priority == PriorityCritical)
	if !ok {
		return 0, kernelutil.Wrap(kernelutil.ErrOutOfMemory, "stack allocation of %d bytes failed", stackSize)
	}

	a := &Actor{
		ID:            id,
		State:         StateCreated,
		Priority:      priority,
		Stack:         Stack{Base: base, Size: stackSize},
		Mailbox:       NewMailbox(DefaultMailboxCapacity),
		BehaviorScore: 100,
		Monitored:     true,
		EntryPoint:    entry,
		UserData:      userData,
		Counters:      Counters{CreatedAt: time.Now()},
	}
	t.slots[id] = a
	return id, nil
}

// Get returns a read view of the actor, or false if the id is unknown
// or the slot is free.
func (t *Table) Get(id ID) (*Actor, bool) {
	if int(id) >= MaxActors || t.slots[id] == nil {
		return nil, false
	}
	return t.slots[id], true
}

// Start moves an actor from Created to Ready. No-op (false) on an
// unknown id or an actor not in Created state.
func (t *Table) Start(id ID) bool {
	a, ok := t.Get(id)
	if !ok || a.State != StateCreated {
		return false
	}
	a.State = StateReady
	return true
}

// Suspend moves a Ready, Running, or Blocked actor to Suspended.
func (t *Table) Suspend(id ID) bool {
	a, ok := t.Get(id)
	if !ok {
		return false
	}
	switch a.State {
	case StateReady, StateRunning, StateBlocked:
		a.State = StateSuspended
		return true
	default:
		return false
	}
}

// Resume moves a Suspended actor back to Ready.
func (t *Table) Resume(id ID) bool {
	a, ok := t.Get(id)
	if !ok || a.State != StateSuspended {
		return false
	}
	a.State = StateReady
	return true
}

// Terminate frees the stack, drains and frees the mailbox, and
// releases the slot. Terminating a non-existent id is a no-op, per
// §4.A's failure model.
func (t *Table) Terminate(id ID) {
	if id == KernelActorID {
		return
	}
	a, ok := t.Get(id)
	if !ok {
		return
	}
	for _, m := range a.Mailbox.Drain() {
		t.pool.Free(m)
	}
	t.heap.Free(a.Stack.Base)
	a.State = StateFinished
	t.slots[id] = nil
}

// Block transitions the running actor to Blocked, used by
// message_wait when the mailbox is empty.
func (t *Table) Block(id ID, timeoutTicks uint32) bool {
	a, ok := t.Get(id)
	if !ok || a.State != StateRunning {
		return false
	}
	a.State = StateBlocked
	a.waitDeadline = timeoutTicks
	return true
}

// AccountTick credits one tick of CPU time to id and advances its
// time-slice counter, returning the new slice-tick count. Called by
// the scheduler on every timer tick for whichever actor is current.
func (t *Table) AccountTick(id ID) uint32 {
	a, ok := t.Get(id)
	if !ok {
		return 0
	}
	a.Counters.CPUTicks++
	a.sliceTicks++
	return a.sliceTicks
}

// SliceTicks reports an actor's current time-slice counter without
// advancing it.
func (t *Table) SliceTicks(id ID) uint32 {
	a, ok := t.Get(id)
	if !ok {
		return 0
	}
	return a.sliceTicks
}

// ResetSlice zeroes an actor's time-slice counter, called by the
// scheduler on every real context switch.
func (t *Table) ResetSlice(id ID) {
	if a, ok := t.Get(id); ok {
		a.sliceTicks = 0
	}
}

// TickWaitTimeouts advances the wait deadline of every Blocked actor
// that was parked with a non-zero timeout by one tick, waking (to
// Ready, with no message) any whose deadline reaches zero. Actors
// blocked with no timeout (waitDeadline == 0) are unaffected. This is
// the deterministic realization of §9's open question on
// message_wait(timeout): the wake happens at a tick boundary, a safe
// point per §5.
func (t *Table) TickWaitTimeouts() []ID {
	var woken []ID
	for i := range t.slots {
		a := t.slots[i]
		if a == nil || a.State != StateBlocked || a.waitDeadline == 0 {
			continue
		}
		a.waitDeadline--
		if a.waitDeadline == 0 {
			a.State = StateReady
			woken = append(woken, a.ID)
		}
	}
	return woken
}

// Deliver enqueues a message into the recipient's mailbox. If the
// recipient is Blocked it is woken to Ready; the caller (scheduler) is
// responsible for requeuing it. Returns ErrUnknownID or
// ErrMailboxFull on failure, in which case the message is not
// consumed from the pool by this call — the caller must free it.
func (t *Table) Deliver(m *Message) (woken bool, err error) {
	a, ok := t.Get(m.Recipient)
	if !ok {
		return false, kernelutil.Wrap(kernelutil.ErrUnknownID, "recipient %d not found", m.Recipient)
	}
	if err := a.Mailbox.Enqueue(m); err != nil {
		return false, err
	}
	a.Counters.MessagesReceived++
	if a.State == StateBlocked {
		a.State = StateReady
		a.waitDeadline = 0
		return true, nil
	}
	return false, nil
}

// SendAsync allocates a message from the pool and delivers it to
// recipient, incrementing the sender's counters on success.
func (t *Table) SendAsync(sender, recipient ID, typ MessageType, priority Priority, payload []byte) (bool, error) {
	m, err := t.pool.Alloc(sender, recipient, typ, priority, payload)
	if err != nil {
		return false, err
	}
	woken, err := t.Deliver(m)
	if err != nil {
		t.pool.Free(m)
		return false, err
	}
	if s, ok := t.Get(sender); ok {
		s.Counters.MessagesSent++
	}
	return woken, nil
}

// Broadcast sends an independent copy of payload to every id in
// recipients. Each copy is allocated separately from the pool so that
// payloads are never shared between recipients.
func (t *Table) Broadcast(sender ID, recipients []ID, priority Priority, payload []byte) (delivered int, failures map[ID]error) {
	failures = make(map[ID]error)
	for _, r := range recipients {
		if _, err := t.SendAsync(sender, r, MessageBroadcast, priority, payload); err != nil {
			failures[r] = err
			continue
		}
		delivered++
	}
	return delivered, failures
}

// Receive pops the next message for actor id without blocking.
func (t *Table) Receive(id ID) *Message {
	a, ok := t.Get(id)
	if !ok {
		return nil
	}
	return a.Mailbox.Dequeue()
}

// Free returns a message's slot to the pool.
func (t *Table) Free(m *Message) {
	t.pool.Free(m)
}

// Snapshot returns every currently live actor record, for the
// behavioral supervisor's per-pass sampling (§4.D). Callers must not
// retain the pointers past the next mutating call into the table.
func (t *Table) Snapshot() []*Actor {
	out := make([]*Actor, 0, MaxActors)
	for _, a := range t.slots {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

// Live reports whether the slot is currently occupied.
func (t *Table) Live(id ID) bool {
	_, ok := t.Get(id)
	return ok
}

// Count returns the number of occupied slots, used for table-full
// boundary checks in tests.
func (t *Table) Count() int {
	n := 0
	for i := range t.slots {
		if t.slots[i] != nil {
			n++
		}
	}
	return n
}
