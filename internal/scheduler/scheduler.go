// Package scheduler implements the cooperative, priority-aware
// round-robin scheduler of §4.B: it owns the ready queue and the
// tick-driven clock, dispatches actors through their suspension
// points, and routes interrupts either to a direct handler or into an
// actor's mailbox.
//
// Actors are modeled as goroutines that hold a single baton: only the
// actor the scheduler has just dispatched is ever running application
// code, and it runs until it calls Yield, MessageWait, or returns.
// This keeps the single-logical-CPU discipline of §5 while letting
// actor bodies be ordinary blocking Go functions instead of an
// interpreted bytecode loop.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/vireonos/kernel/internal/actor"
	"github.com/vireonos/kernel/internal/kernelutil"
)

// DefaultTimeSlice is the number of ticks an actor may run before
// ShouldYield reports true, per §6.
const DefaultTimeSlice = 10

// DefaultAnalysisInterval is the number of ticks between supervisor
// sampling passes, per §6.
const DefaultAnalysisInterval = 100

// Sampler is the supervisor's hook into the scheduler's clock (§4.D:
// "On every Nth tick the sampler runs one pass").
type Sampler interface {
	Sample()
}

// DirectHandler is a registered interrupt handler invoked synchronously
// with interrupts disabled; per §5 it must not suspend or allocate.
type DirectHandler func(irq int)

type actorChannel struct {
	run   chan struct{}
	yield chan struct{}
}

// Scheduler is the single-logical-CPU cooperative scheduler of §4.B.
// It holds no process-wide singleton state: callers construct one
// explicitly over an *actor.Table, per the composition-root design
// note of §9.
type Scheduler struct {
	mu    sync.Mutex
	table *actor.Table

	ready   *readyQueue
	current actor.ID
	running bool

	channels map[actor.ID]actorChannel
	spawned  map[actor.ID]bool
	cancels  map[actor.ID]context.CancelFunc

	timeSlice        uint32
	tick             uint64
	contextSwitches  uint64
	analysisInterval uint64
	sampler          Sampler

	directHandlers   map[int]DirectHandler
	interruptTargets map[int]actor.ID

	logger *kernelutil.Logger
}

// New creates a scheduler over table. The kernel actor (id 0) is
// never enqueued — it is the idle tail per §4.B and is only ever
// `current` when the ready queue is empty.
func New(table *actor.Table, logger *kernelutil.Logger) *Scheduler {
	if logger == nil {
		logger = kernelutil.DefaultLogger("scheduler")
	}
	return &Scheduler{
		table:            table,
		ready:            newReadyQueue(),
		current:          actor.KernelActorID,
		channels:         make(map[actor.ID]actorChannel),
		spawned:          make(map[actor.ID]bool),
		cancels:          make(map[actor.ID]context.CancelFunc),
		timeSlice:        DefaultTimeSlice,
		analysisInterval: DefaultAnalysisInterval,
		directHandlers:   make(map[int]DirectHandler),
		interruptTargets: make(map[int]actor.ID),
		logger:           logger,
	}
}

// SetSampler installs the supervisor's tick-driven sample hook.
func (s *Scheduler) SetSampler(sampler Sampler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampler = sampler
}

// SetTimeSlice overrides the default 10-tick time slice, mainly for
// tests that want slice expiry to fire quickly.
func (s *Scheduler) SetTimeSlice(ticks uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeSlice = ticks
}

// Current returns the id of the actor the scheduler considers running.
func (s *Scheduler) Current() actor.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Tick reports the scheduler's tick count, for diagnostics and tests.
func (s *Scheduler) Tick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// ContextSwitches reports the number of real context switches
// (departing actor id != arriving actor id) observed so far.
func (s *Scheduler) ContextSwitches() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextSwitches
}

func (s *Scheduler) enqueueLocked(id actor.ID) {
	a, ok := s.table.Get(id)
	if !ok {
		return
	}
	s.ready.push(id, a.Priority)
}

// Start implements actor_start: moves id from Created to Ready,
// enqueues it, and lazily spawns the goroutine that will run its
// entry point on first dispatch.
func (s *Scheduler) Start(id actor.ID) bool {
	s.mu.Lock()
	ok := s.table.Start(id)
	if ok {
		s.enqueueLocked(id)
	}
	s.mu.Unlock()
	if ok {
		s.spawn(id)
	}
	return ok
}

func (s *Scheduler) spawn(id actor.ID) {
	s.mu.Lock()
	if s.spawned[id] {
		s.mu.Unlock()
		return
	}
	a, ok := s.table.Get(id)
	if !ok || a.EntryPoint == nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch := actorChannel{run: make(chan struct{}), yield: make(chan struct{})}
	s.channels[id] = ch
	s.cancels[id] = cancel
	s.spawned[id] = true
	entry, userData := a.EntryPoint, a.UserData
	s.mu.Unlock()

	go func() {
		select {
		case <-ch.run:
		case <-ctx.Done():
			return
		}

		entry(id, userData)

		s.mu.Lock()
		if a, ok := s.table.Get(id); ok {
			a.State = actor.StateFinished
		}
		s.mu.Unlock()

		// Release the slot before handing the baton back, so the slot
		// is already free when the dispatching Schedule call returns.
		s.finishSelf(id)
		ch.yield <- struct{}{}
	}()
}

func (s *Scheduler) finishSelf(id actor.ID) {
	s.mu.Lock()
	s.ready.remove(id)
	s.table.Terminate(id)
	delete(s.channels, id)
	delete(s.spawned, id)
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
	if s.current == id {
		s.current = actor.KernelActorID
	}
	s.mu.Unlock()
}

// Schedule implements schedule(): pops the highest-priority head of
// the ready queue and dispatches it, blocking until it reaches its
// next suspension point. Returns false if the ready queue was empty —
// the idle loop of §4.B, with the kernel actor as its tail.
func (s *Scheduler) Schedule() bool {
	s.mu.Lock()
	id, ok := s.ready.pop()
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.dispatch(id)
	return true
}

func (s *Scheduler) dispatch(id actor.ID) {
	s.mu.Lock()
	prev := s.current
	a, ok := s.table.Get(id)
	if !ok {
		s.mu.Unlock()
		return
	}
	a.State = actor.StateRunning
	a.Counters.LastScheduled = time.Now()
	s.current = id
	s.running = true
	if prev != id {
		s.contextSwitches++
		s.table.ResetSlice(id)
	}
	ch, spawned := s.channels[id], s.spawned[id]
	s.mu.Unlock()

	if spawned {
		ch.run <- struct{}{}
		<-ch.yield
	}

	s.mu.Lock()
	s.running = false
	if a2, ok := s.table.Get(id); ok && a2.State == actor.StateReady {
		s.enqueueLocked(id)
	}
	s.mu.Unlock()
}

// Yield is the explicit suspension point of §4.B's yield(): called by
// an actor's own entry-point code (with its own id as self). It
// re-enters the ready queue at the tail of its level and blocks until
// redispatched.
func (s *Scheduler) Yield(self actor.ID) {
	s.mu.Lock()
	a, ok := s.table.Get(self)
	if !ok {
		s.mu.Unlock()
		return
	}
	if a.State == actor.StateRunning {
		a.State = actor.StateReady
	}
	ch, ok := s.channels[self]
	s.mu.Unlock()
	if !ok {
		return
	}

	ch.yield <- struct{}{}
	<-ch.run
}

// MessageWait implements message_wait(timeout): returns immediately if
// a message is already queued, otherwise blocks the actor (Blocked
// state) until a message is delivered or, when timeoutTicks > 0, until
// that many ticks elapse with none arriving (§12's deterministic
// tick-driven timeout resolution of the source's open question).
func (s *Scheduler) MessageWait(self actor.ID, timeoutTicks uint32) *actor.Message {
	s.mu.Lock()
	if m := s.table.Receive(self); m != nil {
		s.mu.Unlock()
		return m
	}
	s.table.Block(self, timeoutTicks)
	ch, ok := s.channels[self]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	ch.yield <- struct{}{}
	<-ch.run

	s.mu.Lock()
	m := s.table.Receive(self)
	s.mu.Unlock()
	return m
}

// ShouldYield reports whether self has exhausted its time slice.
// Entry-point code is expected to poll this at its own safe points and
// call Yield when it reports true — the cooperative realization of
// "the scheduler forces yield at the next safe point" (§4.B); there is
// no true preemption (Non-goals, §1).
func (s *Scheduler) ShouldYield(self actor.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.SliceTicks(self) >= s.timeSlice
}

// Suspend implements actor_suspend. If id is the currently running
// actor, the transition is recorded and takes effect at its next
// suspension point (no true preemption, §5); otherwise it is dequeued
// immediately.
func (s *Scheduler) Suspend(id actor.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.current {
		a, ok := s.table.Get(id)
		if !ok || a.State != actor.StateRunning {
			return false
		}
		a.State = actor.StateSuspended
		return true
	}
	if !s.table.Suspend(id) {
		return false
	}
	s.ready.remove(id)
	return true
}

// Resume implements actor_resume: moves a Suspended actor back to
// Ready and re-enqueues it.
func (s *Scheduler) Resume(id actor.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.table.Resume(id) {
		return false
	}
	s.enqueueLocked(id)
	return true
}

// Throttle implements the supervisor's Throttle intervention (§4.D:
// "reduce the entity's effective share to 50%", realized as a one-level
// priority demotion). It returns the actor's priority before the
// demotion so a later Recover can restore it exactly; ok is false for
// an unknown id or an actor already at PriorityIdle.
func (s *Scheduler) Throttle(id actor.ID) (before actor.Priority, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, found := s.table.Get(id)
	if !found || a.Priority == actor.PriorityIdle {
		return 0, false
	}
	before = a.Priority
	a.Priority = before - 1
	if s.ready.contains(id) {
		s.ready.remove(id)
		s.ready.push(id, a.Priority)
	}
	return before, true
}

// Recover restores an actor to a previously recorded priority,
// undoing a Throttle intervention.
func (s *Scheduler) Recover(id actor.ID, priority actor.Priority) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, found := s.table.Get(id)
	if !found {
		return false
	}
	a.Priority = priority
	if s.ready.contains(id) {
		s.ready.remove(id)
		s.ready.push(id, a.Priority)
	}
	return true
}

// Terminate implements actor_terminate: it is permitted regardless of
// id's current state (§4.A's failure model — a no-op on an unknown
// id), dequeues it, cancels its goroutine if that goroutine is still
// waiting for its first dispatch, and releases its slot. A goroutine
// parked inside Yield or MessageWait is not woken and stays parked.
func (s *Scheduler) Terminate(id actor.ID) {
	s.mu.Lock()
	s.ready.remove(id)
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
	delete(s.channels, id)
	delete(s.spawned, id)
	if s.current == id {
		s.current = actor.KernelActorID
	}
	s.mu.Unlock()
	s.table.Terminate(id)
}

// Send is the scheduler-aware half of message_send_async: it delivers
// through the table and, if delivery wakes a Blocked recipient,
// re-enqueues it onto the ready queue so the wake is actually
// observable on the next Schedule().
func (s *Scheduler) Send(sender, recipient actor.ID, typ actor.MessageType, priority actor.Priority, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	woken, err := s.table.SendAsync(sender, recipient, typ, priority, payload)
	if err != nil {
		return false, err
	}
	if woken {
		s.enqueueLocked(recipient)
	}
	return woken, nil
}

// TimerTick implements timer_tick(): advances the clock, accounts one
// tick of CPU time to the actor being dispatched right now (none while
// the scheduler is idle or the kernel actor is current), wakes any actor whose
// message_wait timeout has just elapsed, and — every analysisInterval
// ticks — invokes the installed supervisor Sampler (§4.D).
func (s *Scheduler) TimerTick() {
	s.mu.Lock()
	s.tick++
	cur := s.current
	if s.running && cur != actor.KernelActorID {
		s.table.AccountTick(cur)
	}
	for _, id := range s.table.TickWaitTimeouts() {
		s.enqueueLocked(id)
	}
	tick := s.tick
	sampler := s.sampler
	interval := s.analysisInterval
	s.mu.Unlock()

	if sampler != nil && interval > 0 && tick%interval == 0 {
		sampler.Sample()
	}
}

// RegisterDirectHandler registers irq to call h synchronously with
// interrupts disabled (§5); h must not suspend or allocate.
func (s *Scheduler) RegisterDirectHandler(irq int, h DirectHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directHandlers[irq] = h
}

// RegisterInterruptActor routes irq to a System-type interrupt-message
// delivered into id's mailbox instead of a direct handler.
func (s *Scheduler) RegisterInterruptActor(irq int, id actor.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptTargets[irq] = id
}

// Interrupt dispatches a hardware interrupt per §5: a registered
// direct handler runs synchronously; otherwise an interrupt-message is
// enqueued into the registered actor's mailbox, waking it if Blocked.
func (s *Scheduler) Interrupt(irq int, payload []byte) error {
	s.mu.Lock()
	if h, ok := s.directHandlers[irq]; ok {
		s.mu.Unlock()
		h(irq)
		return nil
	}
	target, ok := s.interruptTargets[irq]
	s.mu.Unlock()
	if !ok {
		return kernelutil.Wrap(kernelutil.ErrUnknownID, "no handler registered for irq %d", irq)
	}
	_, err := s.Send(actor.KernelActorID, target, actor.MessageSystem, actor.PriorityHigh, payload)
	return err
}
