package actor

import "github.com/vireonos/kernel/internal/kernelutil"

// DefaultMailboxCapacity is the default bounded mailbox size for a
// regular actor.
const DefaultMailboxCapacity = 64

// KernelMailboxCapacity is the larger capacity reserved for the
// kernel actor.
const KernelMailboxCapacity = 256

// Mailbox is an actor's bounded inbound FIFO. It is a ring buffer over
// a fixed-size slice of message pointers, the same head/tail-offset
// shape the reference ring buffer uses, simplified to single-threaded
// bookkeeping since the only cross-context writer (the interrupt
// path) only ever appends and the scheduler is the sole reader.
type Mailbox struct {
	ring     []*Message
	capacity uint32
	head     uint32
	tail     uint32
	count    uint32
}

// NewMailbox creates a mailbox with the given capacity.
func NewMailbox(capacity uint32) *Mailbox {
	return &Mailbox{
		ring:     make([]*Message, capacity),
		capacity: capacity,
	}
}

// Len reports the number of queued messages.
func (mb *Mailbox) Len() uint32 { return mb.count }

// Capacity reports the mailbox's declared capacity.
func (mb *Mailbox) Capacity() uint32 { return mb.capacity }

// Full reports whether the mailbox has reached capacity.
func (mb *Mailbox) Full() bool { return mb.count >= mb.capacity }

// Empty reports whether the mailbox has no queued messages.
func (mb *Mailbox) Empty() bool { return mb.count == 0 }

// Enqueue appends a message at the tail. It fails with
// ErrMailboxFull if the mailbox is at capacity; the caller is
// responsible for returning the message to the pool in that case.
func (mb *Mailbox) Enqueue(m *Message) error {
	if mb.Full() {
		return kernelutil.Wrap(kernelutil.ErrMailboxFull, "mailbox at capacity %d", mb.capacity)
	}
	mb.ring[mb.tail] = m
	mb.tail = (mb.tail + 1) % mb.capacity
	mb.count++
	return nil
}

// Dequeue removes and returns the message at the head, or nil if
// empty.
func (mb *Mailbox) Dequeue() *Message {
	if mb.Empty() {
		return nil
	}
	m := mb.ring[mb.head]
	mb.ring[mb.head] = nil
	mb.head = (mb.head + 1) % mb.capacity
	mb.count--
	return m
}

// Drain removes and returns every queued message, emptying the
// mailbox. Used by terminate.
func (mb *Mailbox) Drain() []*Message {
	out := make([]*Message, 0, mb.count)
	for !mb.Empty() {
		out = append(out, mb.Dequeue())
	}
	return out
}
