package actor

import (
	"hash/crc32"
	"time"

	"github.com/vireonos/kernel/internal/kernelutil"
)

// MessageType classifies a Message.
type MessageType uint8

const (
	MessageAsync MessageType = iota
	MessageSyncRequest
	MessageSyncReply
	MessageBroadcast
	MessageSystem
)

// MaxPayloadSize bounds a message's payload buffer, per the external
// interface contract (4 KiB).
const MaxPayloadSize = 4096

// PoolSize is the number of fixed slots in the message pool.
const PoolSize = 1024

// BroadcastRecipient is the sentinel recipient id meaning "every live
// actor named in the sender's recipient list", per §3.
const BroadcastRecipient ID = 0

// Message is an immutable-after-send record. Once delivered to a
// mailbox the recipient owns it until message_free releases it back
// to the pool.
type Message struct {
	id            uint64
	Sender        ID
	Recipient     ID
	Type          MessageType
	Priority      Priority
	Flags         uint16
	Payload       []byte
	Timestamp     time.Time
	Deadline      time.Time
	ReplyTo       ID
	RequiresReply bool

	checksum uint32
	slot     int
}

// ID returns the message's monotonically assigned pool-wide identifier.
func (m *Message) ID() uint64 { return m.id }

// finalize stamps the payload checksum the way the reference ring
// buffer stamps its header checksum before making a message visible
// to a reader.
func (m *Message) finalize() {
	m.checksum = crc32.ChecksumIEEE(m.Payload)
}

// Verify reports whether the payload's checksum still matches the one
// recorded at send time.
func (m *Message) Verify() bool {
	return crc32.ChecksumIEEE(m.Payload) == m.checksum
}

// Pool is the fixed-size message arena backing every mailbox. It is
// not thread-safe by design: the core's single-threaded scheduling
// discipline (§5) is the only thing allowed to call into it, except
// for the interrupt-enqueue path which only ever appends to a
// mailbox, never touches pool bookkeeping concurrently with it.
type Pool struct {
	slots    []poolSlot
	free     []int
	sequence uint64
}

type poolSlot struct {
	msg    Message
	inUse  bool
}

// NewPool creates a pool with PoolSize fixed slots.
func NewPool() *Pool {
	p := &Pool{
		slots: make([]poolSlot, PoolSize),
		free:  make([]int, PoolSize),
	}
	for i := range p.free {
		p.free[i] = PoolSize - 1 - i
	}
	return p
}

// Len returns the number of slots currently in use.
func (p *Pool) Len() int { return PoolSize - len(p.free) }

// Alloc reserves a slot and populates it, returning a pool-owned
// pointer. It fails with ErrMessagePoolExhausted when no slot is free
// and with ErrOutOfMemory when the payload exceeds MaxPayloadSize.
func (p *Pool) Alloc(sender, recipient ID, typ MessageType, priority Priority, payload []byte) (*Message, error) {
	if len(payload) > MaxPayloadSize {
		return nil, kernelutil.Wrap(kernelutil.ErrOutOfMemory, "payload %d bytes exceeds max %d", len(payload), MaxPayloadSize)
	}
	if len(p.free) == 0 {
		return nil, kernelutil.Wrap(kernelutil.ErrMessagePoolExhausted, "message pool exhausted")
	}

	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	p.sequence++
	buf := make([]byte, len(payload))
	copy(buf, payload)

	slot := &p.slots[idx]
	slot.inUse = true
	slot.msg = Message{
		id:        p.sequence,
		Sender:    sender,
		Recipient: recipient,
		Type:      typ,
		Priority:  priority,
		Payload:   buf,
		Timestamp: time.Now(),
		slot:      idx,
	}
	slot.msg.finalize()
	return &slot.msg, nil
}

// Free releases a message's slot back to the pool.
func (p *Pool) Free(m *Message) {
	if m == nil {
		return
	}
	idx := m.slot
	if idx < 0 || idx >= len(p.slots) || !p.slots[idx].inUse {
		return
	}
	p.slots[idx].inUse = false
	p.slots[idx].msg = Message{}
	p.free = append(p.free, idx)
}
