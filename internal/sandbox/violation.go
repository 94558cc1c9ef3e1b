package sandbox

import "time"

// ViolationKind classifies a recorded sandbox violation.
type ViolationKind uint8

const (
	ViolationCapability ViolationKind = iota
	ViolationResource
	ViolationMemoryAccess
	ViolationExecution
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationCapability:
		return "capability"
	case ViolationResource:
		return "resource"
	case ViolationMemoryAccess:
		return "memory-access"
	case ViolationExecution:
		return "execution"
	default:
		return "unknown"
	}
}

// Violation is one entry in the system-wide violation ring buffer the
// behavioral supervisor draws on for its anomaly passes.
type Violation struct {
	Seq         uint64
	Timestamp   time.Time
	ModuleID    uint32
	Kind        ViolationKind
	Attempted   uint32
	Description string
}

// ViolationRingCapacity bounds the violation ring buffer. §8 invariant
// 8 requires ring indices to always stay modulo capacity; this is
// comfortably above the boundary scenario's five-violation trigger.
const ViolationRingCapacity = 128
