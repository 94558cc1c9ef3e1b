package module

import "time"

// State is the module lifecycle state.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateRunning
	StateUnloading
	StateError
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateUnloading:
		return "unloading"
	case StateError:
		return "error"
	case StateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// ID identifies a loaded module.
type ID uint32

// Region is the module's contiguous memory allocation: code, data,
// and zeroed bss, all backed by one heap allocation.
type Region struct {
	Base     uintptr
	CodeSize uint32
	DataSize uint32
	BSSSize  uint32
}

func (r Region) Size() uint32 { return r.CodeSize + r.DataSize + r.BSSSize }

// Counters tracks per-module runtime statistics.
type Counters struct {
	CPUTicks    uint64
	MemoryBytes uint64
	CallCount   uint64
	ErrorCount  uint64
	SwapCount   uint64
}

// Module is a validated, loaded image tracked by the manager.
type Module struct {
	ID   ID
	Name string
	Type Type
	Flags
	State State

	Version      Version
	Region       Region
	EntryOffset  uint32
	ExitOffset   uint32
	Symbols      []Symbol
	Dependencies []Dependency

	DependentIDs []ID
	RefCount     int

	Counters      Counters
	BehaviorScore int
	SandboxID     ID
	LoadedAt      time.Time

	// entry/exit are the resolved, callable functions bound to the
	// loaded region. A zero return from entry means "started
	// successfully"; a non-zero return is an error code.
	entry func() int
	exit  func()
}

// CoreFlag reports whether the core flag bit is set.
func (m *Module) CoreFlag() bool { return m.Flags&FlagCore != 0 }

// HotSwapFlag reports whether the hot-swap flag bit is set.
func (m *Module) HotSwapFlag() bool { return m.Flags&FlagHotSwap != 0 }

// AutoStartFlag reports whether the auto-start flag bit is set.
func (m *Module) AutoStartFlag() bool { return m.Flags&FlagAutoStart != 0 }
