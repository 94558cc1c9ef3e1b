package arena

// DefaultHeapSize is the total byte arena backing a Heap when the
// caller does not need to size it explicitly.
const DefaultHeapSize = OFFSET_ARENA + ARENA_METADATA_SIZE + ARENA_SLAB_SIZE + ARENA_BUDDY_SIZE

// Stats is the read-only statistics view the §6 heap collaborator
// contract promises: current_allocations, total_allocations,
// fragmentation_level.
type Stats struct {
	CurrentAllocations uint64
	TotalAllocations   uint64
	FragmentationLevel float32

	// CriticalAllocated is the cumulative byte count ever allocated at
	// arena.PRIORITY_CRITICAL — privileged module/actor state that
	// cannot be relieved by throttling alone.
	CriticalAllocated uint64

	// HighWaterAllocations is the largest concurrent outstanding
	// allocation count ever observed. A heap sitting at its high-water
	// mark with no headroom reclaimed is a sustained-pressure signal
	// distinct from raw fragmentation.
	HighWaterAllocations uint64
}

// Heap is the kmalloc/kfree collaborator used by the actor table (stack
// regions), the module manager (code/data/bss regions), and the
// supervisor (system-wide fragmentation and allocation-ratio checks).
// It is backed by the hybrid slab+buddy allocator: small requests
// (<=256B) go to the slab, everything else to the buddy allocator.
type Heap struct {
	buf   []byte
	alloc *HybridAllocator
}

// NewHeap creates a heap over a freshly allocated byte arena of the
// given size. Size is clamped up to DefaultHeapSize if smaller, since
// the underlying allocator's region layout is fixed.
func NewHeap(size uint32) *Heap {
	if size < DefaultHeapSize {
		size = DefaultHeapSize
	}
	buf := make([]byte, size)
	return &Heap{buf: buf, alloc: NewHybridAllocator(buf)}
}

// Alloc satisfies actor.Allocator and module.Allocator: it returns a
// base pointer (expressed as a uintptr offset into the heap's backing
// arena) and false on exhaustion. critical routes the request at
// PRIORITY_CRITICAL so the supervisor's heap check can see pressure
// building in privileged regions separately from routine churn.
func (h *Heap) Alloc(size uint32, critical bool) (uintptr, bool) {
	req := AllocationRequest{Size: size, Flags: FlagZeroed, Priority: PRIORITY_NORMAL}
	if critical {
		req.Priority = PRIORITY_CRITICAL
	}
	off, err := h.alloc.Allocate(req)
	if err != nil {
		return 0, false
	}
	return uintptr(off), true
}

// Free releases a region obtained from Alloc.
func (h *Heap) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	_ = h.alloc.Free(uint32(ptr))
}

// Bytes returns the live backing slice for a previously allocated
// region — used by the module manager to copy code/data sections in.
func (h *Heap) Bytes(ptr uintptr, size uint32) []byte {
	return h.buf[ptr : uintptr(ptr)+uintptr(size)]
}

// Stats reports the collaborator statistics view required by §6 and
// consumed by the supervisor's system-wide memory checks.
func (h *Heap) Stats() Stats {
	s := h.alloc.GetStats()
	return Stats{
		CurrentAllocations:   s.AllocCount - s.FreeCount,
		TotalAllocations:     s.AllocCount,
		FragmentationLevel:   s.OverallFragmentation,
		CriticalAllocated:    s.CriticalAllocated,
		HighWaterAllocations: s.HighWaterCount,
	}
}
