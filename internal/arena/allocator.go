package arena

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// HybridAllocator is the kernel's kmalloc/kfree backend: it routes
// each request to the slab or buddy sub-allocator by size and tracks
// priority-attributed pressure for the supervisor's heap checks (a
// request's Owner is not recorded).

const (
	// OFFSET_ARENA reserves the low region of the backing buffer for
	// whatever the caller layers beneath the allocator (actor table
	// bookkeeping lives below this in a future revision); the
	// allocator itself never touches bytes below it.
	OFFSET_ARENA = 0x150000

	// Arena layout: metadata/queues take the first 64KB, then a fixed
	// slab region for tiny objects, then a fixed buddy region for
	// everything larger.
	ARENA_METADATA_SIZE = 64 * 1024
	ARENA_SLAB_SIZE     = 1 * 1024 * 1024 // 1MB for tiny objects
	ARENA_BUDDY_SIZE    = 8 * 1024 * 1024 // 8MB for larger blocks

	// Allocation priorities. Critical-priority bytes are tracked
	// separately so the supervisor can distinguish routine churn from
	// pressure building in privileged allocations (module code/data,
	// kernel mailboxes) that a module or actor cannot simply be
	// throttled out of.
	PRIORITY_NORMAL   = 0
	PRIORITY_HIGH     = 1
	PRIORITY_CRITICAL = 2
)

type HybridAllocator struct {
	mem []byte

	// Sub-allocators
	slab  *SlabAllocator
	buddy *BuddyAllocator

	// Statistics
	totalAllocated uint64
	totalFreed     uint64
	allocCount     uint64
	freeCount      uint64

	// criticalAllocated is the cumulative byte count ever allocated at
	// PRIORITY_CRITICAL, and highWaterCount the largest concurrent
	// outstanding allocation count ever observed — both consumed by
	// the supervisor's system-wide memory checks alongside
	// fragmentation.
	criticalAllocated uint64
	highWaterCount    uint64

	mu sync.RWMutex
}

type AllocationRequest struct {
	Size      uint32
	Owner     string
	Priority  uint8
	Alignment uint32
	Flags     AllocFlags
}

type AllocFlags uint32

const (
	FlagPersistent AllocFlags = 1 << 0 // Survives module unload
	FlagShared     AllocFlags = 1 << 1 // Shareable across modules
	FlagZeroed     AllocFlags = 1 << 2 // Zero on allocation
	FlagGuarded    AllocFlags = 1 << 3 // Add guard pages
)

func NewHybridAllocator(sabBytes []byte) *HybridAllocator {
	// Calculate offsets
	slabOffset := OFFSET_ARENA + ARENA_METADATA_SIZE
	buddyOffset := slabOffset + ARENA_SLAB_SIZE

	ha := &HybridAllocator{
		mem:   sabBytes,
		slab:  NewSlabAllocator(sabBytes, uint32(slabOffset), ARENA_SLAB_SIZE),
		buddy: NewBuddyAllocator(sabBytes, uint32(buddyOffset), ARENA_BUDDY_SIZE),
	}

	return ha
}

// Allocate allocates memory based on size
func (ha *HybridAllocator) Allocate(req AllocationRequest) (uint32, error) {
	var offset uint32
	var err error

	// Route to appropriate allocator
	if req.Size <= 256 {
		offset, err = ha.slab.Allocate(req.Size)
	} else if req.Size < MIN_BUDDY_SIZE {
		// Use buddy for sizes between 256B and 4KB
		offset, err = ha.buddy.Allocate(MIN_BUDDY_SIZE)
	} else {
		offset, err = ha.buddy.Allocate(req.Size)
	}

	if err != nil {
		return 0, err
	}

	// Zero memory if requested
	if req.Flags&FlagZeroed != 0 {
		ha.zeroMemory(offset, req.Size)
	}

	// Update statistics
	atomic.AddUint64(&ha.totalAllocated, uint64(req.Size))
	atomic.AddUint64(&ha.allocCount, 1)
	if req.Priority >= PRIORITY_CRITICAL {
		atomic.AddUint64(&ha.criticalAllocated, uint64(req.Size))
	}
	ha.bumpHighWater()

	return offset, nil
}

// bumpHighWater records the largest outstanding-allocation count seen
// so far. It never decreases, so the supervisor can tell a heap that
// has freed back down from one that is still sitting at its historical
// peak with no headroom recovered.
func (ha *HybridAllocator) bumpHighWater() {
	for {
		current := atomic.LoadUint64(&ha.allocCount) - atomic.LoadUint64(&ha.freeCount)
		hw := atomic.LoadUint64(&ha.highWaterCount)
		if current <= hw {
			return
		}
		if atomic.CompareAndSwapUint64(&ha.highWaterCount, hw, current) {
			return
		}
	}
}

// Free frees memory at the given offset
func (ha *HybridAllocator) Free(offset uint32) error {
	// Determine which allocator owns this offset
	slabStart := OFFSET_ARENA + ARENA_METADATA_SIZE
	slabEnd := slabStart + ARENA_SLAB_SIZE
	buddyStart := slabEnd

	var err error
	if offset >= uint32(slabStart) && offset < uint32(slabEnd) {
		err = ha.slab.Free(offset)
	} else if offset >= uint32(buddyStart) {
		err = ha.buddy.Free(offset)
	} else {
		return fmt.Errorf("invalid offset %d", offset)
	}

	if err == nil {
		atomic.AddUint64(&ha.freeCount, 1)
	}

	return err
}

// Helper: Zero memory
func (ha *HybridAllocator) zeroMemory(offset, size uint32) {
	for i := uint32(0); i < size; i++ {
		ha.mem[offset+i] = 0
	}
}

// Statistics

type HybridStats struct {
	TotalAllocated uint64
	TotalFreed     uint64
	AllocCount     uint64
	FreeCount      uint64

	SlabStats  []SlabStats
	BuddyStats BuddyStats

	// OverallFragmentation is a 0-1 fraction, not a percentage —
	// callers that want a percentage multiply by 100 themselves.
	OverallFragmentation float32

	CriticalAllocated uint64
	HighWaterCount    uint64
}

func (ha *HybridAllocator) GetStats() HybridStats {
	ha.mu.RLock()
	defer ha.mu.RUnlock()

	slabStats := ha.slab.GetStats()
	buddyStats := ha.buddy.GetStats()

	// The buddy allocator carries the large majority of arena bytes
	// (8MB of the 9MB region) and already tracks free-block splinter
	// count, the actual measure of fragmentation; a slab cache never
	// fragments, it just runs out of free objects in a page. So the
	// system-wide signal rides on the buddy side alone rather than
	// re-deriving one from raw utilization.
	fragmentation := buddyStats.Fragmentation / 100

	return HybridStats{
		TotalAllocated:       atomic.LoadUint64(&ha.totalAllocated),
		TotalFreed:           atomic.LoadUint64(&ha.totalFreed),
		AllocCount:           atomic.LoadUint64(&ha.allocCount),
		FreeCount:            atomic.LoadUint64(&ha.freeCount),
		SlabStats:            slabStats,
		BuddyStats:           buddyStats,
		OverallFragmentation: fragmentation,
		CriticalAllocated:    atomic.LoadUint64(&ha.criticalAllocated),
		HighWaterCount:       atomic.LoadUint64(&ha.highWaterCount),
	}
}

// FreeCache frees cached memory (for OOM recovery)
func (ha *HybridAllocator) FreeCache() uint32 {
	return ha.slab.FreeEmptySlabs()
}
