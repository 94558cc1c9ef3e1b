package sandbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/vireonos/kernel/internal/kernelutil"
)

// deniedFunctions is the hard-coded execution deny list guarding
// function-call checks, per §4.D: "rejected if the name matches any
// entry in a small hard-coded deny list."
var deniedFunctions = map[string]struct{}{
	"kexec":        {},
	"raw_port_io":  {},
	"disable_mmu":  {},
	"patch_kernel": {},
}

// StrictModeViolationLimit is the violation count at which Manager
// quarantines a strict-mode module automatically, per §4.D: "after
// five violations a module in strict mode is automatically
// quarantined."
const StrictModeViolationLimit = 5

// callRateBurst and queryRateBurst bound the real-time rate enforced
// on top of the lifetime ResModuleCalls/ResSupervisorQueries budgets —
// the source treats these two resources as inherently rate-like
// rather than a fixed one-shot allowance.
const (
	callRateBurst  = 50
	queryRateBurst = 10
)

// Manager owns every loaded module's sandbox context, the system-wide
// violation ring buffer, and the rate limiters guarding module calls
// and supervisor queries. It holds no process-wide singleton state:
// callers construct one explicitly and pass it by reference, per §9's
// composition-root note.
type Manager struct {
	mu sync.Mutex

	contexts map[uint32]*Context

	violations       [ViolationRingCapacity]Violation
	violationSeq     uint64
	systemViolations uint64

	callLimiters  map[uint32]*limiter.TokenBucket
	queryLimiters map[uint32]*limiter.TokenBucket

	throttled map[uint32]uint64

	logger *kernelutil.Logger
}

// NewManager creates an empty sandbox manager.
func NewManager(logger *kernelutil.Logger) *Manager {
	if logger == nil {
		logger = kernelutil.DefaultLogger("sandbox")
	}
	return &Manager{
		contexts:      make(map[uint32]*Context),
		callLimiters:  make(map[uint32]*limiter.TokenBucket),
		queryLimiters: make(map[uint32]*limiter.TokenBucket),
		throttled:     make(map[uint32]uint64),
		logger:        logger,
	}
}

// CreateContext registers a new sandbox context for moduleID at level,
// per §4.D: "every loaded module has exactly one sandbox context."
func (m *Manager) CreateContext(moduleID uint32, level Level) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := newContext(moduleID, level)
	m.contexts[moduleID] = c
	m.installLimitersLocked(moduleID, c)
	return c
}

func (m *Manager) installLimitersLocked(moduleID uint32, c *Context) {
	if _, ok := c.Limits[ResModuleCalls]; ok {
		b, _ := limiter.NewTokenBucket(limiter.Config{
			Rate:     callRateBurst,
			Duration: time.Second,
			Burst:    callRateBurst,
		}, store.NewMemoryStore(time.Minute))
		m.callLimiters[moduleID] = b
	}
	if _, ok := c.Limits[ResSupervisorQueries]; ok {
		b, _ := limiter.NewTokenBucket(limiter.Config{
			Rate:     queryRateBurst,
			Duration: time.Second,
			Burst:    queryRateBurst,
		}, store.NewMemoryStore(time.Minute))
		m.queryLimiters[moduleID] = b
	}
}

// RemoveContext drops moduleID's sandbox context and limiters, called
// when the owning module is unloaded.
func (m *Manager) RemoveContext(moduleID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, moduleID)
	delete(m.callLimiters, moduleID)
	delete(m.queryLimiters, moduleID)
}

// Context returns a read view of moduleID's sandbox context.
func (m *Manager) Context(moduleID uint32) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[moduleID]
	return c, ok
}

func (m *Manager) capabilityGrantedLocked(c *Context, cap Capability) bool {
	return c.Denied&cap == 0 && c.Granted&cap != 0
}

// HasCapability implements has_capability(m, c): denied dominates
// granted; every miss logs a Capability violation carrying the
// attempted bit.
func (m *Manager) HasCapability(moduleID uint32, cap Capability) bool {
	m.mu.Lock()
	c, ok := m.contexts[moduleID]
	granted := ok && m.capabilityGrantedLocked(c, cap)
	m.mu.Unlock()
	if granted {
		return true
	}
	m.recordViolation(moduleID, ViolationCapability, uint32(cap), fmt.Sprintf("capability %#x denied", uint32(cap)))
	return false
}

// Grant moves cap from denied to granted, preserving §8 invariant 7:
// granted ∩ denied = ∅ after any grant/revoke sequence.
func (m *Manager) Grant(moduleID uint32, cap Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[moduleID]
	if !ok {
		return kernelutil.Wrap(kernelutil.ErrUnknownID, "no sandbox context for module %d", moduleID)
	}
	c.Denied &^= cap
	c.Granted |= cap
	return nil
}

// Revoke moves cap from granted to denied.
func (m *Manager) Revoke(moduleID uint32, cap Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[moduleID]
	if !ok {
		return kernelutil.Wrap(kernelutil.ErrUnknownID, "no sandbox context for module %d", moduleID)
	}
	c.Granted &^= cap
	c.Denied |= cap
	return nil
}

// CheckResource implements check_resource(m, type, requested): true if
// the limit is unenforced or current+requested <= limit, else it logs
// a Resource violation and returns false. For ResModuleCalls and
// ResSupervisorQueries this also consumes one token from the module's
// real-time rate limiter, so a burst can be rejected even inside the
// lifetime budget.
func (m *Manager) CheckResource(moduleID uint32, typ ResourceType, requested uint64) bool {
	m.mu.Lock()
	c, ok := m.contexts[moduleID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	l := c.limit(typ)
	if l.Enforce && l.Current+requested > l.Limit {
		m.mu.Unlock()
		m.recordViolation(moduleID, ViolationResource, uint32(typ),
			fmt.Sprintf("resource %s limit %d exceeded by request of %d (current %d)", typ, l.Limit, requested, l.Current))
		return false
	}
	var rl *limiter.TokenBucket
	switch typ {
	case ResModuleCalls:
		rl = m.callLimiters[moduleID]
	case ResSupervisorQueries:
		rl = m.queryLimiters[moduleID]
	}
	m.mu.Unlock()

	if rl != nil && !rl.Allow(fmt.Sprintf("module-%d", moduleID)) {
		m.recordViolation(moduleID, ViolationResource, uint32(typ), fmt.Sprintf("resource %s rate limit exceeded", typ))
		return false
	}
	return true
}

// UpdateResource implements update_resource(m, type, delta): saturates
// at zero on a negative delta exceeding current, and raises peak when
// current rises.
func (m *Manager) UpdateResource(moduleID uint32, typ ResourceType, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[moduleID]
	if !ok {
		return
	}
	l := c.limit(typ)
	switch {
	case delta < 0 && uint64(-delta) > l.Current:
		l.Current = 0
	case delta < 0:
		l.Current -= uint64(-delta)
	default:
		l.Current += uint64(delta)
	}
	if l.Current > l.Peak {
		l.Peak = l.Current
	}
}

// CheckMemoryAccess is the thin wrapper §4.D describes: memory access
// requires the relevant memory capability (MemAlloc/MemFree/MemMap/
// MemUnmap/MemProtect), logging a MemoryAccess violation on denial.
func (m *Manager) CheckMemoryAccess(moduleID uint32, cap Capability) bool {
	m.mu.Lock()
	c, ok := m.contexts[moduleID]
	granted := ok && m.capabilityGrantedLocked(c, cap)
	m.mu.Unlock()
	if granted {
		return true
	}
	m.recordViolation(moduleID, ViolationMemoryAccess, uint32(cap), fmt.Sprintf("memory access requires capability %#x", uint32(cap)))
	return false
}

// CheckFunctionCall is the thin wrapper guarding a named guarded call:
// rejected outright if name is in the hard-coded deny list, otherwise
// gated by the ResModuleCalls resource check.
func (m *Manager) CheckFunctionCall(moduleID uint32, name string) bool {
	if _, denied := deniedFunctions[name]; denied {
		m.recordViolation(moduleID, ViolationExecution, 0, fmt.Sprintf("call to %q is denied", name))
		return false
	}
	return m.CheckResource(moduleID, ResModuleCalls, 1)
}

// SetStrictMode toggles moduleID's strict-mode flag. In strict mode,
// the module's fifth recorded violation triggers automatic quarantine.
func (m *Manager) SetStrictMode(moduleID uint32, strict bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.contexts[moduleID]; ok {
		c.StrictMode = strict
	}
}

// Quarantine forces the security_level -> Quarantine transition
// described in §4.D, independent of the violation counter.
func (m *Manager) Quarantine(moduleID uint32) {
	m.mu.Lock()
	c, ok := m.contexts[moduleID]
	if ok {
		c.quarantine()
	}
	m.mu.Unlock()
	if ok {
		m.logger.Warn("module quarantined", kernelutil.Uint32("module_id", moduleID))
	}
}

// ThrottleModule implements the supervisor's Throttle intervention
// against a module (§4.D: "reduce the entity's effective share to
// 50%"): it halves the module-calls limit, enforced floor of 1. A
// second call while already throttled is a no-op. Returns false if the
// module has no sandbox context or no enforced module-calls limit.
func (m *Manager) ThrottleModule(moduleID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[moduleID]
	if !ok {
		return false
	}
	l := c.limit(ResModuleCalls)
	if !l.Enforce {
		return false
	}
	if _, already := m.throttled[moduleID]; already {
		return true
	}
	m.throttled[moduleID] = l.Limit
	l.Limit /= 2
	if l.Limit == 0 {
		l.Limit = 1
	}
	return true
}

// RecoverModule undoes a prior ThrottleModule, restoring the exact
// module-calls limit recorded before the halving.
func (m *Manager) RecoverModule(moduleID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	orig, ok := m.throttled[moduleID]
	if !ok {
		return false
	}
	if c, ok := m.contexts[moduleID]; ok {
		c.limit(ResModuleCalls).Limit = orig
	}
	delete(m.throttled, moduleID)
	return true
}

func (m *Manager) recordViolation(moduleID uint32, kind ViolationKind, attempted uint32, desc string) {
	m.mu.Lock()
	seq := m.violationSeq
	m.violationSeq++
	m.violations[seq%ViolationRingCapacity] = Violation{
		Seq:         seq,
		Timestamp:   time.Now(),
		ModuleID:    moduleID,
		Kind:        kind,
		Attempted:   attempted,
		Description: desc,
	}
	m.systemViolations++

	c, ok := m.contexts[moduleID]
	quarantineNow := false
	if ok {
		c.ViolationCount++
		if c.StrictMode && c.Level != Quarantine && c.ViolationCount >= StrictModeViolationLimit {
			quarantineNow = true
		}
	}
	m.mu.Unlock()

	m.logger.Warn("sandbox violation",
		kernelutil.Uint32("module_id", moduleID),
		kernelutil.String("kind", kind.String()),
		kernelutil.String("description", desc),
	)

	if quarantineNow {
		m.Quarantine(moduleID)
	}
}

// Violations returns every recorded violation for moduleID, oldest
// first, drawn from the ring buffer's currently live entries.
func (m *Manager) Violations(moduleID uint32) []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Violation
	n := m.violationSeq
	start := uint64(0)
	if n > ViolationRingCapacity {
		start = n - ViolationRingCapacity
	}
	for seq := start; seq < n; seq++ {
		v := m.violations[seq%ViolationRingCapacity]
		if v.ModuleID == moduleID {
			out = append(out, v)
		}
	}
	return out
}

// SystemViolationCount returns the total number of violations recorded
// across every module since the manager was created.
func (m *Manager) SystemViolationCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.systemViolations
}
