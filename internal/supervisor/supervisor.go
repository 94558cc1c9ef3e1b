package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/vireonos/kernel/internal/actor"
	"github.com/vireonos/kernel/internal/arena"
	"github.com/vireonos/kernel/internal/kernelutil"
	"github.com/vireonos/kernel/internal/module"
	"github.com/vireonos/kernel/internal/sandbox"
	"github.com/vireonos/kernel/internal/scheduler"
)

// DefaultHistoryCapacity bounds the resolved-anomaly retention per
// §12's query-surface expansion: "bounded retention."
const DefaultHistoryCapacity = 256

// fragmentationThreshold and allocationRatioThreshold are the §4.D
// step-2 system-wide memory-check thresholds.
const (
	fragmentationThreshold  = 0.8
	allocationRatioThreshold = 0.9
)

// loadErrorThreshold is the §4.D step-3 module-manager corruption
// threshold.
const loadErrorThreshold = 5

// systemCheckConfidence is the confidence attached to the deterministic
// system-wide checks of steps 2-3, which are threshold crossings
// rather than statistically derived pattern predicates.
const systemCheckConfidence = 90

// Supervisor implements §4.D's behavioral supervisor: it owns the
// behavior-pattern table and the active/historical anomaly tables, and
// is driven by the scheduler's tick-based sampler hook. It holds no
// process-wide singleton state: the composition root constructs one
// explicitly over its five collaborators, per §9.
type Supervisor struct {
	mu sync.Mutex

	actors     *actor.Table
	modules    *module.Manager
	sandboxMgr *sandbox.Manager
	sched      *scheduler.Scheduler
	heap       *arena.Heap

	patterns map[Entity]*Pattern
	active   map[Entity]map[AnomalyKind]*Anomaly
	history  []Anomaly

	historyCap int

	lastActorTicks map[actor.ID]uint64
	lastActorMsgs  map[actor.ID]uint64

	lastModuleTicks map[module.ID]uint64
	lastModuleCalls map[module.ID]uint64

	breakers *breakerRegistry

	logger *kernelutil.Logger
}

// New creates a supervisor over the given collaborators. logger may be
// nil, in which case a default component logger is used.
func New(actors *actor.Table, modules *module.Manager, sandboxMgr *sandbox.Manager, sched *scheduler.Scheduler, heap *arena.Heap, logger *kernelutil.Logger) *Supervisor {
	if logger == nil {
		logger = kernelutil.DefaultLogger("supervisor")
	}
	return &Supervisor{
		actors:          actors,
		modules:         modules,
		sandboxMgr:      sandboxMgr,
		sched:           sched,
		heap:            heap,
		patterns:        make(map[Entity]*Pattern),
		active:          make(map[Entity]map[AnomalyKind]*Anomaly),
		historyCap:      DefaultHistoryCapacity,
		lastActorTicks:  make(map[actor.ID]uint64),
		lastActorMsgs:   make(map[actor.ID]uint64),
		lastModuleTicks: make(map[module.ID]uint64),
		lastModuleCalls: make(map[module.ID]uint64),
		breakers:        newBreakerRegistry(),
		logger:          logger,
	}
}

// Sample implements scheduler.Sampler: it runs one §4.D sampler pass —
// collect samples, raise or resolve anomalies — and then immediately
// processes whatever anomalies are still unhandled. ProcessAnomalies
// is separately exported and safe to call again afterward; an anomaly
// is never re-processed once actions_taken is non-zero (§4.D).
func (s *Supervisor) Sample() {
	s.runPass()
	s.ProcessAnomalies()
}

func (s *Supervisor) runPass() {
	dedupe := newPassDedupe()

	// Step 1: sample every Running, monitored actor.
	for _, a := range s.actors.Snapshot() {
		if a.State != actor.StateRunning || !a.Monitored {
			continue
		}
		s.sampleActor(a)
	}

	// Step 2: system-wide heap checks.
	s.checkHeap(dedupe)

	// Step 3: sample every loaded module, and check the corruption
	// threshold on the manager's load-error counter.
	for _, mod := range s.modules.List() {
		s.sampleModule(mod)
	}
	s.checkLoadErrors(dedupe)

	// Step 4: scan every active pattern against the four built-in
	// predicates.
	s.scanPatterns(dedupe)
}

func (s *Supervisor) sampleActor(a *actor.Actor) {
	e := ActorEntity(uint32(a.ID))

	s.mu.Lock()
	lastTicks := s.lastActorTicks[a.ID]
	lastMsgs := s.lastActorMsgs[a.ID]
	s.mu.Unlock()

	ticksDelta := a.Counters.CPUTicks - lastTicks
	msgsDelta := a.Counters.MessagesReceived - lastMsgs

	s.mu.Lock()
	s.lastActorTicks[a.ID] = a.Counters.CPUTicks
	s.lastActorMsgs[a.ID] = a.Counters.MessagesReceived
	s.mu.Unlock()

	sample := Sample{
		Memory:   a.Memory.Current,
		CPU:      float64(ticksDelta),
		IO:       0,
		Messages: msgsDelta,
	}
	s.updatePattern(e, sample)
}

func (s *Supervisor) sampleModule(mod *module.Module) {
	e := ModuleEntity(uint32(mod.ID))

	s.mu.Lock()
	lastTicks := s.lastModuleTicks[mod.ID]
	lastCalls := s.lastModuleCalls[mod.ID]
	s.mu.Unlock()

	ticksDelta := mod.Counters.CPUTicks - lastTicks
	callsDelta := mod.Counters.CallCount - lastCalls

	s.mu.Lock()
	s.lastModuleTicks[mod.ID] = mod.Counters.CPUTicks
	s.lastModuleCalls[mod.ID] = mod.Counters.CallCount
	s.mu.Unlock()

	sample := Sample{
		Memory:   mod.Counters.MemoryBytes,
		CPU:      float64(ticksDelta),
		IO:       callsDelta,
		Messages: 0,
	}
	s.updatePattern(e, sample)
}

func (s *Supervisor) updatePattern(e Entity, sample Sample) {
	s.mu.Lock()
	p, ok := s.patterns[e]
	if !ok {
		p = NewPattern(e)
		s.patterns[e] = p
	}
	p.Update(sample)
	s.mu.Unlock()
}

func (s *Supervisor) checkHeap(dedupe *passDedupe) {
	stats := s.heap.Stats()

	fragFired := stats.FragmentationLevel > fragmentationThreshold
	s.raise(dedupe, SystemEntity, AnomalyMemoryLeak, 60, systemCheckConfidence, fragFired,
		fmt.Sprintf("heap fragmentation %.0f%% exceeds 80%%", stats.FragmentationLevel*100))

	ratioFired := false
	if stats.TotalAllocations > 0 {
		ratio := float64(stats.CurrentAllocations) / float64(stats.TotalAllocations)
		ratioFired = ratio > allocationRatioThreshold
	}
	// A heap that has cycled through well more allocations than its
	// peak concurrent count (so frees did happen) yet is still sitting
	// right at that peak has stopped giving back headroom — distinct
	// from the ratio check, which a heap fresh off its very first
	// allocation would trip by coincidence.
	sustainedPeak := stats.HighWaterAllocations > 0 &&
		stats.CurrentAllocations >= stats.HighWaterAllocations &&
		stats.TotalAllocations > stats.HighWaterAllocations*2
	desc := "current/total allocation ratio exceeds 0.9"
	if !ratioFired && sustainedPeak {
		desc = fmt.Sprintf("allocation count %d has not dropped below its high-water mark", stats.CurrentAllocations)
	}
	s.raise(dedupe, SystemEntity, AnomalyResourceAbuse, 70, systemCheckConfidence, ratioFired || sustainedPeak, desc)
}

func (s *Supervisor) checkLoadErrors(dedupe *passDedupe) {
	fired := s.modules.LoadErrorCount() > loadErrorThreshold
	s.raise(dedupe, SystemEntity, AnomalyCorruption, 75, systemCheckConfidence, fired,
		"module load-error count exceeds 5")
}

func (s *Supervisor) scanPatterns(dedupe *passDedupe) {
	s.mu.Lock()
	patterns := make([]*Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		patterns = append(patterns, p)
	}
	s.mu.Unlock()

	for _, p := range patterns {
		for _, pred := range builtinPredicates {
			fired := pred.fires(p)
			desc := fmt.Sprintf("%s predicate matched for %s", pred.kind, p.Entity)
			s.raise(dedupe, p.Entity, pred.kind, pred.severity, p.confidence(), fired, desc)
		}
	}
}

// raise implements the New/Handled/Resolved reconciliation of §4.D's
// anomaly state machine, gated by the pass-scoped dedupe so a given
// (entity, kind) pair is decided at most once per pass.
func (s *Supervisor) raise(dedupe *passDedupe, entity Entity, kind AnomalyKind, severity, confidence int, fired bool, description string) {
	if !dedupe.tryFire(entity, kind) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byKind, ok := s.active[entity]
	if !ok {
		byKind = make(map[AnomalyKind]*Anomaly)
		s.active[entity] = byKind
	}
	existing, has := byKind[kind]

	if !fired {
		if has {
			existing.State = StateResolved
			existing.ResolvedAt = time.Now()
			s.history = append(s.history, *existing)
			s.trimHistoryLocked()
			delete(byKind, kind)
		}
		return
	}

	if has {
		// Already New or Handled from an earlier pass; not re-raised.
		return
	}

	byKind[kind] = &Anomaly{
		ID:          kernelutil.GenerateID(),
		Kind:        kind,
		Severity:    severity,
		Confidence:  confidence,
		Target:      entity,
		Description: description,
		Recommended: RecommendedActions(severity),
		State:       StateNew,
		DetectedAt:  time.Now(),
	}
}

func (s *Supervisor) trimHistoryLocked() {
	if len(s.history) > s.historyCap {
		s.history = s.history[len(s.history)-s.historyCap:]
	}
}

// ProcessAnomalies executes the intervention mapping of §4.D against
// every active anomaly not yet handled (actions_taken == 0). It is
// idempotent: anomalies already handled are skipped.
func (s *Supervisor) ProcessAnomalies() {
	s.mu.Lock()
	var pending []*Anomaly
	for _, byKind := range s.active {
		for _, a := range byKind {
			if a.ActionsTaken.Empty() {
				pending = append(pending, a)
			}
		}
	}
	s.mu.Unlock()

	for _, a := range pending {
		s.applyInterventions(a)
	}
}

func (s *Supervisor) applyInterventions(a *Anomaly) {
	var taken ActionSet

	// An entity whose breaker is already open has a Throttle or
	// Suspend still in effect from an earlier anomaly that has not yet
	// been Recover'd. Re-running the scheduler/sandbox/module actuator
	// against it would be redundant at best; record the action as
	// already taken instead of calling it again.
	breakerOpen := s.breakers.open(a.Target)

	if a.Recommended.Has(ActionLog) {
		s.logger.Info("anomaly detected",
			kernelutil.String("id", a.ID),
			kernelutil.String("kind", a.Kind.String()),
			kernelutil.String("target", a.Target.String()),
			kernelutil.Int("severity", a.Severity))
		taken = taken.Add(ActionLog)
	}
	if a.Recommended.Has(ActionWarn) {
		s.logger.Warn("anomaly warning",
			kernelutil.String("id", a.ID),
			kernelutil.String("kind", a.Kind.String()),
			kernelutil.String("target", a.Target.String()),
			kernelutil.Int("severity", a.Severity))
		taken = taken.Add(ActionWarn)
	}
	if a.Recommended.Has(ActionThrottle) {
		if breakerOpen {
			taken = taken.Add(ActionThrottle)
		} else {
			switch a.Target.Kind {
			case KindActor:
				if before, ok := s.sched.Throttle(actor.ID(a.Target.ID)); ok {
					a.throttledPriority = int(before)
					a.hadPriority = true
					taken = taken.Add(ActionThrottle)
					s.breakers.trip(a.Target)
				}
			case KindModule:
				if s.sandboxMgr.ThrottleModule(a.Target.ID) {
					taken = taken.Add(ActionThrottle)
					s.breakers.trip(a.Target)
				}
			}
		}
	}
	if a.Recommended.Has(ActionSuspend) {
		if breakerOpen {
			taken = taken.Add(ActionSuspend)
		} else {
			switch a.Target.Kind {
			case KindActor:
				if s.sched.Suspend(actor.ID(a.Target.ID)) {
					taken = taken.Add(ActionSuspend)
					s.breakers.trip(a.Target)
				}
			case KindModule:
				if s.modules.Suspend(module.ID(a.Target.ID)) {
					taken = taken.Add(ActionSuspend)
					s.breakers.trip(a.Target)
				}
			}
		}
	}

	s.mu.Lock()
	a.ActionsTaken = taken
	if !taken.Empty() {
		a.State = StateHandled
	}
	s.mu.Unlock()
}

// Recover reverses any Throttle/Suspend intervention currently applied
// against entity and resets its circuit breaker. It is the manual
// counterpart to the automatic interventions, for an operator (or the
// CLI collaborator of §6) to call once an entity's behavior pattern
// has returned to baseline.
func (s *Supervisor) Recover(entity Entity) error {
	s.mu.Lock()
	byKind, ok := s.active[entity]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: no active anomaly for %s", entity)
	}

	for _, a := range byKind {
		if a.ActionsTaken.Has(ActionThrottle) {
			switch entity.Kind {
			case KindActor:
				if a.hadPriority {
					s.sched.Recover(actor.ID(entity.ID), actor.Priority(a.throttledPriority))
				}
			case KindModule:
				s.sandboxMgr.RecoverModule(entity.ID)
			}
			a.ActionsTaken = a.ActionsTaken.Add(ActionRecover)
		}
		if a.ActionsTaken.Has(ActionSuspend) {
			switch entity.Kind {
			case KindActor:
				s.sched.Resume(actor.ID(entity.ID))
			case KindModule:
				s.modules.Resume(module.ID(entity.ID))
			}
			a.ActionsTaken = a.ActionsTaken.Add(ActionRecover)
		}
	}
	s.breakers.reset(entity)
	return nil
}

// ActiveAnomalies returns every anomaly currently in the New or
// Handled state, per §12's query-surface expansion.
func (s *Supervisor) ActiveAnomalies() []Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Anomaly, 0)
	for _, byKind := range s.active {
		for _, a := range byKind {
			out = append(out, *a)
		}
	}
	return out
}

// AnomalyHistory returns every resolved anomaly ever recorded against
// entity, oldest first, up to the bounded retention window.
func (s *Supervisor) AnomalyHistory(entity Entity) []Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Anomaly, 0)
	for _, a := range s.history {
		if a.Target == entity {
			out = append(out, a)
		}
	}
	return out
}

// Pattern returns a copy of entity's current behavior pattern, for
// diagnostics and tests. The second return is false if no pattern has
// been recorded yet.
func (s *Supervisor) Pattern(entity Entity) (Pattern, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[entity]
	if !ok {
		return Pattern{}, false
	}
	return *p, true
}

// SeedPattern installs samples directly into entity's pattern, bypassing
// the live actor/module sampling path. It exists for tests that need
// to fabricate a specific window (per §8's CPU-spike scenario) without
// driving hundreds of real scheduler ticks.
func (s *Supervisor) SeedPattern(entity Entity, samples []Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[entity]
	if !ok {
		p = NewPattern(entity)
		s.patterns[entity] = p
	}
	for _, sample := range samples {
		p.Update(sample)
	}
}
