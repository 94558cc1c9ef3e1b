package module

import (
	"github.com/vireonos/kernel/internal/kernelutil"
)

// MaxModules bounds the module table.
const MaxModules = 128

// EntryFunc is invoked when a module starts; a non-zero return is an
// error code that moves the module to Error (not Running) while it
// stays in the module table.
type EntryFunc func() int

// ExitFunc is invoked when a module stops.
type ExitFunc func()

// Loader resolves an image's entry/exit offsets to callable Go
// functions. Since this implementation does not execute foreign
// machine code, a registry of named constructors stands in for
// relocation: the image's Name selects the constructor.
type Loader interface {
	Resolve(name string, region Region) (EntryFunc, ExitFunc)
}

// Allocator is the heap collaborator contract §6 requires for module
// regions: a contiguous alloc, free, and byte-level access to copy
// code/data sections in. critical marks a region belonging to a core
// or privileged module, so the heap can track that pressure
// separately from routine allocation churn.
type Allocator interface {
	Alloc(size uint32, critical bool) (uintptr, bool)
	Free(ptr uintptr)
	Bytes(ptr uintptr, size uint32) []byte
}

// Manager implements the module manager contract of §4.C: validate,
// load, start, stop, unload, hot-swap, dependency resolution, symbol
// lookup. It is single-threaded, driven from the same cooperative
// core as the scheduler.
type Manager struct {
	modules    map[ID]*Module
	byName     map[string]ID
	nextID     ID
	heap       Allocator
	loader     Loader
	logger     *kernelutil.Logger
	loadErrors uint64
}

// NewManager creates an empty module manager.
func NewManager(heap Allocator, loader Loader, logger *kernelutil.Logger) *Manager {
	return &Manager{
		modules: make(map[ID]*Module),
		byName:  make(map[string]ID),
		nextID:  1,
		heap:    heap,
		loader:  loader,
		logger:  logger,
	}
}

// LoadErrorCount is consumed by the supervisor's Corruption predicate
// (§4.D point 3).
func (m *Manager) LoadErrorCount() uint64 { return m.loadErrors }

// Load validates and loads an image, following the seven-step load
// procedure of §4.C.
func (m *Manager) Load(raw []byte) (ID, error) {
	img, err := Validate(raw)
	if err != nil {
		m.loadErrors++
		return 0, err
	}

	if _, exists := m.byName[img.Header.Name]; exists {
		return 0, kernelutil.Wrap(kernelutil.ErrAlreadyLoaded, "module %q already loaded", img.Header.Name)
	}

	if len(m.modules) >= MaxModules {
		return 0, kernelutil.Wrap(kernelutil.ErrNoFreeSlot, "module table full at %d slots", MaxModules)
	}

	if err := m.resolveDependencies(img.Dependencies); err != nil {
		return 0, err
	}

	id := m.nextID

	size := img.Header.CodeSize + img.Header.DataSize + img.Header.BSSSize
	critical := img.Header.Flags&(FlagCore|FlagPrivileged) != 0
	base, ok := m.heap.Alloc(size, critical)
	if !ok {
		return 0, kernelutil.Wrap(kernelutil.ErrOutOfMemory, "module region of %d bytes failed", size)
	}

	region := m.heap.Bytes(base, size)
	copy(region, img.Code)
	copy(region[len(img.Code):], img.Data)

	m.nextID++

	mod := &Module{
		ID:           id,
		Name:         img.Header.Name,
		Type:         img.Header.Type,
		Flags:        img.Header.Flags,
		State:        StateLoaded,
		Version:      img.Header.ModuleVersion,
		Region:       Region{Base: base, CodeSize: img.Header.CodeSize, DataSize: img.Header.DataSize, BSSSize: img.Header.BSSSize},
		EntryOffset:  img.Header.EntryOffset,
		ExitOffset:   img.Header.ExitOffset,
		Symbols:      img.Symbols,
		Dependencies: img.Dependencies,
		BehaviorScore: 100,
	}

	entry, exit := m.loader.Resolve(img.Header.Name, mod.Region)
	mod.entry = entry
	mod.exit = exit

	m.modules[id] = mod
	m.byName[img.Header.Name] = id
	m.incrementDependents(id, img.Dependencies)

	if mod.AutoStartFlag() {
		if err := m.Start(id); err != nil {
			m.logger.Warn("auto-start failed", kernelutil.String("module", mod.Name), kernelutil.Err(err))
		}
	}

	return id, nil
}

// resolveDependencies checks every non-optional dependency is
// satisfiable against a currently loaded module, and fails the load
// otherwise (§4.C dependency resolution).
func (m *Manager) resolveDependencies(deps []Dependency) error {
	for _, dep := range deps {
		depID, exists := m.byName[dep.Name]
		if !exists {
			if dep.Optional {
				continue
			}
			return kernelutil.Wrap(kernelutil.ErrDependencyUnsatisfied, "requires %s", dep.Name)
		}
		provider := m.modules[depID]
		if !dep.Satisfied(provider.Version) {
			return kernelutil.Wrap(kernelutil.ErrDependencyUnsatisfied, "requires %s@%v..%v, found %v", dep.Name, dep.MinVersion, dep.MaxVersion, provider.Version)
		}
	}
	return nil
}

func (m *Manager) incrementDependents(dependent ID, deps []Dependency) {
	for _, dep := range deps {
		if depID, exists := m.byName[dep.Name]; exists {
			m.modules[depID].DependentIDs = append(m.modules[depID].DependentIDs, dependent)
			m.modules[depID].RefCount++
		}
	}
}

func (m *Manager) rollbackDependents(dependent ID, deps []Dependency) {
	for _, dep := range deps {
		provider, exists := m.byName[dep.Name]
		if !exists || m.modules[provider].RefCount == 0 {
			continue
		}
		m.modules[provider].RefCount--
		ids := m.modules[provider].DependentIDs
		for i, d := range ids {
			if d == dependent {
				m.modules[provider].DependentIDs = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
}

// Start invokes the entry function. Permitted only from Loaded.
func (m *Manager) Start(id ID) error {
	mod, ok := m.modules[id]
	if !ok {
		return kernelutil.Wrap(kernelutil.ErrUnknownID, "module %d", id)
	}
	if mod.State != StateLoaded {
		return kernelutil.Wrap(kernelutil.ErrInvalidState, "start requires Loaded, got %s", mod.State)
	}

	rc := 0
	if mod.entry != nil {
		rc = mod.entry()
	}
	if rc != 0 {
		mod.State = StateError
		mod.Counters.ErrorCount++
		return kernelutil.Wrap(kernelutil.ErrInvalidState, "entry returned %d", rc)
	}
	mod.State = StateRunning
	return nil
}

// Stop invokes exit and transitions to Loaded. Permitted only from
// Running.
func (m *Manager) Stop(id ID) error {
	mod, ok := m.modules[id]
	if !ok {
		return kernelutil.Wrap(kernelutil.ErrUnknownID, "module %d", id)
	}
	if mod.State != StateRunning {
		return kernelutil.Wrap(kernelutil.ErrInvalidState, "stop requires Running, got %s", mod.State)
	}
	if mod.exit != nil {
		mod.exit()
	}
	mod.State = StateLoaded
	return nil
}

// Suspend and Resume bracket a module's Running state without tearing
// it down, used by the supervisor's Throttle/Suspend interventions.
func (m *Manager) Suspend(id ID) bool {
	mod, ok := m.modules[id]
	if !ok || mod.State != StateRunning {
		return false
	}
	mod.State = StateSuspended
	return true
}

func (m *Manager) Resume(id ID) bool {
	mod, ok := m.modules[id]
	if !ok || mod.State != StateSuspended {
		return false
	}
	mod.State = StateRunning
	return true
}

// Unload refuses with ErrInUse if the dependent count is non-zero or
// the core flag is set; otherwise stops (if Running) and frees the
// image, symbol table, dependency table, and slot.
func (m *Manager) Unload(id ID) error {
	mod, ok := m.modules[id]
	if !ok {
		return kernelutil.Wrap(kernelutil.ErrUnknownID, "module %d", id)
	}
	if mod.RefCount > 0 {
		return kernelutil.Wrap(kernelutil.ErrInUse, "module %s has %d dependents", mod.Name, mod.RefCount)
	}
	if mod.CoreFlag() {
		return kernelutil.Wrap(kernelutil.ErrInUse, "module %s is core", mod.Name)
	}

	if mod.State == StateRunning {
		if err := m.Stop(id); err != nil {
			return err
		}
	}

	m.rollbackDependents(mod.ID, mod.Dependencies)
	m.heap.Free(mod.Region.Base)
	delete(m.byName, mod.Name)
	delete(m.modules, id)
	return nil
}

// HotSwap replaces a Running module's image without tearing down its
// identity or dependents. Permitted only if the module's hot-swap
// flag is set and the new image declares the same name and a
// compatible version. In-flight mailbox state addressed to the
// module's associated actor, if any, is the caller's responsibility
// to drain before calling HotSwap — this manager does not preserve it
// (see the documented draining policy).
func (m *Manager) HotSwap(id ID, newRaw []byte) error {
	mod, ok := m.modules[id]
	if !ok {
		return kernelutil.Wrap(kernelutil.ErrUnknownID, "module %d", id)
	}
	if !mod.HotSwapFlag() {
		return kernelutil.Wrap(kernelutil.ErrInvalidState, "module %s is not hot-swappable", mod.Name)
	}

	newImg, err := Validate(newRaw)
	if err != nil {
		return err
	}
	if newImg.Header.Name != mod.Name {
		return kernelutil.Wrap(kernelutil.ErrInvalidImage, "hot-swap name mismatch: %s != %s", newImg.Header.Name, mod.Name)
	}
	if newImg.Header.ModuleVersion.Less(mod.Version) {
		return kernelutil.Wrap(kernelutil.ErrInvalidImage, "hot-swap version %v older than running %v", newImg.Header.ModuleVersion, mod.Version)
	}

	wasRunning := mod.State == StateRunning
	mod.State = StateSuspended
	if wasRunning && mod.exit != nil {
		mod.exit()
	}

	oldBase := mod.Region.Base
	oldEntry, oldExit := mod.entry, mod.exit

	newSize := newImg.Header.CodeSize + newImg.Header.DataSize + newImg.Header.BSSSize
	newCritical := newImg.Header.Flags&(FlagCore|FlagPrivileged) != 0
	newBase, ok := m.heap.Alloc(newSize, newCritical)
	if !ok {
		mod.entry, mod.exit = oldEntry, oldExit
		mod.State = StateError
		return kernelutil.Wrap(kernelutil.ErrOutOfMemory, "hot-swap region of %d bytes failed", newSize)
	}

	newRegionBytes := m.heap.Bytes(newBase, newSize)
	copy(newRegionBytes, newImg.Code)
	copy(newRegionBytes[len(newImg.Code):], newImg.Data)

	newEntry, newExit := m.loader.Resolve(newImg.Header.Name, Region{Base: newBase, CodeSize: newImg.Header.CodeSize, DataSize: newImg.Header.DataSize, BSSSize: newImg.Header.BSSSize})

	rc := 0
	if newEntry != nil {
		rc = newEntry()
	}
	if rc != 0 {
		m.heap.Free(newBase)
		mod.entry, mod.exit = oldEntry, oldExit
		mod.State = StateError
		mod.Counters.ErrorCount++
		return kernelutil.Wrap(kernelutil.ErrInvalidState, "hot-swap entry returned %d", rc)
	}

	mod.Region = Region{Base: newBase, CodeSize: newImg.Header.CodeSize, DataSize: newImg.Header.DataSize, BSSSize: newImg.Header.BSSSize}
	mod.Version = newImg.Header.ModuleVersion
	mod.Symbols = newImg.Symbols
	mod.entry, mod.exit = newEntry, newExit
	mod.Counters.SwapCount++
	mod.State = StateRunning

	m.heap.Free(oldBase)
	return nil
}

// Find returns a module's id by name.
func (m *Manager) Find(name string) (ID, bool) {
	id, ok := m.byName[name]
	return id, ok
}

// Get returns a module by id.
func (m *Manager) Get(id ID) (*Module, bool) {
	mod, ok := m.modules[id]
	return mod, ok
}

// List returns every loaded module.
func (m *Manager) List() []*Module {
	out := make([]*Module, 0, len(m.modules))
	for _, mod := range m.modules {
		out = append(out, mod)
	}
	return out
}

// ResolveSymbol performs a first-match-wins lookup of an exported
// symbol name across every loaded module (§4.C: advisory, no
// cross-module call path).
func (m *Manager) ResolveSymbol(name string) (uint32, bool) {
	for _, mod := range m.modules {
		for _, sym := range mod.Symbols {
			if sym.Name == name {
				return sym.Offset, true
			}
		}
	}
	return 0, false
}
