package module_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vireonos/kernel/internal/arena"
	"github.com/vireonos/kernel/internal/kernelutil"
	"github.com/vireonos/kernel/internal/module"
)

// nullLoader resolves every module to no-op entry/exit functions,
// standing in for the absence of real machine-code relocation.
type nullLoader struct{}

func (nullLoader) Resolve(name string, region module.Region) (module.EntryFunc, module.ExitFunc) {
	return func() int { return 0 }, func() {}
}

func newManager(t *testing.T) *module.Manager {
	t.Helper()
	heap := arena.NewHeap(arena.DefaultHeapSize)
	return module.NewManager(heap, nullLoader{}, kernelutil.DefaultLogger("module-test"))
}

func fixture(name string, version module.Version, flags module.Flags, deps []module.Dependency) []byte {
	img := module.Image{
		Header: module.Header{
			ModuleVersion: version,
			Name:          name,
			Type:          module.TypeUser,
			Flags:         flags,
		},
		Code:         []byte{0xAA, 0xBB},
		Data:         []byte{0x01},
		Dependencies: deps,
	}
	return module.Encode(img)
}

func TestLoadUnloadRoundTrip(t *testing.T) {
	mgr := newManager(t)
	raw := fixture("mod_a", module.Version{Major: 1}, 0, nil)

	id, err := mgr.Load(raw)
	require.NoError(t, err)

	mod, ok := mgr.Get(id)
	require.True(t, ok)
	require.Equal(t, module.StateLoaded, mod.State)

	require.NoError(t, mgr.Unload(id))
	_, ok = mgr.Get(id)
	require.False(t, ok)
}

func TestUnloadRefusedWithDependents(t *testing.T) {
	mgr := newManager(t)
	_, err := mgr.Load(fixture("base", module.Version{Major: 1}, 0, nil))
	require.NoError(t, err)

	dep := module.Dependency{Name: "base", MinVersion: module.Version{Major: 1}}
	depID, err := mgr.Load(fixture("dependent", module.Version{Major: 1}, 0, []module.Dependency{dep}))
	require.NoError(t, err)

	baseID, _ := mgr.Find("base")
	err = mgr.Unload(baseID)
	require.ErrorIs(t, err, kernelutil.ErrInUse)

	require.NoError(t, mgr.Unload(depID))
	require.NoError(t, mgr.Unload(baseID))
}

func TestUnloadRefusedForCoreModule(t *testing.T) {
	mgr := newManager(t)
	id, err := mgr.Load(fixture("core_mod", module.Version{Major: 1}, module.FlagCore, nil))
	require.NoError(t, err)
	require.ErrorIs(t, mgr.Unload(id), kernelutil.ErrInUse)
}

func TestHotSwapUpdatesVersionAndCounter(t *testing.T) {
	mgr := newManager(t)
	id, err := mgr.Load(fixture("mod_timer", module.Version{Major: 1}, module.FlagHotSwap, nil))
	require.NoError(t, err)
	require.NoError(t, mgr.Start(id))

	v2 := fixture("mod_timer", module.Version{Major: 2}, module.FlagHotSwap, nil)
	require.NoError(t, mgr.HotSwap(id, v2))

	mod, _ := mgr.Get(id)
	require.Equal(t, uint32(2), mod.Version.Major)
	require.EqualValues(t, 1, mod.Counters.SwapCount)
	require.Equal(t, module.StateRunning, mod.State)
}

func TestDependencyUnsatisfiedFailsLoad(t *testing.T) {
	mgr := newManager(t)
	dep := module.Dependency{Name: "missing", MinVersion: module.Version{Major: 1}}
	_, err := mgr.Load(fixture("needs_missing", module.Version{Major: 1}, 0, []module.Dependency{dep}))
	require.ErrorIs(t, err, kernelutil.ErrDependencyUnsatisfied)
}

func TestInvalidImageTruncatedSectionsRejected(t *testing.T) {
	mgr := newManager(t)
	img := module.Image{
		Header: module.Header{
			ModuleVersion: module.Version{Major: 1},
			Name:          "broken",
		},
		Code: make([]byte, 10),
		Data: make([]byte, 10),
	}
	raw := module.Encode(img)

	_, err := mgr.Load(raw[:module.HeaderSize+1])
	require.ErrorIs(t, err, kernelutil.ErrInvalidImage)
}
