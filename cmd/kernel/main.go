// Command kernel is the composition root: it wires the heap, actor
// table, scheduler, module manager, sandbox manager, and behavioral
// supervisor together with no package-level singleton (§9's design
// note), loads a demonstration module, spawns a worker actor, and
// drives the scheduler's tick loop long enough to exercise a
// supervisor sampling pass before shutting every component down in
// reverse construction order.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vireonos/kernel/internal/actor"
	"github.com/vireonos/kernel/internal/arena"
	"github.com/vireonos/kernel/internal/kernelutil"
	"github.com/vireonos/kernel/internal/module"
	"github.com/vireonos/kernel/internal/sandbox"
	"github.com/vireonos/kernel/internal/scheduler"
	"github.com/vireonos/kernel/internal/supervisor"
)

// registryLoader stands in for machine-code relocation: a loaded
// image's Name selects a constructor from a fixed registry, per the
// module package's documented Loader contract.
type registryLoader struct {
	ctors map[string]func(region module.Region) (module.EntryFunc, module.ExitFunc)
}

func (r registryLoader) Resolve(name string, region module.Region) (module.EntryFunc, module.ExitFunc) {
	if ctor, ok := r.ctors[name]; ok {
		return ctor(region)
	}
	return func() int { return 0 }, func() {}
}

func newRegistryLoader() registryLoader {
	return registryLoader{ctors: map[string]func(module.Region) (module.EntryFunc, module.ExitFunc){
		"watchdog": func(module.Region) (module.EntryFunc, module.ExitFunc) {
			return func() int { return 0 }, func() {}
		},
	}}
}

func watchdogImage() []byte {
	img := module.Image{
		Header: module.Header{
			ModuleVersion: module.Version{Major: 1},
			Name:          "watchdog",
			Type:          module.TypeSupervisor,
			Flags:         module.FlagMonitored,
		},
		Code: []byte{0x90},
		Data: []byte{0x00},
	}
	return module.Encode(img)
}

func main() {
	logger := kernelutil.DefaultLogger("kernel")
	cfg := kernelutil.DefaultConfig()

	heapSize := cfg.HeapSize
	if heapSize == 0 {
		heapSize = arena.DefaultHeapSize
	}
	heap := arena.NewHeap(heapSize)

	table := actor.NewTable(heap, actor.NewPool(), logger.WithComponent("actor"))
	sched := scheduler.New(table, logger.WithComponent("scheduler"))
	sched.SetTimeSlice(cfg.TimeSlice)

	mods := module.NewManager(heap, newRegistryLoader(), logger.WithComponent("module"))
	sbox := sandbox.NewManager(logger.WithComponent("sandbox"))

	super := supervisor.New(table, mods, sbox, sched, heap, logger.WithComponent("supervisor"))
	sched.SetSampler(super)

	shutdown := kernelutil.NewGracefulShutdown(
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second, logger.WithComponent("shutdown"))

	modID, err := mods.Load(watchdogImage())
	if err != nil {
		logger.Fatal("failed to load watchdog module", kernelutil.Err(err))
	}
	sbox.CreateContext(uint32(modID), sandbox.Trusted)
	shutdown.Register(func() error {
		return mods.Unload(modID)
	})

	workerID, err := table.Create(workerEntry(sched), nil, actor.PriorityNormal, cfg.DefaultStackSize)
	if err != nil {
		logger.Fatal("failed to create worker actor", kernelutil.Err(err))
	}
	sched.Start(workerID)
	shutdown.Register(func() error {
		sched.Terminate(workerID)
		return nil
	})

	logger.Info("kernel started",
		kernelutil.Uint32("worker_id", uint32(workerID)),
		kernelutil.Uint32("watchdog_id", uint32(modID)))

	for i := uint64(0); i < cfg.AnalysisInterval*2; i++ {
		sched.TimerTick()
		sched.Schedule()
	}

	active := super.ActiveAnomalies()
	logger.Info("supervisor pass complete", kernelutil.Int("active_anomalies", len(active)))
	for _, a := range active {
		logger.Warn("anomaly active",
			kernelutil.String("kind", a.Kind.String()),
			kernelutil.String("target", a.Target.String()),
			kernelutil.Int("severity", a.Severity))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := shutdown.Shutdown(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown error:", err)
		os.Exit(1)
	}
}

// workerEntry returns an actor entry point that cooperatively yields
// every tick it runs, the minimal shape a real module's monitored
// actor would take.
func workerEntry(sched *scheduler.Scheduler) func(self actor.ID, userData interface{}) {
	return func(self actor.ID, userData interface{}) {
		for {
			if sched.ShouldYield(self) {
				sched.Yield(self)
				continue
			}
			sched.Yield(self)
		}
	}
}
