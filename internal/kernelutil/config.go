package kernelutil

// Config collects every numeric default named in §6 of the
// specification, so a composition root can size the actor table,
// heap, scheduler, and supervisor from one struct literal instead of
// scattering constants across call sites. There is no package-level
// default instance — callers build one explicitly and thread it
// through construction, matching the no-singleton design note of §9.
type Config struct {
	MaxActors          uint32
	MailboxCapacity    uint32
	KernelMailboxCapacity uint32
	DefaultStackSize   uint32

	MaxModules uint32

	HeapSize uint32

	TimeSlice        uint32
	AnalysisInterval uint64
	WindowLength     int

	ShutdownTimeoutSeconds int
}

// DefaultConfig returns the numeric defaults of §6: 256 actors, a
// 64-entry default mailbox (256 for the kernel actor), an 8 KiB
// default stack, a 10-tick time slice, a 60-sample behavior window,
// and a 100-tick analysis interval.
func DefaultConfig() Config {
	return Config{
		MaxActors:             256,
		MailboxCapacity:       64,
		KernelMailboxCapacity: 256,
		DefaultStackSize:      8 * 1024,
		MaxModules:            128,
		HeapSize:              0, // 0 defers to arena.DefaultHeapSize
		TimeSlice:             10,
		AnalysisInterval:      100,
		WindowLength:          60,
		ShutdownTimeoutSeconds: 5,
	}
}
