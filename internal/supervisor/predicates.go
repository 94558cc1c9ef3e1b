package supervisor

// predicate is a single anomaly rule over a Pattern: it reports
// whether it fires and, if so, the severity to attach. Each predicate
// fires at most once per entity per sampler pass (enforced by the
// caller's per-pass dedupe, not here).
type predicate struct {
	kind     AnomalyKind
	severity int
	fires    func(p *Pattern) bool
}

// builtinPredicates is the closed set of four anomaly rules of §4.D.
// Implementers must not add a fifth: "the four anomaly predicates plus
// the intervention mapping are the whole contract."
var builtinPredicates = []predicate{
	{kind: AnomalyMemoryLeak, severity: 80, fires: firesMemoryLeak},
	{kind: AnomalyCpuSpike, severity: 70, fires: firesCpuSpike},
	{kind: AnomalyInfiniteLoop, severity: 90, fires: firesInfiniteLoop},
	{kind: AnomalyResourceAbuse, severity: 85, fires: firesResourceAbuse},
}

// firesMemoryLeak implements §4.D's MemoryLeak rule: over the window,
// the share of adjacent sample pairs where memory rose from the older
// sample to the newer one exceeds 70% of the window length.
func firesMemoryLeak(p *Pattern) bool {
	if len(p.Samples) < MinObservations {
		return false
	}
	rising := 0
	for i := 1; i < len(p.Samples); i++ {
		if p.Samples[i-1].Memory < p.Samples[i].Memory {
			rising++
		}
	}
	return float64(rising) > 0.7*float64(len(p.Samples))
}

// firesCpuSpike implements §4.D's CpuSpike rule: the average of the
// last 3 CPU samples is at least 3x the average of the remaining
// samples and itself at least 50. Requires >=5 observations.
func firesCpuSpike(p *Pattern) bool {
	if len(p.Samples) < 5 {
		return false
	}
	n := len(p.Samples)
	recent := p.Samples[n-3:]
	remaining := p.Samples[:n-3]

	recentAvg := avgCPU(recent)
	remainingAvg := avgCPU(remaining)

	if recentAvg < 50 {
		return false
	}
	if remainingAvg == 0 {
		return recentAvg > 0
	}
	return recentAvg >= 3*remainingAvg
}

// firesInfiniteLoop implements §4.D's InfiniteLoop rule: in the most
// recent 10 samples, at least 7 show CPU > 80 and at least 7 show
// zero messages.
func firesInfiniteLoop(p *Pattern) bool {
	if len(p.Samples) < 10 {
		return false
	}
	last10 := p.Samples[len(p.Samples)-10:]
	cpuHigh, zeroMsg := 0, 0
	for _, s := range last10 {
		if s.CPU > 80 {
			cpuHigh++
		}
		if s.Messages == 0 {
			zeroMsg++
		}
	}
	return cpuHigh >= 7 && zeroMsg >= 7
}

// firesResourceAbuse implements §4.D's ResourceAbuse rule: mean memory
// over the window exceeds 50 MiB, or the pattern's current anomaly
// score exceeds 80.
func firesResourceAbuse(p *Pattern) bool {
	if len(p.Samples) < MinObservations {
		return false
	}
	return p.Mean > 50*mib || p.AnomalyScore > 80
}

func avgCPU(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.CPU
	}
	return sum / float64(len(samples))
}
