package supervisor

import "time"

// WindowLength is the fixed sliding-window size W of §3 and §6.
const WindowLength = 60

// MinObservations is the minimum sample count the anomaly predicates
// require before they evaluate, per §4.D: "all require >=10
// observations unless noted."
const MinObservations = 10

const mib = 1 << 20

// Trend is the three-valued direction of an entity's resource trend.
type Trend uint8

const (
	TrendStable Trend = iota
	TrendIncreasing
	TrendDecreasing
)

func (t Trend) String() string {
	switch t {
	case TrendIncreasing:
		return "increasing"
	case TrendDecreasing:
		return "decreasing"
	default:
		return "stable"
	}
}

// Pattern is the per-entity sliding-window behavior record of §3: a
// fixed-length window of samples plus derived statistics (mean,
// variance, trend) computed over the memory dimension, and the
// anomaly score the intervention mapping consumes.
type Pattern struct {
	Entity Entity

	// Samples holds up to WindowLength observations, oldest first.
	Samples []Sample

	Mean     float64
	Variance float64
	Trend    Trend

	AnomalyScore int

	ObservationCount uint64
	FirstSeen        time.Time
	LastUpdated      time.Time
}

// NewPattern creates an empty pattern for entity.
func NewPattern(entity Entity) *Pattern {
	return &Pattern{Entity: entity, FirstSeen: time.Now()}
}

// Update appends s to the window, evicting the oldest sample once the
// window is full, and recomputes the derived statistics and anomaly
// score.
func (p *Pattern) Update(s Sample) {
	p.Samples = append(p.Samples, s)
	if len(p.Samples) > WindowLength {
		p.Samples = p.Samples[len(p.Samples)-WindowLength:]
	}
	p.ObservationCount++
	p.LastUpdated = time.Now()
	p.recomputeStats()
	p.recomputeAnomalyScore()
}

func (p *Pattern) recomputeStats() {
	n := len(p.Samples)
	if n == 0 {
		p.Mean, p.Variance, p.Trend = 0, 0, TrendStable
		return
	}

	var sum float64
	for _, s := range p.Samples {
		sum += float64(s.Memory)
	}
	mean := sum / float64(n)

	var variance float64
	for _, s := range p.Samples {
		d := float64(s.Memory) - mean
		variance += d * d
	}
	variance /= float64(n)

	p.Mean = mean
	p.Variance = variance
	p.Trend = computeTrend(p.Samples)
}

// computeTrend splits the window into older and newer halves and
// compares their memory means: >5% higher is Increasing, >5% lower is
// Decreasing, otherwise Stable. Fewer than two samples is always
// Stable.
func computeTrend(samples []Sample) Trend {
	n := len(samples)
	if n < 2 {
		return TrendStable
	}
	mid := n / 2
	older := meanMemory(samples[:mid])
	newer := meanMemory(samples[mid:])
	if older == 0 {
		if newer > 0 {
			return TrendIncreasing
		}
		return TrendStable
	}
	delta := (newer - older) / older
	switch {
	case delta > 0.05:
		return TrendIncreasing
	case delta < -0.05:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func meanMemory(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s.Memory)
	}
	return sum / float64(len(samples))
}

// recomputeAnomalyScore implements §4.D's "Anomaly-score update on
// each pattern update": score starts at zero, gains 30 if variance
// exceeds half the mean, 40 if the trend is increasing with mean
// above 1 MiB, and 30 if the mean itself exceeds 10 MiB, clamped to
// 100.
func (p *Pattern) recomputeAnomalyScore() {
	score := 0
	if p.Variance > p.Mean/2 {
		score += 30
	}
	if p.Trend == TrendIncreasing && p.Mean > mib {
		score += 40
	}
	if p.Mean > 10*mib {
		score += 30
	}
	if score > 100 {
		score = 100
	}
	p.AnomalyScore = score
}

// confidence derives the 0-100 confidence §3's anomaly record carries
// from how full the observation window is — a predicate evaluated
// over a nearly-full window is reported with higher confidence than
// one just past the minimum-observations floor.
func (p *Pattern) confidence() int {
	c := len(p.Samples) * 100 / WindowLength
	if c > 100 {
		c = 100
	}
	return c
}
