package supervisor

import (
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"
)

// passFalsePositiveRate and passExpectedElements size the per-pass
// bloom filter; grounded on the teacher's own
// bloom.NewWithEstimates(n, fp) call shape in
// kernel/core/mesh/routing/gossip.go.
const (
	passExpectedElements = 4096
	passFalsePositiveRate = 0.01
)

// passDedupe enforces §4.D's "each [predicate] fires at most once per
// entity per pass." The bloom filter is a fast probabilistic
// pre-check: a miss is certain (never seen, definitely fires), a hit
// falls through to the authoritative map before deciding. The filter
// and map are both reset at the start of every pass.
type passDedupe struct {
	filter *bloom.BloomFilter
	seen   map[string]bool
}

func newPassDedupe() *passDedupe {
	return &passDedupe{
		filter: bloom.NewWithEstimates(passExpectedElements, passFalsePositiveRate),
		seen:   make(map[string]bool),
	}
}

// tryFire reports whether (entity, kind) may fire this pass, marking
// it as fired if so.
func (d *passDedupe) tryFire(entity Entity, kind AnomalyKind) bool {
	key := []byte(fmt.Sprintf("%s:%d", entity, kind))
	if !d.filter.Test(key) {
		d.filter.Add(key)
		d.seen[string(key)] = true
		return true
	}
	if d.seen[string(key)] {
		return false
	}
	d.seen[string(key)] = true
	return true
}
