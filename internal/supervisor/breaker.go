package supervisor

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// breakerTimeout is how long a tripped entity breaker stays open
// before gobreaker allows a single half-open probe.
const breakerTimeout = 30 * time.Second

var errSupervisorIntervention = errors.New("supervisor intervention")

// breakerRegistry owns one gobreaker.CircuitBreaker per monitored
// entity. The reference kernel's go.mod carries gobreaker as a direct
// dependency with no call site in the kept source; this is the first
// thing in this codebase to actually drive it (§11 of SPEC_FULL.md).
// Each monitored entity's breaker trips the instant a Throttle or
// Suspend intervention is recorded against it, and resets on Recover.
type breakerRegistry struct {
	mu       sync.Mutex
	breakers map[Entity]*gobreaker.CircuitBreaker
}

func newBreakerRegistry() *breakerRegistry {
	return &breakerRegistry{breakers: make(map[Entity]*gobreaker.CircuitBreaker)}
}

func (r *breakerRegistry) get(e Entity) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[e]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        e.String(),
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})
	r.breakers[e] = cb
	return cb
}

// trip forces e's breaker into the open state, modeling a Throttle or
// Suspend intervention taking effect.
func (r *breakerRegistry) trip(e Entity) {
	cb := r.get(e)
	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, errSupervisorIntervention
	})
}

// reset discards e's breaker so the next intervention starts from a
// clean closed state, modeling a Recover intervention.
func (r *breakerRegistry) reset(e Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, e)
}

// open reports whether e's breaker is currently tripped.
func (r *breakerRegistry) open(e Entity) bool {
	r.mu.Lock()
	cb, ok := r.breakers[e]
	r.mu.Unlock()
	return ok && cb.State() == gobreaker.StateOpen
}
