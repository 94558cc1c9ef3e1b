package scheduler

import (
	"container/list"

	"github.com/vireonos/kernel/internal/actor"
)

// readyQueue is the doubly linked ready queue of §4.B: one FIFO list
// per priority level. container/list gives the doubly linked
// structure the design calls for; enqueue is always at the tail,
// dequeue always at the head of the highest non-empty level.
type readyQueue struct {
	levels  [actor.NumPriorities]*list.List
	located map[actor.ID]*list.Element
	level   map[actor.ID]actor.Priority
}

func newReadyQueue() *readyQueue {
	rq := &readyQueue{
		located: make(map[actor.ID]*list.Element),
		level:   make(map[actor.ID]actor.Priority),
	}
	for i := range rq.levels {
		rq.levels[i] = list.New()
	}
	return rq
}

// push enqueues id at the tail of its priority level. A no-op if id is
// already queued (an actor occupies at most one queue slot, §3).
func (rq *readyQueue) push(id actor.ID, priority actor.Priority) {
	if _, ok := rq.located[id]; ok {
		return
	}
	el := rq.levels[priority].PushBack(id)
	rq.located[id] = el
	rq.level[id] = priority
}

// remove drops id from whatever level it occupies, if any.
func (rq *readyQueue) remove(id actor.ID) {
	el, ok := rq.located[id]
	if !ok {
		return
	}
	rq.levels[rq.level[id]].Remove(el)
	delete(rq.located, id)
	delete(rq.level, id)
}

// pop dequeues the head of the highest-priority non-empty level.
// Ties within a level are FIFO by construction (head of the list).
func (rq *readyQueue) pop() (actor.ID, bool) {
	for lvl := actor.NumPriorities - 1; lvl >= 0; lvl-- {
		front := rq.levels[lvl].Front()
		if front == nil {
			continue
		}
		rq.levels[lvl].Remove(front)
		id := front.Value.(actor.ID)
		delete(rq.located, id)
		delete(rq.level, id)
		return id, true
	}
	return 0, false
}

// empty reports whether every level is empty.
func (rq *readyQueue) empty() bool {
	for _, l := range rq.levels {
		if l.Len() > 0 {
			return false
		}
	}
	return true
}

func (rq *readyQueue) contains(id actor.ID) bool {
	_, ok := rq.located[id]
	return ok
}
