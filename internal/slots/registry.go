// Package slots implements the bounded table of live triangle instances.
package slots

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

// Registry is a fixed-capacity slot table with an explicit free list. All
// methods are safe for concurrent use; a slot is never handed out twice and
// never released twice.
type Registry struct {
	mu     sync.Mutex
	slots  []*domain.ActiveTriangle
	free   []int
	cycles map[string]int // instrument cycle -> live instances
}

// NewRegistry creates a registry with capacity slots.
func NewRegistry(capacity int) *Registry {
	if capacity < 0 {
		capacity = 0
	}
	r := &Registry{
		slots:  make([]*domain.ActiveTriangle, capacity),
		free:   make([]int, 0, capacity),
		cycles: make(map[string]int),
	}
	// Pop from the tail, so push in reverse to hand out slot 0 first.
	for i := capacity - 1; i >= 0; i-- {
		r.free = append(r.free, i)
	}
	return r
}

// Reserve installs inst in a free slot in the PENDING state and returns the
// slot index. Unless allowOverlap is set, an instance is refused while any
// template over the same instrument cycle is live, since every such template
// sends the same orders.
func (r *Registry) Reserve(inst domain.ActiveTriangle, allowOverlap bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.free) == 0 {
		return -1, domain.ErrNoFreeSlot
	}
	cycle := inst.Template.Cycle()
	if !allowOverlap && r.cycles[cycle] > 0 {
		return -1, fmt.Errorf("slots: template %d cycle %s: %w", inst.Template.ID, cycle, domain.ErrTemplateBusy)
	}

	idx := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]

	inst.Slot = idx
	inst.State = domain.TriangleStatePending
	r.slots[idx] = &inst
	r.cycles[cycle]++
	return idx, nil
}

// Transition moves the instance in slot to state next.
func (r *Registry) Transition(slot int, next domain.TriangleState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.lookup(slot)
	if err != nil {
		return err
	}
	if !inst.State.CanTransition(next) {
		return fmt.Errorf("slots: slot %d %s -> %s: %w", slot, inst.State, next, domain.ErrInvalidTransition)
	}
	inst.State = next
	return nil
}

// Update applies fn to the instance in slot while holding the lock. fn must
// not change Slot, Template or State.
func (r *Registry) Update(slot int, fn func(*domain.ActiveTriangle)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.lookup(slot)
	if err != nil {
		return err
	}
	slotIdx, tmpl, state := inst.Slot, inst.Template.ID, inst.State
	fn(inst)
	inst.Slot, inst.State = slotIdx, state
	if inst.Template.ID != tmpl {
		return fmt.Errorf("slots: slot %d: template changed in update: %w", slot, domain.ErrInvalidTransition)
	}
	return nil
}

// Release frees slot and returns the final copy of its instance.
func (r *Registry) Release(slot int) (domain.ActiveTriangle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.lookup(slot)
	if err != nil {
		return domain.ActiveTriangle{}, err
	}
	out := *inst
	r.slots[slot] = nil
	r.free = append(r.free, slot)
	cycle := out.Template.Cycle()
	if n := r.cycles[cycle]; n <= 1 {
		delete(r.cycles, cycle)
	} else {
		r.cycles[cycle] = n - 1
	}
	return out, nil
}

// Get returns a copy of the instance in slot.
func (r *Registry) Get(slot int) (domain.ActiveTriangle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.lookup(slot)
	if err != nil {
		return domain.ActiveTriangle{}, false
	}
	return *inst, true
}

// Snapshot returns copies of every occupied slot ordered by slot index.
func (r *Registry) Snapshot() []domain.ActiveTriangle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.ActiveTriangle, 0, len(r.slots)-len(r.free))
	for _, inst := range r.slots {
		if inst != nil {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Active returns copies of every ACTIVE instance ordered by slot index.
func (r *Registry) Active() []domain.ActiveTriangle {
	all := r.Snapshot()
	out := all[:0]
	for _, inst := range all {
		if inst.State == domain.TriangleStateActive {
			out = append(out, inst)
		}
	}
	return out
}

// Count returns the number of occupied slots.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots) - len(r.free)
}

// Capacity returns the total number of slots.
func (r *Registry) Capacity() int {
	return len(r.slots)
}

// Full reports whether no slot is free.
func (r *Registry) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.free) == 0
}

// Busy reports whether a live instance trades the instrument cycle of t.
func (r *Registry) Busy(t domain.Triangle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycles[t.Cycle()] > 0
}

func (r *Registry) lookup(slot int) (*domain.ActiveTriangle, error) {
	if slot < 0 || slot >= len(r.slots) || r.slots[slot] == nil {
		return nil, fmt.Errorf("slots: slot %d: %w", slot, domain.ErrSlotNotFound)
	}
	return r.slots[slot], nil
}
