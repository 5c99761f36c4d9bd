package fleet

import (
	"sort"
	"sync"
	"time"

	"vesselctl/internal/model"
)

// Membership is the set of vessels believed to be running the program.
// Only the Reconciler that owns it may change it; other readers get
// copies that may already be stale.
type Membership struct {
	mu        sync.RWMutex
	set       map[model.SlotHandle]struct{}
	updatedAt time.Time
}

func newMembership() *Membership {
	return &Membership{set: make(map[model.SlotHandle]struct{})}
}

// Len returns the number of members.
func (m *Membership) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.set)
}

// Contains reports whether h is a member.
func (m *Membership) Contains(h model.SlotHandle) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.set[h]
	return ok
}

// Snapshot returns the members in sorted order and when the set was last
// reconciled.
func (m *Membership) Snapshot() ([]model.SlotHandle, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.SlotHandle, 0, len(m.set))
	for h := range m.set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, m.updatedAt
}

func (m *Membership) add(handles ...model.SlotHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range handles {
		m.set[h] = struct{}{}
	}
}

func (m *Membership) remove(handles ...model.SlotHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range handles {
		delete(m.set, h)
	}
}

func (m *Membership) touch(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatedAt = t
}
