// Package clock implements a single-threaded timer manager: a min-heap keyed
// by expiry time, serving many logical timers on one reactor goroutine. This
// generalises the teacher's one-timer-per-object pattern (pkg/nmt.NMT.timer,
// pkg/pdo.TPDO.timerEvent/timerInhibit, each a bare *time.Timer field) into a
// single heap-backed manager, matching spec.md §5's "one reactor thread owns
// all timers" requirement: callers drive it from their own event loop via
// GetNextExpiry/Tick instead of each timer rearming itself independently.
package clock

import (
	"container/heap"
	"time"
)

// ID identifies one armed timer within a Manager.
type ID uint64

type entry struct {
	id     ID
	expiry time.Time
	cb     func()
	index  int // heap index, maintained by container/heap
}

type timerHeap []*entry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].expiry.Before(h[j].expiry) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Manager is a single-goroutine min-heap of pending timers. It is not
// safe for concurrent use; callers own the reactor thread and must serialise
// their own access, per spec.md §5.
type Manager struct {
	heap    timerHeap
	byID    map[ID]*entry
	nextID  ID
	nowFunc func() time.Time
}

// NewManager returns an empty Manager. nowFunc defaults to time.Now; tests
// may substitute a fake clock.
func NewManager(nowFunc func() time.Time) *Manager {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Manager{byID: make(map[ID]*entry), nowFunc: nowFunc}
}

// Arm schedules cb to run at expiry and returns an ID that can later be
// passed to Cancel or Reschedule.
func (m *Manager) Arm(expiry time.Time, cb func()) ID {
	m.nextID++
	id := m.nextID
	e := &entry{id: id, expiry: expiry, cb: cb}
	m.byID[id] = e
	heap.Push(&m.heap, e)
	return id
}

// Reschedule moves an already-armed timer to a new expiry, honouring the
// "shorten-only" semantics one-shot timers require (spec.md §3.3): it only
// applies newExpiry if it is strictly earlier than the timer's current
// expiry. It reports whether the timer was found at all.
func (m *Manager) Reschedule(id ID, newExpiry time.Time) bool {
	e, ok := m.byID[id]
	if !ok {
		return false
	}
	if newExpiry.Before(e.expiry) {
		e.expiry = newExpiry
		heap.Fix(&m.heap, e.index)
	}
	return true
}

// Cancel removes a pending timer. It is a no-op if id is unknown (already
// fired or already cancelled).
func (m *Manager) Cancel(id ID) {
	e, ok := m.byID[id]
	if !ok {
		return
	}
	heap.Remove(&m.heap, e.index)
	delete(m.byID, id)
}

// GetNextExpiry returns the relative duration until the earliest pending
// timer fires, or (0, false) if none are pending, per spec.md §5.
func (m *Manager) GetNextExpiry() (time.Duration, bool) {
	if m.heap.Len() == 0 {
		return 0, false
	}
	d := m.heap[0].expiry.Sub(m.nowFunc())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Tick fires every timer whose expiry has passed, in expiry order, and
// removes them from the heap. Callbacks run synchronously on the calling
// (reactor) goroutine, never concurrently with one another, matching
// spec.md §5's single-reactor-thread model.
func (m *Manager) Tick() {
	now := m.nowFunc()
	for m.heap.Len() > 0 && !m.heap[0].expiry.After(now) {
		e := heap.Pop(&m.heap).(*entry)
		delete(m.byID, e.id)
		e.cb()
	}
}

// Pending reports how many timers are currently armed. Mostly useful in
// tests.
func (m *Manager) Pending() int {
	return m.heap.Len()
}

// Now returns the manager's current time, as reported by the nowFunc it was
// constructed with. Callers computing an expiry to pass to Arm/Reschedule
// must derive it from this rather than time.Now(), so that a fake clock
// injected for tests actually governs timer behaviour.
func (m *Manager) Now() time.Time {
	return m.nowFunc()
}
