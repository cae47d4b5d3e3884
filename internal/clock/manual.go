package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a test clock whose time only moves when the test says so.
// Waiters registered through After are kept in deadline order and fire as
// the clock sweeps past them, each observing its own deadline rather than
// the sweep target, so no waiter ever sees a time earlier than its due
// point.
type Manual struct {
	mu      sync.Mutex
	current time.Time
	queue   []manualWait // ascending by due
}

type manualWait struct {
	due time.Time
	ch  chan time.Time
}

// NewManual returns a Manual clock frozen at start.
func NewManual(start time.Time) *Manual {
	return &Manual{current: start.UTC()}
}

// Now returns the frozen time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// After returns a channel that fires once the clock reaches now+d. A
// non-positive d fires immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		ch <- m.current
		m.mu.Unlock()
		return ch
	}
	due := m.current.Add(d)
	i := sort.Search(len(m.queue), func(i int) bool { return m.queue[i].due.After(due) })
	m.queue = append(m.queue, manualWait{})
	copy(m.queue[i+1:], m.queue[i:])
	m.queue[i] = manualWait{due: due, ch: ch}
	m.mu.Unlock()
	return ch
}

// Sleep blocks until the clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) { <-m.After(d) }

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	target := m.current.Add(d)
	m.mu.Unlock()
	return m.AdvanceTo(target)
}

// AdvanceTo jumps the clock to t (never backwards) and fires every waiter
// whose deadline has passed, in deadline order.
func (m *Manual) AdvanceTo(t time.Time) time.Time {
	m.mu.Lock()
	if t.After(m.current) {
		m.current = t
	}
	fired := 0
	for fired < len(m.queue) && !m.queue[fired].due.After(m.current) {
		w := m.queue[fired]
		w.ch <- w.due
		fired++
	}
	m.queue = append([]manualWait(nil), m.queue[fired:]...)
	now := m.current
	m.mu.Unlock()
	return now
}

// Pending reports how many waiters are scheduled, for test assertions.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
