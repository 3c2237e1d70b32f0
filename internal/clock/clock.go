// Package clock abstracts wall time and delayed callbacks so timer-driven behaviour
// (ledger purges, subscription retries) can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is the subset of *time.Timer used by schedulers.
type Timer interface {
	Stop() bool
}

// Scheduler reports the current time and runs callbacks after a delay.
type Scheduler interface {
	Now() time.Time
	AfterFunc(delay time.Duration, callback func()) Timer
}

// System is the production scheduler backed by the time package.
type System struct{}

// Now returns the current wall time.
func (System) Now() time.Time {
	return time.Now()
}

// AfterFunc runs callback on its own goroutine once delay elapses.
func (System) AfterFunc(delay time.Duration, callback func()) Timer {
	return time.AfterFunc(delay, callback)
}

// Manual is a scheduler whose time only moves when Advance is called.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int64
	timers map[int64]*manualTimer
}

type manualTimer struct {
	owner    *Manual
	id       int64
	deadline time.Time
	callback func()
}

// NewManual returns a Manual scheduler starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{
		now:    start,
		timers: make(map[int64]*manualTimer),
	}
}

// Now returns the scheduler's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc registers callback to run when the clock is advanced past delay.
func (m *Manual) AfterFunc(delay time.Duration, callback func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	timer := &manualTimer{
		owner:    m,
		id:       m.seq,
		deadline: m.now.Add(delay),
		callback: callback,
	}
	m.timers[timer.id] = timer
	return timer
}

// Advance moves time forward and synchronously runs every timer that came due,
// in deadline order. Timers scheduled by fired callbacks run too if they fall due.
func (m *Manual) Advance(delta time.Duration) {
	m.mu.Lock()
	target := m.now.Add(delta)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		delete(m.timers, next.id)
		if next.deadline.After(m.now) {
			m.now = next.deadline
		}
		m.mu.Unlock()
		next.callback()
	}
}

// Pending reports how many timers are scheduled and not yet fired or stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	due := make([]*manualTimer, 0, len(m.timers))
	for _, timer := range m.timers {
		if !timer.deadline.After(target) {
			due = append(due, timer)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if _, ok := t.owner.timers[t.id]; !ok {
		return false
	}
	delete(t.owner.timers, t.id)
	return true
}
