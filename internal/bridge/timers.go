package bridge

import (
	"sync"
	"time"
)

// maxLatenessSamples bounds the lateness history kept for Stats.
const maxLatenessSamples = 256

type timerEntry struct {
	timer *time.Timer
	due   time.Time
}

// timers is the registry of scheduled callbacks. A firing timer removes itself
// and queues a wake-up under the same lock, so pending never observes a timer
// that is neither armed nor queued.
type timers struct {
	mu      sync.Mutex
	next    int32
	entries map[int32]*timerEntry
	wake    chan struct{}
	stopped bool
	obs     Observer

	scheduled uint64
	fired     uint64
	cleared   uint64
	lateness  []time.Duration
}

func newTimers(obs Observer) *timers {
	return &timers{
		next:    1,
		entries: make(map[int32]*timerEntry),
		wake:    make(chan struct{}, 1),
		obs:     obs,
	}
}

// schedule arms a timer that wakes the run loop after delay.
func (t *timers) schedule(delay time.Duration) int32 {
	if delay < 0 {
		delay = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.next
	t.next++
	if t.stopped {
		return id
	}

	e := &timerEntry{due: time.Now().Add(delay)}
	e.timer = time.AfterFunc(delay, func() { t.fire(id) })
	t.entries[id] = e
	t.scheduled++
	t.obs.TimerScheduled()
	return id
}

func (t *timers) fire(id int32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return
	}
	t.notifyLocked()
	delete(t.entries, id)

	late := time.Since(e.due)
	if late < 0 {
		late = 0
	}
	t.fired++
	if len(t.lateness) == maxLatenessSamples {
		copy(t.lateness, t.lateness[1:])
		t.lateness = t.lateness[:maxLatenessSamples-1]
	}
	t.lateness = append(t.lateness, late)
	t.obs.TimerFired(late)
}

// clear cancels a timer. Unknown or already fired ids are ignored.
func (t *timers) clear(id int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, id)
	t.cleared++
	t.obs.TimerCleared()
	return true
}

// notify queues a wake-up. Wake-ups coalesce while one is pending.
func (t *timers) notify() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifyLocked()
}

func (t *timers) notifyLocked() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// pending reports whether a wake-up is queued or can still arrive.
func (t *timers) pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.wake) > 0 || len(t.entries) > 0
}

// armed returns the number of timers that have not fired.
func (t *timers) armed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// stop cancels every timer and refuses new ones.
func (t *timers) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, id)
	}
}

type timerStats struct {
	scheduled, fired, cleared uint64
	armed                     int
	lateness                  []time.Duration
}

func (t *timers) stats() timerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return timerStats{
		scheduled: t.scheduled,
		fired:     t.fired,
		cleared:   t.cleared,
		armed:     len(t.entries),
		lateness:  append([]time.Duration(nil), t.lateness...),
	}
}
