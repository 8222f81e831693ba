package monitoring

import (
	"strconv"
	"time"

	"github.com/GriffinCanCode/wasmhost/internal/bridge"
)

var _ bridge.Observer = (*Metrics)(nil)

// Dispatch records one host call.
func (m *Metrics) Dispatch(op string, d time.Duration) {
	m.HostCalls.WithLabelValues(op).Inc()
	m.HostCallDuration.WithLabelValues(op).Observe(d.Seconds())
	m.mu.Lock()
	m.snapshot.HostCalls++
	m.mu.Unlock()
}

// HostFailure records a host call that handed a thrown value to the module.
func (m *Metrics) HostFailure(op string) {
	m.HostFailures.WithLabelValues(op).Inc()
	m.mu.Lock()
	m.snapshot.HostFailures++
	m.mu.Unlock()
}

func (m *Metrics) Step() { m.Steps.Inc() }

func (m *Metrics) TimerScheduled() { m.TimersScheduled.Inc() }

// TimerFired records a fired callback and keeps its lateness for summaries.
func (m *Metrics) TimerFired(lateness time.Duration) {
	m.TimersFired.Inc()
	m.TimerLateness.Observe(lateness.Seconds())

	ms := float64(lateness) / float64(time.Millisecond)
	m.mu.Lock()
	if len(m.lateness) < latenessWindow {
		m.lateness = append(m.lateness, ms)
	} else {
		m.lateness[m.next] = ms
		m.next = (m.next + 1) % latenessWindow
	}
	m.mu.Unlock()
}

func (m *Metrics) TimerCleared() { m.TimersCleared.Inc() }

func (m *Metrics) Exit(code int32) {
	m.Exits.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

func (m *Metrics) Deadlock() {
	m.Deadlocks.Inc()
	m.mu.Lock()
	m.snapshot.Deadlocks++
	m.mu.Unlock()
}

// Refs tracks the largest reference table any bridge reached.
func (m *Metrics) Refs(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.refsPeak {
		m.refsPeak = n
		m.RefsPeak.Set(float64(n))
	}
}

// Lateness summarizes the most recent timer lateness samples.
func (m *Metrics) Lateness() Summary {
	m.mu.RLock()
	samples := append([]float64(nil), m.lateness...)
	m.mu.RUnlock()
	return summarize(samples)
}
