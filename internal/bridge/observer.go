package bridge

import "time"

// Observer receives bridge activity. Implementations must be safe for
// concurrent use: timer events arrive on timer goroutines.
type Observer interface {
	Dispatch(op string, d time.Duration)
	HostFailure(op string)
	Step()
	TimerScheduled()
	TimerFired(lateness time.Duration)
	TimerCleared()
	Exit(code int32)
	Deadlock()
	Refs(n int)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) Dispatch(string, time.Duration) {}
func (NopObserver) HostFailure(string)             {}
func (NopObserver) Step()                          {}
func (NopObserver) TimerScheduled()                {}
func (NopObserver) TimerFired(time.Duration)       {}
func (NopObserver) TimerCleared()                  {}
func (NopObserver) Exit(int32)                     {}
func (NopObserver) Deadlock()                      {}
func (NopObserver) Refs(int)                       {}
