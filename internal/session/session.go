package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/wasmhost/internal/bridge"
	"github.com/GriffinCanCode/wasmhost/internal/sandbox"
)

type session struct {
	id      string
	module  string
	digest  string
	started time.Time
	log     *zap.Logger

	b       *bridge.Bridge
	prelude *sandbox.Runtime
	flush   []func()
	cancel  func()
	done    chan struct{}

	mu        sync.Mutex
	state     State // empty until finished
	err       error
	ended     time.Time
	cancelled bool
}

// markCancelled flags a running session as cancelled. It returns false once
// the session has finished.
func (s *session) markCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != "" {
		return false
	}
	s.cancelled = true
	return true
}

func (s *session) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.err = err
	s.ended = time.Now()
	switch {
	case s.cancelled:
		s.state = StateCancelled
	case err != nil:
		s.state = StateFailed
	default:
		s.state = StateExited
	}
}

func (s *session) endedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended, s.state != ""
}

func (s *session) closePrelude() {
	if s.prelude != nil {
		_ = s.prelude.Close()
	}
}

func (s *session) info() Info {
	stats := s.b.Stats()

	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:        s.id,
		Module:    s.module,
		Digest:    s.digest,
		State:     s.state,
		ExitCode:  stats.ExitCode,
		StartedAt: s.started,
		Steps:     stats.Steps,
		Timers:    stats.TimersFired,
	}
	for _, n := range stats.Dispatch {
		info.HostCalls += n
	}
	for _, n := range stats.Failures {
		info.Failures += n
	}
	if s.state == "" {
		info.State = StateRunning
		if stats.State == bridge.StateAwaitingCallback {
			info.State = StateAwaiting
		}
		return info
	}

	ended := s.ended
	info.EndedAt = &ended
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}
