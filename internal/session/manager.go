package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/GriffinCanCode/wasmhost/internal/bridge"
	"github.com/GriffinCanCode/wasmhost/internal/loader"
	"github.com/GriffinCanCode/wasmhost/internal/logging"
	"github.com/GriffinCanCode/wasmhost/internal/sandbox"
)

// State is the lifecycle state of a session.
type State string

const (
	StateRunning   State = "running"
	StateAwaiting  State = "awaiting"
	StateExited    State = "exited"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Finished reports whether s is a final state.
func (s State) Finished() bool {
	return s == StateExited || s == StateFailed || s == StateCancelled
}

var (
	ErrNotFound = errors.New("session not found")
	ErrLimit    = errors.New("too many running sessions")
	ErrFinished = errors.New("session already finished")
	ErrRunning  = errors.New("session still running")
	ErrPrelude  = errors.New("prelude failed")
)

// Observer receives bridge activity and session lifecycle events.
type Observer interface {
	bridge.Observer
	SessionStarted()
	SessionEnded(state string, d time.Duration)
}

// Config configures a Manager.
type Config struct {
	Loader *loader.Loader
	// Resolve maps a requested module name to a loader source. When nil the
	// name is loaded as given.
	Resolve func(name string) (string, error)
	Logger  *zap.Logger
	// Observer is optional.
	Observer Observer
	Sandbox  sandbox.Config
	// Prelude runs before modules whose request carries no prelude.
	Prelude string
	// Timeout bounds each session's wall time. Zero means no bound.
	Timeout time.Duration
	// MaxSessions bounds concurrently running sessions. Zero means no bound.
	MaxSessions int
}

// Request describes a module run.
type Request struct {
	Module  string            `json:"module" binding:"required"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Prelude string            `json:"prelude,omitempty"`

	Stdout io.Writer `json:"-"`
	Stderr io.Writer `json:"-"`
}

// Info is a snapshot of a session.
type Info struct {
	ID        string     `json:"id"`
	Module    string     `json:"module"`
	Digest    string     `json:"digest"`
	State     State      `json:"state"`
	ExitCode  int32      `json:"exit_code"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Steps     uint64     `json:"steps"`
	HostCalls uint64     `json:"host_calls"`
	Failures  uint64     `json:"host_failures"`
	Timers    uint64     `json:"timers_fired"`
}

// Manager starts and tracks sessions.
type Manager struct {
	cfg      Config
	log      *zap.Logger
	sessions sync.Map
	running  atomic.Int32
	wg       sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, log: cfg.Logger.Named("session")}
}

// Start loads req.Module, runs its prelude and starts it. It returns once the
// module is instantiated; loading, prelude and instantiation errors are
// returned directly and create no session.
func (m *Manager) Start(ctx context.Context, req Request) (Info, error) {
	if n := m.running.Add(1); m.cfg.MaxSessions > 0 && int(n) > m.cfg.MaxSessions {
		m.running.Add(-1)
		return Info{}, ErrLimit
	}
	s, err := m.start(ctx, req)
	if err != nil {
		m.running.Add(-1)
		return Info{}, err
	}
	return s.info(), nil
}

func (m *Manager) start(ctx context.Context, req Request) (*session, error) {
	source := req.Module
	if m.cfg.Resolve != nil {
		var err error
		if source, err = m.cfg.Resolve(req.Module); err != nil {
			return nil, err
		}
	}
	mod, err := m.cfg.Loader.Load(ctx, source)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	log := m.log.With(zap.String("session", id), zap.String("module", mod.Name))

	s := &session{
		id:      id,
		module:  mod.Name,
		digest:  mod.Digest,
		started: time.Now(),
		log:     log,
		done:    make(chan struct{}),
	}

	stdout, stderr := req.Stdout, req.Stderr
	if stdout == nil {
		lw := logging.NewLineWriter(log, zapcore.InfoLevel, "stdout")
		s.flush = append(s.flush, lw.Flush)
		stdout = lw
	}
	if stderr == nil {
		lw := logging.NewLineWriter(log, zapcore.WarnLevel, "stderr")
		s.flush = append(s.flush, lw.Flush)
		stderr = lw
	}

	var obs bridge.Observer
	if m.cfg.Observer != nil {
		obs = m.cfg.Observer
	}
	s.b = bridge.New(bridge.Config{
		Args:     append([]string{mod.Name}, req.Args...),
		Env:      req.Env,
		Stdout:   stdout,
		Stderr:   stderr,
		Logger:   log,
		Observer: obs,
	})

	prelude := req.Prelude
	if prelude == "" {
		prelude = m.cfg.Prelude
	}
	if prelude != "" {
		rt, err := sandbox.New(m.cfg.Sandbox)
		if err != nil {
			return nil, err
		}
		if _, err := rt.Execute(ctx, prelude); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("%w: %w", ErrPrelude, err)
		}
		bound := rt.Bind(s.b.Global())
		s.prelude = rt
		log.Debug("prelude bound", zap.Strings("globals", bound))
	}

	runCtx, cancel := m.runContext()
	inst, err := m.cfg.Loader.Instantiate(runCtx, mod, s.b.Imports())
	if err != nil {
		cancel()
		s.closePrelude()
		return nil, err
	}
	s.cancel = cancel

	m.sessions.Store(id, s)
	if m.cfg.Observer != nil {
		m.cfg.Observer.SessionStarted()
	}
	log.Info("session started", zap.Int("size", mod.Size()), zap.String("digest", mod.Digest))

	m.wg.Add(1)
	go m.run(runCtx, s, inst)
	return s, nil
}

func (m *Manager) run(ctx context.Context, s *session, inst *loader.Instance) {
	defer m.wg.Done()
	defer s.cancel()

	err := s.b.Run(ctx, inst)
	if cerr := inst.Close(context.Background()); cerr != nil {
		s.log.Warn("close instance", zap.Error(cerr))
	}
	s.closePrelude()
	for _, f := range s.flush {
		f()
	}

	s.finish(err)
	m.running.Add(-1)
	info := s.info()
	if m.cfg.Observer != nil {
		m.cfg.Observer.SessionEnded(string(info.State), s.ended.Sub(s.started))
	}

	fields := []zap.Field{zap.String("state", string(info.State)), zap.Int32("exit_code", info.ExitCode)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.log.Info("session ended", fields...)

	// Waiters observe the session only after everything above.
	close(s.done)
}

// Run starts req and waits for it to finish. When ctx ends first the session
// is cancelled and ctx's error returned with the final snapshot.
func (m *Manager) Run(ctx context.Context, req Request) (Info, error) {
	info, err := m.Start(ctx, req)
	if err != nil {
		return Info{}, err
	}
	info, err = m.Wait(ctx, info.ID)
	if err != nil {
		_ = m.Cancel(info.ID)
		final, _ := m.Wait(context.Background(), info.ID)
		return final, err
	}
	return info, nil
}

// Get returns a snapshot of a session.
func (m *Manager) Get(id string) (Info, bool) {
	s, ok := m.lookup(id)
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// List returns snapshots of all sessions, oldest first.
func (m *Manager) List() []Info {
	var out []Info
	m.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*session).info())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Cancel stops a running session.
func (m *Manager) Cancel(id string) error {
	s, ok := m.lookup(id)
	if !ok {
		return ErrNotFound
	}
	if !s.markCancelled() {
		return ErrFinished
	}
	s.cancel()
	return nil
}

// Wait blocks until the session finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (Info, error) {
	s, ok := m.lookup(id)
	if !ok {
		return Info{}, ErrNotFound
	}
	select {
	case <-s.done:
		return s.info(), nil
	case <-ctx.Done():
		return s.info(), ctx.Err()
	}
}

// Remove forgets a finished session.
func (m *Manager) Remove(id string) error {
	s, ok := m.lookup(id)
	if !ok {
		return ErrNotFound
	}
	select {
	case <-s.done:
	default:
		return ErrRunning
	}
	m.sessions.Delete(id)
	return nil
}

// Prune forgets sessions that finished more than age ago and returns how
// many were removed.
func (m *Manager) Prune(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	n := 0
	m.sessions.Range(func(k, v any) bool {
		s := v.(*session)
		if ended, ok := s.endedAt(); ok && ended.Before(cutoff) {
			m.sessions.Delete(k)
			n++
		}
		return true
	})
	return n
}

// Running returns the number of sessions that have not finished.
func (m *Manager) Running() int { return int(m.running.Load()) }

// Shutdown cancels every running session and waits for them to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.sessions.Range(func(_, v any) bool {
		s := v.(*session)
		if s.markCancelled() {
			s.cancel()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lookup(id string) (*session, bool) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*session), true
}

// runContext bounds a session run by the configured timeout.
func (m *Manager) runContext() (context.Context, context.CancelFunc) {
	if m.cfg.Timeout > 0 {
		return context.WithTimeout(context.Background(), m.cfg.Timeout)
	}
	return context.WithCancel(context.Background())
}
