package bridge

import (
	"crypto/rand"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/wasmhost/internal/host"
)

// Clock supplies the time imports.
type Clock interface {
	// Nanotime returns monotonic nanoseconds on the Unix epoch scale.
	Nanotime() int64
	// Walltime returns the wall clock as seconds and nanoseconds.
	Walltime() (sec int64, nsec int32)
}

type systemClock struct {
	origin time.Time
}

// SystemClock returns a clock anchored to the wall time at creation that
// advances monotonically.
func SystemClock() Clock {
	return systemClock{origin: time.Now()}
}

func (c systemClock) Nanotime() int64 {
	return c.origin.UnixNano() + time.Since(c.origin).Nanoseconds()
}

func (c systemClock) Walltime() (int64, int32) {
	ms := time.Now().UnixMilli()
	return ms / 1000, int32(ms%1000) * 1_000_000
}

// Config configures a Bridge.
type Config struct {
	// Args are the module's command line. Defaults to ["js"].
	Args []string
	// Env is the module's environment, written sorted by key.
	Env map[string]string

	Stdout io.Writer
	Stderr io.Writer
	Random io.Reader
	Clock  Clock

	// Exit is called once when the module exits.
	Exit func(code int32)

	// Global overrides the global object. When nil one is built from the
	// sinks above.
	Global *host.Global

	Logger   *zap.Logger
	Observer Observer
}

// State is the run loop state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateAwaitingCallback
	StateExited
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateExited:
		return "exited"
	}
	return "unknown"
}

// Stats is a snapshot of bridge activity.
type Stats struct {
	State           State
	Steps           uint64
	Dispatch        map[string]uint64
	Failures        map[string]uint64
	TimersScheduled uint64
	TimersFired     uint64
	TimersCleared   uint64
	TimersArmed     int
	TimerLateness   []time.Duration
	Refs            int
	Exited          bool
	ExitCode        int32
}

// Bridge implements the "go" imports for one module instance.
type Bridge struct {
	cfg    Config
	log    *zap.Logger
	obs    Observer
	global *host.Global
	refs   *refTable
	mem    *memory
	timers *timers

	instMu sync.RWMutex
	inst   Instance

	bufMu   sync.Mutex
	bufObj  *host.Object
	bufData *byte
	bufSize uint32

	started  atomic.Bool
	state    atomic.Int32
	exited   atomic.Bool
	exitCode atomic.Int32

	mu       sync.Mutex
	steps    uint64
	calls    map[string]uint64
	failures map[string]uint64
	failure  *FatalError
}

// New creates a bridge. The instance is attached by Run.
func New(cfg Config) *Bridge {
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"js"}
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}

	b := &Bridge{
		cfg:      cfg,
		log:      cfg.Logger.Named("bridge"),
		obs:      cfg.Observer,
		global:   cfg.Global,
		timers:   newTimers(cfg.Observer),
		calls:    make(map[string]uint64),
		failures: make(map[string]uint64),
	}
	if b.global == nil {
		b.global = host.NewGlobal(host.GlobalConfig{
			Stdout: cfg.Stdout,
			Stderr: cfg.Stderr,
			Random: cfg.Random,
		})
	}
	b.mem = &memory{inst: b.instance}
	b.refs = newRefTable(b.global.Object, b.memoryObject(), b.resumeFunc())
	return b
}

// Global returns the global object exposed under reference id 5.
func (b *Bridge) Global() *host.Global { return b.global }

// State returns the current run loop state.
func (b *Bridge) State() State { return State(b.state.Load()) }

// Exited reports whether the module called exit.
func (b *Bridge) Exited() bool { return b.exited.Load() }

// ExitCode returns the code passed to exit, or 0.
func (b *Bridge) ExitCode() int32 { return b.exitCode.Load() }

// Stats returns a snapshot of activity so far.
func (b *Bridge) Stats() Stats {
	ts := b.timers.stats()

	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		State:           b.State(),
		Steps:           b.steps,
		Dispatch:        make(map[string]uint64, len(b.calls)),
		Failures:        make(map[string]uint64, len(b.failures)),
		TimersScheduled: ts.scheduled,
		TimersFired:     ts.fired,
		TimersCleared:   ts.cleared,
		TimersArmed:     ts.armed,
		TimerLateness:   ts.lateness,
		Refs:            b.refs.size(),
		Exited:          b.Exited(),
		ExitCode:        b.ExitCode(),
	}
	for k, v := range b.calls {
		s.Dispatch[k] = v
	}
	for k, v := range b.failures {
		s.Failures[k] = v
	}
	return s
}

func (b *Bridge) instance() Instance {
	b.instMu.RLock()
	defer b.instMu.RUnlock()
	return b.inst
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
}

// memoryObject is the handle behind reference id 6. Its buffer is a view of
// the current linear memory.
func (b *Bridge) memoryObject() *host.Object {
	return host.NewObject("WebAssembly.Memory").WithHooks(host.Hooks{
		Get: func(_ *host.Object, key string) (host.Value, bool) {
			if key != "buffer" {
				return host.Undefined(), false
			}
			return b.buffer().Value(), true
		},
	})
}

// buffer returns the ArrayBuffer over linear memory. The same object is
// returned until the memory grows or is replaced.
func (b *Bridge) buffer() *host.Object {
	var (
		buf  []byte
		data *byte
	)
	if inst := b.instance(); inst != nil {
		mem := inst.Memory()
		buf, _ = mem.Read(0, mem.Size())
		if len(buf) > 0 {
			data = &buf[0]
		}
	}

	b.bufMu.Lock()
	defer b.bufMu.Unlock()
	if b.bufObj == nil || b.bufData != data || b.bufSize != uint32(len(buf)) {
		b.bufObj = host.NewArrayBuffer(buf)
		b.bufData = data
		b.bufSize = uint32(len(buf))
	}
	return b.bufObj
}

// resumeFunc is the callback behind reference id 7.
func (b *Bridge) resumeFunc() *host.Object {
	return host.NewFunction("resume", func(host.Value, []host.Value) (host.Value, error) {
		if b.Exited() {
			return host.Undefined(), host.Throw(b.global.NewError("bad callback: " + ErrExited.Error()).Value())
		}
		b.timers.notify()
		return host.Undefined(), nil
	})
}

func (b *Bridge) exit(code int32) {
	if b.exited.Swap(true) {
		return
	}
	b.exitCode.Store(code)
	b.setState(StateExited)
	b.timers.stop()
	b.obs.Exit(code)
	b.log.Debug("module exited", zap.Int32("code", code))
	if b.cfg.Exit != nil {
		b.cfg.Exit(code)
	}
}
