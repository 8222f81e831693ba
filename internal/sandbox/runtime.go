package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/wasmhost/internal/host"
)

// hostBinding is the name under which a bound host global is visible to scripts.
const hostBinding = "host"

var (
	ErrTimeout   = errors.New("execution timeout exceeded")
	ErrCancelled = errors.New("context cancelled")
	ErrClosed    = errors.New("runtime closed")
)

// Runtime wraps a goja VM with security controls
type Runtime struct {
	vm     *goja.Runtime
	conv   *converter
	config Config
	mu     sync.Mutex

	// Globals present before any script ran; they are never bound.
	builtins map[string]bool

	console   []LogEntry
	consoleMu sync.Mutex
}

// New creates a new sandboxed runtime
func New(config Config) (*Runtime, error) {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	r := &Runtime{config: config}
	if err := r.reset(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runtime) reset() error {
	r.vm = goja.New()
	if r.config.MaxCallStackSize > 0 {
		r.vm.SetMaxCallStackSize(r.config.MaxCallStackSize)
	}
	r.conv = newConverter(r.vm, r.config.Timeout)
	r.console = nil

	if err := r.setupGlobals(); err != nil {
		return err
	}
	r.builtins = make(map[string]bool)
	for _, k := range r.vm.GlobalObject().Keys() {
		r.builtins[k] = true
	}
	r.builtins[hostBinding] = true
	return nil
}

// Execute runs a script with timeout and cancellation
func (r *Runtime) Execute(ctx context.Context, script string) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vm == nil {
		return nil, ErrClosed
	}

	start := time.Now()
	r.consoleMu.Lock()
	r.console = nil
	r.consoleMu.Unlock()

	val, err := r.run(ctx, func() (goja.Value, error) {
		return r.vm.RunString(script)
	})
	result := &Result{
		Duration: time.Since(start),
		Console:  r.Console(),
	}
	if err != nil {
		return result, err
	}
	result.Value = r.conv.toHost(val)
	return result, nil
}

func (r *Runtime) run(ctx context.Context, fn func() (goja.Value, error)) (goja.Value, error) {
	return r.conv.run(ctx, fn)
}

// run calls fn while a watcher interrupts the VM on timeout or cancellation.
// Calls made while a script is already running stay under the outer watcher.
func (c *converter) run(ctx context.Context, fn func() (goja.Value, error)) (goja.Value, error) {
	if c.depth > 0 {
		return fn()
	}
	c.depth++
	defer func() { c.depth-- }()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-timer.C:
			c.vm.Interrupt(ErrTimeout)
		case <-ctx.Done():
			c.vm.Interrupt(ErrCancelled)
		case <-done:
		}
	}()

	val, err := fn()
	close(done)
	wg.Wait()
	c.vm.ClearInterrupt()

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return nil, fmt.Errorf("sandbox: %w", cause)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", c.hostError(err))
	}
	return val, nil
}

// Bind copies every global the scripts defined onto g and exposes g to later
// scripts as "host". Bindings keep referring to live script values, so
// functions bound here observe state changed by later scripts.
func (r *Runtime) Bind(g *host.Global) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vm == nil {
		return nil
	}

	var bound []string
	global := r.vm.GlobalObject()
	for _, k := range global.Keys() {
		if r.builtins[k] {
			continue
		}
		g.Set(k, r.conv.toHost(global.Get(k)))
		bound = append(bound, k)
	}
	_ = r.vm.Set(hostBinding, r.conv.toJS(g.Value()))
	return bound
}

// setupGlobals configures global objects and security
func (r *Runtime) setupGlobals() error {
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := r.vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	if r.config.EnableConsole {
		console := r.vm.NewObject()
		for _, level := range []string{"log", "info", "debug", "warn", "error"} {
			if err := console.Set(level, r.makeConsoleFunc(level)); err != nil {
				return err
			}
		}
		if err := r.vm.Set("console", console); err != nil {
			return err
		}
	}

	// Timers are no-ops: scripts only run while a prelude executes or a bound
	// function is called.
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, name := range []string{"setTimeout", "setInterval", "clearTimeout", "clearInterval"} {
		if err := r.vm.Set(name, noop); err != nil {
			return err
		}
	}
	return nil
}

// makeConsoleFunc creates a console function
func (r *Runtime) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}

		r.consoleMu.Lock()
		r.console = append(r.console, LogEntry{
			Level:   level,
			Message: strings.Join(parts, " "),
			Time:    time.Now(),
		})
		r.consoleMu.Unlock()

		return goja.Undefined()
	}
}

// Console returns the console output captured since the last Execute.
func (r *Runtime) Console() []LogEntry {
	r.consoleMu.Lock()
	defer r.consoleMu.Unlock()
	return append([]LogEntry(nil), r.console...)
}

// Reset discards all script state
func (r *Runtime) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reset()
}

// Close releases resources
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.vm = nil
	r.conv = nil
	r.console = nil
	return nil
}
