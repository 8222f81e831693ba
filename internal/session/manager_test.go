package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/wasmhost/internal/bridge"
	"github.com/GriffinCanCode/wasmhost/internal/loader"
	"github.com/GriffinCanCode/wasmhost/internal/loader/loadertest"
)

// syncBuffer is a bytes.Buffer safe for the session goroutine to write.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type recorder struct {
	bridge.NopObserver
	mu      sync.Mutex
	started int
	ended   []string
}

func (r *recorder) SessionStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recorder) SessionEnded(state string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, state)
}

func (r *recorder) endedStates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ended...)
}

// modules writes the test modules into a directory and returns it.
func modules(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string][]byte{
		"exit3.wasm":  loadertest.Exit(3),
		"hello.wasm":  loadertest.Hello(1, "hello\n", 0),
		"oops.wasm":   loadertest.Hello(2, "oops\n", 1),
		"return.wasm": loadertest.Return(),
		"sleep.wasm":  loadertest.Sleep(60_000),
	}
	for name, data := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	return dir
}

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	l, err := loader.New(loader.Config{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close(context.Background()) })

	dir := modules(t)
	cfg.Loader = l
	cfg.Resolve = func(name string) (string, error) {
		return filepath.Join(dir, name), nil
	}
	m := NewManager(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func TestRunExit(t *testing.T) {
	rec := &recorder{}
	m := newManager(t, Config{Observer: rec})

	info, err := m.Run(context.Background(), Request{Module: "exit3.wasm"})
	require.NoError(t, err)
	assert.Equal(t, StateExited, info.State)
	assert.Equal(t, int32(3), info.ExitCode)
	assert.Equal(t, "exit3.wasm", info.Module)
	assert.Len(t, info.Digest, 64)
	assert.NotNil(t, info.EndedAt)
	assert.Equal(t, uint64(1), info.Steps)
	assert.Equal(t, uint64(1), info.HostCalls)

	assert.Equal(t, 1, rec.started)
	assert.Equal(t, []string{"exited"}, rec.endedStates())
	assert.Equal(t, 0, m.Running())
}

func TestRunOutputSinks(t *testing.T) {
	m := newManager(t, Config{})

	var stdout, stderr syncBuffer
	info, err := m.Run(context.Background(), Request{Module: "hello.wasm", Stdout: &stdout, Stderr: &stderr})
	require.NoError(t, err)
	assert.Equal(t, StateExited, info.State)
	assert.Equal(t, "hello\n", stdout.String())
	assert.Empty(t, stderr.String())

	info, err = m.Run(context.Background(), Request{Module: "oops.wasm", Stdout: &stdout, Stderr: &stderr})
	require.NoError(t, err)
	assert.Equal(t, int32(1), info.ExitCode)
	assert.Equal(t, "oops\n", stderr.String())
}

func TestRunOutputLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := newManager(t, Config{Logger: zap.New(core)})

	info, err := m.Run(context.Background(), Request{Module: "hello.wasm"})
	require.NoError(t, err)

	lines := logs.FilterMessage("hello").All()
	require.Len(t, lines, 1)
	assert.Equal(t, "stdout", lines[0].ContextMap()["stream"])
	assert.Equal(t, info.ID, lines[0].ContextMap()["session"])
}

func TestRunDeadlockFails(t *testing.T) {
	m := newManager(t, Config{})

	info, err := m.Run(context.Background(), Request{Module: "return.wasm"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, info.State)
	assert.Contains(t, info.Error, bridge.ErrDeadlock.Error())
}

func TestCancel(t *testing.T) {
	rec := &recorder{}
	m := newManager(t, Config{Observer: rec})

	info, err := m.Start(context.Background(), Request{Module: "sleep.wasm"})
	require.NoError(t, err)
	assert.False(t, info.State.Finished())

	require.Eventually(t, func() bool {
		got, ok := m.Get(info.ID)
		return ok && got.State == StateAwaiting
	}, 5*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, m.Remove(info.ID), ErrRunning)
	require.NoError(t, m.Cancel(info.ID))

	final, err := m.Wait(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, final.State)
	assert.ErrorIs(t, m.Cancel(info.ID), ErrFinished)
	assert.Equal(t, []string{"cancelled"}, rec.endedStates())

	require.NoError(t, m.Remove(info.ID))
	_, ok := m.Get(info.ID)
	assert.False(t, ok)
}

func TestRunContextCancelled(t *testing.T) {
	m := newManager(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	info, err := m.Run(ctx, Request{Module: "sleep.wasm"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateCancelled, info.State)
}

func TestTimeout(t *testing.T) {
	m := newManager(t, Config{Timeout: 200 * time.Millisecond})

	info, err := m.Run(context.Background(), Request{Module: "sleep.wasm"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, info.State)
	assert.Contains(t, info.Error, context.DeadlineExceeded.Error())
}

func TestRunContext(t *testing.T) {
	ctx, cancel := newManager(t, Config{Timeout: time.Minute}).runContext()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	ctx, cancel = newManager(t, Config{}).runContext()
	_, ok = ctx.Deadline()
	assert.False(t, ok)
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestLimit(t *testing.T) {
	m := newManager(t, Config{MaxSessions: 1})

	info, err := m.Start(context.Background(), Request{Module: "sleep.wasm"})
	require.NoError(t, err)

	_, err = m.Start(context.Background(), Request{Module: "exit3.wasm"})
	assert.ErrorIs(t, err, ErrLimit)

	require.NoError(t, m.Cancel(info.ID))
	_, err = m.Wait(context.Background(), info.ID)
	require.NoError(t, err)

	_, err = m.Run(context.Background(), Request{Module: "exit3.wasm"})
	assert.NoError(t, err)
}

func TestStartErrors(t *testing.T) {
	m := newManager(t, Config{})

	_, err := m.Start(context.Background(), Request{Module: "missing.wasm"})
	assert.Error(t, err)

	_, err = m.Start(context.Background(), Request{Module: "exit3.wasm", Prelude: "function ("})
	assert.ErrorIs(t, err, ErrPrelude)

	resolveErr := errors.New("refused")
	m.cfg.Resolve = func(string) (string, error) { return "", resolveErr }
	_, err = m.Start(context.Background(), Request{Module: "exit3.wasm"})
	assert.ErrorIs(t, err, resolveErr)

	assert.Empty(t, m.List())
	assert.Equal(t, 0, m.Running())
}

func TestPrelude(t *testing.T) {
	m := newManager(t, Config{Prelude: "var greeting = 'hi';"})

	info, err := m.Run(context.Background(), Request{Module: "exit3.wasm"})
	require.NoError(t, err)
	assert.Equal(t, StateExited, info.State)
}

func TestListAndPrune(t *testing.T) {
	m := newManager(t, Config{})

	for i := 0; i < 3; i++ {
		_, err := m.Run(context.Background(), Request{Module: "exit3.wasm"})
		require.NoError(t, err)
	}
	list := m.List()
	require.Len(t, list, 3)
	assert.False(t, list[1].StartedAt.Before(list[0].StartedAt))

	assert.Equal(t, 0, m.Prune(time.Hour))
	assert.Equal(t, 3, m.Prune(0))
	assert.Empty(t, m.List())

	_, err := m.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Cancel("nope"), ErrNotFound)
}
