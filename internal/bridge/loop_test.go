package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cString(buf []byte, p uint32) string {
	end := p
	for buf[end] != 0 {
		end++
	}
	return string(buf[p:end])
}

func TestArgsAndEnvLayout(t *testing.T) {
	b := New(Config{
		Args: []string{"js", "abcdefgh"},
		Env:  map[string]string{"B": "2", "A": "1"},
	})

	var gotArgc, gotArgv int32
	var ptrs []uint32
	f := newFake(t, b, func(g *guest, argc, argv int32) error {
		gotArgc, gotArgv = argc, argv
		for i := 0; i < 5; i++ {
			p := uint32(argv) + uint32(i)*8
			ptrs = append(ptrs, g.u32(p))
			assert.Equal(t, uint32(0), g.u32(p+4), "high word of slot %d", i)
		}
		g.exit(0)
		return nil
	})

	require.NoError(t, b.Run(context.Background(), f))

	assert.Equal(t, int32(2), gotArgc)
	// "js" pads to 8, "abcdefgh" to 16, each env entry to 8.
	assert.Equal(t, []uint32{4096, 4104, 2, 4120, 4128}, ptrs)
	assert.Equal(t, int32(4136), gotArgv)

	buf := f.mem.buf
	assert.Equal(t, "js", cString(buf, 4096))
	assert.Equal(t, "abcdefgh", cString(buf, 4104))
	assert.Equal(t, "A=1", cString(buf, 4120))
	assert.Equal(t, "B=2", cString(buf, 4128))
}

func TestDefaultArgs(t *testing.T) {
	b := New(Config{})
	f := newFake(t, b, func(g *guest, argc, argv int32) error {
		assert.Equal(t, int32(1), argc)
		assert.Equal(t, "js", cString(g.mem.buf, g.u32(uint32(argv))))
		assert.Equal(t, uint32(0), g.u32(uint32(argv)+8), "no environment")
		g.exit(0)
		return nil
	})
	require.NoError(t, b.Run(context.Background(), f))
}

func TestTimerResume(t *testing.T) {
	b := New(Config{})
	var start time.Time
	var elapsed time.Duration

	f := newFake(t, b, func(g *guest, _, _ int32) error {
		switch b.Stats().Steps {
		case 1:
			start = time.Now()
			g.scheduleCallback(50)
		case 2:
			elapsed = time.Since(start)
			g.exit(0)
		}
		return nil
	})

	require.NoError(t, b.Run(context.Background(), f))
	assert.Equal(t, 2, f.runs)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.TimersScheduled)
	assert.Equal(t, uint64(1), stats.TimersFired)
	assert.Len(t, stats.TimerLateness, 1)
	assert.Zero(t, stats.TimersArmed)
}

func TestMissingMethodKeepsRunning(t *testing.T) {
	b := New(Config{})
	var ok bool
	var msg string
	var state State

	f := newFake(t, b, func(g *guest, _, _ int32) error {
		var res uint64
		res, ok = g.valueCall(boxed(refGlobal), "noSuchMethod")
		msg = g.goString(res)
		state = b.State()
		g.exit(0)
		return nil
	})

	require.NoError(t, b.Run(context.Background(), f))
	assert.False(t, ok)
	assert.Contains(t, msg, "noSuchMethod is not a function")
	assert.Equal(t, StateRunning, state)
}

func TestExitCode(t *testing.T) {
	var exitCalls []int32
	b := New(Config{Exit: func(code int32) { exitCalls = append(exitCalls, code) }})

	f := newFake(t, b, func(g *guest, _, _ int32) error {
		g.exit(3)
		return nil
	})

	require.NoError(t, b.Run(context.Background(), f))
	assert.True(t, b.Exited())
	assert.Equal(t, int32(3), b.ExitCode())
	assert.Equal(t, []int32{3}, exitCalls)
	assert.Equal(t, StateExited, b.State())
	assert.Equal(t, 1, f.runs)
}

func TestDeadlock(t *testing.T) {
	b := New(Config{})
	f := newFake(t, b, func(*guest, int32, int32) error { return nil })

	err := b.Run(context.Background(), f)
	assert.ErrorIs(t, err, ErrDeadlock)
	assert.Equal(t, StateAwaitingCallback, b.State())
	assert.False(t, b.Exited())
}

func TestClearedTimerDeadlocks(t *testing.T) {
	b := New(Config{})
	f := newFake(t, b, func(g *guest, _, _ int32) error {
		id := g.scheduleCallback(10)
		g.clearScheduledCallback(id)
		g.clearScheduledCallback(id)
		return nil
	})

	assert.ErrorIs(t, b.Run(context.Background(), f), ErrDeadlock)
	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.TimersCleared)
	assert.Zero(t, stats.TimersFired)
}

func TestResumeCallback(t *testing.T) {
	b := New(Config{})
	f := newFake(t, b, func(g *guest, _, _ int32) error {
		switch b.Stats().Steps {
		case 1:
			// Wake-ups coalesce into one re-invocation.
			_, ok := g.valueInvoke(boxed(refResume))
			require.True(t, ok)
			_, ok = g.valueInvoke(boxed(refResume))
			require.True(t, ok)
		case 2:
			g.exit(0)
		}
		return nil
	})

	require.NoError(t, b.Run(context.Background(), f))
	assert.Equal(t, 2, f.runs)

	// After exit the callback refuses to run.
	g := f.guest
	res, ok := g.valueInvoke(boxed(refResume))
	assert.False(t, ok)
	assert.Equal(t, "Error: bad callback: program has already exited", g.goString(res))
}

func TestContextCancel(t *testing.T) {
	b := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())

	f := newFake(t, b, func(g *guest, _, _ int32) error {
		g.scheduleCallback(int64(time.Hour / time.Millisecond))
		cancel()
		return nil
	})

	assert.ErrorIs(t, b.Run(ctx, f), context.Canceled)
	assert.Zero(t, b.Stats().TimersArmed)
}

func TestFatalErrorEndsRun(t *testing.T) {
	b := New(Config{})
	f := newFake(t, b, func(g *guest, _, _ int32) error {
		g.valueGet(boxed(refNull), "x")
		return nil
	})

	err := b.Run(context.Background(), f)
	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, OpValueGet, fe.Op)
	assert.True(t, strings.HasPrefix(err.Error(), "bridge: syscall/js.valueGet:"))
}

func TestRuntimeErrorAfterFatalIsReported(t *testing.T) {
	// A real runtime turns the panic into an error; the recorded failure wins.
	b := New(Config{})
	f := newFake(t, b, func(g *guest, _, _ int32) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("wasm error: unreachable")
			}
		}()
		g.valueGet(boxed(refNull), "x")
		return nil
	})

	err := b.Run(context.Background(), f)
	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, OpValueGet, fe.Op)
}

func TestRunOnce(t *testing.T) {
	b := New(Config{})
	f := newFake(t, b, func(g *guest, _, _ int32) error {
		g.exit(0)
		return nil
	})
	require.NoError(t, b.Run(context.Background(), f))
	assert.ErrorIs(t, b.Run(context.Background(), f), ErrStarted)
}

func TestArgsOutOfMemory(t *testing.T) {
	b := New(Config{Args: []string{strings.Repeat("x", 70000)}})
	f := newFake(t, b, func(*guest, int32, int32) error { return nil })

	err := b.Run(context.Background(), f)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.Zero(t, f.runs)
}
