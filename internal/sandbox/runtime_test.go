package sandbox

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/wasmhost/internal/host"
)

func newRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()
	rt, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func run(t *testing.T, rt *Runtime, script string) host.Value {
	t.Helper()
	res, err := rt.Execute(context.Background(), script)
	require.NoError(t, err)
	return res.Value
}

func TestExecute(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())

	res, err := rt.Execute(context.Background(), `console.log("a", 1); console.warn("b"); 40 + 2`)
	require.NoError(t, err)
	assert.Equal(t, 42.0, res.Value.Float())
	require.Len(t, res.Console, 2)
	assert.Equal(t, "log", res.Console[0].Level)
	assert.Equal(t, "a 1", res.Console[0].Message)
	assert.Equal(t, "warn", res.Console[1].Level)

	assert.True(t, run(t, rt, `typeof require === "undefined" && typeof process === "undefined"`).Bool())
	assert.True(t, run(t, rt, `setTimeout(function() {}, 10)`).IsUndefined())

	_, err = rt.Execute(context.Background(), `throw new Error("bad")`)
	assert.Error(t, err)
}

func TestConsoleDisabled(t *testing.T) {
	rt := newRuntime(t, Config{Timeout: time.Second})
	assert.Equal(t, "undefined", run(t, rt, `typeof console`).Str())
}

func TestExecuteTimeout(t *testing.T) {
	rt := newRuntime(t, Config{Timeout: 50 * time.Millisecond})

	_, err := rt.Execute(context.Background(), `while (true) {}`)
	assert.ErrorIs(t, err, ErrTimeout)

	// The runtime stays usable after an interrupt.
	assert.Equal(t, 2.0, run(t, rt, `1 + 1`).Float())
}

func TestExecuteCancelled(t *testing.T) {
	rt := newRuntime(t, Config{Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := rt.Execute(ctx, `while (true) {}`)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestBind(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	run(t, rt, `
		var shared = {n: 1};
		var holder = {inner: shared};
		function add(a, b) { return a + b; }
		function Point(x) { this.x = x; }
		let hidden = 1;
	`)

	g := host.NewGlobal(host.GlobalConfig{})
	bound := rt.Bind(g)
	assert.ElementsMatch(t, []string{"shared", "holder", "add", "Point"}, bound)
	assert.False(t, g.Has("hidden"))
	assert.False(t, g.Has("setTimeout"))

	shared := g.Get("shared").Object()
	require.NotNil(t, shared)
	assert.Same(t, shared, g.Get("holder").Object().Get("inner").Object())
	assert.Equal(t, 1.0, shared.Get("n").Float())

	shared.Set("n", host.Number(5))
	assert.Equal(t, 5.0, run(t, rt, `shared.n`).Float())

	res, err := g.Get("add").Object().Call(host.Undefined(), []host.Value{host.Number(2), host.Number(3)})
	require.NoError(t, err)
	assert.Equal(t, 5.0, res.Float())

	point := g.Get("Point").Object()
	p, err := point.Construct([]host.Value{host.Number(7)})
	require.NoError(t, err)
	assert.Equal(t, 7.0, p.Object().Get("x").Float())
	assert.True(t, p.Object().InstanceOf(point))
	assert.False(t, shared.InstanceOf(point))
}

func TestBoundCallTimeout(t *testing.T) {
	rt := newRuntime(t, Config{Timeout: 50 * time.Millisecond})
	run(t, rt, `
		function spin() { for (;;) {} }
		function Spinner() { for (;;) {} }
		function one() { return 1; }
	`)

	g := host.NewGlobal(host.GlobalConfig{})
	rt.Bind(g)

	errc := make(chan error, 2)
	go func() {
		_, err := g.Get("spin").Object().Call(host.Undefined(), nil)
		errc <- err
		_, err = g.Get("Spinner").Object().Construct(nil)
		errc <- err
	}()
	for range 2 {
		select {
		case err := <-errc:
			assert.ErrorIs(t, err, ErrTimeout)
		case <-time.After(2 * time.Second):
			t.Fatal("bound function was not interrupted")
		}
	}

	res, err := g.Get("one").Object().Call(host.Undefined(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Float())
}

func TestArraysCross(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	run(t, rt, `var list = [1, "two", null];`)

	g := host.NewGlobal(host.GlobalConfig{})
	rt.Bind(g)

	list := g.Get("list").Object()
	assert.Equal(t, int64(3), host.ToInt(list.Length()))
	assert.Equal(t, "two", list.Index(1).Str())
	assert.True(t, list.Index(2).IsNull())

	list.SetIndex(3, host.Bool(true))
	assert.Equal(t, 4.0, run(t, rt, `list.length`).Float())

	arr := g.NewArray(host.Number(1), host.Number(2))
	g.Set("nums", arr.Value())
	assert.Equal(t, 3.0, run(t, rt, `host.nums[0] + host.nums[1]`).Float())
}

func TestExceptionsCross(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	run(t, rt, `function boom() { throw new TypeError("nope"); }`)

	g := host.NewGlobal(host.GlobalConfig{})
	rt.Bind(g)

	_, err := g.Get("boom").Object().Call(host.Undefined(), nil)
	require.Error(t, err)
	var exc *host.Exception
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, "nope", exc.Value.Object().Get("message").Str())
	assert.Equal(t, "TypeError", exc.Value.Object().Get("name").Str())

	code := run(t, rt, `
		var code;
		try { host.fs.openSync("x"); } catch (e) { code = e.code; }
		code
	`)
	assert.Equal(t, host.CodeNotImplemented, code.Str())
}

func TestHostGlobalFromScript(t *testing.T) {
	var out bytes.Buffer
	g := host.NewGlobal(host.GlobalConfig{Stdout: &out})

	rt := newRuntime(t, DefaultConfig())
	run(t, rt, `function hello(name) { host.console.log("hi", name); return host.fs.constants.O_WRONLY; }`)
	rt.Bind(g)

	res, err := g.Get("hello").Object().Call(host.Undefined(), []host.Value{host.String("go")})
	require.NoError(t, err)
	assert.Equal(t, -1.0, res.Float())
	assert.Equal(t, "hi go\n", out.String())

	assert.Equal(t, "function", run(t, rt, `typeof host.fs.writeSync`).Str())
	assert.True(t, run(t, rt, `host.globalThis === host`).Bool())
}

func TestSymbolsKeepIdentity(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	run(t, rt, `var sym = Symbol("tag"); var again = sym;`)

	g := host.NewGlobal(host.GlobalConfig{})
	rt.Bind(g)

	a, b := g.Get("sym"), g.Get("again")
	assert.Equal(t, host.KindSymbol, a.Kind())
	assert.True(t, host.Same(a, b))
	assert.Equal(t, "tag", a.Symbol().Description)
}

func TestReset(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	run(t, rt, `var x = 1;`)
	require.NoError(t, rt.Reset())
	assert.Equal(t, "undefined", run(t, rt, `typeof x`).Str())

	require.NoError(t, rt.Close())
	_, err := rt.Execute(context.Background(), `1`)
	assert.ErrorIs(t, err, ErrClosed)
}
