package loader

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/wasmhost/internal/bridge"
	"github.com/GriffinCanCode/wasmhost/internal/loader/loadertest"
)

func gzipped(t *testing.T, data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newLoader(t *testing.T, cfg Config) *Loader {
	l, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func TestParse(t *testing.T) {
	l := newLoader(t, Config{})
	wasm := loadertest.Exit(0)

	mod, err := l.Parse("app.wasm", wasm)
	require.NoError(t, err)
	assert.Equal(t, "app.wasm", mod.Name)
	assert.False(t, mod.Compressed)
	assert.Len(t, mod.Digest, 64)
	assert.Equal(t, len(wasm), mod.Size())

	gz, err := l.Parse("app.wasm.gz", gzipped(t, wasm))
	require.NoError(t, err)
	assert.Equal(t, "app.wasm", gz.Name)
	assert.True(t, gz.Compressed)
	assert.Equal(t, mod.Digest, gz.Digest)
}

func TestParseRejects(t *testing.T) {
	l := newLoader(t, Config{MaxSize: 32})

	_, err := l.Parse("x", []byte("#!/bin/sh\necho hi\n"))
	assert.ErrorIs(t, err, ErrNotWasm)

	_, err = l.Parse("x", loadertest.Exit(0))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = l.Parse("x", gzipped(t, bytes.Repeat([]byte{0}, 4096)))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "exit.wasm")
	require.NoError(t, os.WriteFile(p, loadertest.Exit(0), 0o644))

	l := newLoader(t, Config{})
	mod, err := l.Load(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "exit.wasm", mod.Name)
	assert.Equal(t, p, mod.Source)

	_, err = l.Load(context.Background(), filepath.Join(dir, "missing.wasm"))
	assert.Error(t, err)

	_, err = l.Load(context.Background(), dir)
	assert.Error(t, err)
}

func TestLoadRemote(t *testing.T) {
	wasm := gzipped(t, loadertest.Exit(0))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mods/exit.wasm.gz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(wasm)
	}))
	defer srv.Close()

	l := newLoader(t, Config{FetchRetries: 0})
	mod, err := l.Load(context.Background(), srv.URL+"/mods/exit.wasm.gz")
	require.NoError(t, err)
	assert.Equal(t, "exit.wasm", mod.Name)
	assert.True(t, mod.Compressed)

	_, err = l.Load(context.Background(), srv.URL+"/mods/missing.wasm")
	assert.Error(t, err)
}

func TestBreakerTrips(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	l := newLoader(t, Config{FetchRetries: 0, BreakerTrip: 2, BreakerCooloff: time.Hour})
	for i := 0; i < 2; i++ {
		_, err := l.Load(context.Background(), srv.URL+"/a.wasm")
		require.Error(t, err)
	}

	_, err := l.Load(context.Background(), srv.URL+"/a.wasm")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, hits)
}

func TestBreakerHalfOpen(t *testing.T) {
	now := time.Unix(0, 0)
	b := newBreaker(1, time.Minute)
	b.now = func() time.Time { return now }

	b.record("h", assert.AnError)
	assert.ErrorIs(t, b.allow("h"), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	assert.NoError(t, b.allow("h"))
	b.record("h", nil)
	assert.NoError(t, b.allow("h"))
}

func TestInstantiateAndRun(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t, Config{CacheDir: t.TempDir()})

	mod, err := l.Parse("exit.wasm", loadertest.Exit(7))
	require.NoError(t, err)

	b := bridge.New(bridge.Config{})
	inst, err := l.Instantiate(ctx, mod, b.Imports())
	require.NoError(t, err)
	defer inst.Close(ctx)

	require.NoError(t, b.Run(ctx, inst))
	assert.True(t, b.Exited())
	assert.Equal(t, int32(7), b.ExitCode())
	assert.Equal(t, uint32(65536), inst.Memory().Size())
}

func TestRunWritesOutput(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t, Config{})

	mod, err := l.Parse("hello.wasm", loadertest.Hello(1, "hello, wasm\n", 0))
	require.NoError(t, err)

	var out bytes.Buffer
	b := bridge.New(bridge.Config{Stdout: &out})
	inst, err := l.Instantiate(ctx, mod, b.Imports())
	require.NoError(t, err)
	defer inst.Close(ctx)

	require.NoError(t, b.Run(ctx, inst))
	assert.Equal(t, "hello, wasm\n", out.String())
	assert.Equal(t, int32(0), b.ExitCode())
}

func TestRunDeadlocks(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t, Config{})

	mod, err := l.Parse("return.wasm", loadertest.Return())
	require.NoError(t, err)

	b := bridge.New(bridge.Config{})
	inst, err := l.Instantiate(ctx, mod, b.Imports())
	require.NoError(t, err)
	defer inst.Close(ctx)

	assert.ErrorIs(t, b.Run(ctx, inst), bridge.ErrDeadlock)
}

func TestInstantiateMissingImport(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t, Config{})

	mod, err := l.Parse("exit.wasm", loadertest.Exit(0))
	require.NoError(t, err)

	imports := bridge.New(bridge.Config{}).Imports()
	delete(imports, bridge.OpWasmExit)
	_, err = l.Instantiate(ctx, mod, imports)
	assert.Error(t, err)
}
