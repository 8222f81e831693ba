package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/wasmhost/internal/bridge"
	"github.com/GriffinCanCode/wasmhost/internal/config"
	"github.com/GriffinCanCode/wasmhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/wasmhost/internal/loader"
	"github.com/GriffinCanCode/wasmhost/internal/logging"
	"github.com/GriffinCanCode/wasmhost/internal/sandbox"
)

const deadlockMessage = "error: all goroutines asleep and no JavaScript callback pending - deadlock!"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(argv []string, stdout, stderr io.Writer) int {
	cfg := config.LoadOrDefault()

	fs := flag.NewFlagSet("wasmexec", flag.ContinueOnError)
	fs.SetOutput(stderr)
	prelude := fs.String("prelude", "", "JavaScript file run before the module; its globals are bound for the module")
	stats := fs.Bool("stats", false, "Print run statistics to stderr")
	timeout := fs.Duration("timeout", 0, "Abort the run after this long (0 for no limit)")
	cleanEnv := fs.Bool("clean-env", false, "Do not pass the process environment to the module")
	verbose := fs.Bool("v", false, "Log host activity to stderr")
	fs.StringVar(&cfg.Modules.CacheDir, "cache", cfg.Modules.CacheDir, "Compilation cache directory")
	memPages := fs.Uint("memory-pages", uint(cfg.Runtime.MemoryLimitPages), "Linear memory limit in 64KiB pages (0 for the runtime default)")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: wasmexec [flags] module.wasm|url [args...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(argv); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return 2
	}
	cfg.Runtime.MemoryLimitPages = uint32(*memPages)

	logCfg := logging.Config{Level: "warn", OutputPaths: []string{"stderr"}}
	if *verbose {
		logCfg.Level = "debug"
		logCfg.Development = true
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	ld, err := loader.New(loader.Config{
		MaxSize:          cfg.Modules.MaxSize,
		CacheDir:         cfg.Modules.CacheDir,
		MemoryLimitPages: cfg.Runtime.MemoryLimitPages,
		FetchTimeout:     cfg.Modules.FetchTimeout,
		FetchRetries:     cfg.Modules.FetchRetries,
	}, logger.Logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer ld.Close(context.Background())

	mod, err := ld.Load(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	b := bridge.New(bridge.Config{
		Args:   append([]string{mod.Name}, fs.Args()[1:]...),
		Env:    environ(*cleanEnv),
		Stdout: stdout,
		Stderr: stderr,
		Logger: logger.Named("bridge").Logger,
	})

	if *prelude != "" {
		rt, err := runPrelude(ctx, *prelude, cfg, b, stderr)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		defer rt.Close()
	}

	inst, err := ld.Instantiate(ctx, mod, b.Imports())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer inst.Close(context.Background())

	err = b.Run(ctx, inst)
	if *stats {
		printStats(stderr, b.Stats())
	}
	switch {
	case errors.Is(err, bridge.ErrDeadlock):
		fmt.Fprintln(stderr, deadlockMessage)
		return 1
	case err != nil:
		logger.Debug("run failed", zap.Error(err))
		fmt.Fprintln(stderr, err)
		return 1
	}
	return int(b.ExitCode())
}

// runPrelude executes file and binds its globals for the module. Console
// output goes to w.
func runPrelude(ctx context.Context, file string, cfg *config.Config, b *bridge.Bridge, w io.Writer) (*sandbox.Runtime, error) {
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	sb := sandbox.DefaultConfig()
	sb.Timeout = cfg.Runtime.PreludeTimeout
	rt, err := sandbox.New(sb)
	if err != nil {
		return nil, err
	}
	res, err := rt.Execute(ctx, string(src))
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	for _, entry := range res.Console {
		fmt.Fprintln(w, entry.Message)
	}
	rt.Bind(b.Global())
	return rt, nil
}

// environ returns the process environment as a map unless clean is set.
func environ(clean bool) map[string]string {
	env := make(map[string]string)
	if clean {
		return env
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}

func printStats(w io.Writer, st bridge.Stats) {
	var calls, failures uint64
	ops := make([]string, 0, len(st.Dispatch))
	for op, n := range st.Dispatch {
		calls += n
		ops = append(ops, op)
	}
	for _, n := range st.Failures {
		failures += n
	}
	sort.Slice(ops, func(i, j int) bool { return st.Dispatch[ops[i]] > st.Dispatch[ops[j]] })

	fmt.Fprintf(w, "state:       %s\n", st.State)
	fmt.Fprintf(w, "steps:       %d\n", st.Steps)
	fmt.Fprintf(w, "host calls:  %d (%d failed)\n", calls, failures)
	fmt.Fprintf(w, "timers:      %d scheduled, %d fired, %d cleared\n", st.TimersScheduled, st.TimersFired, st.TimersCleared)
	fmt.Fprintf(w, "refs:        %d\n", st.Refs)
	if len(st.TimerLateness) > 0 {
		s := monitoring.Summarize(st.TimerLateness)
		fmt.Fprintf(w, "lateness:    mean %.2fms p50 %.2fms p99 %.2fms max %.2fms\n", s.Mean, s.P50, s.P99, s.Max)
	}
	for i, op := range ops {
		if i == 5 {
			break
		}
		fmt.Fprintf(w, "  %-24s %d\n", op, st.Dispatch[op])
	}
}
