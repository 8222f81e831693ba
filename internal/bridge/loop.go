package bridge

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// argsOffset is where the command line and environment are written.
const argsOffset = 4096

// Run attaches inst and drives it until the module exits, a fatal error
// occurs, the module deadlocks or ctx is done.
func (b *Bridge) Run(ctx context.Context, inst Instance) (err error) {
	if !b.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	b.instMu.Lock()
	b.inst = inst
	b.instMu.Unlock()
	defer func() {
		if err != nil {
			b.timers.stop()
		}
	}()

	argc, argv, err := b.start()
	if err != nil {
		return err
	}

	for {
		if err := b.step(ctx, argc, argv); err != nil {
			return err
		}
		if b.Exited() {
			return nil
		}

		b.setState(StateAwaitingCallback)
		if !b.timers.pending() {
			b.obs.Deadlock()
			b.log.Debug("deadlock", zap.Int("refs", b.refs.size()))
			return ErrDeadlock
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.timers.wake:
		}
	}
}

// start writes the command line and environment into memory.
func (b *Bridge) start() (argc, argv int32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = asFatal("start", r)
		}
	}()
	argc, argv = b.writeArgs()
	return argc, argv, nil
}

// writeArgs lays out NUL-terminated strings from argsOffset, each padded to a
// multiple of 8, followed by the pointer vector: argv pointers, the number of
// environment entries, then the environment pointers.
func (b *Bridge) writeArgs() (argc, argv int32) {
	offset := uint32(argsOffset)
	strPtr := func(s string) uint32 {
		ptr := offset
		b.mem.write(offset, append([]byte(s), 0))
		offset += uint32(len(s) + (8 - len(s)%8))
		return ptr
	}

	ptrs := make([]uint32, 0, len(b.cfg.Args)+1+len(b.cfg.Env))
	for _, arg := range b.cfg.Args {
		ptrs = append(ptrs, strPtr(arg))
	}

	keys := make([]string, 0, len(b.cfg.Env))
	for k := range b.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ptrs = append(ptrs, uint32(len(keys)))
	for _, k := range keys {
		ptrs = append(ptrs, strPtr(fmt.Sprintf("%s=%s", k, b.cfg.Env[k])))
	}

	argv = int32(offset)
	for _, p := range ptrs {
		b.mem.setUint32(offset, p)
		b.mem.setUint32(offset+4, 0)
		offset += 8
	}
	return int32(len(b.cfg.Args)), argv
}

// step calls the entry point once.
func (b *Bridge) step(ctx context.Context, argc, argv int32) (err error) {
	b.setState(StateRunning)
	b.mu.Lock()
	b.steps++
	b.mu.Unlock()
	b.obs.Step()

	defer func() {
		if r := recover(); r != nil {
			err = asFatal("run", r)
		}
		if b.Exited() {
			b.setState(StateExited)
		}
	}()

	if runErr := b.inst.Run(ctx, argc, argv); runErr != nil {
		b.mu.Lock()
		failure := b.failure
		b.mu.Unlock()
		if failure != nil {
			return failure
		}
		if b.Exited() {
			return nil
		}
		return fmt.Errorf("bridge: run: %w", runErr)
	}
	return nil
}
