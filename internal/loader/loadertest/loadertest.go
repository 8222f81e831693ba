// Package loadertest assembles tiny js/wasm modules for tests. Each module
// imports a few "go" host functions, exports run(argc, argv) and one page of
// memory as "mem", and drives the imports with a fixed stack pointer.
package loadertest

import (
	"bytes"

	"github.com/GriffinCanCode/wasmhost/internal/bridge"
)

const (
	sp        = 0x100
	dataAt    = 0x400
	opEnd     = 0x0b
	opCall    = 0x10
	opI32     = 0x41
	opI64     = 0x42
	opStore   = 0x36
	opStore64 = 0x37
)

func uleb(n uint64) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(n int64) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if (n == 0 && b&0x40 == 0) || (n == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func section(id byte, parts ...[]byte) []byte {
	content := bytes.Join(parts, nil)
	return append(append([]byte{id}, uleb(uint64(len(content)))...), content...)
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

// body accumulates the instructions of run.
type body []byte

func (b *body) store32(off uint32, v int32) {
	*b = append(*b, opI32)
	*b = append(*b, sleb(int64(sp+off))...)
	*b = append(*b, opI32)
	*b = append(*b, sleb(int64(v))...)
	*b = append(*b, opStore, 0x02, 0x00)
}

func (b *body) store64(off uint32, v int64) {
	*b = append(*b, opI32)
	*b = append(*b, sleb(int64(sp+off))...)
	*b = append(*b, opI64)
	*b = append(*b, sleb(v)...)
	*b = append(*b, opStore64, 0x03, 0x00)
}

func (b *body) call(fn int) {
	*b = append(*b, opI32)
	*b = append(*b, sleb(sp)...)
	*b = append(*b, opCall)
	*b = append(*b, uleb(uint64(fn))...)
}

func module(imports []string, code body, data []byte) []byte {
	var imp [][]byte
	imp = append(imp, uleb(uint64(len(imports))))
	for _, op := range imports {
		imp = append(imp, name("go"), name(op), []byte{0x00, 0x00})
	}
	run := len(imports)

	fn := append([]byte{0x00}, code...)
	fn = append(fn, opEnd)

	parts := [][]byte{
		{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		section(1, []byte{0x02}, []byte{0x60, 0x01, 0x7f, 0x00}, []byte{0x60, 0x02, 0x7f, 0x7f, 0x00}),
		section(2, imp...),
		section(3, []byte{0x01, 0x01}),
		section(5, []byte{0x01, 0x00, 0x01}),
		section(7, []byte{0x02}, name("run"), []byte{0x00}, uleb(uint64(run)), name("mem"), []byte{0x02, 0x00}),
		section(10, []byte{0x01}, uleb(uint64(len(fn))), fn),
	}
	if len(data) > 0 {
		seg := append([]byte{0x00, opI32}, sleb(dataAt)...)
		seg = append(seg, opEnd)
		seg = append(seg, uleb(uint64(len(data)))...)
		seg = append(seg, data...)
		parts = append(parts, section(11, []byte{0x01}, seg))
	}
	return bytes.Join(parts, nil)
}

// Exit returns a module that exits with code.
func Exit(code int32) []byte {
	var b body
	b.store32(8, code)
	b.call(0)
	return module([]string{bridge.OpWasmExit}, b, nil)
}

// Hello returns a module that writes msg to fd and exits with code.
func Hello(fd int64, msg string, code int32) []byte {
	var b body
	b.store64(8, fd)
	b.store64(16, dataAt)
	b.store64(24, int64(len(msg)))
	b.call(0)
	b.store32(8, code)
	b.call(1)
	return module([]string{bridge.OpWasmWrite, bridge.OpWasmExit}, b, []byte(msg))
}

// Sleep returns a module that schedules a callback after ms on every run and
// never exits.
func Sleep(ms int64) []byte {
	var b body
	b.store64(8, ms)
	b.call(0)
	return module([]string{bridge.OpScheduleCallback}, b, nil)
}

// Return returns a module whose run returns without exiting or scheduling
// anything, which deadlocks the bridge.
func Return() []byte {
	return module(nil, nil, nil)
}
