package bridge

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeMemory is linear memory backed by a byte slice.
type fakeMemory struct {
	buf []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{buf: make([]byte, size)}
}

func (m *fakeMemory) Size() uint32 { return uint32(len(m.buf)) }

func (m *fakeMemory) in(offset, n uint32) bool {
	return uint64(offset)+uint64(n) <= uint64(len(m.buf))
}

func (m *fakeMemory) ReadUint32Le(offset uint32) (uint32, bool) {
	if !m.in(offset, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.buf[offset:]), true
}

func (m *fakeMemory) ReadFloat64Le(offset uint32) (float64, bool) {
	if !m.in(offset, 8) {
		return 0, false
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(m.buf[offset:])), true
}

func (m *fakeMemory) Read(offset, n uint32) ([]byte, bool) {
	if !m.in(offset, n) {
		return nil, false
	}
	return m.buf[offset : offset+n : offset+n], true
}

func (m *fakeMemory) WriteByte(offset uint32, v byte) bool {
	if !m.in(offset, 1) {
		return false
	}
	m.buf[offset] = v
	return true
}

func (m *fakeMemory) WriteUint32Le(offset, v uint32) bool {
	if !m.in(offset, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.buf[offset:], v)
	return true
}

func (m *fakeMemory) WriteFloat64Le(offset uint32, v float64) bool {
	if !m.in(offset, 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.buf[offset:], math.Float64bits(v))
	return true
}

func (m *fakeMemory) Write(offset uint32, v []byte) bool {
	if !m.in(offset, uint32(len(v))) {
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

// fakeInstance runs a Go function in place of a compiled module. The function
// receives a guest that drives the imports the way compiled code would.
type fakeInstance struct {
	mem   *fakeMemory
	guest *guest
	runs  int
	entry func(g *guest, argc, argv int32) error
}

func (f *fakeInstance) Memory() Memory { return f.mem }

// grow replaces the linear memory with a larger copy, the way memory.grow may
// move the backing store.
func (f *fakeInstance) grow(pages int) {
	mem := newFakeMemory(len(f.mem.buf) + pages*64*1024)
	copy(mem.buf, f.mem.buf)
	f.mem = mem
	f.guest.mem = mem
}

func (f *fakeInstance) Run(_ context.Context, argc, argv int32) error {
	f.runs++
	return f.entry(f.guest, argc, argv)
}

const (
	guestSP   = 1024
	guestHeap = 32768
)

// guest plays the module side of the calling convention.
type guest struct {
	t    *testing.T
	mem  *fakeMemory
	ops  map[string]Op
	heap uint32
}

func newFake(t *testing.T, b *Bridge, entry func(g *guest, argc, argv int32) error) *fakeInstance {
	mem := newFakeMemory(64 * 1024)
	g := &guest{t: t, mem: mem, ops: b.Imports(), heap: guestHeap}
	return &fakeInstance{mem: mem, guest: g, entry: entry}
}

// attach connects a fake instance without running it.
func attach(t *testing.T, b *Bridge) *fakeInstance {
	f := newFake(t, b, func(*guest, int32, int32) error { return nil })
	b.instMu.Lock()
	b.inst = f
	b.instMu.Unlock()
	return f
}

func boxed(id uint32) uint64 {
	return uint64(nanHead)<<32 | uint64(id)
}

func (g *guest) call(name string) {
	op, ok := g.ops[name]
	require.True(g.t, ok, "missing import %s", name)
	op(guestSP)
}

func (g *guest) u32(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(g.mem.buf[addr:])
}

func (g *guest) u64(addr uint32) uint64 {
	return binary.LittleEndian.Uint64(g.mem.buf[addr:])
}

func (g *guest) putU64(addr uint32, v uint64) {
	binary.LittleEndian.PutUint64(g.mem.buf[addr:], v)
}

func (g *guest) alloc(n int) uint32 {
	p := g.heap
	g.heap += uint32((n + 7) &^ 7)
	return p
}

// putBytes stores a (ptr, len) pair at addr for a fresh copy of b.
func (g *guest) putBytes(addr uint32, b []byte) uint32 {
	p := g.alloc(len(b))
	copy(g.mem.buf[p:], b)
	g.putU64(addr, uint64(p))
	g.putU64(addr+8, uint64(len(b)))
	return p
}

func (g *guest) putString(addr uint32, s string) {
	g.putBytes(addr, []byte(s))
}

func (g *guest) putRefs(addr uint32, refs []uint64) {
	p := g.alloc(len(refs) * 8)
	for i, r := range refs {
		g.putU64(p+uint32(i)*8, r)
	}
	g.putU64(addr, uint64(p))
	g.putU64(addr+8, uint64(len(refs)))
	g.putU64(addr+16, uint64(len(refs)))
}

func (g *guest) stringVal(s string) uint64 {
	g.putString(guestSP+8, s)
	g.call(OpStringVal)
	return g.u64(guestSP + 24)
}

func (g *guest) valueGet(v uint64, name string) uint64 {
	g.putU64(guestSP+8, v)
	g.putString(guestSP+16, name)
	g.call(OpValueGet)
	return g.u64(guestSP + 32)
}

func (g *guest) valueSet(v uint64, name string, x uint64) {
	g.putU64(guestSP+8, v)
	g.putString(guestSP+16, name)
	g.putU64(guestSP+32, x)
	g.call(OpValueSet)
}

func (g *guest) valueIndex(v uint64, i int64) uint64 {
	g.putU64(guestSP+8, v)
	g.putU64(guestSP+16, uint64(i))
	g.call(OpValueIndex)
	return g.u64(guestSP + 24)
}

func (g *guest) valueSetIndex(v uint64, i int64, x uint64) {
	g.putU64(guestSP+8, v)
	g.putU64(guestSP+16, uint64(i))
	g.putU64(guestSP+24, x)
	g.call(OpValueSetIndex)
}

func (g *guest) valueCall(v uint64, m string, args ...uint64) (uint64, bool) {
	g.putU64(guestSP+8, v)
	g.putString(guestSP+16, m)
	g.putRefs(guestSP+32, args)
	g.call(OpValueCall)
	return g.u64(guestSP + 56), g.mem.buf[guestSP+64] == 1
}

func (g *guest) valueInvoke(v uint64, args ...uint64) (uint64, bool) {
	g.putU64(guestSP+8, v)
	g.putRefs(guestSP+16, args)
	g.call(OpValueInvoke)
	return g.u64(guestSP + 40), g.mem.buf[guestSP+48] == 1
}

func (g *guest) valueNew(v uint64, args ...uint64) (uint64, bool) {
	g.putU64(guestSP+8, v)
	g.putRefs(guestSP+16, args)
	g.call(OpValueNew)
	return g.u64(guestSP + 40), g.mem.buf[guestSP+48] == 1
}

func (g *guest) valueLength(v uint64) int64 {
	g.putU64(guestSP+8, v)
	g.call(OpValueLength)
	return int64(g.u64(guestSP + 16))
}

func (g *guest) valueInstanceOf(v, t uint64) bool {
	g.putU64(guestSP+8, v)
	g.putU64(guestSP+16, t)
	g.call(OpValueInstanceOf)
	return g.mem.buf[guestSP+24] == 1
}

// goString converts a host value to a string the way js.Value.String does.
func (g *guest) goString(v uint64) string {
	g.putU64(guestSP+8, v)
	g.call(OpValuePrepareString)
	str := g.u64(guestSP + 16)
	n := int(g.u64(guestSP + 24))

	g.putU64(guestSP+8, str)
	p := g.putBytes(guestSP+16, make([]byte, n))
	g.call(OpValueLoadString)
	return string(g.mem.buf[p : p+uint32(n)])
}

func (g *guest) scheduleCallback(delayMs int64) int32 {
	g.putU64(guestSP+8, uint64(delayMs))
	g.call(OpScheduleCallback)
	return int32(g.u32(guestSP + 16))
}

func (g *guest) clearScheduledCallback(id int32) {
	g.putU64(guestSP+8, uint64(uint32(id)))
	g.call(OpClearScheduledCallback)
}

func (g *guest) exit(code int32) {
	binary.LittleEndian.PutUint32(g.mem.buf[guestSP+8:], uint32(code))
	g.call(OpWasmExit)
}

func (g *guest) write(fd int64, s string) {
	p := g.alloc(len(s))
	copy(g.mem.buf[p:], s)
	g.putU64(guestSP+8, uint64(fd))
	g.putU64(guestSP+16, uint64(p))
	binary.LittleEndian.PutUint32(g.mem.buf[guestSP+24:], uint32(len(s)))
	g.call(OpWasmWrite)
}
