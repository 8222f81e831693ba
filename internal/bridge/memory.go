package bridge

import (
	"context"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/GriffinCanCode/wasmhost/internal/host"
)

// Memory is the view of linear memory the bridge needs. A wazero api.Memory
// satisfies it.
type Memory interface {
	Size() uint32
	ReadUint32Le(offset uint32) (uint32, bool)
	ReadFloat64Le(offset uint32) (float64, bool)
	Read(offset, byteCount uint32) ([]byte, bool)
	WriteByte(offset uint32, v byte) bool
	WriteUint32Le(offset, v uint32) bool
	WriteFloat64Le(offset uint32, v float64) bool
	Write(offset uint32, v []byte) bool
}

// Instance is an instantiated module.
type Instance interface {
	// Memory returns the current linear memory. It may change after growth.
	Memory() Memory
	// Run calls the exported entry point run(argc, argv).
	Run(ctx context.Context, argc, argv int32) error
}

// memory reads and writes the live linear memory of an instance. Every call
// re-acquires the view.
type memory struct {
	inst func() Instance
}

func (m *memory) view() Memory {
	inst := m.inst()
	if inst == nil {
		fatalf("no instance attached")
	}
	return inst.Memory()
}

func (m *memory) getUint32(addr uint32) uint32 {
	mem := m.view()
	v, ok := mem.ReadUint32Le(addr)
	if !ok {
		fatalf("%w: read 4 bytes at %#x, memory size %d", ErrOutOfRange, addr, mem.Size())
	}
	return v
}

func (m *memory) setUint32(addr, v uint32) {
	mem := m.view()
	if !mem.WriteUint32Le(addr, v) {
		fatalf("%w: write 4 bytes at %#x, memory size %d", ErrOutOfRange, addr, mem.Size())
	}
}

func (m *memory) setUint8(addr uint32, v byte) {
	mem := m.view()
	if !mem.WriteByte(addr, v) {
		fatalf("%w: write 1 byte at %#x, memory size %d", ErrOutOfRange, addr, mem.Size())
	}
}

func (m *memory) getFloat64(addr uint32) float64 {
	mem := m.view()
	v, ok := mem.ReadFloat64Le(addr)
	if !ok {
		fatalf("%w: read 8 bytes at %#x, memory size %d", ErrOutOfRange, addr, mem.Size())
	}
	return v
}

func (m *memory) setFloat64(addr uint32, v float64) {
	mem := m.view()
	if !mem.WriteFloat64Le(addr, v) {
		fatalf("%w: write 8 bytes at %#x, memory size %d", ErrOutOfRange, addr, mem.Size())
	}
}

// getInt64 reads two little-endian words, the high one signed.
func (m *memory) getInt64(addr uint32) int64 {
	low := m.getUint32(addr)
	high := int32(m.getUint32(addr + 4))
	return int64(high)<<32 | int64(low)
}

func (m *memory) setInt64(addr uint32, v int64) {
	m.setUint32(addr, uint32(v))
	m.setUint32(addr+4, uint32(v>>32))
}

// bytes returns a view of n bytes at addr. The view aliases linear memory.
func (m *memory) bytes(addr, n int64) []byte {
	mem := m.view()
	if addr < 0 || n < 0 || addr > math.MaxUint32 || n > math.MaxUint32 {
		fatalf("%w: range [%#x:+%d], memory size %d", ErrOutOfRange, addr, n, mem.Size())
	}
	b, ok := mem.Read(uint32(addr), uint32(n))
	if !ok {
		fatalf("%w: range [%#x:+%d], memory size %d", ErrOutOfRange, addr, n, mem.Size())
	}
	return b
}

func (m *memory) write(addr uint32, b []byte) {
	mem := m.view()
	if !mem.Write(addr, b) {
		fatalf("%w: write %d bytes at %#x, memory size %d", ErrOutOfRange, len(b), addr, mem.Size())
	}
}

// loadSlice returns the (pointer, length) range stored at addr.
func (m *memory) loadSlice(addr uint32) []byte {
	return m.bytes(m.getInt64(addr), m.getInt64(addr+8))
}

// loadString decodes the UTF-8 (pointer, length) range stored at addr. Each
// maximal invalid subsequence becomes one U+FFFD.
func (m *memory) loadString(addr uint32) string {
	return decodeUTF8(m.loadSlice(addr))
}

func decodeUTF8(p []byte) string {
	if utf8.Valid(p) {
		return string(p)
	}
	var sb strings.Builder
	sb.Grow(len(p))
	for len(p) > 0 {
		r, size := utf8.DecodeRune(p)
		if r == utf8.RuneError && size == 1 {
			size = invalidPrefix(p)
		}
		sb.WriteRune(r)
		p = p[size:]
	}
	return sb.String()
}

// invalidPrefix reports the length of the maximal subpart at the start of p:
// a lead byte plus the continuation bytes that could still have completed it.
func invalidPrefix(p []byte) int {
	n, lo, hi := 0, byte(0x80), byte(0xBF)
	switch b := p[0]; {
	case b >= 0xC2 && b <= 0xDF:
		n = 2
	case b == 0xE0:
		n, lo = 3, 0xA0
	case b == 0xED:
		n, hi = 3, 0x9F
	case b >= 0xE1 && b <= 0xEF:
		n = 3
	case b == 0xF0:
		n, lo = 4, 0x90
	case b == 0xF4:
		n, hi = 4, 0x8F
	case b >= 0xF1 && b <= 0xF3:
		n = 4
	default:
		return 1
	}
	i := 1
	for ; i < n && i < len(p); i++ {
		if p[i] < lo || p[i] > hi {
			break
		}
		lo, hi = 0x80, 0xBF
	}
	return i
}

// loadSliceOfValues decodes the slice of 8-byte value slots stored at addr.
func (b *Bridge) loadSliceOfValues(addr uint32) []host.Value {
	array := b.mem.getInt64(addr)
	n := b.mem.getInt64(addr + 8)
	size := uint64(b.mem.view().Size())
	if array < 0 || n < 0 || uint64(array) > size || uint64(n) > (size-uint64(array))/8 {
		fatalf("%w: value slice [%#x:+%d], memory size %d", ErrOutOfRange, array, n, size)
	}
	vals := make([]host.Value, n)
	for i := range vals {
		vals[i] = b.loadValue(uint32(array) + uint32(i)*8)
	}
	return vals
}
