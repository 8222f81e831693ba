package bridge

import (
	"math"

	"github.com/GriffinCanCode/wasmhost/internal/host"
)

// nanHead is the high word of every boxed value.
const nanHead = 0x7FF80000

// loadValue decodes the 8-byte slot at addr.
func (b *Bridge) loadValue(addr uint32) host.Value {
	f := b.mem.getFloat64(addr)
	if !math.IsNaN(f) {
		return host.Number(f)
	}
	return b.refs.get(b.mem.getUint32(addr))
}

// storeValue encodes v into the 8-byte slot at addr.
func (b *Bridge) storeValue(addr uint32, v host.Value) {
	if v.Kind() == host.KindNumber && !v.IsNaN() {
		b.mem.setFloat64(addr, v.Float())
		return
	}

	b.mem.setUint32(addr+4, nanHead)
	b.mem.setUint32(addr, b.refID(v))
}

// refID returns the id a value is boxed with.
func (b *Bridge) refID(v host.Value) uint32 {
	switch v.Kind() {
	case host.KindNumber:
		return refNaN
	case host.KindUndefined:
		return refUndefined
	case host.KindNull:
		return refNull
	case host.KindBool:
		if v.Bool() {
			return refTrue
		}
		return refFalse
	}
	id := b.refs.ref(v)
	b.obs.Refs(b.refs.size())
	return id
}
