package bridge

import (
	"sync"

	"github.com/GriffinCanCode/wasmhost/internal/host"
)

// Reserved reference ids.
const (
	refNaN uint32 = iota
	refUndefined
	refNull
	refTrue
	refFalse
	refGlobal
	refMemory
	refResume
	firstFreeRef
)

// refTable maps reference ids to host values. Ids are never reclaimed.
type refTable struct {
	mu      sync.RWMutex
	values  []host.Value
	strings map[string]uint32
	symbols map[*host.Symbol]uint32
}

func newRefTable(global, mem, resume *host.Object) *refTable {
	t := &refTable{
		values: []host.Value{
			refNaN:       host.NaN(),
			refUndefined: host.Undefined(),
			refNull:      host.Null(),
			refTrue:      host.Bool(true),
			refFalse:     host.Bool(false),
			refGlobal:    global.Value(),
			refMemory:    mem.Value(),
			refResume:    resume.Value(),
		},
		strings: make(map[string]uint32),
		symbols: make(map[*host.Symbol]uint32),
	}
	global.SetTag(t, refGlobal)
	mem.SetTag(t, refMemory)
	resume.SetTag(t, refResume)
	return t
}

// get returns the value for id. Unknown ids are fatal.
func (t *refTable) get(id uint32) host.Value {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.values) {
		fatalf("%w: %d (table size %d)", ErrBadRef, id, len(t.values))
	}
	return t.values[id]
}

// ref returns the id for a string, symbol or object, assigning a new one the
// first time the value is seen.
func (t *refTable) ref(v host.Value) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch v.Kind() {
	case host.KindString:
		if id, ok := t.strings[v.Str()]; ok {
			return id
		}
		id := t.push(v)
		t.strings[v.Str()] = id
		return id
	case host.KindSymbol:
		if id, ok := t.symbols[v.Symbol()]; ok {
			return id
		}
		id := t.push(v)
		t.symbols[v.Symbol()] = id
		return id
	case host.KindObject:
		o := v.Object()
		if id, ok := o.Tag(t); ok {
			return id
		}
		id := t.push(v)
		o.SetTag(t, id)
		return id
	}
	fatalf("cannot reference a %s value", v.Kind())
	return 0
}

func (t *refTable) push(v host.Value) uint32 {
	id := uint32(len(t.values))
	t.values = append(t.values, v)
	return id
}

func (t *refTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.values)
}
