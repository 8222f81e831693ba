package bridge

import (
	"io"
	"sort"
	"time"
	"unicode/utf16"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/wasmhost/internal/host"
)

// Op is an imported function. It receives the module's stack pointer.
type Op func(sp uint32)

// Import names.
const (
	OpWasmExit               = "runtime.wasmExit"
	OpWasmWrite              = "runtime.wasmWrite"
	OpNanotime               = "runtime.nanotime"
	OpWalltime               = "runtime.walltime"
	OpScheduleCallback       = "runtime.scheduleCallback"
	OpClearScheduledCallback = "runtime.clearScheduledCallback"
	OpGetRandomData          = "runtime.getRandomData"
	OpStringVal              = "syscall/js.stringVal"
	OpValueGet               = "syscall/js.valueGet"
	OpValueSet               = "syscall/js.valueSet"
	OpValueIndex             = "syscall/js.valueIndex"
	OpValueSetIndex          = "syscall/js.valueSetIndex"
	OpValueCall              = "syscall/js.valueCall"
	OpValueInvoke            = "syscall/js.valueInvoke"
	OpValueNew               = "syscall/js.valueNew"
	OpValueLength            = "syscall/js.valueLength"
	OpValuePrepareString     = "syscall/js.valuePrepareString"
	OpValueLoadString        = "syscall/js.valueLoadString"
	OpValueInstanceOf        = "syscall/js.valueInstanceOf"
	OpDebug                  = "debug"
)

// Imports returns the dispatch table keyed by import name. Every op records
// its duration and converts panics into a *FatalError that is re-raised so the
// module unwinds.
func (b *Bridge) Imports() map[string]Op {
	ops := map[string]Op{
		OpWasmExit:               b.wasmExit,
		OpWasmWrite:              b.wasmWrite,
		OpNanotime:               b.nanotime,
		OpWalltime:               b.walltime,
		OpScheduleCallback:       b.scheduleCallback,
		OpClearScheduledCallback: b.clearScheduledCallback,
		OpGetRandomData:          b.getRandomData,
		OpStringVal:              b.stringVal,
		OpValueGet:               b.valueGet,
		OpValueSet:               b.valueSet,
		OpValueIndex:             b.valueIndex,
		OpValueSetIndex:          b.valueSetIndex,
		OpValueCall:              b.valueCall,
		OpValueInvoke:            b.valueInvoke,
		OpValueNew:               b.valueNew,
		OpValueLength:            b.valueLength,
		OpValuePrepareString:     b.valuePrepareString,
		OpValueLoadString:        b.valueLoadString,
		OpValueInstanceOf:        b.valueInstanceOf,
		OpDebug:                  b.debug,
	}
	for name, op := range ops {
		ops[name] = b.instrument(name, op)
	}
	return ops
}

// ImportNames returns the sorted import names.
func ImportNames() []string {
	names := []string{
		OpWasmExit, OpWasmWrite, OpNanotime, OpWalltime, OpScheduleCallback,
		OpClearScheduledCallback, OpGetRandomData, OpStringVal, OpValueGet,
		OpValueSet, OpValueIndex, OpValueSetIndex, OpValueCall, OpValueInvoke,
		OpValueNew, OpValueLength, OpValuePrepareString, OpValueLoadString,
		OpValueInstanceOf, OpDebug,
	}
	sort.Strings(names)
	return names
}

func (b *Bridge) instrument(name string, op Op) Op {
	return func(sp uint32) {
		start := time.Now()
		defer func() {
			d := time.Since(start)
			b.mu.Lock()
			b.calls[name]++
			b.mu.Unlock()
			b.obs.Dispatch(name, d)

			if r := recover(); r != nil {
				fe := asFatal(name, r)
				b.mu.Lock()
				if b.failure == nil {
					b.failure = fe
				}
				b.mu.Unlock()
				b.log.Debug("fatal import error", zap.String("op", name), zap.Error(fe))
				panic(fe)
			}
		}()
		op(sp)
	}
}

// hostFailure records a failure handed back to the module as a value.
func (b *Bridge) hostFailure(op string, err error) {
	b.mu.Lock()
	b.failures[op]++
	b.mu.Unlock()
	b.obs.HostFailure(op)
	b.log.Debug("host call failed", zap.String("op", op), zap.Error(err))
}

// func wasmExit(code int32)
func (b *Bridge) wasmExit(sp uint32) {
	b.exit(int32(b.mem.getUint32(sp + 8)))
}

// func wasmWrite(fd uintptr, p unsafe.Pointer, n int32)
func (b *Bridge) wasmWrite(sp uint32) {
	fd := b.mem.getInt64(sp + 8)
	p := b.mem.getInt64(sp + 16)
	n := int32(b.mem.getUint32(sp + 24))

	var w io.Writer
	switch fd {
	case 1:
		w = b.cfg.Stdout
	case 2:
		w = b.cfg.Stderr
	default:
		fatalf("unexpected fd %d", fd)
	}
	if _, err := w.Write(b.mem.bytes(p, int64(n))); err != nil {
		fatalf("write fd %d: %v", fd, err)
	}
}

// func nanotime() int64
func (b *Bridge) nanotime(sp uint32) {
	b.mem.setInt64(sp+8, b.cfg.Clock.Nanotime())
}

// func walltime() (sec int64, nsec int32)
func (b *Bridge) walltime(sp uint32) {
	sec, nsec := b.cfg.Clock.Walltime()
	b.mem.setInt64(sp+8, sec)
	b.mem.setUint32(sp+16, uint32(nsec))
}

// func scheduleCallback(delay int64) int32
func (b *Bridge) scheduleCallback(sp uint32) {
	delay := b.mem.getInt64(sp + 8)
	id := b.timers.schedule(time.Duration(delay) * time.Millisecond)
	b.mem.setUint32(sp+16, uint32(id))
	b.log.Debug("callback scheduled", zap.Int32("id", id), zap.Int64("delay_ms", delay))
}

// func clearScheduledCallback(id int32)
func (b *Bridge) clearScheduledCallback(sp uint32) {
	id := int32(b.mem.getUint32(sp + 8))
	b.timers.clear(id)
}

// func getRandomData(r []byte)
func (b *Bridge) getRandomData(sp uint32) {
	buf := b.mem.loadSlice(sp + 8)
	if _, err := io.ReadFull(b.cfg.Random, buf); err != nil {
		fatalf("random source: %v", err)
	}
}

// func stringVal(value string) ref
func (b *Bridge) stringVal(sp uint32) {
	b.storeValue(sp+24, host.String(b.mem.loadString(sp+8)))
}

// func valueGet(v ref, p string) ref
func (b *Bridge) valueGet(sp uint32) {
	o := b.requireObject(b.loadValue(sp + 8))
	b.storeValue(sp+32, o.Get(b.mem.loadString(sp+16)))
}

// func valueSet(v ref, p string, x ref)
func (b *Bridge) valueSet(sp uint32) {
	o := b.requireObject(b.loadValue(sp + 8))
	o.Set(b.mem.loadString(sp+16), b.loadValue(sp+32))
}

// func valueIndex(v ref, i int) ref
func (b *Bridge) valueIndex(sp uint32) {
	o := b.requireObject(b.loadValue(sp + 8))
	b.storeValue(sp+24, o.Index(int(b.mem.getInt64(sp+16))))
}

// func valueSetIndex(v ref, i int, x ref)
func (b *Bridge) valueSetIndex(sp uint32) {
	o := b.requireObject(b.loadValue(sp + 8))
	o.SetIndex(int(b.mem.getInt64(sp+16)), b.loadValue(sp+24))
}

// func valueCall(v ref, m string, args []ref) (ref, bool)
func (b *Bridge) valueCall(sp uint32) {
	v := b.loadValue(sp + 8)
	name := b.mem.loadString(sp + 16)
	args := b.loadSliceOfValues(sp + 32)

	res, err := callMethod(v, name, args)
	b.storeResult(OpValueCall, sp+56, res, err)
}

// func valueInvoke(v ref, args []ref) (ref, bool)
func (b *Bridge) valueInvoke(sp uint32) {
	v := b.loadValue(sp + 8)
	args := b.loadSliceOfValues(sp + 16)

	var res host.Value
	var err error
	if fn := v.Object(); fn != nil {
		res, err = fn.Call(host.Undefined(), args)
	} else {
		err = host.TypeError("%s is not a function", host.ToString(v))
	}
	b.storeResult(OpValueInvoke, sp+40, res, err)
}

// func valueNew(v ref, args []ref) (ref, bool)
func (b *Bridge) valueNew(sp uint32) {
	v := b.loadValue(sp + 8)
	args := b.loadSliceOfValues(sp + 16)

	var res host.Value
	var err error
	if ctor := v.Object(); ctor != nil {
		res, err = ctor.Construct(args)
	} else {
		err = host.TypeError("%s is not a constructor", host.ToString(v))
	}
	b.storeResult(OpValueNew, sp+40, res, err)
}

// func valueLength(v ref) int
func (b *Bridge) valueLength(sp uint32) {
	v := b.loadValue(sp + 8)
	var n int64
	switch v.Kind() {
	case host.KindString:
		n = int64(len(utf16.Encode([]rune(v.Str()))))
	case host.KindObject:
		n = host.ToInt(v.Object().Length())
	default:
		fatalf("cannot read length of %s", v.Kind())
	}
	b.mem.setInt64(sp+16, n)
}

// func valuePrepareString(v ref) (ref, int)
func (b *Bridge) valuePrepareString(sp uint32) {
	s := []byte(host.ToString(b.loadValue(sp + 8)))
	b.storeValue(sp+16, b.global.NewBytes(s).Value())
	b.mem.setInt64(sp+24, int64(len(s)))
}

// func valueLoadString(v ref, b []byte)
func (b *Bridge) valueLoadString(sp uint32) {
	src := b.loadValue(sp + 8).Object()
	if src == nil || !src.IsBytes() {
		fatalf("source is not a byte array")
	}
	dst := b.mem.loadSlice(sp + 16)
	if len(src.Bytes()) > len(dst) {
		fatalf("%w: %d bytes into a %d byte buffer", ErrOutOfRange, len(src.Bytes()), len(dst))
	}
	copy(dst, src.Bytes())
}

// func valueInstanceOf(v ref, t ref) bool
func (b *Bridge) valueInstanceOf(sp uint32) {
	v := b.loadValue(sp + 8)
	t := b.loadValue(sp + 16).Object()
	if t == nil || !t.Callable() {
		fatalf("right-hand side of instanceof is not callable")
	}
	var ok byte
	if o := v.Object(); o != nil && o.InstanceOf(t) {
		ok = 1
	}
	b.mem.setUint8(sp+24, ok)
}

// debug receives a raw value rather than a stack pointer.
func (b *Bridge) debug(v uint32) {
	b.log.Debug("debug", zap.Uint32("value", v))
}

func (b *Bridge) requireObject(v host.Value) *host.Object {
	o := v.Object()
	if o == nil {
		fatalf("%s is not an object", v.Kind())
	}
	return o
}

// storeResult writes a (ref, ok) pair. Failures are stored as their error value.
func (b *Bridge) storeResult(op string, addr uint32, res host.Value, err error) {
	if err != nil {
		b.hostFailure(op, err)
		b.storeValue(addr, host.ErrorValue(err))
		b.mem.setUint8(addr+8, 0)
		return
	}
	b.storeValue(addr, res)
	b.mem.setUint8(addr+8, 1)
}

func callMethod(v host.Value, name string, args []host.Value) (host.Value, error) {
	o := v.Object()
	if o == nil {
		return host.Undefined(), host.TypeError("cannot read property '%s' of %s", name, host.ToString(v))
	}
	fn := o.Get(name).Object()
	if fn == nil || !fn.Callable() {
		return host.Undefined(), host.TypeError("%s.%s is not a function", o.Class(), name)
	}
	return fn.Call(v, args)
}
