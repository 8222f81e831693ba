package host

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// CallFunc implements [[Call]] for a function object.
type CallFunc func(this Value, args []Value) (Value, error)

// ConstructFunc implements [[Construct]] for a constructor object.
type ConstructFunc func(args []Value) (Value, error)

// Hooks are the capabilities an object exposes beyond its own property map.
// Get and Set return false to fall through to the default behaviour.
type Hooks struct {
	Get         func(o *Object, key string) (Value, bool)
	Set         func(o *Object, key string, v Value) bool
	Index       func(o *Object, i int) (Value, bool)
	SetIndex    func(o *Object, i int, v Value) bool
	Call        CallFunc
	Construct   ConstructFunc
	HasInstance func(v Value) bool
}

// Object is a handle to a host object.
type Object struct {
	class string
	proto *Object
	props map[string]Value
	order []string
	hooks Hooks

	array bool
	elems []Value
	buf   []byte
	bytes bool

	tagMu sync.Mutex
	tags  map[any]uint32
}

// NewObject creates an empty object of the given class.
func NewObject(class string) *Object {
	return &Object{class: class, props: make(map[string]Value)}
}

// NewPlainObject creates an empty "Object".
func NewPlainObject() *Object {
	return NewObject("Object")
}

// NewArray creates an array holding elems.
func NewArray(elems ...Value) *Object {
	o := NewObject("Array")
	o.array = true
	o.elems = append([]Value(nil), elems...)
	return o
}

// NewBytes creates a Uint8Array backed by b. The slice is not copied.
func NewBytes(b []byte) *Object {
	o := NewObject("Uint8Array")
	o.bytes = true
	o.buf = b
	return o
}

// NewArrayBuffer creates an ArrayBuffer over b. Uint8Arrays constructed from
// it are views that share b.
func NewArrayBuffer(b []byte) *Object {
	o := NewBytes(b)
	o.class = "ArrayBuffer"
	return o
}

// NewFunction creates a callable object.
func NewFunction(name string, fn CallFunc) *Object {
	o := NewObject("Function")
	o.hooks.Call = fn
	o.Set("name", String(name))
	return o
}

// NewConstructor creates a constructor with a fresh prototype object linked
// back through "constructor". Instances created by construct should use
// Prototype as their prototype so instanceof works.
func NewConstructor(name string, construct ConstructFunc) *Object {
	c := NewObject("Function")
	c.hooks.Construct = construct
	c.hooks.Call = func(_ Value, args []Value) (Value, error) {
		return construct(args)
	}
	c.Set("name", String(name))
	proto := NewPlainObject()
	proto.Set("constructor", c.Value())
	c.Set("prototype", proto.Value())
	return c
}

// WithHooks installs capability hooks, replacing any set before.
func (o *Object) WithHooks(h Hooks) *Object {
	if h.Call == nil {
		h.Call = o.hooks.Call
	}
	if h.Construct == nil {
		h.Construct = o.hooks.Construct
	}
	o.hooks = h
	return o
}

// SetPrototype links o to p for property lookup and instanceof.
func (o *Object) SetPrototype(p *Object) *Object {
	o.proto = p
	return o
}

// Prototype returns the prototype of o, or nil.
func (o *Object) Prototype() *Object { return o.proto }

// Class returns the class name, e.g. "Object", "Array" or "Error".
func (o *Object) Class() string { return o.class }

// Value returns o as a host value.
func (o *Object) Value() Value {
	return Value{kind: KindObject, obj: o}
}

// IsArray reports whether o is an array.
func (o *Object) IsArray() bool { return o.array }

// IsBytes reports whether o is a Uint8Array.
func (o *Object) IsBytes() bool { return o.bytes }

// Elements returns the backing elements of an array.
func (o *Object) Elements() []Value { return o.elems }

// Bytes returns the backing storage of a Uint8Array.
func (o *Object) Bytes() []byte { return o.buf }

// Callable reports whether o implements [[Call]].
func (o *Object) Callable() bool { return o.hooks.Call != nil }

// Keys returns the own property names in insertion order.
func (o *Object) Keys() []string {
	return append([]string(nil), o.order...)
}

// Has reports whether key resolves to an own or inherited property.
func (o *Object) Has(key string) bool {
	for p := o; p != nil; p = p.proto {
		if _, ok := p.props[key]; ok {
			return true
		}
		if p.hooks.Get != nil {
			if _, ok := p.hooks.Get(p, key); ok {
				return true
			}
		}
	}
	return false
}

// Get looks key up on o and its prototype chain. Missing keys are undefined.
func (o *Object) Get(key string) Value {
	for p := o; p != nil; p = p.proto {
		if v, ok := p.props[key]; ok {
			return v
		}
		if p.hooks.Get != nil {
			if v, ok := p.hooks.Get(o, key); ok {
				return v
			}
		}
		if key == "length" {
			switch {
			case p.array:
				return Number(float64(len(p.elems)))
			case p.bytes:
				return Number(float64(len(p.buf)))
			}
		}
	}
	return Undefined()
}

// Set assigns an own property.
func (o *Object) Set(key string, v Value) {
	if o.hooks.Set != nil && o.hooks.Set(o, key, v) {
		return
	}
	if o.array && key == "length" {
		n := int(ToInt(v))
		if n < 0 {
			n = 0
		}
		o.resize(n)
		return
	}
	if _, ok := o.props[key]; !ok {
		o.order = append(o.order, key)
	}
	o.props[key] = v
}

// Delete removes an own property.
func (o *Object) Delete(key string) {
	if _, ok := o.props[key]; !ok {
		return
	}
	delete(o.props, key)
	for i, k := range o.order {
		if k == key {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

// Index reads the element at i.
func (o *Object) Index(i int) Value {
	if o.hooks.Index != nil {
		if v, ok := o.hooks.Index(o, i); ok {
			return v
		}
	}
	switch {
	case o.array:
		if i >= 0 && i < len(o.elems) {
			return o.elems[i]
		}
		return Undefined()
	case o.bytes:
		if i >= 0 && i < len(o.buf) {
			return Number(float64(o.buf[i]))
		}
		return Undefined()
	}
	return o.Get(strconv.Itoa(i))
}

// SetIndex writes the element at i. Arrays grow as needed, Uint8Arrays
// ignore out-of-range writes.
func (o *Object) SetIndex(i int, v Value) {
	if o.hooks.SetIndex != nil && o.hooks.SetIndex(o, i, v) {
		return
	}
	switch {
	case o.array:
		if i < 0 {
			o.Set(strconv.Itoa(i), v)
			return
		}
		if i >= len(o.elems) {
			o.resize(i + 1)
		}
		o.elems[i] = v
	case o.bytes:
		if i >= 0 && i < len(o.buf) {
			o.buf[i] = byte(ToInt(v))
		}
	default:
		o.Set(strconv.Itoa(i), v)
	}
}

func (o *Object) resize(n int) {
	if n <= len(o.elems) {
		o.elems = o.elems[:n]
		return
	}
	for len(o.elems) < n {
		o.elems = append(o.elems, Undefined())
	}
}

// Length returns the "length" property.
func (o *Object) Length() Value {
	return o.Get("length")
}

// Call invokes o with the given receiver.
func (o *Object) Call(this Value, args []Value) (Value, error) {
	if o.hooks.Call == nil {
		return Undefined(), TypeError("%s is not a function", o.describe())
	}
	return o.hooks.Call(this, args)
}

// Construct invokes o as a constructor.
func (o *Object) Construct(args []Value) (Value, error) {
	if o.hooks.Construct == nil {
		return Undefined(), TypeError("%s is not a constructor", o.describe())
	}
	return o.hooks.Construct(args)
}

// InstanceOf reports whether o has ctor.prototype on its prototype chain.
func (o *Object) InstanceOf(ctor *Object) bool {
	if ctor == nil {
		return false
	}
	if ctor.hooks.HasInstance != nil {
		return ctor.hooks.HasInstance(o.Value())
	}
	proto := ctor.Get("prototype").Object()
	if proto == nil {
		return false
	}
	for p := o.proto; p != nil; p = p.proto {
		if p == proto {
			return true
		}
	}
	return false
}

// Tag returns the hidden id stored on o under key.
func (o *Object) Tag(key any) (uint32, bool) {
	o.tagMu.Lock()
	defer o.tagMu.Unlock()
	id, ok := o.tags[key]
	return id, ok
}

// SetTag stores a hidden id on o under key. Tags are invisible to Get and Keys.
func (o *Object) SetTag(key any, id uint32) {
	o.tagMu.Lock()
	defer o.tagMu.Unlock()
	if o.tags == nil {
		o.tags = make(map[any]uint32, 1)
	}
	o.tags[key] = id
}

// String converts o the way String(o) does.
func (o *Object) String() string {
	if fn := o.Get("toString").Object(); fn != nil && fn != o && fn.Callable() {
		if v, err := fn.Call(o.Value(), nil); err == nil && v.Kind() != KindObject {
			return ToString(v)
		}
	}
	switch {
	case o.array:
		parts := make([]string, len(o.elems))
		for i, e := range o.elems {
			if e.kind == KindUndefined || e.kind == KindNull {
				continue
			}
			parts[i] = ToString(e)
		}
		return strings.Join(parts, ",")
	case o.bytes:
		parts := make([]string, len(o.buf))
		for i, b := range o.buf {
			parts[i] = strconv.Itoa(int(b))
		}
		return strings.Join(parts, ",")
	case o.class == "Error" || o.Has("stack") && o.Has("message"):
		name := ToString(o.Get("name"))
		msg := ToString(o.Get("message"))
		if msg == "" {
			return name
		}
		return name + ": " + msg
	case o.Callable():
		return "function " + o.name() + "() { [native code] }"
	}
	return "[object " + o.class + "]"
}

func (o *Object) name() string {
	if v := o.props["name"]; v.kind == KindString {
		return v.str
	}
	return ""
}

func (o *Object) describe() string {
	if n := o.name(); n != "" {
		return n
	}
	return "[object " + o.class + "]"
}

// SortedKeys returns the own property names of o in lexical order.
func SortedKeys(o *Object) []string {
	keys := o.Keys()
	sort.Strings(keys)
	return keys
}
