package sandbox

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/wasmhost/internal/host"
)

// converter maps values between goja and the host object model. Each object
// has exactly one counterpart on the other side for the converter's lifetime.
type converter struct {
	vm      *goja.Runtime
	timeout time.Duration
	depth   int

	objects map[*goja.Object]*host.Object
	proxies map[*host.Object]*goja.Object

	symbols     map[*goja.Symbol]*host.Symbol
	hostSymbols map[*host.Symbol]*goja.Symbol
}

func newConverter(vm *goja.Runtime, timeout time.Duration) *converter {
	return &converter{
		vm:          vm,
		timeout:     timeout,
		objects:     make(map[*goja.Object]*host.Object),
		proxies:     make(map[*host.Object]*goja.Object),
		symbols:     make(map[*goja.Symbol]*host.Symbol),
		hostSymbols: make(map[*host.Symbol]*goja.Symbol),
	}
}

func (c *converter) link(o *goja.Object, h *host.Object) {
	c.objects[o] = h
	c.proxies[h] = o
}

func (c *converter) toHost(v goja.Value) host.Value {
	if v == nil || goja.IsUndefined(v) {
		return host.Undefined()
	}
	if goja.IsNull(v) {
		return host.Null()
	}

	switch t := v.(type) {
	case *goja.Object:
		return c.object(t).Value()
	case *goja.Symbol:
		if s, ok := c.symbols[t]; ok {
			return s.Value()
		}
		desc := strings.TrimSuffix(strings.TrimPrefix(t.String(), "Symbol("), ")")
		s := host.NewSymbol(desc)
		c.symbols[t] = s
		c.hostSymbols[s] = t
		return s.Value()
	}

	switch x := v.Export().(type) {
	case bool:
		return host.Bool(x)
	case int64:
		return host.Number(float64(x))
	case float64:
		return host.Number(x)
	case string:
		return host.String(x)
	}
	return host.String(v.String())
}

func (c *converter) toJS(v host.Value) goja.Value {
	switch v.Kind() {
	case host.KindNull:
		return goja.Null()
	case host.KindBool:
		return c.vm.ToValue(v.Bool())
	case host.KindNumber:
		return c.vm.ToValue(v.Float())
	case host.KindString:
		return c.vm.ToValue(v.Str())
	case host.KindSymbol:
		s := v.Symbol()
		if t, ok := c.hostSymbols[s]; ok {
			return t
		}
		t := goja.NewSymbol(s.Description)
		c.symbols[t] = s
		c.hostSymbols[s] = t
		return t
	case host.KindObject:
		return c.proxy(v.Object())
	}
	return goja.Undefined()
}

func (c *converter) toJSArgs(args []host.Value) []goja.Value {
	out := make([]goja.Value, len(args))
	for i, a := range args {
		out[i] = c.toJS(a)
	}
	return out
}

func (c *converter) toHostArgs(args []goja.Value) []host.Value {
	out := make([]host.Value, len(args))
	for i, a := range args {
		out[i] = c.toHost(a)
	}
	return out
}

// object wraps a goja object as a host object whose hooks forward to it.
func (c *converter) object(o *goja.Object) *host.Object {
	if h, ok := c.objects[o]; ok {
		return h
	}

	hooks := host.Hooks{
		Get: func(_ *host.Object, key string) (host.Value, bool) {
			v := o.Get(key)
			if v == nil {
				return host.Undefined(), false
			}
			return c.toHost(v), true
		},
		Set: func(_ *host.Object, key string, v host.Value) bool {
			return o.Set(key, c.toJS(v)) == nil
		},
		Index: func(_ *host.Object, i int) (host.Value, bool) {
			v := o.Get(strconv.Itoa(i))
			if v == nil {
				return host.Undefined(), false
			}
			return c.toHost(v), true
		},
		SetIndex: func(_ *host.Object, i int, v host.Value) bool {
			return o.Set(strconv.Itoa(i), c.toJS(v)) == nil
		},
	}
	if fn, ok := goja.AssertFunction(o); ok {
		hooks.Call = func(this host.Value, args []host.Value) (host.Value, error) {
			res, err := c.run(context.Background(), func() (goja.Value, error) {
				return fn(c.toJS(this), c.toJSArgs(args)...)
			})
			if err != nil {
				return host.Undefined(), c.hostError(err)
			}
			return c.toHost(res), nil
		}
		hooks.HasInstance = func(v host.Value) (ok bool) {
			defer func() {
				if recover() != nil {
					ok = false
				}
			}()
			return c.vm.InstanceOf(c.toJS(v), o)
		}
	}
	if ctor, ok := goja.AssertConstructor(o); ok {
		hooks.Construct = func(args []host.Value) (host.Value, error) {
			res, err := c.run(context.Background(), func() (goja.Value, error) {
				v, err := ctor(nil, c.toJSArgs(args)...)
				if v == nil {
					return nil, err
				}
				return v, err
			})
			if err != nil {
				return host.Undefined(), c.hostError(err)
			}
			return c.toHost(res), nil
		}
	}

	h := host.NewObject(o.ClassName()).WithHooks(hooks)
	c.link(o, h)
	return h
}

// proxy exposes a host object to goja. Callables become functions, arrays and
// byte arrays become dynamic arrays, everything else a dynamic object.
func (c *converter) proxy(h *host.Object) *goja.Object {
	if o, ok := c.proxies[h]; ok {
		return o
	}

	var o *goja.Object
	switch {
	case h.Callable():
		o = c.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			res, err := h.Call(c.toHost(call.This), c.toHostArgs(call.Arguments))
			if err != nil {
				panic(c.jsError(err))
			}
			return c.toJS(res)
		}).(*goja.Object)
	case h.IsArray() || h.IsBytes():
		o = c.vm.NewDynamicArray(&hostArray{c: c, h: h})
	default:
		o = c.vm.NewDynamicObject(&hostObject{c: c, h: h})
	}
	c.link(o, h)
	return o
}

// hostError turns a goja exception into a thrown host value.
func (c *converter) hostError(err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return host.Throw(c.toHost(exc.Value()))
	}
	return err
}

// jsError turns a host error into a value goja can throw.
func (c *converter) jsError(err error) goja.Value {
	var exc *host.Exception
	if errors.As(err, &exc) {
		return c.toJS(exc.Value)
	}
	return c.vm.NewGoError(err)
}

type hostObject struct {
	c *converter
	h *host.Object
}

func (d *hostObject) Get(key string) goja.Value {
	if !d.h.Has(key) {
		return nil
	}
	return d.c.toJS(d.h.Get(key))
}

func (d *hostObject) Set(key string, val goja.Value) bool {
	d.h.Set(key, d.c.toHost(val))
	return true
}

func (d *hostObject) Has(key string) bool { return d.h.Has(key) }

func (d *hostObject) Delete(key string) bool {
	d.h.Delete(key)
	return true
}

func (d *hostObject) Keys() []string { return d.h.Keys() }

type hostArray struct {
	c *converter
	h *host.Object
}

func (d *hostArray) Len() int { return int(host.ToInt(d.h.Length())) }

func (d *hostArray) Get(idx int) goja.Value { return d.c.toJS(d.h.Index(idx)) }

func (d *hostArray) Set(idx int, val goja.Value) bool {
	d.h.SetIndex(idx, d.c.toHost(val))
	return true
}

func (d *hostArray) SetLen(n int) bool {
	if d.h.IsBytes() {
		return false
	}
	d.h.Set("length", host.Number(float64(n)))
	return true
}
