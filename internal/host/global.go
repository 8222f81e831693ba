package host

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// GlobalConfig configures the sinks and sources behind the global object.
type GlobalConfig struct {
	Stdout io.Writer
	Stderr io.Writer
	Random io.Reader
	Now    func() time.Time
	Cwd    string
	Pid    int
}

// Global is the root object handed to the sandbox, along with the
// constructors the bridge needs to build values of its own.
type Global struct {
	*Object

	ObjectCtor     *Object
	ArrayCtor      *Object
	Uint8ArrayCtor *Object
	ErrorCtor      *Object

	cfg   GlobalConfig
	start time.Time
}

// Unimplemented file system calls. Each throws an Error with code ENOSYS.
var fsStubs = []string{
	"openSync", "closeSync", "readSync", "fstatSync", "statSync", "lstatSync",
	"fsyncSync", "ftruncateSync", "truncateSync", "mkdirSync", "readdirSync",
	"renameSync", "rmdirSync", "unlinkSync", "chmodSync", "fchmodSync",
	"chownSync", "fchownSync", "lchownSync", "utimesSync", "linkSync",
	"symlinkSync", "readlinkSync",
}

var fsConstants = []string{
	"O_WRONLY", "O_RDWR", "O_CREAT", "O_TRUNC", "O_APPEND", "O_EXCL", "O_NONBLOCK", "O_SYNC",
}

// NewGlobal builds a global object.
func NewGlobal(cfg GlobalConfig) *Global {
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Cwd == "" {
		cfg.Cwd = "/"
	}
	if cfg.Pid == 0 {
		cfg.Pid = os.Getpid()
	}

	g := &Global{Object: NewObject("global"), cfg: cfg, start: cfg.Now()}
	g.ObjectCtor = g.objectCtor()
	g.ArrayCtor = g.arrayCtor()
	g.Uint8ArrayCtor = g.uint8ArrayCtor()
	g.ErrorCtor = g.errorCtor()

	g.Set("Object", g.ObjectCtor.Value())
	g.Set("Array", g.ArrayCtor.Value())
	g.Set("Uint8Array", g.Uint8ArrayCtor.Value())
	g.Set("Error", g.ErrorCtor.Value())
	g.Set("fs", g.fs().Value())
	g.Set("process", g.process().Value())
	g.Set("crypto", g.crypto().Value())
	g.Set("performance", g.performance().Value())
	g.Set("console", g.console().Value())
	g.Set("global", g.Value())
	g.Set("globalThis", g.Value())
	return g
}

// NewObject creates a plain object inheriting from Object.prototype.
func (g *Global) NewObject() *Object {
	return NewPlainObject().SetPrototype(g.ObjectCtor.Get("prototype").Object())
}

// NewArray creates an array inheriting from Array.prototype.
func (g *Global) NewArray(elems ...Value) *Object {
	return NewArray(elems...).SetPrototype(g.ArrayCtor.Get("prototype").Object())
}

// NewBytes creates a Uint8Array over b inheriting from Uint8Array.prototype.
func (g *Global) NewBytes(b []byte) *Object {
	return NewBytes(b).SetPrototype(g.Uint8ArrayCtor.Get("prototype").Object())
}

// NewError creates an Error inheriting from Error.prototype.
func (g *Global) NewError(message string) *Object {
	return NewError("Error", message, "").SetPrototype(g.ErrorCtor.Get("prototype").Object())
}

func (g *Global) objectCtor() *Object {
	var c *Object
	c = NewConstructor("Object", func(args []Value) (Value, error) {
		if len(args) > 0 && args[0].Kind() == KindObject {
			return args[0], nil
		}
		return NewPlainObject().SetPrototype(c.Get("prototype").Object()).Value(), nil
	})
	return c
}

func (g *Global) arrayCtor() *Object {
	var c *Object
	c = NewConstructor("Array", func(args []Value) (Value, error) {
		proto := c.Get("prototype").Object()
		if len(args) == 1 && args[0].Kind() == KindNumber {
			n := args[0].Float()
			if n < 0 || n != float64(int64(n)) || n > 1<<32-1 {
				return Undefined(), Throw(NewError("RangeError", "Invalid array length", "").Value())
			}
			a := NewArray().SetPrototype(proto)
			a.resize(int(n))
			return a.Value(), nil
		}
		return NewArray(args...).SetPrototype(proto).Value(), nil
	})
	return c
}

func (g *Global) uint8ArrayCtor() *Object {
	var c *Object
	c = NewConstructor("Uint8Array", func(args []Value) (Value, error) {
		proto := c.Get("prototype").Object()
		if len(args) == 0 {
			return NewBytes(nil).SetPrototype(proto).Value(), nil
		}
		src := args[0]
		switch src.Kind() {
		case KindNumber, KindUndefined, KindNull, KindBool, KindString:
			n := ToInt(src)
			if n < 0 {
				return Undefined(), Throw(NewError("RangeError", "Invalid typed array length: "+ToString(src), "").Value())
			}
			return NewBytes(make([]byte, n)).SetPrototype(proto).Value(), nil
		}
		o := src.Object()
		if o == nil {
			return Undefined(), TypeError("invalid Uint8Array source")
		}
		if o.class == "ArrayBuffer" {
			return g.view(o, args[1:], proto)
		}
		n := int(ToInt(o.Length()))
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(ToInt(o.Index(i)))
		}
		return NewBytes(b).SetPrototype(proto).Value(), nil
	})
	return c
}

// view creates a Uint8Array sharing the storage of an ArrayBuffer.
func (g *Global) view(buf *Object, args []Value, proto *Object) (Value, error) {
	b := buf.Bytes()
	off, n := int64(0), int64(-1)
	if len(args) > 0 && !args[0].IsUndefined() {
		off = ToInt(args[0])
	}
	if len(args) > 1 && !args[1].IsUndefined() {
		n = ToInt(args[1])
	}
	if n < 0 {
		n = int64(len(b)) - off
	}
	if off < 0 || off > int64(len(b)) || n < 0 || off+n > int64(len(b)) {
		return Undefined(), Throw(NewError("RangeError", fmt.Sprintf("invalid view [%d:+%d] of %d bytes", off, n, len(b)), "").Value())
	}
	return NewBytes(b[off : off+n : off+n]).SetPrototype(proto).Value(), nil
}

func (g *Global) errorCtor() *Object {
	var c *Object
	c = NewConstructor("Error", func(args []Value) (Value, error) {
		msg := ""
		if len(args) > 0 && !args[0].IsUndefined() {
			msg = ToString(args[0])
		}
		return NewError("Error", msg, "").SetPrototype(c.Get("prototype").Object()).Value(), nil
	})
	c.Get("prototype").Object().Set("name", String("Error"))
	return c
}

func (g *Global) fs() *Object {
	fs := g.NewObject()
	constants := g.NewObject()
	for _, name := range fsConstants {
		constants.Set(name, Number(-1))
	}
	fs.Set("constants", constants.Value())

	fs.Set("writeSync", NewFunction("writeSync", func(_ Value, args []Value) (Value, error) {
		if len(args) < 2 {
			return Undefined(), TypeError("writeSync: expected fd and buffer")
		}
		buf := args[1].Object()
		if buf == nil || !buf.IsBytes() {
			return Undefined(), TypeError("writeSync: buffer must be a Uint8Array")
		}
		var w io.Writer
		switch ToInt(args[0]) {
		case 1:
			w = g.cfg.Stdout
		case 2:
			w = g.cfg.Stderr
		default:
			return Undefined(), Throw(NewError("Error", "bad file descriptor", "EBADF").Value())
		}
		n, err := w.Write(buf.Bytes())
		if err != nil {
			return Undefined(), Throw(NewError("Error", err.Error(), "EIO").Value())
		}
		return Number(float64(n)), nil
	}).Value())

	for _, name := range fsStubs {
		fs.Set(name, NewFunction(name, func(Value, []Value) (Value, error) {
			return Undefined(), NotImplemented(name)
		}).Value())
	}
	return fs
}

func (g *Global) process() *Object {
	p := g.NewObject()
	p.Set("pid", Number(float64(g.cfg.Pid)))
	p.Set("ppid", Number(-1))
	p.Set("cwd", NewFunction("cwd", func(Value, []Value) (Value, error) {
		return String(g.cfg.Cwd), nil
	}).Value())
	p.Set("chdir", NewFunction("chdir", func(Value, []Value) (Value, error) {
		return Undefined(), NotImplemented("chdir")
	}).Value())
	p.Set("umask", NewFunction("umask", func(Value, []Value) (Value, error) {
		return Number(0o022), nil
	}).Value())
	for _, name := range []string{"getuid", "getgid", "geteuid", "getegid"} {
		p.Set(name, NewFunction(name, func(Value, []Value) (Value, error) {
			return Number(-1), nil
		}).Value())
	}
	return p
}

func (g *Global) crypto() *Object {
	c := g.NewObject()
	c.Set("getRandomValues", NewFunction("getRandomValues", func(_ Value, args []Value) (Value, error) {
		if len(args) == 0 || args[0].Object() == nil || !args[0].Object().IsBytes() {
			return Undefined(), TypeError("getRandomValues: argument must be a Uint8Array")
		}
		if _, err := io.ReadFull(g.cfg.Random, args[0].Object().Bytes()); err != nil {
			return Undefined(), Throw(NewError("Error", err.Error(), "").Value())
		}
		return args[0], nil
	}).Value())
	return c
}

func (g *Global) performance() *Object {
	p := g.NewObject()
	p.Set("now", NewFunction("now", func(Value, []Value) (Value, error) {
		return Number(float64(g.cfg.Now().Sub(g.start).Nanoseconds()) / 1e6), nil
	}).Value())
	return p
}

func (g *Global) console() *Object {
	c := g.NewObject()
	printer := func(name string, w func() io.Writer) {
		c.Set(name, NewFunction(name, func(_ Value, args []Value) (Value, error) {
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = ToString(a)
			}
			fmt.Fprintln(w(), strings.Join(parts, " "))
			return Undefined(), nil
		}).Value())
	}
	stdout := func() io.Writer { return g.cfg.Stdout }
	stderr := func() io.Writer { return g.cfg.Stderr }
	printer("log", stdout)
	printer("info", stdout)
	printer("debug", stdout)
	printer("warn", stderr)
	printer("error", stderr)
	return c
}
