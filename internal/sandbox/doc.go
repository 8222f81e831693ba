/*
Package sandbox runs JavaScript preludes on goja and binds what they define
onto a bridge's host global.

A prelude is plain script evaluated before the wasm module starts. Every global
it declares with var or function becomes a property of the host global, so the
module can reach it through syscall/js:

	rt, err := sandbox.New(sandbox.DefaultConfig())
	if _, err := rt.Execute(ctx, prelude); err != nil {
		return err
	}
	rt.Bind(b.Global())

After Bind the host global is visible to scripts as "host". Values cross the
boundary without copying: a goja object is wrapped once and the wrapper is
reused, host objects appear in goja as dynamic objects, arrays or functions,
and exceptions thrown on either side are rethrown on the other.

The runtime is not safe for concurrent use. Functions bound into a bridge are
called on the goroutine that drives the bridge.
*/
package sandbox
