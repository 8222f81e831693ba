/*
Package host implements the dynamic object model a sandboxed module sees through
the bridge.

# Overview

Values are a tagged union ([Kind]): undefined, null, booleans, numbers, strings,
symbols and object handles. Objects do not rely on Go reflection. Each one carries
its own property map plus a set of capability [Hooks] (get, set, index, call,
construct) that override the default behaviour, so host functionality is added by
building objects rather than by registering types.

# Exceptions

Host operations that fail return an error. [Throw] wraps an arbitrary thrown value,
and [ErrorValue] turns any Go error back into a boxed Error object so it can be
handed to the sandbox.

# Global Object

[NewGlobal] builds the global object the bridge exposes under reference id 5:

	global := host.NewGlobal(host.GlobalConfig{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})

It provides the constructors the js/wasm runtime looks up at start (Object, Array,
Uint8Array, Error), an fs object whose writeSync writes to the configured sinks and
whose other calls fail with code ENOSYS, process, crypto, performance and console.

Objects are not safe for concurrent use; every bridge owns its own global.
*/
package host
