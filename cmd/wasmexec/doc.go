// Command wasmexec runs a js/wasm module from the command line, the way
// Node runs one with wasm_exec.js.
//
// Usage:
//
//	wasmexec [flags] module.wasm|url [args...]
//
// The module's stdout and stderr go to the process's, the process environment
// is passed through unless -clean-env is set, and the exit status is the
// module's exit code. A module that returns without exiting while no
// callback is pending is reported as a deadlock and exits with status 1.
//
// A -prelude script runs in a sandboxed JavaScript runtime first; the globals
// it defines become properties of the module's global object.
//
// Module loading honours the MODULE_* and RUNTIME_* environment variables
// of the server; flags override them.
package main
