// Package session runs wasm modules as tracked sessions.
//
// Each session owns one bridge and one module instance and runs on its own
// goroutine, detached from the request that started it. A session is
// running while the module executes, awaiting while it waits for a
// scheduled callback, and ends exited, failed or cancelled. Output goes to
// the sinks given in the request, or to the session's logger when none are
// given.
package session
