// Package ws streams module runs over WebSocket.
//
// Message Types (Client → Server):
//   - run: Start a module, {"type":"run","ref":"r1","module":"hello.wasm","args":[...]}
//   - cancel: Cancel a running session by id
//   - ping: Keep-alive ping
//
// Message Types (Server → Client):
//   - started: Session id and module digest for a run
//   - output: A chunk written to stdout or stderr
//   - exit: The run finished, with its state and exit code
//   - error: The run failed or a request was invalid
//   - pong: Reply to ping
//
// Messages about a run carry the ref the client sent with it. Output is
// forwarded as the module writes it, without line buffering.
//
// Example Usage:
//
//	handler := ws.NewHandler(sessions, metrics, log)
//	router.GET("/ws", handler.HandleConnection)
package ws
