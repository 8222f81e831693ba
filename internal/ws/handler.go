package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/wasmhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/wasmhost/internal/session"
)

const (
	writeTimeout = 10 * time.Second
	maxMessage   = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is a client request.
type Message struct {
	Type string `json:"type"`
	// Ref is echoed on every message about the run it started.
	Ref     string            `json:"ref,omitempty"`
	Module  string            `json:"module,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Prelude string            `json:"prelude,omitempty"`
	// Session names the session a cancel message targets.
	Session string `json:"session,omitempty"`
}

// Handler manages WebSocket connections
type Handler struct {
	sessions *session.Manager
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewHandler creates a new WebSocket handler. metrics may be nil.
func NewHandler(sessions *session.Manager, metrics *monitoring.Metrics, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{sessions: sessions, metrics: metrics, log: log.Named("ws")}
}

// HandleConnection handles WebSocket upgrade and messages. Runs started on a
// connection are cancelled when it closes.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessage)

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cl := &client{conn: conn, metrics: h.metrics}
	var runs sync.WaitGroup
	defer func() {
		cancel()
		runs.Wait()
	}()

	cl.send(map[string]any{
		"type":    "system",
		"message": "connected",
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if h.metrics != nil {
			h.metrics.RecordWSMessage("in", msg.Type)
		}

		switch msg.Type {
		case "run":
			runs.Add(1)
			go func() {
				defer runs.Done()
				h.handleRun(ctx, cl, msg)
			}()
		case "cancel":
			err := session.ErrNotFound
			if cl.owns(msg.Session) {
				err = h.sessions.Cancel(msg.Session)
			}
			if err != nil {
				cl.sendError(msg.Ref, err.Error())
			}
		case "ping":
			cl.send(map[string]any{"type": "pong"})
		default:
			cl.sendError(msg.Ref, "unknown message type")
		}
	}
}

func (h *Handler) handleRun(ctx context.Context, cl *client, msg Message) {
	if msg.Module == "" {
		cl.sendError(msg.Ref, "module is required")
		return
	}

	// Output waits for the started message.
	ready := make(chan struct{})
	req := session.Request{
		Module:  msg.Module,
		Args:    msg.Args,
		Env:     msg.Env,
		Prelude: msg.Prelude,
		Stdout:  &output{cl: cl, ref: msg.Ref, stream: "stdout", ready: ready},
		Stderr:  &output{cl: cl, ref: msg.Ref, stream: "stderr", ready: ready},
	}
	info, err := h.sessions.Start(ctx, req)
	if err != nil {
		close(ready)
		cl.sendError(msg.Ref, err.Error())
		return
	}
	cl.own(info.ID)
	cl.send(map[string]any{
		"type":    "started",
		"ref":     msg.Ref,
		"session": info.ID,
		"digest":  info.Digest,
	})
	close(ready)

	id := info.ID
	info, err = h.sessions.Wait(ctx, id)
	if err != nil {
		// The connection went away; nobody is left to tell.
		_ = h.sessions.Cancel(id)
		return
	}

	if info.State == session.StateFailed {
		cl.sendError(msg.Ref, info.Error)
		return
	}
	cl.send(map[string]any{
		"type":    "exit",
		"ref":     msg.Ref,
		"session": info.ID,
		"state":   info.State,
		"code":    info.ExitCode,
	})
}

// client serializes writes to one connection and remembers the sessions
// started on it. Only those can be cancelled from it.
type client struct {
	conn    *websocket.Conn
	metrics *monitoring.Metrics
	mu      sync.Mutex
	closed  bool

	sessions sync.Map
}

func (c *client) own(id string) {
	c.sessions.Store(id, struct{}{})
}

func (c *client) owns(id string) bool {
	_, ok := c.sessions.Load(id)
	return ok
}

var errClosed = errors.New("connection closed")

func (c *client) send(data map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(data); err != nil {
		c.closed = true
		return err
	}
	if c.metrics != nil {
		if t, ok := data["type"].(string); ok {
			c.metrics.RecordWSMessage("out", t)
		}
	}
	return nil
}

func (c *client) sendError(ref, msg string) error {
	data := map[string]any{
		"type":      "error",
		"message":   msg,
		"timestamp": time.Now().Unix(),
	}
	if ref != "" {
		data["ref"] = ref
	}
	return c.send(data)
}

// output streams a module's writes as output messages.
type output struct {
	cl     *client
	ref    string
	stream string
	ready  <-chan struct{}
}

func (o *output) Write(p []byte) (int, error) {
	<-o.ready
	data := map[string]any{
		"type":   "output",
		"stream": o.stream,
		"data":   string(p),
	}
	if o.ref != "" {
		data["ref"] = o.ref
	}
	if err := o.cl.send(data); err != nil {
		return 0, err
	}
	return len(p), nil
}
