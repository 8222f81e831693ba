package server

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/wasmhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/wasmhost/internal/loader"
	"github.com/GriffinCanCode/wasmhost/internal/modules"
	"github.com/GriffinCanCode/wasmhost/internal/session"
)

// maxCapture bounds the output a synchronous run returns per stream.
const maxCapture = 1 << 20

type handlers struct {
	catalog  *modules.Catalog
	sessions *session.Manager
	metrics  *monitoring.Metrics
}

// Health reports liveness and a metrics summary
func (h *handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"uptime":         h.metrics.Uptime().Round(time.Second).String(),
		"running":        h.sessions.Running(),
		"metrics":        h.metrics.Snapshot(),
		"timer_lateness": h.metrics.Lateness(),
	})
}

// ListModules lists the module catalog
func (h *handlers) ListModules(c *gin.Context) {
	entries, err := h.catalog.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"modules": entries, "count": len(entries)})
}

// ServeModule serves a module's bytes for browser loaders
func (h *handlers) ServeModule(c *gin.Context) {
	entry, err := h.catalog.Resolve(strings.TrimPrefix(c.Param("name"), "/"))
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if strings.HasSuffix(entry.Name, ".gz") {
		c.Header("Content-Type", "application/gzip")
	} else {
		c.Header("Content-Type", "application/wasm")
	}
	c.File(entry.Path)
}

// Run runs a module to completion and returns its captured output
func (h *handlers) Run(c *gin.Context) {
	var req session.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stdout, stderr := &capture{limit: maxCapture}, &capture{limit: maxCapture}
	req.Stdout, req.Stderr = stdout, stderr

	info, err := h.sessions.Run(c.Request.Context(), req)
	if err != nil && info.ID == "" {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{
		"session":   info,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"truncated": stdout.Truncated() || stderr.Truncated(),
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// ListSessions lists known sessions
func (h *handlers) ListSessions(c *gin.Context) {
	list := h.sessions.List()
	c.JSON(http.StatusOK, gin.H{"sessions": list, "running": h.sessions.Running()})
}

// GetSession returns one session
func (h *handlers) GetSession(c *gin.Context) {
	info, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": session.ErrNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// DeleteSession cancels a running session or forgets a finished one
func (h *handlers) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	err := h.sessions.Remove(id)
	if errors.Is(err, session.ErrRunning) {
		if err := h.sessions.Cancel(id); err != nil && !errors.Is(err, session.ErrFinished) {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "cancelling", "id": id})
		return
	}
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed", "id": id})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, modules.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, modules.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, loader.ErrNotWasm), errors.Is(err, loader.ErrTooLarge),
		errors.Is(err, loader.ErrNoEntry), errors.Is(err, loader.ErrNoMemory):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrFinished), errors.Is(err, session.ErrRunning):
		return http.StatusConflict
	case errors.Is(err, session.ErrPrelude):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// capture keeps the first limit bytes written to it.
type capture struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (w *capture) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.limit - w.buf.Len(); room < len(p) {
		w.truncated = true
		if room > 0 {
			w.buf.Write(p[:room])
		}
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func (w *capture) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *capture) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}
