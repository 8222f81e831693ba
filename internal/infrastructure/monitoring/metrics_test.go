package monitoring

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver(t *testing.T) {
	m := NewMetrics()

	m.Dispatch("syscall/js.valueGet", time.Microsecond)
	m.Dispatch("syscall/js.valueGet", time.Microsecond)
	m.HostFailure("syscall/js.valueCall")
	m.Step()
	m.TimerScheduled()
	m.TimerFired(2 * time.Millisecond)
	m.TimerCleared()
	m.Exit(3)
	m.Deadlock()
	m.Refs(12)
	m.Refs(9)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HostCalls.WithLabelValues("syscall/js.valueGet")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HostFailures.WithLabelValues("syscall/js.valueCall")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Steps))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TimersFired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Exits.WithLabelValues("3")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deadlocks))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.RefsPeak))

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.HostCalls)
	assert.Equal(t, int64(1), snap.HostFailures)
	assert.Equal(t, int64(1), snap.Deadlocks)

	lat := m.Lateness()
	assert.Equal(t, 1, lat.Count)
	assert.InDelta(t, 2.0, lat.Max, 1e-9)
}

func TestLatenessWindow(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < latenessWindow+10; i++ {
		m.TimerFired(time.Duration(i) * time.Millisecond)
	}
	lat := m.Lateness()
	assert.Equal(t, latenessWindow, lat.Count)
	assert.InDelta(t, float64(latenessWindow+9), lat.Max, 1e-9)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil))

	s := Summarize([]time.Duration{4 * time.Millisecond, time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond})
	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 2.5, s.Mean, 1e-9)
	assert.InDelta(t, 2.0, s.P50, 1e-9)
	assert.InDelta(t, 4.0, s.P99, 1e-9)
	assert.InDelta(t, 4.0, s.Max, 1e-9)
	assert.Greater(t, s.StdDev, 0.0)

	one := Summarize([]time.Duration{time.Millisecond})
	assert.Equal(t, 0.0, one.StdDev)
}

func TestSessions(t *testing.T) {
	m := NewMetrics()
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded("exited", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("exited")))
	assert.Equal(t, int64(1), m.Snapshot().ActiveSessions)
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()

	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/sessions/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	for _, p := range []string{"/sessions/a", "/sessions/b", "/nope"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/sessions/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, int64(1), m.Snapshot().TotalErrors)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "wasmhost_http_requests_total"))
	assert.True(t, strings.Contains(string(body), "wasmhost_uptime_seconds"))
}
