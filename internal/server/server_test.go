package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panicHandler struct{}

func (panicHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/boom", func(echo.Context) error { panic("boom") })
}

func TestHealthIncludesStatusFields(t *testing.T) {
	health := NewHealth(func() map[string]any {
		return map[string]any{"state": "sleeping", "tracked_symbols": 3}
	})
	srv := New(health, zerolog.Nop(), WithGatherer(prometheus.NewRegistry()))

	for _, path := range []string{"/", "/healthz"} {
		rec := httptest.NewRecorder()
		srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		require.Equal(t, http.StatusOK, rec.Code, path)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "sleeping", body["state"])
		assert.EqualValues(t, 3, body["tracked_symbols"])
	}
}

func TestMetricsEndpointUsesGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "sigwatch_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := New(nil, zerolog.Nop(), WithGatherer(reg))
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "sigwatch_test_total 1"))
}

func TestRecoverReturns500(t *testing.T) {
	srv := New(Handlers{panicHandler{}, NewHealth(nil)}, zerolog.Nop(), WithGatherer(prometheus.NewRegistry()))
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":false`)
}

func TestWithTimeoutsConfiguresServer(t *testing.T) {
	srv := New(nil, zerolog.Nop(), WithTimeouts(3*time.Second, 0, time.Minute))

	assert.Equal(t, 3*time.Second, srv.Echo().Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, srv.Echo().Server.WriteTimeout, "zero keeps the default")
	assert.Equal(t, time.Minute, srv.config.ShutdownTimeout)
}
