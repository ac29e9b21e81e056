package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// StatusFunc returns extra fields merged into the health response.
type StatusFunc func() map[string]any

// Health serves GET / and GET /healthz.
type Health struct {
	status StatusFunc
}

// NewHealth builds a health handler. status may be nil.
func NewHealth(status StatusFunc) *Health {
	return &Health{status: status}
}

// RegisterRoutes implements Handler.
func (h *Health) RegisterRoutes(e *echo.Echo) {
	e.GET("/", h.handle)
	e.GET("/healthz", h.handle)
}

func (h *Health) handle(c echo.Context) error {
	body := map[string]any{"status": "ok"}
	if h.status != nil {
		for k, v := range h.status() {
			body[k] = v
		}
	}
	return c.JSON(http.StatusOK, body)
}

// Handlers combines several handlers into one.
type Handlers []Handler

// RegisterRoutes implements Handler.
func (hs Handlers) RegisterRoutes(e *echo.Echo) {
	for _, h := range hs {
		if h != nil {
			h.RegisterRoutes(e)
		}
	}
}
