// Package sink is the webhook endpoint that turns dispatched signals into
// broker orders.
package sink

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sigwatch/internal/dispatch"
	"sigwatch/internal/metrics"
	"sigwatch/internal/signal"
)

const maxBodyBytes = 64 << 10

var validate = validator.New()

// OrderRequest is the webhook payload.
type OrderRequest struct {
	Symbol string  `json:"symbol" validate:"required,max=32"`
	Side   string  `json:"side" default:"buy" validate:"oneof=buy sell"`
	Qty    float64 `json:"qty" default:"1" validate:"gt=0"`
}

// OrderResponse is returned when the broker accepted the order.
type OrderResponse struct {
	OK      bool    `json:"ok"`
	Symbol  string  `json:"symbol"`
	Side    string  `json:"side"`
	Qty     float64 `json:"qty"`
	OrderID string  `json:"order_id"`
}

// ErrorResponse is returned for every rejected request.
type ErrorResponse struct {
	OK     bool     `json:"ok"`
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

// Handler serves POST /webhook.
type Handler struct {
	token   string
	broker  Broker
	metrics *metrics.Recorder
	logger  zerolog.Logger
}

// NewHandler builds the webhook handler. An empty token is rejected.
func NewHandler(token string, broker Broker, rec *metrics.Recorder, logger zerolog.Logger) (*Handler, error) {
	if token == "" {
		return nil, errors.New("sink token not configured")
	}
	if broker == nil {
		return nil, errors.New("sink broker not configured")
	}
	return &Handler{
		token:   token,
		broker:  broker,
		metrics: rec,
		logger:  logger.With().Str("component", "sink").Logger(),
	}, nil
}

// RegisterRoutes implements server.Handler.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/webhook", h.webhook)
}

func (h *Handler) webhook(c echo.Context) error {
	if !h.authorized(c) {
		h.metrics.RecordOrder("unknown", "unauthorized")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
	}

	req, fields, err := h.readRequest(c)
	if err != nil {
		h.metrics.RecordOrder("unknown", "invalid")
		h.logger.Warn().Err(err).Msg("invalid webhook payload")
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Fields: fields})
	}

	order := Order{Symbol: req.Symbol, Side: req.Side, Qty: decimal.NewFromFloat(req.Qty)}
	orderID, err := h.broker.PlaceMarketOrder(c.Request().Context(), order)
	if err != nil {
		h.metrics.RecordOrder(req.Side, "broker_error")
		h.logger.Error().Err(err).
			Str("symbol", req.Symbol).
			Str("side", req.Side).
			Float64("qty", req.Qty).
			Msg("order rejected by broker")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}

	h.metrics.RecordOrder(req.Side, "accepted")
	h.logger.Info().Str("symbol", req.Symbol).
		Str("side", req.Side).
		Float64("qty", req.Qty).
		Str("order_id", orderID).
		Msg("order placed")
	return c.JSON(http.StatusOK, OrderResponse{
		OK:      true,
		Symbol:  req.Symbol,
		Side:    req.Side,
		Qty:     req.Qty,
		OrderID: orderID,
	})
}

// authorized checks the query parameter first, then the header.
func (h *Handler) authorized(c echo.Context) bool {
	supplied := c.QueryParam(dispatch.TokenParam)
	if supplied == "" {
		supplied = c.Request().Header.Get(dispatch.TokenHeader)
	}
	if supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(h.token)) == 1
}

func (h *Handler) readRequest(c echo.Context) (OrderRequest, []string, error) {
	var req OrderRequest

	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return req, nil, fmt.Errorf("read body: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return req, nil, errors.New("empty body")
	}

	// Some alerting tools send the JSON object as a JSON string.
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return req, nil, fmt.Errorf("decode body: %w", err)
		}
		raw = []byte(inner)
	}

	if err := json.Unmarshal(raw, &req); err != nil {
		return req, nil, fmt.Errorf("decode body: %w", err)
	}
	if err := defaults.Set(&req); err != nil {
		return req, nil, fmt.Errorf("apply defaults: %w", err)
	}
	req.Symbol = signal.CanonicalSymbol(req.Symbol)
	req.Side = strings.ToLower(strings.TrimSpace(req.Side))

	if err := validate.StructCtx(c.Request().Context(), &req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, strings.ToLower(fe.Field())+":"+fe.Tag())
			}
			return req, fields, errors.New("validation failed")
		}
		return req, nil, err
	}
	return req, nil, nil
}
