// Package dispatch forwards admitted signals to the execution webhook.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sigwatch/internal/signal"
	"sigwatch/internal/version"
)

const (
	// TokenHeader carries the shared webhook secret.
	TokenHeader = "X-Webhook-Token"
	// TokenParam is the query parameter variant of TokenHeader.
	TokenParam = "token"

	maxBodyCapture = 512
	defaultTimeout = 20 * time.Second
)

// Request is the JSON body posted to the sink.
type Request struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Qty    float64 `json:"qty"`
}

// Result describes a single dispatch attempt.
type Result struct {
	Success    bool
	HTTPStatus int
	Body       string
	Err        error
	Latency    time.Duration
}

// Error is returned in Result.Err for non-200 responses and transport failures.
type Error struct {
	Symbol string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("dispatch %s: %v", e.Symbol, e.Err)
	case e.Body != "":
		return fmt.Sprintf("dispatch %s: sink status %d: %s", e.Symbol, e.Status, e.Body)
	default:
		return fmt.Sprintf("dispatch %s: sink status %d", e.Symbol, e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline expiry.
func (e *Error) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Sender is implemented by Client; the scan loop depends on this interface.
type Sender interface {
	Send(ctx context.Context, sig signal.Signal) Result
}

// Options configure a Client.
type Options struct {
	URL     string
	Token   string
	Side    string
	Qty     float64
	Timeout time.Duration
}

// Client posts signals to the sink. It never retries.
type Client struct {
	endpoint string
	token    string
	side     string
	qty      float64
	client   *http.Client
	logger   zerolog.Logger
}

// NewClient validates the sink URL and builds a client.
func NewClient(opts Options, logger zerolog.Logger) (*Client, error) {
	raw := strings.TrimSpace(opts.URL)
	if raw == "" {
		return nil, errors.New("dispatch url not configured")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse dispatch url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("dispatch url must be http(s), got %q", u.Scheme)
	}
	if opts.Token != "" {
		q := u.Query()
		q.Set(TokenParam, opts.Token)
		u.RawQuery = q.Encode()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	side := strings.ToLower(strings.TrimSpace(opts.Side))
	if side == "" {
		side = "buy"
	}
	qty := opts.Qty
	if qty <= 0 {
		qty = 1
	}

	return &Client{
		endpoint: u.String(),
		token:    opts.Token,
		side:     side,
		qty:      qty,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}, nil
}

// Send posts one request for sig and reports the outcome.
func (c *Client) Send(ctx context.Context, sig signal.Signal) Result {
	start := time.Now()
	res := c.send(ctx, Request{Symbol: sig.Symbol, Side: c.side, Qty: c.qty})
	res.Latency = time.Since(start)

	if res.Success {
		c.logger.Info().Str("symbol", sig.Symbol).
			Int("status", res.HTTPStatus).
			Str("response", res.Body).
			Dur("latency", res.Latency).
			Msg("signal dispatched")
	} else {
		c.logger.Warn().Err(res.Err).Str("symbol", sig.Symbol).
			Int("status", res.HTTPStatus).
			Dur("latency", res.Latency).
			Msg("signal dispatch failed")
	}
	return res
}

func (c *Client) send(ctx context.Context, payload Request) Result {
	fail := func(status int, body string, err error) Result {
		return Result{HTTPStatus: status, Body: body, Err: &Error{Symbol: payload.Symbol, Status: status, Body: body, Err: err}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fail(0, "", fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fail(0, "", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fail(0, "", err)
	}
	defer resp.Body.Close()

	captured, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyCapture))
	if readErr == nil {
		// Drain the rest so the connection can be reused.
		_, readErr = io.Copy(io.Discard, resp.Body)
	}
	if readErr != nil {
		c.logger.Debug().Err(readErr).Int("status", resp.StatusCode).Msg("read sink response")
	}
	text := strings.TrimSpace(string(captured))

	if resp.StatusCode != http.StatusOK {
		return fail(resp.StatusCode, text, nil)
	}
	return Result{Success: true, HTTPStatus: resp.StatusCode, Body: text}
}

// Side is the order side sent with every dispatch.
func (c *Client) Side() string { return c.side }

// Qty is the order quantity sent with every dispatch.
func (c *Client) Qty() float64 { return c.qty }

var _ Sender = (*Client)(nil)
