package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sigwatch/internal/signal"
)

const (
	defaultScannerBaseURL = "https://scanner.tradingview.com"
	defaultScannerMarket  = "america"
	defaultScannerLimit   = 150
	defaultUserAgent      = "Mozilla/5.0"
)

// scanColumns are requested in signal.Col* order.
var scanColumns = []string{"name", "close", "change", "volume", "description"}

// ScannerOptions parameterise the HTTP scan source. The thresholds are sent
// as a server-side pre-filter; the local filter policy still applies.
type ScannerOptions struct {
	BaseURL      string
	Market       string
	Limit        int
	Timeout      time.Duration
	UserAgent    string
	MinPrice     float64
	MaxPrice     float64
	MinChangePct float64
	ChangeFilter bool
}

// Scanner polls a TradingView-style scan endpoint.
type Scanner struct {
	opts     ScannerOptions
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

// NewScanner constructs a scanner source.
func NewScanner(opts ScannerOptions, logger zerolog.Logger) *Scanner {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultScannerLimit
	}
	if strings.TrimSpace(opts.Market) == "" {
		opts.Market = defaultScannerMarket
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultScannerBaseURL
	}

	return &Scanner{
		opts:     opts,
		endpoint: fmt.Sprintf("%s/%s/scan", baseURL, strings.Trim(opts.Market, "/")),
		client:   &http.Client{Timeout: opts.Timeout},
		logger:   logger.With().Str("component", "scanner").Str("market", opts.Market).Logger(),
	}
}

// Name implements Source.
func (s *Scanner) Name() string { return "scanner:" + s.opts.Market }

// Fetch implements Source.
func (s *Scanner) Fetch(ctx context.Context) ([]signal.RawRow, error) {
	rows, err := s.fetch(ctx)
	if err != nil {
		return nil, &FetchError{Source: s.Name(), Op: "scan", Err: err}
	}
	s.logger.Debug().Int("rows", len(rows)).Msg("scan completed")
	return rows, nil
}

func (s *Scanner) fetch(ctx context.Context) ([]signal.RawRow, error) {
	body, err := json.Marshal(s.buildRequest())
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.opts.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseScanError(resp.StatusCode, payload)
	}

	var res scanResponse
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("decode scan response: %w", err)
	}

	rows := make([]signal.RawRow, 0, len(res.Data))
	for _, item := range res.Data {
		rows = append(rows, signal.RawRow{Key: item.S, Values: item.D})
	}
	return rows, nil
}

func (s *Scanner) buildRequest() scanRequest {
	filters := []scanFilter{
		{Left: "close", Operation: "egreater", Right: s.opts.MinPrice},
	}
	if s.opts.MaxPrice > 0 {
		filters = append(filters, scanFilter{Left: "close", Operation: "eless", Right: s.opts.MaxPrice})
	}
	if s.opts.ChangeFilter {
		filters = append(filters, scanFilter{Left: "change", Operation: "egreater", Right: s.opts.MinChangePct})
	}
	filters = append(filters, scanFilter{Left: "volume", Operation: "greater", Right: 0})

	req := scanRequest{
		Columns: scanColumns,
		Filter:  filters,
		Sort:    scanSort{SortBy: "volume", SortOrder: "desc"},
		Range:   [2]int{0, s.opts.Limit},
	}
	req.Symbols.Query.Types = []string{}
	req.Symbols.Tickers = []string{}
	return req
}

type scanRequest struct {
	Symbols struct {
		Query struct {
			Types []string `json:"types"`
		} `json:"query"`
		Tickers []string `json:"tickers"`
	} `json:"symbols"`
	Columns []string     `json:"columns"`
	Filter  []scanFilter `json:"filter"`
	Sort    scanSort     `json:"sort"`
	Range   [2]int       `json:"range"`
}

type scanFilter struct {
	Left      string  `json:"left"`
	Operation string  `json:"operation"`
	Right     float64 `json:"right"`
}

type scanSort struct {
	SortBy    string `json:"sortBy"`
	SortOrder string `json:"sortOrder"`
}

type scanResponse struct {
	TotalCount int `json:"totalCount"`
	Data       []struct {
		S string `json:"s"`
		D []any  `json:"d"`
	} `json:"data"`
}

func parseScanError(status int, payload []byte) error {
	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("scanner error (%d): %s", status, apiErr.Error)
	}
	if text := strings.TrimSpace(string(payload)); text != "" {
		if len(text) > 200 {
			text = text[:200]
		}
		return fmt.Errorf("scanner error (%d): %s", status, text)
	}
	return errors.New("scanner error (" + http.StatusText(status) + ")")
}

var _ Source = (*Scanner)(nil)
