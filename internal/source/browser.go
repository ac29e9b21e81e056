package source

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"sigwatch/internal/signal"
)

// Renderer drives a browser. Chrome is the production implementation.
type Renderer interface {
	Launch(ctx context.Context) error
	Render(ctx context.Context, url string) (string, error)
	Close() error
}

// BrowserOptions parameterise the browser screener source.
type BrowserOptions struct {
	ScreenerURL string
	Table       TableOptions
}

// Browser scrapes a rendered screener page through a long-lived session.
type Browser struct {
	opts     BrowserOptions
	renderer Renderer
	logger   zerolog.Logger

	mu   sync.Mutex
	open bool
}

// NewBrowser constructs a browser source. The session is not launched until
// Open is called.
func NewBrowser(opts BrowserOptions, renderer Renderer, logger zerolog.Logger) *Browser {
	return &Browser{
		opts:     opts,
		renderer: renderer,
		logger:   logger.With().Str("component", "browser_source").Logger(),
	}
}

// Name implements Source.
func (b *Browser) Name() string { return "browser" }

// Open launches the browser session.
func (b *Browser) Open(ctx context.Context) error {
	if strings.TrimSpace(b.opts.ScreenerURL) == "" {
		return errors.New("screener url not configured")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return nil
	}
	if err := b.renderer.Launch(ctx); err != nil {
		_ = b.renderer.Close()
		return err
	}
	b.open = true
	b.logger.Info().Msg("browser session launched")
	return nil
}

// Close releases the browser session. It is safe to call repeatedly.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil
	}
	b.open = false
	b.logger.Info().Msg("browser session closed")
	return b.renderer.Close()
}

// Healthy reports whether the session is open.
func (b *Browser) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Fetch renders the screener and parses its grid.
func (b *Browser) Fetch(ctx context.Context) ([]signal.RawRow, error) {
	if !b.Healthy() {
		return nil, &FetchError{Source: b.Name(), Op: "render", Err: errors.New("session not open"), SessionLost: true}
	}

	b.logger.Debug().Str("url", b.opts.ScreenerURL).Msg("rendering screener")
	html, err := b.renderer.Render(ctx, b.opts.ScreenerURL)
	if err != nil {
		// Caller cancellation is not a lost session.
		lost := !errors.Is(ctx.Err(), context.Canceled)
		return nil, &FetchError{Source: b.Name(), Op: "render", Err: err, SessionLost: lost}
	}

	rows, err := ParseTable(html, b.opts.Table)
	if err != nil {
		return nil, &FetchError{Source: b.Name(), Op: "parse", Err: err}
	}
	b.logger.Debug().Int("rows", len(rows)).Msg("screener parsed")
	return rows, nil
}

var _ Session = (*Browser)(nil)
