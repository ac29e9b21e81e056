package source

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// ChromeOptions configure the headless Chrome renderer.
type ChromeOptions struct {
	ExecPath      string
	Headless      bool
	UserAgent     string
	Cookies       []Cookie
	LaunchTimeout time.Duration
	RenderTimeout time.Duration
	WaitSelector  string
	SettleDelay   time.Duration
	ScrollDelay   time.Duration
}

// Chrome renders pages with a single reused chromedp tab.
type Chrome struct {
	opts   ChromeOptions
	logger zerolog.Logger

	mu          sync.Mutex
	tab         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

// NewChrome constructs a renderer; the browser starts on Launch.
func NewChrome(opts ChromeOptions, logger zerolog.Logger) *Chrome {
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 30 * time.Second
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = 60 * time.Second
	}
	return &Chrome{opts: opts, logger: logger.With().Str("component", "chrome").Logger()}
}

// Launch starts Chrome and installs cookies.
func (c *Chrome) Launch(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tab != nil {
		return nil
	}

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.NoSandbox,
		chromedp.Flag("headless", c.opts.Headless),
		chromedp.Flag("lang", "en-US"),
		chromedp.WindowSize(1600, 1200),
	)
	if c.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(c.opts.ExecPath))
	}
	if c.opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(c.opts.UserAgent))
	}

	// The browser lives as long as the context of its first Run, so it must
	// not be derived from ctx.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tab, cancelTab := chromedp.NewContext(allocCtx)

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(tab, c.cookieActions()...)
	}()

	timer := time.NewTimer(c.opts.LaunchTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		err = errors.New("browser launch timed out")
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		cancelTab()
		cancelAlloc()
		return err
	}

	c.tab, c.cancelTab, c.cancelAlloc = tab, cancelTab, cancelAlloc
	c.logger.Info().Int("cookies", len(c.opts.Cookies)).Bool("headless", c.opts.Headless).Msg("chrome launched")
	return nil
}

// Render navigates to url, waits for the grid to render and returns the page HTML.
func (c *Chrome) Render(ctx context.Context, url string) (string, error) {
	c.mu.Lock()
	tab := c.tab
	c.mu.Unlock()
	if tab == nil {
		return "", errors.New("chrome not launched")
	}

	runCtx, cancel := context.WithTimeout(tab, c.opts.RenderTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if c.opts.WaitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(c.opts.WaitSelector, chromedp.ByQuery))
	}
	var html string
	actions = append(actions,
		chromedp.Sleep(c.opts.SettleDelay),
		chromedp.Evaluate(`window.scrollBy(0, 20000)`, nil),
		chromedp.Sleep(c.opts.ScrollDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	if err := chromedp.Run(runCtx, actions...); err != nil {
		return "", err
	}
	return html, nil
}

// Close shuts the browser down.
func (c *Chrome) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelTab != nil {
		c.cancelTab()
	}
	if c.cancelAlloc != nil {
		c.cancelAlloc()
	}
	c.tab, c.cancelTab, c.cancelAlloc = nil, nil, nil
	return nil
}

func (c *Chrome) cookieActions() []chromedp.Action {
	if len(c.opts.Cookies) == 0 {
		return nil
	}
	cookies := c.opts.Cookies
	return []chromedp.Action{chromedp.ActionFunc(func(ctx context.Context) error {
		for _, ck := range cookies {
			params := network.SetCookie(ck.Name, ck.Value).
				WithDomain(ck.Domain).
				WithPath(ck.Path).
				WithHTTPOnly(ck.HTTPOnly).
				WithSecure(ck.Secure)
			if ck.Expires > 0 {
				sec, frac := math.Modf(ck.Expires)
				expires := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
				params = params.WithExpires(&expires)
			}
			if ck.SameSite != "" {
				params = params.WithSameSite(network.CookieSameSite(ck.SameSite))
			}
			if err := params.Do(ctx); err != nil {
				return err
			}
		}
		return nil
	})}
}

var _ Renderer = (*Chrome)(nil)
