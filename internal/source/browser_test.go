package source

import (
	"context"
	"errors"
	"testing"
)

const screenerHTML = `<html><body>
<div role="grid">
  <div role="row"><div role="columnheader">Ticker</div><div role="columnheader">Price</div></div>
  <div role="row" data-symbol="NASDAQ:AAPL">
    <div role="gridcell">AAPL
Apple Inc.</div>
    <div role="gridcell">150.25</div>
    <div role="gridcell">+3.50%</div>
    <div role="gridcell">12.5M</div>
  </div>
  <div role="row">
    <div role="gridcell">NYSE:KO</div>
    <div role="gridcell">n/a</div>
    <div role="gridcell">1,061.00</div>
    <div role="gridcell">-1.2%</div>
  </div>
  <div role="row" data-symbol="NASDAQ:NOPRICE">
    <div role="gridcell">NOPRICE</div>
    <div role="gridcell">—</div>
  </div>
</div>
</body></html>`

func TestParseTableDefaultOptions(t *testing.T) {
	rows, err := ParseTable(screenerHTML, DefaultTableOptions())
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %+v", len(rows), rows)
	}
	if rows[0].Key != "NASDAQ:AAPL" || rows[0].Values[1] != "150.25" {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
	if rows[1].Key != "NYSE:KO" || rows[1].Values[1] != "1061.00" {
		t.Fatalf("unexpected second row: %+v", rows[1])
	}
	if rows[0].Values[2] != nil || rows[0].Values[3] != nil {
		t.Fatalf("change/volume columns are disabled by default: %+v", rows[0].Values)
	}
}

func TestParseTableOptionalColumns(t *testing.T) {
	opts := DefaultTableOptions()
	opts.ChangeColumn = 2
	opts.VolumeColumn = 3
	rows, err := ParseTable(screenerHTML, opts)
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	if rows[0].Values[2] != "+3.50%" || rows[0].Values[3] != "12.5M" {
		t.Fatalf("unexpected optional columns: %+v", rows[0].Values)
	}
}

func TestParseCookies(t *testing.T) {
	cookies, err := ParseCookies(`[{"name":"sessionid","value":"abc","expires":9999999999,"httpOnly":true,"secure":true,"sameSite":"Lax"},{"name":"x","value":"y","domain":"example.com","path":"/p"}]`)
	if err != nil {
		t.Fatalf("ParseCookies: %v", err)
	}
	if len(cookies) != 2 {
		t.Fatalf("expected 2 cookies, got %d", len(cookies))
	}
	if cookies[0].Domain != ".tradingview.com" || cookies[0].Path != "/" {
		t.Fatalf("defaults not applied: %+v", cookies[0])
	}
	if cookies[1].Domain != "example.com" || cookies[1].Path != "/p" {
		t.Fatalf("explicit values overwritten: %+v", cookies[1])
	}

	if c, err := ParseCookies("  "); err != nil || c != nil {
		t.Fatalf("blank input should yield no cookies, got %v %v", c, err)
	}
	if _, err := ParseCookies(`{"name":1}`); err == nil {
		t.Fatal("malformed json should fail")
	}
	if _, err := ParseCookies(`[{"value":"x"}]`); err == nil {
		t.Fatal("nameless cookie should fail")
	}
}

type fakeRenderer struct {
	launches  int
	closes    int
	launchErr error
	renderErr error
	html      string
}

func (f *fakeRenderer) Launch(context.Context) error {
	f.launches++
	return f.launchErr
}

func (f *fakeRenderer) Render(context.Context, string) (string, error) {
	return f.html, f.renderErr
}

func (f *fakeRenderer) Close() error {
	f.closes++
	return nil
}

func TestBrowserLifecycle(t *testing.T) {
	r := &fakeRenderer{html: screenerHTML}
	b := NewBrowser(BrowserOptions{ScreenerURL: "https://example.test/screener", Table: DefaultTableOptions()}, r, noopLogger())

	if _, err := b.Fetch(context.Background()); err == nil {
		t.Fatal("fetch before open must fail")
	}

	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Open(context.Background()); err != nil || r.launches != 1 {
		t.Fatalf("second Open must be a no-op, launches=%d err=%v", r.launches, err)
	}
	if !b.Healthy() {
		t.Fatal("session should be healthy")
	}

	rows, err := b.Fetch(context.Background())
	if err != nil || len(rows) != 2 {
		t.Fatalf("Fetch: rows=%d err=%v", len(rows), err)
	}

	_ = b.Close()
	_ = b.Close()
	if r.closes != 1 || b.Healthy() {
		t.Fatalf("close should release once, closes=%d", r.closes)
	}
}

func TestBrowserRenderFailureLosesSession(t *testing.T) {
	r := &fakeRenderer{renderErr: errors.New("target crashed")}
	b := NewBrowser(BrowserOptions{ScreenerURL: "https://example.test"}, r, noopLogger())
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err := b.Fetch(context.Background())
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || !fetchErr.SessionLost {
		t.Fatalf("expected lost session, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Fetch(ctx)
	if !errors.As(err, &fetchErr) || fetchErr.SessionLost {
		t.Fatalf("cancellation must not be reported as a lost session, got %v", err)
	}
}

func TestBrowserOpenRequiresURL(t *testing.T) {
	b := NewBrowser(BrowserOptions{}, &fakeRenderer{}, noopLogger())
	if err := b.Open(context.Background()); err == nil {
		t.Fatal("missing screener url should fail")
	}
}

func TestBrowserLaunchFailureReleasesRenderer(t *testing.T) {
	r := &fakeRenderer{launchErr: errors.New("no chrome")}
	b := NewBrowser(BrowserOptions{ScreenerURL: "https://example.test"}, r, noopLogger())
	if err := b.Open(context.Background()); err == nil {
		t.Fatal("expected launch error")
	}
	if b.Healthy() || r.closes != 1 {
		t.Fatalf("failed launch should release renderer, closes=%d", r.closes)
	}
}
