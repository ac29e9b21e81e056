// Package source provides the market-data adapters polled by the scan loop.
package source

import (
	"context"
	"fmt"

	"sigwatch/internal/signal"
)

// Source yields raw candidate rows. Zero matches is an empty slice and a nil
// error; a failed fetch is a *FetchError.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]signal.RawRow, error)
}

// Session is a Source that holds an expensive resource (a browser) across
// cycles. The scan loop opens it, and closes and reopens it after failures.
type Session interface {
	Source
	Open(ctx context.Context) error
	Close() error
	Healthy() bool
}

// FetchError reports a failure of the fetch itself, as opposed to a single
// row that could not be parsed.
type FetchError struct {
	Source string
	Op     string
	Err    error
	// SessionLost is set when the underlying session is unusable and must be
	// relaunched before the next fetch.
	SessionLost bool
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Static returns the same rows on every fetch.
type Static struct {
	name string
	rows []signal.RawRow
}

// NewStatic builds a static source.
func NewStatic(name string, rows ...signal.RawRow) *Static {
	if name == "" {
		name = "static"
	}
	return &Static{name: name, rows: rows}
}

// Name implements Source.
func (s *Static) Name() string { return s.name }

// Fetch implements Source.
func (s *Static) Fetch(ctx context.Context) ([]signal.RawRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{Source: s.name, Op: "fetch", Err: err}
	}
	out := make([]signal.RawRow, len(s.rows))
	copy(out, s.rows)
	return out, nil
}

var _ Source = (*Static)(nil)
