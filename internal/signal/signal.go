// Package signal defines the canonical trade signal and the normalizer that
// turns source rows into signals.
package signal

import "fmt"

// Column positions shared by every source when building a RawRow.
const (
	ColSymbol = iota
	ColPrice
	ColChange
	ColVolume
	ColDescription
)

// RawRow is a source-specific row before normalization.
type RawRow struct {
	// Key is the keyed symbol token, e.g. "NASDAQ:AAPL". Optional.
	Key string
	// Values holds positional columns in Col* order. Elements may be nil,
	// float64, json.Number or string.
	Values []any
}

// Signal is a normalized candidate for dispatch.
type Signal struct {
	Symbol       string
	Price        float64
	ChangePct    float64
	Volume       float64
	DollarVolume float64
	Description  string
}

// RowError reports a row that could not be normalized. The row is dropped.
type RowError struct {
	Index  int
	Row    RawRow
	Reason string
	Err    error
}

func (e *RowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("row %d: %s: %v", e.Index, e.Reason, e.Err)
	}
	return fmt.Sprintf("row %d: %s", e.Index, e.Reason)
}

func (e *RowError) Unwrap() error { return e.Err }
