package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const exchangeSeparator = ":"

var (
	errNotNumeric = errors.New("not numeric")

	magnitudes = map[byte]decimal.Decimal{
		'K': decimal.New(1, 3),
		'M': decimal.New(1, 6),
		'B': decimal.New(1, 9),
		'T': decimal.New(1, 12),
	}

	numberCleaner = strings.NewReplacer(
		",", "",
		"\u202f", "",
		"\u00a0", "",
		" ", "",
		"\u2212", "-",
	)
)

// Normalize converts a raw row into a Signal.
func Normalize(row RawRow) (Signal, error) {
	return normalizeAt(0, row)
}

// NormalizeBatch normalizes rows in order. Rows that fail are reported and
// skipped; they never abort the batch.
func NormalizeBatch(rows []RawRow) ([]Signal, []*RowError) {
	signals := make([]Signal, 0, len(rows))
	var rowErrs []*RowError
	for i, row := range rows {
		sig, err := normalizeAt(i, row)
		if err != nil {
			var rowErr *RowError
			if errors.As(err, &rowErr) {
				rowErrs = append(rowErrs, rowErr)
			}
			continue
		}
		signals = append(signals, sig)
	}
	return signals, rowErrs
}

// Row is the inverse of Normalize for an already canonical signal.
func Row(s Signal) RawRow {
	return RawRow{
		Key:    s.Symbol,
		Values: []any{s.Symbol, s.Price, s.ChangePct, s.Volume, s.Description},
	}
}

// CanonicalSymbol strips any exchange prefix and upper-cases the ticker.
func CanonicalSymbol(token string) string {
	token = strings.TrimSpace(token)
	if idx := strings.IndexAny(token, "\r\n"); idx >= 0 {
		token = token[:idx]
	}
	if idx := strings.LastIndex(token, exchangeSeparator); idx >= 0 {
		token = token[idx+len(exchangeSeparator):]
	}
	return strings.ToUpper(strings.TrimSpace(token))
}

func normalizeAt(index int, row RawRow) (Signal, error) {
	if len(row.Values) <= ColPrice {
		return Signal{}, &RowError{Index: index, Row: row, Reason: fmt.Sprintf("expected at least %d fields, got %d", ColPrice+1, len(row.Values))}
	}

	token := row.Key
	if strings.TrimSpace(token) == "" {
		token = stringAt(row.Values, ColSymbol)
	}
	symbol := CanonicalSymbol(token)
	if symbol == "" {
		return Signal{}, &RowError{Index: index, Row: row, Reason: "empty symbol"}
	}

	price, err := numberAt(row.Values, ColPrice)
	if err != nil {
		return Signal{}, &RowError{Index: index, Row: row, Reason: "price", Err: err}
	}
	if price.IsNegative() {
		return Signal{}, &RowError{Index: index, Row: row, Reason: "negative price"}
	}
	change, err := numberAt(row.Values, ColChange)
	if err != nil {
		return Signal{}, &RowError{Index: index, Row: row, Reason: "change", Err: err}
	}
	volume, err := numberAt(row.Values, ColVolume)
	if err != nil {
		return Signal{}, &RowError{Index: index, Row: row, Reason: "volume", Err: err}
	}

	return Signal{
		Symbol:       symbol,
		Price:        price.InexactFloat64(),
		ChangePct:    change.InexactFloat64(),
		Volume:       volume.InexactFloat64(),
		DollarVolume: price.Mul(volume).InexactFloat64(),
		Description:  strings.TrimSpace(stringAt(row.Values, ColDescription)),
	}, nil
}

func stringAt(values []any, idx int) string {
	if idx >= len(values) || values[idx] == nil {
		return ""
	}
	switch v := values[idx].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// numberAt reads a numeric column. Missing, null and blank values are zero.
func numberAt(values []any, idx int) (decimal.Decimal, error) {
	if idx >= len(values) || values[idx] == nil {
		return decimal.Zero, nil
	}
	switch v := values[idx].(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case json.Number:
		return parseNumber(v.String())
	case string:
		return parseNumber(v)
	default:
		return decimal.Zero, fmt.Errorf("%w: unsupported type %T", errNotNumeric, v)
	}
}

func parseNumber(raw string) (decimal.Decimal, error) {
	s := numberCleaner.Replace(strings.TrimSpace(raw))
	if s == "" || s == "-" || s == "\u2014" {
		return decimal.Zero, nil
	}
	s = strings.TrimPrefix(s, "+")
	s = strings.TrimSuffix(s, "%")

	multiplier := decimal.NewFromInt(1)
	if n := len(s); n > 1 {
		if m, ok := magnitudes[strings.ToUpper(s[n-1:])[0]]; ok {
			multiplier = m
			s = s[:n-1]
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", errNotNumeric, raw)
	}
	return d.Mul(multiplier), nil
}
