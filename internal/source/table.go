package source

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"sigwatch/internal/signal"
)

const (
	rowSelector  = `[role="row"]`
	cellSelector = `[role="gridcell"]`
)

// TableOptions describe where the optional columns live in the rendered
// screener table. A negative index disables the column.
type TableOptions struct {
	PriceCells        int
	ChangeColumn      int
	VolumeColumn      int
	DescriptionColumn int
}

// DefaultTableOptions scan the first six cells for a price and ignore the
// other columns.
func DefaultTableOptions() TableOptions {
	return TableOptions{PriceCells: 6, ChangeColumn: -1, VolumeColumn: -1, DescriptionColumn: -1}
}

// ParseTable extracts rows from a rendered screener grid. Rows without a
// symbol or a positive price (header rows, placeholders) are skipped.
func ParseTable(html string, opts TableOptions) ([]signal.RawRow, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse screener html: %w", err)
	}
	if opts.PriceCells <= 0 {
		opts.PriceCells = 6
	}

	rows := make([]signal.RawRow, 0)
	doc.Find(rowSelector).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find(cellSelector)

		symbol := ""
		if attr, ok := row.Attr("data-symbol"); ok {
			symbol = strings.TrimSpace(attr)
		}
		if symbol == "" && cells.Length() > 0 {
			symbol = firstLine(cells.First().Text())
		}
		if signal.CanonicalSymbol(symbol) == "" {
			return
		}

		price := ""
		cells.EachWithBreak(func(i int, cell *goquery.Selection) bool {
			if i >= opts.PriceCells {
				return false
			}
			text := strings.TrimSpace(strings.ReplaceAll(cell.Text(), ",", ""))
			if v, err := strconv.ParseFloat(text, 64); err == nil && v > 0 {
				price = text
				return false
			}
			return true
		})
		if price == "" {
			return
		}

		values := []any{symbol, price, nil, nil, nil}
		if text, ok := cellText(cells, opts.ChangeColumn); ok {
			values[signal.ColChange] = text
		}
		if text, ok := cellText(cells, opts.VolumeColumn); ok {
			values[signal.ColVolume] = text
		}
		if text, ok := cellText(cells, opts.DescriptionColumn); ok {
			values[signal.ColDescription] = text
		}
		rows = append(rows, signal.RawRow{Key: symbol, Values: values})
	})
	return rows, nil
}

func cellText(cells *goquery.Selection, idx int) (string, bool) {
	if idx < 0 || idx >= cells.Length() {
		return "", false
	}
	return firstLine(cells.Eq(idx).Text()), true
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexAny(s, "\r\n"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
