package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"sigwatch/internal/storage"
)

// Show prints the most recent dispatch audit rows.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show dispatches")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentDispatches(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeDispatchTable(os.Stdout, records)
}

func writeDispatchTable(out io.Writer, records []storage.DispatchRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no dispatches found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tSide\tQty\tPrice\tChange%\tDollarVol\tSource\tStatus\tError")

	for _, rec := range records {
		status := "-"
		if rec.HTTPStatus != nil {
			status = strconv.Itoa(*rec.HTTPStatus)
		}
		if !rec.Success {
			status += " (failed)"
		}
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.Symbol,
			rec.Side,
			rec.Qty.String(),
			rec.Price.StringFixed(2),
			rec.ChangePct.StringFixed(2),
			rec.DollarVolume.StringFixed(0),
			rec.Source,
			status,
			errMsg,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
