package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"sigwatch/internal/storage"
)

// Export writes the dispatch audit as CSV and/or an hourly PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-7 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListDispatchesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no dispatches found for export window")
		return nil
	}
	if len(records) > opts.MaxPoints {
		records = records[len(records)-opts.MaxPoints:]
	}
	a.Logger.Info().Int("exported", len(records)).Msg("exporting dispatches")

	if opts.CSVPath != "" {
		if err := writeDispatchesCSV(opts.CSVPath, records); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeDispatchesPNG(opts.PNGPath, records); err != nil {
			return err
		}
	}

	return nil
}

func writeDispatchesCSV(path string, records []storage.DispatchRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "symbol", "side", "qty", "price", "change_pct", "dollar_volume", "source", "success", "http_status", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		status := ""
		if rec.HTTPStatus != nil {
			status = strconv.Itoa(*rec.HTTPStatus)
		}
		errMsg := ""
		if rec.Error != nil {
			errMsg = *rec.Error
		}
		row := []string{
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.Symbol,
			rec.Side,
			rec.Qty.String(),
			rec.Price.String(),
			rec.ChangePct.String(),
			rec.DollarVolume.String(),
			rec.Source,
			strconv.FormatBool(rec.Success),
			status,
			errMsg,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	return writer.Error()
}

type hourlyCounts struct {
	hours     []time.Time
	succeeded []float64
	failed    []float64
}

// bucketHourly counts dispatch outcomes per UTC hour, oldest first.
func bucketHourly(records []storage.DispatchRecord) hourlyCounts {
	ok := make(map[time.Time]float64)
	bad := make(map[time.Time]float64)
	for _, rec := range records {
		hour := rec.CreatedAt.UTC().Truncate(time.Hour)
		if _, seen := ok[hour]; !seen {
			ok[hour] = 0
		}
		if rec.Success {
			ok[hour]++
		} else {
			bad[hour]++
		}
	}

	var out hourlyCounts
	for hour := range ok {
		out.hours = append(out.hours, hour)
	}
	sort.Slice(out.hours, func(i, j int) bool { return out.hours[i].Before(out.hours[j]) })
	for _, hour := range out.hours {
		out.succeeded = append(out.succeeded, ok[hour])
		out.failed = append(out.failed, bad[hour])
	}
	return out
}

func writeDispatchesPNG(path string, records []storage.DispatchRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	counts := bucketHourly(records)
	if len(counts.hours) < 2 {
		// go-chart needs two points to draw a range.
		first := counts.hours[0]
		counts.hours = append([]time.Time{first.Add(-time.Hour)}, counts.hours...)
		counts.succeeded = append([]float64{0}, counts.succeeded...)
		counts.failed = append([]float64{0}, counts.failed...)
	}

	countFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeHourValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Dispatches per hour",
			ValueFormatter: countFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Delivered",
				XValues: counts.hours,
				YValues: counts.succeeded,
			},
			chart.TimeSeries{
				Name:    "Failed",
				XValues: counts.hours,
				YValues: counts.failed,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
