package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"sigwatch/internal/cooldown"
	"sigwatch/internal/dispatch"
	"sigwatch/internal/service"
	"sigwatch/internal/signal"
	"sigwatch/internal/source"
)

// SimulateOptions describe one synthetic screener row.
type SimulateOptions struct {
	Symbol    string
	Price     string
	ChangePct string
	Volume    string
	// DryRun stops before the sink; admitted signals are only logged.
	DryRun bool
}

// Simulate pushes one synthetic row through normalize, filter, gate and
// dispatch, then prints the cycle report.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	row := signal.RawRow{
		Key:    opts.Symbol,
		Values: []any{opts.Symbol, opts.Price, opts.ChangePct, opts.Volume},
	}

	var sender dispatch.Sender
	if opts.DryRun {
		sender = dryRunSender{logger: a.Logger}
	} else {
		if err := a.Config.ValidateWatcher(); err != nil {
			return err
		}
		client, err := a.newSender()
		if err != nil {
			return err
		}
		sender = client
	}

	report, err := a.simulateWith(ctx, row, sender)
	if err != nil {
		return err
	}
	return printReport(os.Stdout, report)
}

func (a *App) simulateWith(ctx context.Context, row signal.RawRow, sender dispatch.Sender) (service.CycleReport, error) {
	svc, err := service.New(a.serviceOptions(), service.Deps{
		Source:   source.NewStatic("simulate", row),
		Policy:   a.newPolicy(),
		Gate:     cooldown.New(a.Config.Cooldown.Duration),
		Sender:   sender,
		Metrics:  a.metrics,
		Notifier: a.newNotifier(),
	}, a.Logger)
	if err != nil {
		return service.CycleReport{}, err
	}
	return svc.Cycle(ctx)
}

func printReport(out io.Writer, r service.CycleReport) error {
	_, err := fmt.Fprintf(out,
		"rows=%d normalized=%d row_errors=%d rejected=%d accepted=%d suppressed=%d dispatched=%d failed=%d\n",
		r.Rows, r.Normalized, r.RowErrors, r.Rejected, r.Accepted, r.Suppressed, r.Dispatched, r.Failed)
	return err
}

type dryRunSender struct {
	logger zerolog.Logger
}

func (d dryRunSender) Send(_ context.Context, sig signal.Signal) dispatch.Result {
	d.logger.Info().Str("symbol", sig.Symbol).
		Float64("price", sig.Price).
		Float64("change_pct", sig.ChangePct).
		Float64("dollar_volume", sig.DollarVolume).
		Msg("dry run: signal would be dispatched")
	return dispatch.Result{Success: true, HTTPStatus: http.StatusOK}
}
