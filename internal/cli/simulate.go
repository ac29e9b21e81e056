package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"sigwatch/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Push one synthetic screener row through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(simulateOpts.Symbol) == "" {
			return errors.New("--symbol is required")
		}
		return getApp().Simulate(cmd.Context(), simulateOpts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOpts.Symbol, "symbol", "", "Symbol, optionally exchange-prefixed (NASDAQ:AAPL)")
	simulateCmd.Flags().StringVar(&simulateOpts.Price, "price", "", "Last price")
	simulateCmd.Flags().StringVar(&simulateOpts.ChangePct, "change", "", "Change percent")
	simulateCmd.Flags().StringVar(&simulateOpts.Volume, "volume", "", "Volume, suffixes like 2.5M accepted")
	simulateCmd.Flags().BoolVar(&simulateOpts.DryRun, "dry-run", false, "Log admitted signals instead of calling the sink")
}
