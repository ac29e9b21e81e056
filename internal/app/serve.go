package app

import (
	"context"
	"os/signal"
	"syscall"

	"sigwatch/internal/server"
	"sigwatch/internal/sink"
)

// Serve runs the webhook sink until interrupted.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Config.ValidateSink(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b := a.Config.Sink.Broker
	broker, err := sink.NewAlpacaBroker(sink.AlpacaOptions{
		APIKey:    b.APIKey,
		APISecret: b.APISecret,
		BaseURL:   b.BaseURL,
	})
	if err != nil {
		return err
	}

	return a.serveWith(ctx, broker)
}

func (a *App) serveWith(ctx context.Context, broker sink.Broker) error {
	handler, err := sink.NewHandler(a.Config.Sink.Token, broker, a.metrics, a.Logger)
	if err != nil {
		return err
	}

	srv := server.New(server.Handlers{server.NewHealth(nil), handler}, a.Logger, a.serverOptions(a.Config.Sink.Addr)...)
	a.Logger.Info().Str("addr", a.Config.Sink.Addr).
		Str("broker", a.Config.Sink.Broker.BaseURL).
		Msg("starting webhook sink")
	return srv.Run(ctx)
}
