package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sigwatch/internal/alerting"
	"sigwatch/internal/config"
	"sigwatch/internal/cooldown"
	"sigwatch/internal/dispatch"
	"sigwatch/internal/filter"
	"sigwatch/internal/logging"
	"sigwatch/internal/metrics"
	"sigwatch/internal/scheduler"
	"sigwatch/internal/server"
	"sigwatch/internal/service"
	"sigwatch/internal/source"
	"sigwatch/internal/storage"
	"sigwatch/migrations"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Recorder
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &App{
		Config:   cfg,
		Logger:   logging.Component(logger, "app"),
		registry: reg,
		metrics:  metrics.New(reg),
	}
}

func (a *App) newPolicy() filter.Policy {
	f := a.Config.Filter
	return filter.NewPolicy(filter.Options{
		MinPrice:        f.MinPrice,
		MaxPrice:        f.MaxPrice,
		MinChangePct:    f.MinChangePct,
		MinDollarVolume: f.MinDollarVolume,
		ChangeFilter:    f.ChangeFilter,
		VolumeFilter:    f.VolumeFilter,
		Whitelist:       f.Whitelist,
	})
}

func (a *App) newSource() (source.Source, error) {
	switch a.Config.Source.Kind {
	case config.SourceBrowser:
		b := a.Config.Browser
		cookies, err := source.ParseCookies(b.CookiesJSON)
		if err != nil {
			return nil, fmt.Errorf("browser.cookies_json: %w", err)
		}
		chrome := source.NewChrome(source.ChromeOptions{
			ExecPath:      b.ExecPath,
			Headless:      b.Headless,
			UserAgent:     b.UserAgent,
			Cookies:       cookies,
			LaunchTimeout: b.LaunchTimeout,
			RenderTimeout: b.RenderTimeout,
			WaitSelector:  b.WaitSelector,
			SettleDelay:   b.SettleDelay,
			ScrollDelay:   b.ScrollDelay,
		}, a.Logger)
		return source.NewBrowser(source.BrowserOptions{
			ScreenerURL: b.ScreenerURL,
			Table: source.TableOptions{
				PriceCells:        b.PriceCells,
				ChangeColumn:      b.ChangeColumn,
				VolumeColumn:      b.VolumeColumn,
				DescriptionColumn: b.DescriptionColumn,
			},
		}, chrome, a.Logger), nil
	case config.SourceScanner:
		s := a.Config.Scanner
		f := a.Config.Filter
		return source.NewScanner(source.ScannerOptions{
			BaseURL:      s.BaseURL,
			Market:       s.Market,
			Limit:        s.Limit,
			Timeout:      s.Timeout,
			UserAgent:    s.UserAgent,
			MinPrice:     f.MinPrice,
			MaxPrice:     f.MaxPrice,
			MinChangePct: f.MinChangePct,
			ChangeFilter: f.ChangeFilter,
		}, a.Logger), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", a.Config.Source.Kind)
	}
}

func (a *App) newSender() (*dispatch.Client, error) {
	d := a.Config.Dispatch
	return dispatch.NewClient(dispatch.Options{
		URL:     d.URL,
		Token:   d.Token,
		Side:    d.Side,
		Qty:     d.Qty,
		Timeout: d.Timeout,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	schema := fs.FS(migrations.FS)
	if dir := a.Config.Database.MigrationsPath; dir != "" {
		schema = os.DirFS(dir)
	}
	applied, err := storage.Migrate(ctx, pool, schema)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	a.Logger.Debug().Strs("migrations", applied).Msg("schema up to date")

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) serverOptions(addr string) []server.Option {
	h := a.Config.HTTP
	return []server.Option{
		server.WithAddr(addr),
		server.WithGatherer(a.registry),
		server.WithTimeouts(h.ReadTimeout, h.WriteTimeout, h.ShutdownTimeout),
	}
}

func (a *App) serviceOptions() service.Options {
	return service.Options{
		FetchTimeout:    a.Config.Source.FetchTimeout,
		LaunchAttempts:  a.Config.Browser.LaunchAttempts,
		LaunchBackoff:   a.Config.Browser.LaunchBackoff,
		AdvisoryLockKey: a.Config.ResolveLockKey(),
		Side:            a.Config.Dispatch.Side,
		Qty:             a.Config.Dispatch.Qty,
	}
}

// Run executes the long-running watcher loop, plus the health probe when
// enabled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Config.ValidateWatcher(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	src, err := a.newSource()
	if err != nil {
		return err
	}
	sender, err := a.newSender()
	if err != nil {
		return err
	}

	deps := service.Deps{
		Scheduler: scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			StartupDelay: a.Config.Scheduler.StartupDelay,
		}, a.Logger),
		Source:   src,
		Policy:   a.newPolicy(),
		Gate:     cooldown.New(a.Config.Cooldown.Duration),
		Sender:   sender,
		Metrics:  a.metrics,
		Notifier: a.newNotifier(),
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; dispatch audit disabled")
	} else {
		deps.Store = store
	}
	if closeStore != nil {
		defer closeStore()
	}

	svc, err := service.New(a.serviceOptions(), deps, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("source", src.Name()).
		Str("policy", deps.Policy.String()).
		Dur("interval", a.Config.Scheduler.Interval).
		Dur("cooldown", deps.Gate.Duration()).
		Msg("starting watcher")

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return svc.Run(gctx)
	})
	if a.Config.Health.Enabled {
		health := server.NewHealth(func() map[string]any {
			return map[string]any{
				"state":           svc.State().String(),
				"source":          svc.SourceName(),
				"tracked_symbols": svc.TrackedSymbols(),
				"cooldown":        deps.Gate.Duration().String(),
			}
		})
		srv := server.New(health, a.Logger, a.serverOptions(a.Config.Health.Addr)...)
		group.Go(func() error {
			return srv.Run(gctx)
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watcher terminated with error")
		return err
	}

	a.Logger.Info().Msg("watcher stopped")
	return nil
}

// ExportOptions hold parameters for exporting the dispatch audit.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// PruneOptions configure the prune command.
type PruneOptions struct {
	OlderThan time.Duration
}
