package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"floorwatch/internal/alerting"
	"floorwatch/internal/catalog"
	"floorwatch/internal/config"
	"floorwatch/internal/fetcher"
	"floorwatch/internal/scheduler"
	"floorwatch/internal/service"
	"floorwatch/internal/storage"
	"floorwatch/internal/support"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newEngine() (*support.Engine, error) {
	return a.Config.Analysis.Engine()
}

func (a *App) newPrimaryFetcher() *fetcher.Pulse {
	p := a.Config.Pulse
	return fetcher.NewPulse(fetcher.PulseOptions{
		BaseURL:           p.BaseURL,
		GameType:          p.GameType,
		Market:            p.Market,
		CurrencyOverride:  p.CurrencyOverride,
		DeviceID:          p.DeviceID,
		Authorization:     p.Authorization,
		Cookie:            p.Cookie,
		Origin:            p.Origin,
		Referer:           p.Referer,
		FetchHours:        a.Config.Analysis.WindowHours + p.FetchExtraHours,
		Timeout:           p.RequestTimeout,
		MaxRetries:        p.MaxRetries,
		RetryInitialDelay: p.RetryInitialDelay,
		RequestsPerSec:    p.RequestsPerSec,
	}, a.Logger)
}

// newSecondaryFetcher wires the secondary marketplace client behind the
// sqlite-backed catalog. A nil fetcher means the secondary market is not
// configured.
func (a *App) newSecondaryFetcher() (fetcher.HistoryFetcher, func(), error) {
	if a.Config.Secondary.BaseURL == "" {
		return nil, nil, nil
	}

	cat, err := catalog.New(catalog.Options{
		BaseURL: a.Config.Secondary.BaseURL,
		Path:    a.Config.Catalog.Path,
		TTL:     a.Config.Catalog.TTL,
		Timeout: a.Config.Secondary.RequestTimeout,
	}, a.Logger)
	if err != nil {
		return nil, nil, err
	}

	secondary := fetcher.NewSecondary(fetcher.SecondaryOptions{
		BaseURL: a.Config.Secondary.BaseURL,
		Timeout: a.Config.Secondary.RequestTimeout,
	}, cat, a.Logger)

	closer := func() {
		_ = cat.Close()
	}
	return secondary, closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
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

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running watch service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, err := a.newEngine()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	primary := a.newPrimaryFetcher()
	secondary, closeCatalog, err := a.newSecondaryFetcher()
	if err != nil {
		return err
	}
	if closeCatalog != nil {
		defer closeCatalog()
	}
	notifier := a.newNotifier()

	var quoteStore storage.QuoteStore
	var alertStore storage.AlertStore
	if store != nil {
		quoteStore = store
		alertStore = store
	}

	svc := service.New(a.Config, engine, sched, primary, secondary, quoteStore, alertStore, notifier, a.Logger)

	a.Logger.Info().Int("watchlist", len(a.Config.Watchlist)).Msg("starting watch service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("watch service stopped")
	return nil
}

// AnalyzeOptions configure a one-shot support-price analysis.
type AnalyzeOptions struct {
	Item          string
	Density       *float64
	SkipSecondary bool
	Verbose       bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
}

// ExportOptions hold parameters for exporting an item's quote history.
type ExportOptions struct {
	Item      string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}
