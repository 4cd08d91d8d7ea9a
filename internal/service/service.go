package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"floorwatch/internal/alerting"
	"floorwatch/internal/config"
	"floorwatch/internal/fetcher"
	"floorwatch/internal/scheduler"
	"floorwatch/internal/storage"
	"floorwatch/internal/support"
)

const secondarySalesWindow = 48 * time.Hour

// Service orchestrates watchlist sweeps: history fetch, support-price
// analysis, market comparison, persistence, and floor-drop alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	engine    *support.Engine
	primary   fetcher.HistoryFetcher
	secondary fetcher.HistoryFetcher
	quotes    storage.QuoteStore
	alerts    storage.AlertStore
	notifier  alerting.Notifier
	logger    zerolog.Logger

	watchlist []string
	gates     config.SecondaryConfig
	compare   config.CompareConfig
	alertsOn  bool
	dropPct   decimal.Decimal
	cooldown  time.Duration
	channels  []string
	locker    storage.AdvisoryLocker
	lockKey   int64
	now       func() time.Time
}

// New constructs the watch service.
func New(cfg *config.Config, engine *support.Engine, sched *scheduler.Scheduler, primary, secondary fetcher.HistoryFetcher, quotes storage.QuoteStore, alerts storage.AlertStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	dropPct := decimal.Zero
	if cfg.Alerting.Enabled && cfg.Alerting.DropPct > 0 {
		dropPct = decimal.NewFromFloat(cfg.Alerting.DropPct)
	}

	var locker storage.AdvisoryLocker
	if l, ok := quotes.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:    sched,
		engine:       engine,
		primary:      primary,
		secondary:    secondary,
		quotes:       quotes,
		alerts:       alerts,
		notifier:     notifier,
		logger:       logger.With().Str("component", "service").Logger(),
		watchlist: cfg.Watchlist,
		gates:     cfg.Secondary,
		compare:   cfg.Compare,
		alertsOn:  cfg.Alerting.Enabled,
		dropPct:   dropPct,
		cooldown:  cfg.Alerting.Cooldown,
		channels:  cfg.Alerting.Channels,
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
		now:       time.Now,
	}
}

// Run begins the scheduled sweep loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if len(s.watchlist) == 0 {
		return fmt.Errorf("watchlist is empty")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket sweeps the whole watchlist for one bucket. A per-item
// failure is recorded and does not stop the sweep.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip sweep because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	for _, item := range s.watchlist {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.processItem(ctx, bucket, item); err != nil {
			s.logger.Error().Err(err).Str("item", item).Time("bucket", bucket).Msg("item sweep failed")
		}
	}
	return nil
}

func (s *Service) processItem(ctx context.Context, bucket time.Time, item string) error {
	points, err := s.primary.FetchHistory(ctx, item)
	if err != nil {
		s.persistError(ctx, bucket, item, err)
		return fmt.Errorf("fetch primary history: %w", err)
	}

	dual, err := s.engine.ComputeDual(points)
	if err != nil {
		s.persistError(ctx, bucket, item, err)
		return fmt.Errorf("compute support price: %w", err)
	}

	secondaryRec := s.evaluateSecondary(ctx, item, dual.SupportPrice)
	market, final := CompareMarkets(s.compare, dual.SupportPrice, secondaryRec)
	var secondaryPrice *decimal.Decimal
	if secondaryRec != nil {
		sec := decimal.NewFromFloat(*secondaryRec)
		secondaryPrice = &sec
	}

	chosen := chosenResult(dual)
	quote := storage.QuoteRecord{
		Item:           item,
		Bucket:         bucket,
		SupportPrice:   decimal.NewFromFloat(dual.SupportPrice),
		CurrentPrice:   decimal.NewFromFloat(support.TruncatePrice(chosen.CurrentPrice)),
		ChosenMethod:   dual.ChosenMethod,
		UsedFallback:   dual.UsedFallback,
		RangesCount:    chosen.RangesCount,
		RangeHours:     chosen.RangeHours,
		ChosenMarket:   market,
		SecondaryPrice: secondaryPrice,
		FinalPrice:     final,
		Status:         "complete",
		CreatedAt:      s.now().UTC(),
	}

	var prev *storage.QuoteRecord
	if s.quotes != nil {
		// The previous floor is read before the new quote is written so
		// the drop is measured against the prior sweep.
		prev, err = s.quotes.LatestQuote(ctx, item)
		if err != nil {
			s.logger.Error().Err(err).Str("item", item).Msg("failed to read previous quote")
			prev = nil
		}
		if err := s.quotes.UpsertQuote(ctx, quote); err != nil {
			return fmt.Errorf("persist quote: %w", err)
		}
	}

	s.logger.Info().Str("item", item).
		Time("bucket", bucket).
		Str("method", dual.ChosenMethod).
		Str("market", market).
		Str("final_price", final.String()).
		Msg("support quote recorded")

	s.maybeAlert(ctx, prev, quote)
	return nil
}

// evaluateSecondary returns the secondary market's support recommendation,
// or nil when the item does not qualify: primary floor too cheap to be worth
// cross-listing, too few recent sales, or no usable history. Secondary
// markets are thin, so the analysis runs with density gating disabled.
func (s *Service) evaluateSecondary(ctx context.Context, item string, primaryRec float64) *float64 {
	if s.secondary == nil {
		return nil
	}
	if primaryRec < s.gates.MinPrimaryPriceCheck {
		return nil
	}

	points, err := s.secondary.FetchHistory(ctx, item)
	if err != nil {
		s.logger.Debug().Err(err).Str("item", item).Msg("secondary history unavailable")
		return nil
	}

	cutoff := s.now().UTC().Add(-secondarySalesWindow).Unix()
	if sales := fetcher.CountSalesSince(points, cutoff); sales < s.gates.MinSalesLastTwoDays {
		s.logger.Debug().Str("item", item).Int("sales", sales).Msg("secondary market too quiet")
		return nil
	}

	dual, err := s.engine.ComputeDualWithDensity(points, 0)
	if err != nil {
		s.logger.Debug().Err(err).Str("item", item).Msg("secondary analysis failed")
		return nil
	}

	price := dual.SupportPrice
	return &price
}

func (s *Service) maybeAlert(ctx context.Context, prev *storage.QuoteRecord, quote storage.QuoteRecord) {
	if !s.alertsOn || s.notifier == nil || s.dropPct.IsZero() {
		return
	}
	if prev == nil || prev.FinalPrice.Sign() <= 0 {
		return
	}
	if quote.FinalPrice.GreaterThanOrEqual(prev.FinalPrice) {
		return
	}

	drop := prev.FinalPrice.Sub(quote.FinalPrice).Div(prev.FinalPrice).Mul(decimal.NewFromInt(100))
	if drop.LessThanOrEqual(s.dropPct) {
		return
	}

	if s.cooldown > 0 && s.alerts != nil {
		last, err := s.alerts.LatestAlert(ctx, quote.Item)
		if err != nil {
			s.logger.Error().Err(err).Str("item", quote.Item).Msg("failed to read last alert")
		} else if last != nil && s.now().UTC().Sub(last.CreatedAt) < s.cooldown {
			s.logger.Debug().Str("item", quote.Item).Msg("floor drop within cooldown, suppressed")
			return
		}
	}

	if s.alerts != nil {
		record := storage.FloorAlert{
			Item:         quote.Item,
			Bucket:       quote.Bucket,
			PrevPrice:    prev.FinalPrice,
			NewPrice:     quote.FinalPrice,
			DropPct:      drop,
			ThresholdPct: s.dropPct,
			Channels:     s.channels,
		}
		if _, err := s.alerts.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Str("item", quote.Item).Msg("failed to persist alert record")
		}
	}

	note := alerting.Notification{
		Item:         quote.Item,
		Bucket:       quote.Bucket,
		PrevPrice:    prev.FinalPrice,
		NewPrice:     quote.FinalPrice,
		DropPct:      drop,
		ThresholdPct: s.dropPct,
		Market:       quote.ChosenMarket,
		Channels:     s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("item", quote.Item).Msg("failed to dispatch alert")
	}
}

func (s *Service) persistError(ctx context.Context, bucket time.Time, item string, cause error) {
	if s.quotes == nil {
		return
	}
	msg := cause.Error()
	quote := storage.QuoteRecord{
		Item:      item,
		Bucket:    bucket,
		Status:    "errored",
		Error:     &msg,
		CreatedAt: s.now().UTC(),
	}
	if err := s.quotes.UpsertQuote(ctx, quote); err != nil {
		s.logger.Error().Err(err).Str("item", item).Msg("failed to persist errored quote")
	}
}

func chosenResult(dual support.DualResult) support.Result {
	if dual.ChosenMethod == support.MethodPointWeighted {
		return dual.PointWeighted
	}
	return dual.VolumeWeighted
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
