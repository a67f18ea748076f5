// Package app assembles the trading core from configuration and runs
// it. Dependencies are wired explicitly, in construction order, so
// the graph is readable top to bottom.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"keel/internal/bus"
	"keel/internal/config"
	"keel/internal/engine"
	"keel/internal/ledger"
	"keel/internal/logger"
	"keel/internal/market"
	"keel/internal/notifier"
	"keel/internal/reconcile"
	"keel/internal/risk"
	"keel/internal/scheduler"
	"keel/internal/stoploss"
	"keel/internal/store"
	"keel/internal/store/gormstore"
	"keel/internal/store/memstore"
	"keel/internal/strategy"
	apihttp "keel/internal/transport/http/api"
	"keel/internal/types"
	"keel/internal/venue"
	"keel/internal/venue/binance"
	"keel/internal/venue/sim"

	"golang.org/x/sync/errgroup"
)

// App holds every running component. Build it with New, run it with
// Run.
type App struct {
	cfg      *config.Config
	store    store.Store
	backuper store.Backuper
	events   *bus.Bus
	feed     market.Feed
	stream   *market.StreamFeed
	recorder *market.Recorder
	ledger   *ledger.Ledger
	governor *risk.Governor
	engine   *engine.Engine
	stops    *stoploss.Supervisor
	auditor  *reconcile.Auditor
	http     *apihttp.Server
}

func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	a := &App{cfg: cfg, events: bus.New()}

	var err error
	a.store, err = buildStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	// Resolved once here; Run never type-asserts.
	if b, ok := a.store.(store.Backuper); ok {
		a.backuper = b
	}
	a.feed, a.stream = buildFeed(cfg.Market)
	a.recorder = market.NewRecorder(a.feed, cfg.Market.HistoryDepth)

	a.ledger = ledger.New(a.store.Stocks(), a.store.Trades())
	for _, symbol := range cfg.Market.Symbols {
		if err := a.ledger.RegisterStock(context.Background(), symbol, symbol); err != nil {
			return nil, fmt.Errorf("registering %s: %w", symbol, err)
		}
	}
	a.feed.Subscribe(func(tick types.Tick) {
		a.ledger.UpdateMark(tick.Symbol, tick.Price, tick.At)
	})

	limits := cfg.Risk.Limits
	if cfg.Risk.LimitsFile != "" {
		limits, err = risk.LoadLimitsFile(cfg.Risk.LimitsFile)
		if err != nil {
			return nil, fmt.Errorf("loading risk limits: %w", err)
		}
	}
	a.governor = risk.NewGovernor(limits, a.events)

	primary, fallback, err := buildVenues(cfg.Venue, a.feed)
	if err != nil {
		return nil, err
	}

	a.engine = engine.New(engine.Options{
		Primary:  primary,
		Fallback: fallback,
		Governor: a.governor,
		Ledger:   a.ledger,
		Feed:     a.feed,
		History:  a.recorder,
		Events:   a.events,
		DryRun:   cfg.Trading.DryRun,
	})
	registerStrategies(a.engine, cfg.Market.Symbols, cfg.Trading)

	if cfg.StopLoss.Enabled {
		a.stops, err = stoploss.New(a.store.StopLosses(), a.engine, a.events, a.governor)
		if err != nil {
			return nil, err
		}
		a.feed.Subscribe(a.stops.OnTick)
		if cfg.StopLoss.AutoStart {
			a.stops.Start()
		}
	} else {
		a.stops, err = stoploss.New(a.store.StopLosses(), a.engine, nil, a.governor)
		if err != nil {
			return nil, err
		}
	}

	var alerts notifier.Notifier = notifier.Log{}
	if cfg.Notify.Telegram.BotToken != "" {
		alerts = notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
	}
	notifier.WireAlerts(a.events, alerts)

	a.auditor = reconcile.New(primary, a.ledger, a.store.Reconciliations(), alerts)

	a.http = apihttp.NewServer(cfg.App.HTTPAddr, &apihttp.Router{
		Engine:     a.engine,
		Ledger:     a.ledger,
		Governor:   a.governor,
		StopLosses: a.stops,
		Auditor:    a.auditor,
	})
	return a, nil
}

// Run starts every long-lived component and blocks until the context
// is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.store.Close(); err != nil {
			logger.Errorf("app: closing store: %v", err)
		}
	}()

	if a.cfg.Reconcile.OnStartup && !a.cfg.Trading.DryRun {
		if _, err := a.auditor.ReconcileOnStartup(ctx); err != nil {
			logger.Errorf("app: startup reconciliation failed: %v", err)
		}
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return a.http.Start(ctx) })

	if a.stream != nil {
		group.Go(func() error { return ignoreCancel(a.stream.Run(ctx)) })
	}

	if a.cfg.Risk.LimitsFile != "" {
		group.Go(func() error {
			return ignoreCancel(risk.WatchLimitsFile(ctx, a.cfg.Risk.LimitsFile, a.governor))
		})
	}

	interval, _ := scheduler.ParseIntervalDuration(a.cfg.Trading.EvaluateInterval)
	for _, s := range a.engine.Strategies() {
		id := s.ID()
		sched := scheduler.NewAlignedScheduler(ctx, "evaluate-"+id, interval, 2*time.Second)
		group.Go(func() error {
			sched.Start(func() {
				if _, err := a.engine.Evaluate(ctx, id); err != nil {
					logger.Errorf("app: evaluating %s: %v", id, err)
				}
			})
			return nil
		})
	}

	if a.backuper != nil && a.cfg.Store.BackupDir != "" {
		backupInterval, _ := scheduler.ParseIntervalDuration(a.cfg.Store.BackupInterval)
		dir := a.cfg.Store.BackupDir
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating backup dir: %w", err)
		}
		group.Go(func() error {
			scheduler.IntervalTicker(ctx, "store-backup", backupInterval, func() {
				dest := filepath.Join(dir, "keel-"+time.Now().UTC().Format("20060102T150405")+".db")
				if err := a.backuper.Backup(ctx, dest); err != nil {
					logger.Errorf("app: store backup: %v", err)
				}
			})
			return nil
		})
	}

	if a.cfg.Reconcile.Interval != "" && !a.cfg.Trading.DryRun {
		recInterval, _ := scheduler.ParseIntervalDuration(a.cfg.Reconcile.Interval)
		group.Go(func() error {
			scheduler.IntervalTicker(ctx, "reconcile", recInterval, func() {
				if _, err := a.auditor.ReconcilePeriodic(ctx); err != nil {
					logger.Errorf("app: periodic reconciliation: %v", err)
				}
			})
			return nil
		})
	}

	logger.Infof("app: running env=%s venue=%s dry_run=%v http=%s",
		a.cfg.App.Env, a.cfg.Venue.Primary, a.cfg.Trading.DryRun, a.http.Addr())
	return group.Wait()
}

// Engine exposes the orchestrator for test harnesses.
func (a *App) Engine() *engine.Engine { return a.engine }

// ignoreCancel turns a context cancellation into a clean exit so
// shutdown does not read as a failure.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memstore.New(), nil
	default:
		return gormstore.New(cfg.Path)
	}
}

func buildFeed(cfg config.MarketConfig) (market.Feed, *market.StreamFeed) {
	if cfg.Source == "stream" {
		stream := market.NewStreamFeed(market.StreamConfig{
			URL:          cfg.Stream.URL,
			Symbols:      cfg.Symbols,
			SymbolPath:   cfg.Stream.SymbolPath,
			PricePath:    cfg.Stream.PricePath,
			SubscribeMsg: cfg.Stream.SubscribeMsg,
		})
		return stream, stream
	}
	return market.NewStaticFeed(), nil
}

func buildVenues(cfg config.VenueConfig, feed market.Feed) (primary, fallback venue.Venue, err error) {
	simVenue := sim.New(feed)
	if cfg.Primary != "binance" {
		// Pure simulation: the sim venue is primary and there is
		// nothing to fall back to.
		return simVenue, nil, nil
	}
	live, err := binance.New(binance.Config{
		APIKey:      cfg.Binance.APIKey,
		APISecret:   cfg.Binance.APISecret,
		RESTBaseURL: cfg.Binance.RESTBaseURL,
		Symbols:     cfg.Binance.Symbols,
	})
	if err != nil {
		return nil, nil, err
	}
	return live, simVenue, nil
}

func registerStrategies(eng *engine.Engine, symbols []string, cfg config.TradingConfig) {
	for _, id := range cfg.Strategies {
		switch id {
		case "sma-cross":
			eng.RegisterStrategy(strategy.NewSMACross(symbols, cfg.SMAFast, cfg.SMASlow, cfg.OrderQuantity))
		case "rsi-reversion":
			rsi := strategy.NewRSIReversion(symbols, cfg.RSIPeriod, cfg.OrderQuantity)
			if cfg.RSIOversold > 0 {
				rsi.Oversold = cfg.RSIOversold
			}
			if cfg.RSIOverbought > 0 {
				rsi.Overbought = cfg.RSIOverbought
			}
			eng.RegisterStrategy(rsi)
		default:
			logger.Warnf("app: unknown strategy %q in config, skipping", id)
		}
	}
}
