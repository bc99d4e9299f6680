package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vitos/copy_trade_ledger/internal/config"
	"github.com/vitos/copy_trade_ledger/internal/domain"
	"github.com/vitos/copy_trade_ledger/internal/infrastructure/events"
	"github.com/vitos/copy_trade_ledger/internal/infrastructure/hyperliquid"
	"github.com/vitos/copy_trade_ledger/internal/infrastructure/metrics"
	"github.com/vitos/copy_trade_ledger/internal/infrastructure/oracle"
	"github.com/vitos/copy_trade_ledger/internal/infrastructure/storage"
	"github.com/vitos/copy_trade_ledger/internal/usecase"
	"github.com/vitos/copy_trade_ledger/internal/web"
)

// App centralizes dependency wiring for the ledger service.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	store      *storage.SQLiteStore
	metrics    *metrics.Metrics
	hub        *events.Hub
	dispatcher *usecase.EventDispatcher
	ledger     *usecase.Ledger
	executor   *usecase.TradeExecutor
	monitor    *usecase.RiskMonitor
	follower   *usecase.Follower
	bybit      *oracle.BybitOracle
	server     *web.Server
}

// New opens the database, restores the ledger and builds every enabled
// component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	store, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	a.store = store

	a.metrics = metrics.New(cfg.Metrics.Namespace)
	a.hub = events.NewHub(logger.Named("ws"))

	sinks, err := a.buildSinks()
	if err != nil {
		a.cleanup(sinks)
		return nil, err
	}
	a.dispatcher = usecase.NewEventDispatcher(sinks, cfg.Events.Buffer, cfg.Events.PublishTimeout, logger.Named("events"), a.metrics)

	a.ledger, err = usecase.NewLedger(ctx, ledgerConfig(cfg), store, logger.Named("ledger"),
		usecase.WithMetrics(a.metrics),
		usecase.WithPublisher(a.dispatcher),
	)
	if err != nil {
		a.cleanup(sinks)
		return nil, fmt.Errorf("restore ledger: %w", err)
	}

	if prices := a.priceOracle(); prices != nil {
		a.executor = usecase.NewTradeExecutor(a.ledger, prices, cfg.Oracle.MaxStaleness, domain.Bps(cfg.Oracle.MaxConfidenceBps), logger.Named("executor"))
		if cfg.Risk.Enabled {
			a.monitor = usecase.NewRiskMonitor(a.ledger, a.executor, cfg.Risk.Interval, logger.Named("risk"))
		}
	}

	if cfg.Follower.Enabled {
		feed := hyperliquid.NewFillFeed(cfg.Follower.WSURL, logger.Named("hyperliquid"))
		a.follower = usecase.NewFollower(a.ledger, feed, cfg.FollowedTraders(), cfg.Follower.SymbolSuffix, cfg.Follower.Leverage, logger.Named("follower"))
	}

	a.server = web.NewServer(web.Options{
		Addr:             cfg.Web.Addr(),
		RequireSignature: cfg.Web.RequireSignature,
		SignatureMaxAge:  cfg.Web.SignatureMaxAge,
		RateLimit:        cfg.Web.RateLimit,
		RateBurst:        cfg.Web.RateBurst,
	}, a.ledger, a.executor, a.hub, a.metrics.Handler(), logger.Named("web"))

	stats := a.ledger.Stats()
	logger.Info("Ledger restored",
		zap.Int("traders", stats.Traders),
		zap.Int("active_relationships", stats.ActiveRelationships),
		zap.Int("open_positions", stats.OpenPositions),
		zap.Bool("paused", stats.Paused),
		zap.Int("sinks", len(sinks)),
	)
	return a, nil
}

// priceOracle returns nil when no source is configured; the ledger then only
// accepts explicit exit prices.
func (a *App) priceOracle() domain.PriceOracle {
	oc := a.cfg.Oracle
	switch oc.Source {
	case "bybit":
		a.bybit = oracle.NewBybitOracle(oc.BybitURL, oc.BybitWSURL, oc.Timeout, oc.MaxStaleness/2, a.logger.Named("bybit"))
		return a.bybit
	default:
		if len(oc.PriceIDs) == 0 {
			return nil
		}
		return oracle.NewPythOracle(oc.HermesURL, oc.PriceIDs, oc.Timeout, a.logger.Named("pyth"))
	}
}

func ledgerConfig(cfg *config.Config) usecase.LedgerConfig {
	lc := usecase.LedgerConfig{
		MaxFeeBps:           domain.Bps(cfg.Ledger.MaxFeeBps),
		PlatformFeeBps:      domain.Bps(cfg.Ledger.PlatformFeeBps),
		RequireVerification: cfg.Ledger.RequireVerification,
	}
	if cfg.Ledger.Owner != "" {
		lc.Owner = common.HexToAddress(cfg.Ledger.Owner)
	}
	if cfg.Ledger.FeeRecipient != "" {
		lc.FeeRecipient = common.HexToAddress(cfg.Ledger.FeeRecipient)
	}
	return lc
}

func (a *App) buildSinks() ([]domain.EventSink, error) {
	ec := a.cfg.Events
	codec, err := events.NewCodec(ec.Codec)
	if err != nil {
		return nil, err
	}
	sinks := []domain.EventSink{a.hub}
	if ec.Kafka.Enabled {
		sinks = append(sinks, events.NewKafkaSink(ec.Kafka.Brokers, ec.Kafka.Topic, codec))
	}
	if ec.NATS.Enabled {
		nsink, err := events.NewNATSSink(ec.NATS.URL, ec.NATS.SubjectPrefix, codec)
		if err != nil {
			return sinks, err
		}
		sinks = append(sinks, nsink)
	}
	if ec.Redis.Enabled {
		sinks = append(sinks, events.NewRedisStreamSink(ec.Redis.Addr, ec.Redis.Password, ec.Redis.DB, ec.Redis.Stream, ec.Redis.MaxLen, codec))
	}
	return sinks, nil
}

// Ledger exposes the restored ledger to commands that do not serve.
func (a *App) Ledger() *usecase.Ledger { return a.ledger }

// Run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.dispatcher.Run(gctx) })
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	if a.monitor != nil {
		g.Go(func() error { return a.monitor.Run(gctx) })
	}
	if a.follower != nil {
		g.Go(func() error { return a.follower.Run(gctx) })
	}
	if a.bybit != nil {
		g.Go(func() error { return a.bybit.Stream(gctx, a.cfg.Oracle.Symbols) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ledger service exited with error: %w", err)
	}
	return nil
}

func (a *App) cleanup(sinks []domain.EventSink) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			a.logger.Warn("Failed to close event sink", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}
