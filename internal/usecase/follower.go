package usecase

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

// Follower turns the venue fills of followed traders into ledger positions.
// An increase opens another lot; a reduction or flip closes every open lot
// on the symbol at the fill price and reopens whatever size remains.
type Follower struct {
	ledger   *Ledger
	source   domain.FillSource
	traders  []domain.Address
	suffix   string
	leverage int64
	logger   *zap.Logger

	mu   sync.Mutex
	seen map[int64]struct{}
}

func NewFollower(ledger *Ledger, source domain.FillSource, traders []domain.Address, symbolSuffix string, leverage int64, logger *zap.Logger) *Follower {
	if leverage < 1 {
		leverage = 1
	}
	return &Follower{
		ledger:   ledger,
		source:   source,
		traders:  traders,
		suffix:   symbolSuffix,
		leverage: leverage,
		logger:   logger,
		seen:     make(map[int64]struct{}),
	}
}

// Run subscribes to every followed trader and blocks until ctx is done or a
// subscription fails.
func (f *Follower) Run(ctx context.Context) error {
	f.logger.Info("Starting Follower", zap.Int("traders", len(f.traders)))
	g, gctx := errgroup.WithContext(ctx)
	for _, trader := range f.traders {
		trader := trader
		g.Go(func() error {
			return f.source.Subscribe(gctx, trader, func(fill domain.Fill) {
				if err := f.Apply(gctx, fill); err != nil {
					f.logger.Error("Failed to apply fill",
						zap.String("trader", fill.Trader.Hex()),
						zap.String("coin", fill.Coin),
						zap.Int64("tid", fill.TradeID),
						zap.Error(err),
					)
				}
			})
		})
	}
	return g.Wait()
}

func (f *Follower) symbol(coin string) string {
	return strings.ToUpper(coin) + f.suffix
}

// Apply books one fill. Fills already applied are ignored.
func (f *Follower) Apply(ctx context.Context, fill domain.Fill) error {
	if !f.markSeen(fill.TradeID) {
		return nil
	}
	if !fill.Size.IsPositive() || !fill.Price.IsPositive() {
		return nil
	}

	symbol := f.symbol(fill.Coin)
	start := fill.StartPosition
	end := start.Add(fill.Delta())

	if !start.IsZero() && start.Sign() == end.Sign() && end.Abs().GreaterThan(start.Abs()) {
		return f.open(ctx, fill.Trader, symbol, fill.Delta(), fill.Price)
	}
	if !start.IsZero() {
		if err := f.closeAll(ctx, fill.Trader, symbol, fill.Price); err != nil {
			return err
		}
	}
	if end.IsZero() {
		return nil
	}
	return f.open(ctx, fill.Trader, symbol, end, fill.Price)
}

func (f *Follower) open(ctx context.Context, trader domain.Address, symbol string, signedSize, price domain.Amount) error {
	res, err := f.ledger.OpenPosition(ctx, trader, OpenPositionRequest{
		Symbol:     symbol,
		IsLong:     signedSize.IsPositive(),
		Size:       signedSize.Abs(),
		EntryPrice: price,
		Leverage:   f.leverage,
		Market:     domain.MarketPerp,
	})
	if err != nil {
		return err
	}
	f.logger.Debug("Fill opened lot", zap.Uint64("id", res.Position.ID), zap.String("symbol", symbol))
	return nil
}

func (f *Follower) closeAll(ctx context.Context, trader domain.Address, symbol string, price domain.Amount) error {
	// Own lots only; mirrors the trader holds as a copier stay open.
	lots := f.ledger.Positions(domain.PositionFilter{
		Owner:  &trader,
		Trader: &trader,
		Symbol: symbol,
		Status: domain.StatusOpen,
	})
	for _, p := range lots {
		if _, err := f.ledger.ClosePosition(ctx, trader, p.ID, price); err != nil {
			return err
		}
	}
	return nil
}

const maxSeenFills = 10000

func (f *Follower) markSeen(tid int64) bool {
	if tid == 0 {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[tid]; ok {
		return false
	}
	if len(f.seen) >= maxSeenFills {
		f.seen = make(map[int64]struct{})
	}
	f.seen[tid] = struct{}{}
	return true
}
