package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

var (
	ErrStalePrice     = errors.New("oracle price is stale")
	ErrUncertainPrice = errors.New("oracle confidence interval too wide")
)

// TradeExecutor resolves missing prices from the oracle before handing a
// fully specified operation to the ledger.
type TradeExecutor struct {
	ledger           *Ledger
	oracle           domain.PriceOracle
	logger           *zap.Logger
	maxStaleness     time.Duration
	maxConfidenceBps domain.Bps
	now              func() time.Time
}

func NewTradeExecutor(ledger *Ledger, oracle domain.PriceOracle, maxStaleness time.Duration, maxConfidenceBps domain.Bps, logger *zap.Logger) *TradeExecutor {
	return &TradeExecutor{
		ledger:           ledger,
		oracle:           oracle,
		logger:           logger,
		maxStaleness:     maxStaleness,
		maxConfidenceBps: maxConfidenceBps,
		now:              time.Now,
	}
}

// Open opens a trader position, quoting the entry price when none is given.
func (e *TradeExecutor) Open(ctx context.Context, trader domain.Address, req OpenPositionRequest) (*OpenResult, error) {
	if req.EntryPrice.IsZero() {
		price, err := e.Price(ctx, req.Symbol)
		if err != nil {
			return nil, err
		}
		req.EntryPrice = price
	}
	return e.ledger.OpenPosition(ctx, trader, req)
}

// Close closes a position, quoting the exit price when none is given.
func (e *TradeExecutor) Close(ctx context.Context, caller domain.Address, id uint64, exitPrice domain.Amount) (*CloseResult, error) {
	if exitPrice.IsZero() {
		pos, err := e.ledger.Position(id)
		if err != nil {
			return nil, err
		}
		if exitPrice, err = e.Price(ctx, pos.Symbol); err != nil {
			return nil, err
		}
	}
	return e.ledger.ClosePosition(ctx, caller, id, exitPrice)
}

// Price returns an oracle price that passed the staleness and confidence
// checks.
func (e *TradeExecutor) Price(ctx context.Context, symbol string) (domain.Amount, error) {
	if e.oracle == nil {
		return domain.Amount{}, fmt.Errorf("no price oracle configured for %s", symbol)
	}
	q, err := e.oracle.GetPrice(ctx, symbol)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("quote %s: %w", symbol, err)
	}
	if e.maxStaleness > 0 && e.now().Sub(q.Timestamp) > e.maxStaleness {
		e.logger.Warn("Rejecting stale price", zap.String("symbol", symbol), zap.Time("published", q.Timestamp))
		return domain.Amount{}, fmt.Errorf("%w: %s published %s", ErrStalePrice, symbol, q.Timestamp.Format(time.RFC3339))
	}
	if e.maxConfidenceBps > 0 && q.Confidence.GreaterThan(q.Price.MulBps(e.maxConfidenceBps)) {
		return domain.Amount{}, fmt.Errorf("%w: %s price %s conf %s", ErrUncertainPrice, symbol, q.Price, q.Confidence)
	}
	if !q.Price.IsPositive() {
		return domain.Amount{}, fmt.Errorf("quote %s: non-positive price %s", symbol, q.Price)
	}
	return q.Price, nil
}
