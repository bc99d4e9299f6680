package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
	"github.com/vitos/copy_trade_ledger/internal/usecase"
)

type MockOracle struct {
	Quotes map[string]*domain.PriceQuote
	Calls  int
}

func (m *MockOracle) GetPrice(ctx context.Context, symbol string) (*domain.PriceQuote, error) {
	m.Calls++
	q, ok := m.Quotes[symbol]
	if !ok {
		return nil, errors.New("unknown symbol")
	}
	return q, nil
}

func quote(symbol, price, conf string) *domain.PriceQuote {
	return &domain.PriceQuote{Symbol: symbol, Price: amt(price), Confidence: amt(conf), Timestamp: time.Now()}
}

func TestTradeExecutor_ResolvesPrices(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, usecase.LedgerConfig{})
	setupCopy(t, l, 2000, "5", "1.0", settings(1))

	oracle := &MockOracle{Quotes: map[string]*domain.PriceQuote{"BTC-USD": quote("BTC-USD", "40000", "5")}}
	executor := usecase.NewTradeExecutor(l, oracle, time.Minute, 100, zap.NewNop())

	open, err := executor.Open(ctx, traderA, usecase.OpenPositionRequest{Symbol: "BTC-USD", IsLong: true, Size: amt("1"), Leverage: 1})
	require.NoError(t, err)
	requireAmount(t, "40000", open.Position.EntryPrice)
	assert.Equal(t, 1, oracle.Calls)

	// An explicit price skips the oracle.
	res, err := executor.Close(ctx, traderA, open.Position.ID, amt("41000"))
	require.NoError(t, err)
	requireAmount(t, "1000", res.Position.RealizedPnL)
	assert.Equal(t, 1, oracle.Calls)
}

func TestTradeExecutor_ClosesAtOraclePrice(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, usecase.LedgerConfig{})
	setupCopy(t, l, 2000, "5", "1.0", settings(1))

	oracle := &MockOracle{Quotes: map[string]*domain.PriceQuote{"BTC-USD": quote("BTC-USD", "40000", "0")}}
	executor := usecase.NewTradeExecutor(l, oracle, 0, 0, zap.NewNop())

	open, err := executor.Open(ctx, traderA, usecase.OpenPositionRequest{Symbol: "BTC-USD", IsLong: true, Size: amt("1"), Leverage: 1})
	require.NoError(t, err)

	oracle.Quotes["BTC-USD"] = quote("BTC-USD", "41000", "0")
	res, err := executor.Close(ctx, traderA, open.Position.ID, domain.Amount{})
	require.NoError(t, err)
	requireAmount(t, "41000", res.Position.ExitPrice)
	requireAmount(t, "84", l.Balance(copierX))
}

func TestTradeExecutor_RejectsBadQuotes(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, usecase.LedgerConfig{})

	stale := quote("ETH-USD", "2000", "1")
	stale.Timestamp = time.Now().Add(-time.Hour)
	oracle := &MockOracle{Quotes: map[string]*domain.PriceQuote{
		"ETH-USD": stale,
		"SOL-USD": quote("SOL-USD", "100", "5"),
	}}
	executor := usecase.NewTradeExecutor(l, oracle, time.Minute, 100, zap.NewNop())

	_, err := executor.Price(ctx, "ETH-USD")
	require.ErrorIs(t, err, usecase.ErrStalePrice)

	_, err = executor.Price(ctx, "SOL-USD")
	require.ErrorIs(t, err, usecase.ErrUncertainPrice)

	_, err = executor.Price(ctx, "DOGE-USD")
	require.Error(t, err)

	noOracle := usecase.NewTradeExecutor(l, nil, 0, 0, zap.NewNop())
	_, err = noOracle.Price(ctx, "ETH-USD")
	require.Error(t, err)
}

func TestRiskMonitor_CheckOnce(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, usecase.LedgerConfig{})
	s := settings(1)
	s.StopLossBps = 500
	setupCopy(t, l, 2000, "5", "1.0", s)

	_, err := l.OpenPosition(ctx, traderA, usecase.OpenPositionRequest{Symbol: "BTC-USD", IsLong: true, Size: amt("1"), EntryPrice: amt("40000"), Leverage: 1})
	require.NoError(t, err)

	oracle := &MockOracle{Quotes: map[string]*domain.PriceQuote{"BTC-USD": quote("BTC-USD", "39000", "0")}}
	monitor := usecase.NewRiskMonitor(l, usecase.NewTradeExecutor(l, oracle, 0, 0, zap.NewNop()), time.Second, zap.NewNop())

	assert.Equal(t, 0, monitor.CheckOnce(ctx), "a 250 bps drop is inside the stop")

	oracle.Quotes["BTC-USD"] = quote("BTC-USD", "37000", "0")
	assert.Equal(t, 1, monitor.CheckOnce(ctx))
	assert.Empty(t, l.OpenSymbols())
	require.NoError(t, l.CheckInvariants())
}
