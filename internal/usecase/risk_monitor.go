package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RiskMonitor polls prices for symbols with open mirrors and lets the ledger
// apply stop-loss and take-profit exits.
type RiskMonitor struct {
	ledger   *Ledger
	prices   *TradeExecutor
	interval time.Duration
	logger   *zap.Logger
}

func NewRiskMonitor(ledger *Ledger, prices *TradeExecutor, interval time.Duration, logger *zap.Logger) *RiskMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &RiskMonitor{ledger: ledger, prices: prices, interval: interval, logger: logger}
}

func (m *RiskMonitor) Run(ctx context.Context) error {
	m.logger.Info("Starting Risk Monitor", zap.Duration("interval", m.interval))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs one pass over every symbol with open mirrors and returns
// the number of positions it closed.
func (m *RiskMonitor) CheckOnce(ctx context.Context) int {
	closed := 0
	for _, symbol := range m.ledger.OpenSymbols() {
		price, err := m.prices.Price(ctx, symbol)
		if err != nil {
			m.logger.Warn("Risk check skipped", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		positions, err := m.ledger.ApplyMarkPrice(ctx, symbol, price)
		if err != nil {
			m.logger.Error("Failed to apply mark price", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		closed += len(positions)
	}
	return closed
}
