package domain

// Portfolio is the read model of one address: its balance, the escrow it
// holds in copy relationships and its positions.
type Portfolio struct {
	Address       Address             `json:"address"`
	Balance       Amount              `json:"balance"`
	Escrowed      Amount              `json:"escrowed"`
	AtRisk        Amount              `json:"at_risk"`
	RealizedPnL   Amount              `json:"realized_pnl"`
	Relationships []*CopyRelationship `json:"relationships"`
	Positions     []*Position         `json:"positions"`
}

// TraderSummary is what leaderboards and the stats endpoint expose.
type TraderSummary struct {
	Address      Address `json:"address"`
	Name         string  `json:"name"`
	TotalTrades  int64   `json:"total_trades"`
	WinRateBps   Bps     `json:"win_rate_bps"`
	AvgWin       Amount  `json:"avg_win"`
	AvgLoss      Amount  `json:"avg_loss"`
	TotalProfit  Amount  `json:"total_profit_generated"`
	FeesEarned   Amount  `json:"total_fees_earned"`
	TotalCopiers int64   `json:"total_copiers"`
	LastTradeAt  int64   `json:"last_trade_timestamp"`
}

func SummarizeTrader(t *Trader) TraderSummary {
	var last int64
	if !t.Stats.LastTradeAt.IsZero() {
		last = t.Stats.LastTradeAt.Unix()
	}
	return TraderSummary{
		Address:      t.Address,
		Name:         t.Name,
		TotalTrades:  t.Stats.TotalTrades,
		WinRateBps:   t.Stats.WinRateBps(),
		AvgWin:       t.Stats.AvgWin(),
		AvgLoss:      t.Stats.AvgLoss(),
		TotalProfit:  t.TotalProfit,
		FeesEarned:   t.FeesEarned,
		TotalCopiers: t.TotalCopiers,
		LastTradeAt:  last,
	}
}
