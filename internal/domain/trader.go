package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Address identifies every ledger participant.
type Address = common.Address

// Socials is optional trader metadata; it is never validated.
type Socials struct {
	Twitter  string `json:"twitter,omitempty"`
	Telegram string `json:"telegram,omitempty"`
	Discord  string `json:"discord,omitempty"`
}

// TraderParams are the caller supplied fields of registration and updates.
type TraderParams struct {
	Name              string  `json:"name"`
	Bio               string  `json:"bio"`
	PerformanceFeeBps Bps     `json:"performance_fee_bps"`
	MinCopyAmount     Amount  `json:"min_copy_amount"`
	MaxCopyAmount     Amount  `json:"max_copy_amount"`
	Socials           Socials `json:"socials"`
}

// TraderStats tracks the outcome of a trader's own closed positions.
type TraderStats struct {
	TotalTrades   int64     `json:"total_trades"`
	WinningTrades int64     `json:"winning_trades"`
	WinSum        Amount    `json:"win_sum"`
	LossSum       Amount    `json:"loss_sum"`
	LastTradeAt   time.Time `json:"last_trade_at"`
}

// AvgWin is the mean realized profit of winning trades.
func (s TraderStats) AvgWin() Amount {
	if s.WinningTrades == 0 {
		return Amount{}
	}
	return s.WinSum.DivInt(s.WinningTrades)
}

// AvgLoss is the mean realized loss magnitude of losing trades.
func (s TraderStats) AvgLoss() Amount {
	losing := s.TotalTrades - s.WinningTrades
	if losing <= 0 {
		return Amount{}
	}
	return s.LossSum.DivInt(losing)
}

// WinRateBps is the share of winning trades in basis points.
func (s TraderStats) WinRateBps() Bps {
	if s.TotalTrades == 0 {
		return 0
	}
	return Bps(s.WinningTrades * BpsDenominator / s.TotalTrades)
}

// Trader is an account opted in to be copied.
type Trader struct {
	Address           Address     `json:"address"`
	IsActive          bool        `json:"is_active"`
	Verified          bool        `json:"verified"`
	Name              string      `json:"name"`
	Bio               string      `json:"bio"`
	PerformanceFeeBps Bps         `json:"performance_fee_bps"`
	MinCopyAmount     Amount      `json:"min_copy_amount"`
	MaxCopyAmount     Amount      `json:"max_copy_amount"`
	Socials           Socials     `json:"socials"`
	TotalCopiers      int64       `json:"total_copiers"`
	TotalProfit       Amount      `json:"total_profit"`
	TotalLoss         Amount      `json:"total_loss"`
	FeesEarned        Amount      `json:"fees_earned"`
	Stats             TraderStats `json:"stats"`
	RegisteredAt      time.Time   `json:"registered_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Clone returns an independent copy. Amounts are immutable, so a shallow copy
// is enough.
func (t *Trader) Clone() *Trader {
	c := *t
	return &c
}

// Apply overwrites the mutable settings, leaving accumulators untouched.
func (t *Trader) Apply(p TraderParams) {
	t.Name = p.Name
	t.Bio = p.Bio
	t.PerformanceFeeBps = p.PerformanceFeeBps
	t.MinCopyAmount = p.MinCopyAmount
	t.MaxCopyAmount = p.MaxCopyAmount
	t.Socials = p.Socials
}

// Account is the ledger-internal balance of any address.
type Account struct {
	Address Address `json:"address"`
	Balance Amount  `json:"balance"`
}

func (a *Account) Clone() *Account {
	c := *a
	return &c
}
