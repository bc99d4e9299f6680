package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// SideOf maps the isLong flag used by the ledger API to a Side.
func SideOf(isLong bool) Side {
	if isLong {
		return SideLong
	}
	return SideShort
}

type MarketType string

const (
	MarketPerp MarketType = "perp"
	MarketSpot MarketType = "spot"
)

type PositionKind string

const (
	KindOwn    PositionKind = "own"
	KindMirror PositionKind = "mirror"
)

type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// Position is a trader's own exposure or a copier's mirror of one.
// ParentID is zero for own positions.
type Position struct {
	ID          uint64         `json:"id"`
	ParentID    uint64         `json:"parent_id,omitempty"`
	Kind        PositionKind   `json:"kind"`
	Owner       Address        `json:"owner"`
	Trader      Address        `json:"trader"`
	Market      MarketType     `json:"market"`
	Symbol      string         `json:"symbol"`
	Side        Side           `json:"side"`
	Size        Amount         `json:"size"`
	EntryPrice  Amount         `json:"entry_price"`
	Leverage    int64          `json:"leverage"`
	Margin      Amount         `json:"margin"`
	Status      PositionStatus `json:"status"`
	ExitPrice   Amount         `json:"exit_price"`
	RealizedPnL Amount         `json:"realized_pnl"`
	Fee         Amount         `json:"fee"`
	OpenedAt    time.Time      `json:"opened_at"`
	ClosedAt    time.Time      `json:"closed_at,omitempty"`
}

func (p *Position) IsLong() bool { return p.Side == SideLong }
func (p *Position) IsOpen() bool { return p.Status == StatusOpen }

// PnLAt is size * (price - entry), negated for shorts.
func (p *Position) PnLAt(price Amount) Amount {
	pnl := p.Size.Mul(price.Sub(p.EntryPrice))
	if !p.IsLong() {
		return pnl.Neg()
	}
	return pnl
}

// UnrealizedPnL is PnLAt for open positions and zero once closed.
func (p *Position) UnrealizedPnL(price Amount) Amount {
	if !p.IsOpen() {
		return Amount{}
	}
	return p.PnLAt(price)
}

// MoveBps is the side-adjusted price move from entry in basis points.
func (p *Position) MoveBps(price Amount) Bps {
	if p.EntryPrice.IsZero() {
		return 0
	}
	move := price.Sub(p.EntryPrice).Raw()
	move.Mul(move, bigBps)
	move.Quo(move, p.EntryPrice.Raw())
	v := Bps(move.Int64())
	if !p.IsLong() {
		return -v
	}
	return v
}

func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// PositionFilter narrows position queries. Zero fields match everything.
type PositionFilter struct {
	Owner    *Address
	Trader   *Address
	Symbol   string
	Status   PositionStatus
	ParentID uint64
}

func (f PositionFilter) Match(p *Position) bool {
	if f.Owner != nil && p.Owner != *f.Owner {
		return false
	}
	if f.Trader != nil && p.Trader != *f.Trader {
		return false
	}
	if f.Symbol != "" && f.Symbol != p.Symbol {
		return false
	}
	if f.Status != "" && f.Status != p.Status {
		return false
	}
	if f.ParentID != 0 && f.ParentID != p.ParentID {
		return false
	}
	return true
}
