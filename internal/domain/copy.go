package domain

import (
	"strings"
	"time"
)

// RelationshipKey is the composite identity of a copy relationship.
type RelationshipKey struct {
	Copier Address `json:"copier"`
	Trader Address `json:"trader"`
}

func (k RelationshipKey) String() string {
	return k.Copier.Hex() + ":" + k.Trader.Hex()
}

// CopySettings are the risk-shaping parameters applied before mirroring.
type CopySettings struct {
	Leverage          int64    `json:"leverage"`
	CopyPerps         bool     `json:"copy_perps"`
	CopySpot          bool     `json:"copy_spot"`
	RiskMultiplierBps Bps      `json:"risk_multiplier_bps"`
	MaxPositionSize   Amount   `json:"max_position_size"`
	StopLossBps       Bps      `json:"stop_loss_bps"`
	TakeProfitBps     Bps      `json:"take_profit_bps"`
	EnabledSymbols    []string `json:"enabled_symbols,omitempty"`
}

// DefaultCopySettings mirrors perps 1:1 with no caps.
func DefaultCopySettings() CopySettings {
	return CopySettings{
		Leverage:          1,
		CopyPerps:         true,
		RiskMultiplierBps: BpsDenominator,
	}
}

// CopyRelationship is "copier X mirrors trader Y". AllocatedAmount is the
// escrow still held for the pair; ReservedMargin is the part of it backing
// open mirrored positions.
type CopyRelationship struct {
	Copier          Address      `json:"copier"`
	Trader          Address      `json:"trader"`
	AllocatedAmount Amount       `json:"allocated_amount"`
	ReservedMargin  Amount       `json:"reserved_margin"`
	Settings        CopySettings `json:"settings"`
	IsActive        bool         `json:"is_active"`
	StartedAt       time.Time    `json:"started_at"`
	StoppedAt       time.Time    `json:"stopped_at,omitempty"`
}

func (r *CopyRelationship) Key() RelationshipKey {
	return RelationshipKey{Copier: r.Copier, Trader: r.Trader}
}

// FreeEscrow is the escrow not backing any open mirror.
func (r *CopyRelationship) FreeEscrow() Amount {
	free := r.AllocatedAmount.Sub(r.ReservedMargin)
	if free.IsNegative() {
		return Amount{}
	}
	return free
}

// Accepts reports whether a trader position on (market, symbol) is mirrored.
func (r *CopyRelationship) Accepts(market MarketType, symbol string) bool {
	if !r.IsActive {
		return false
	}
	switch market {
	case MarketPerp:
		if !r.Settings.CopyPerps {
			return false
		}
	case MarketSpot:
		if !r.Settings.CopySpot {
			return false
		}
	default:
		return false
	}
	if len(r.Settings.EnabledSymbols) == 0 {
		return true
	}
	for _, s := range r.Settings.EnabledSymbols {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}

func (r *CopyRelationship) Clone() *CopyRelationship {
	c := *r
	if r.Settings.EnabledSymbols != nil {
		c.Settings.EnabledSymbols = append([]string(nil), r.Settings.EnabledSymbols...)
	}
	return &c
}
