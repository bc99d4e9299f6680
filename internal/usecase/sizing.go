package usecase

import "github.com/vitos/copy_trade_ledger/internal/domain"

// MirrorSize derives a copier's position size from the trader's:
//
//	traderSize * allocated * riskMultiplierBps * leverage / (maxCopyAmount * 10000)
//
// capped at MaxPositionSize when one is set. A trader whose maxCopyAmount is
// zero cannot be mirrored.
func MirrorSize(traderSize domain.Amount, r *domain.CopyRelationship, maxCopyAmount domain.Amount) domain.Amount {
	if !traderSize.IsPositive() || !maxCopyAmount.IsPositive() || !r.AllocatedAmount.IsPositive() {
		return domain.Amount{}
	}
	num := r.AllocatedAmount.MulInt(int64(r.Settings.RiskMultiplierBps)).MulInt(r.Settings.Leverage)
	den := maxCopyAmount.MulInt(domain.BpsDenominator)
	size := traderSize.MulDiv(num, den)
	if limit := r.Settings.MaxPositionSize; limit.IsPositive() && size.GreaterThan(limit) {
		size = limit
	}
	return size
}

// MirrorMargin is the escrow a mirror reserves: its notional over leverage,
// limited to what the relationship has left.
func MirrorMargin(size, entryPrice domain.Amount, leverage int64, free domain.Amount) domain.Amount {
	if leverage < 1 {
		leverage = 1
	}
	return domain.MinAmount(size.Mul(entryPrice).DivInt(leverage), free)
}

// PerformanceFee is floor(pnl * feeBps / 10000) for profits and zero
// otherwise.
func PerformanceFee(pnl domain.Amount, feeBps domain.Bps) domain.Amount {
	if !pnl.IsPositive() || feeBps <= 0 {
		return domain.Amount{}
	}
	return pnl.MulBps(feeBps)
}
