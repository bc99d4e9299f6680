package usecase

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

// NormalizeCopySettings fills defaults and rejects settings the ledger cannot
// honor.
func NormalizeCopySettings(s domain.CopySettings) (domain.CopySettings, error) {
	if s.Leverage < 1 || s.Leverage > domain.MaxLeverage {
		return s, domain.ErrInvalidLeverage.With("leverage", strconv.FormatInt(s.Leverage, 10))
	}
	if s.RiskMultiplierBps == 0 {
		s.RiskMultiplierBps = domain.BpsDenominator
	}
	if s.RiskMultiplierBps < 0 || s.RiskMultiplierBps > domain.MaxRiskMultiplierBps {
		return s, domain.ErrInvalidSettings.With("risk_multiplier_bps", strconv.FormatInt(int64(s.RiskMultiplierBps), 10))
	}
	if s.MaxPositionSize.IsNegative() {
		return s, domain.ErrInvalidSettings.With("max_position_size", s.MaxPositionSize.String())
	}
	if s.StopLossBps < 0 || s.StopLossBps > domain.BpsDenominator {
		return s, domain.ErrInvalidSettings.With("stop_loss_bps", strconv.FormatInt(int64(s.StopLossBps), 10))
	}
	if s.TakeProfitBps < 0 {
		return s, domain.ErrInvalidSettings.With("take_profit_bps", strconv.FormatInt(int64(s.TakeProfitBps), 10))
	}
	if len(s.EnabledSymbols) > 0 {
		symbols := make([]string, 0, len(s.EnabledSymbols))
		for _, sym := range s.EnabledSymbols {
			if sym = strings.TrimSpace(sym); sym != "" {
				symbols = append(symbols, strings.ToUpper(sym))
			}
		}
		s.EnabledSymbols = symbols
	}
	return s, nil
}

// StartCopying escrows amount from the copier's available balance and links
// the copier to trader. A stopped relationship for the same pair is reused;
// margin still reserved by its open mirrors stays in place.
func (l *Ledger) StartCopying(ctx context.Context, copier, trader domain.Address, amount domain.Amount, settings domain.CopySettings) (domain.RelationshipKey, error) {
	key := domain.RelationshipKey{Copier: copier, Trader: trader}
	err := l.execute(ctx, "start_copying", func(tx *txn) error {
		if err := tx.requireNotPaused(); err != nil {
			return err
		}
		if err := requireAddress("copier", copier); err != nil {
			return err
		}
		if copier == trader {
			return domain.ErrInvalidAddress.With("reason", "self_copy")
		}
		t := tx.trader(trader)
		if t == nil {
			return domain.ErrTraderNotFound.With("trader", trader.Hex())
		}
		if !t.IsActive {
			return domain.ErrTraderInactive.With("trader", trader.Hex())
		}
		if l.cfg.RequireVerification && !t.Verified {
			return domain.ErrTraderNotVerified.With("trader", trader.Hex())
		}
		if amount.LessThan(t.MinCopyAmount) || amount.GreaterThan(t.MaxCopyAmount) {
			return domain.ErrAmountOutOfRange.With(
				"amount", amount.String(),
				"min_copy_amount", t.MinCopyAmount.String(),
				"max_copy_amount", t.MaxCopyAmount.String(),
			)
		}
		normalized, err := NormalizeCopySettings(settings)
		if err != nil {
			return err
		}
		if r := tx.relationship(key); r != nil && r.IsActive {
			return domain.ErrAlreadyCopying.With("copier", copier.Hex(), "trader", trader.Hex())
		}
		if available := tx.balance(copier); available.LessThan(amount) {
			return domain.ErrInsufficientBalance.With("available", available.String(), "required", amount.String())
		}

		acc := tx.editAccount(copier)
		acc.Balance = acc.Balance.Sub(amount)

		r := tx.editRelationship(key)
		if r == nil {
			r = &domain.CopyRelationship{Copier: copier, Trader: trader}
			tx.putRelationship(r)
		}
		r.AllocatedAmount = r.AllocatedAmount.Add(amount)
		r.Settings = normalized
		r.IsActive = true
		r.StartedAt = tx.now
		r.StoppedAt = time.Time{}

		t = tx.editTrader(trader)
		t.TotalCopiers++

		tx.emit(domain.Event{
			Type:   domain.EventCopyingStarted,
			Trader: domain.AddrPtr(trader),
			Copier: domain.AddrPtr(copier),
			Amount: domain.AmountPtr(amount),
		})
		return nil
	})
	if err != nil {
		return domain.RelationshipKey{}, err
	}
	l.logger.Info("Copying started",
		zap.String("copier", copier.Hex()),
		zap.String("trader", trader.Hex()),
		zap.String("amount", amount.String()),
	)
	return key, nil
}

// StopCopying deactivates the relationship and returns the escrow that is not
// backing open mirrors to the copier's balance.
func (l *Ledger) StopCopying(ctx context.Context, copier, trader domain.Address) error {
	key := domain.RelationshipKey{Copier: copier, Trader: trader}
	var released domain.Amount
	err := l.execute(ctx, "stop_copying", func(tx *txn) error {
		r := tx.relationship(key)
		if r == nil || !r.IsActive {
			return domain.ErrNotCopying.With("copier", copier.Hex(), "trader", trader.Hex())
		}
		r = tx.editRelationship(key)
		released = r.FreeEscrow()
		r.AllocatedAmount = r.ReservedMargin
		r.IsActive = false
		r.StoppedAt = tx.now
		tx.credit(copier, released)

		if t := tx.editTrader(trader); t != nil && t.TotalCopiers > 0 {
			t.TotalCopiers--
		}

		tx.emit(domain.Event{
			Type:   domain.EventCopyingStopped,
			Trader: domain.AddrPtr(trader),
			Copier: domain.AddrPtr(copier),
			Amount: domain.AmountPtr(released),
		})
		return nil
	})
	if err != nil {
		return err
	}
	l.logger.Info("Copying stopped",
		zap.String("copier", copier.Hex()),
		zap.String("trader", trader.Hex()),
		zap.String("released", released.String()),
	)
	return nil
}

// UpdateCopySettings replaces the risk settings of an active relationship.
// Open mirrors keep the leverage and margin they were opened with.
func (l *Ledger) UpdateCopySettings(ctx context.Context, copier, trader domain.Address, settings domain.CopySettings) error {
	key := domain.RelationshipKey{Copier: copier, Trader: trader}
	return l.execute(ctx, "update_copy_settings", func(tx *txn) error {
		if err := tx.requireNotPaused(); err != nil {
			return err
		}
		r := tx.relationship(key)
		if r == nil || !r.IsActive {
			return domain.ErrNotCopying.With("copier", copier.Hex(), "trader", trader.Hex())
		}
		normalized, err := NormalizeCopySettings(settings)
		if err != nil {
			return err
		}
		r = tx.editRelationship(key)
		r.Settings = normalized
		tx.emit(domain.Event{
			Type:   domain.EventCopySettingsUpdated,
			Trader: domain.AddrPtr(trader),
			Copier: domain.AddrPtr(copier),
			Amount: domain.AmountPtr(r.AllocatedAmount),
		})
		return nil
	})
}

func (l *Ledger) Relationship(copier, trader domain.Address) (*domain.CopyRelationship, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.relationships[domain.RelationshipKey{Copier: copier, Trader: trader}]
	if !ok {
		return nil, domain.ErrNotCopying.With("copier", copier.Hex(), "trader", trader.Hex())
	}
	return r.Clone(), nil
}
