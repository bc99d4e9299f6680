package usecase

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

func (l *Ledger) validateTraderParams(p domain.TraderParams) error {
	if p.PerformanceFeeBps < 0 || p.PerformanceFeeBps > l.cfg.MaxFeeBps {
		return domain.ErrInvalidFee.With(
			"fee_bps", strconv.FormatInt(int64(p.PerformanceFeeBps), 10),
			"max_fee_bps", strconv.FormatInt(int64(l.cfg.MaxFeeBps), 10),
		)
	}
	return nil
}

func validateCopyBounds(p domain.TraderParams) error {
	if !p.MinCopyAmount.IsPositive() || p.MinCopyAmount.GreaterThan(p.MaxCopyAmount) {
		return domain.ErrInvalidRange.With(
			"min_copy_amount", p.MinCopyAmount.String(),
			"max_copy_amount", p.MaxCopyAmount.String(),
		)
	}
	return nil
}

// RegisterTrader opts caller in to be copied. A previously deregistered
// trader is reactivated with its accumulators intact.
func (l *Ledger) RegisterTrader(ctx context.Context, caller domain.Address, p domain.TraderParams) (domain.Address, error) {
	err := l.execute(ctx, "register_trader", func(tx *txn) error {
		if err := tx.requireNotPaused(); err != nil {
			return err
		}
		if err := requireAddress("caller", caller); err != nil {
			return err
		}
		if err := l.validateTraderParams(p); err != nil {
			return err
		}
		existing := tx.trader(caller)
		if existing != nil && existing.IsActive {
			return domain.ErrAlreadyRegistered.With("trader", caller.Hex())
		}
		if err := validateCopyBounds(p); err != nil {
			return err
		}

		t := tx.editTrader(caller)
		if t == nil {
			t = &domain.Trader{Address: caller, RegisteredAt: tx.now}
			tx.putTrader(t)
		}
		t.Apply(p)
		t.IsActive = true
		t.UpdatedAt = tx.now

		tx.emit(domain.Event{
			Type:   domain.EventTraderRegistered,
			Trader: domain.AddrPtr(caller),
			FeeBps: domain.BpsPtr(p.PerformanceFeeBps),
			Amount: domain.AmountPtr(p.MaxCopyAmount),
			Name:   p.Name,
		})
		return nil
	})
	if err != nil {
		return domain.Address{}, err
	}
	l.logger.Info("Trader registered", zap.String("trader", caller.Hex()), zap.Int64("fee_bps", int64(p.PerformanceFeeBps)))
	return caller, nil
}

// UpdateTraderSettings overwrites the mutable trader fields. Accumulators are
// left untouched.
func (l *Ledger) UpdateTraderSettings(ctx context.Context, caller domain.Address, p domain.TraderParams) error {
	return l.execute(ctx, "update_trader", func(tx *txn) error {
		if err := tx.requireNotPaused(); err != nil {
			return err
		}
		t := tx.trader(caller)
		if t == nil || !t.IsActive {
			return domain.ErrNotRegistered.With("trader", caller.Hex())
		}
		if err := l.validateTraderParams(p); err != nil {
			return err
		}
		if err := validateCopyBounds(p); err != nil {
			return err
		}

		t = tx.editTrader(caller)
		t.Apply(p)
		t.UpdatedAt = tx.now
		tx.emit(domain.Event{
			Type:   domain.EventTraderUpdated,
			Trader: domain.AddrPtr(caller),
			FeeBps: domain.BpsPtr(p.PerformanceFeeBps),
			Name:   p.Name,
		})
		return nil
	})
}

// DeregisterTrader stops caller from opening new positions or gaining
// copiers. Existing relationships stay until their copiers stop them.
func (l *Ledger) DeregisterTrader(ctx context.Context, caller domain.Address) error {
	return l.execute(ctx, "deregister_trader", func(tx *txn) error {
		if err := tx.requireNotPaused(); err != nil {
			return err
		}
		t := tx.trader(caller)
		if t == nil || !t.IsActive {
			return domain.ErrNotRegistered.With("trader", caller.Hex())
		}
		t = tx.editTrader(caller)
		t.IsActive = false
		t.UpdatedAt = tx.now
		tx.emit(domain.Event{Type: domain.EventTraderDeregistered, Trader: domain.AddrPtr(caller)})
		return nil
	})
}

// VerifyTrader marks a registered trader as verified. Owner only.
func (l *Ledger) VerifyTrader(ctx context.Context, caller, trader domain.Address) error {
	return l.execute(ctx, "verify_trader", func(tx *txn) error {
		if err := l.requireOwner(caller); err != nil {
			return err
		}
		t := tx.editTrader(trader)
		if t == nil {
			return domain.ErrTraderNotFound.With("trader", trader.Hex())
		}
		if t.Verified {
			return nil
		}
		t.Verified = true
		t.UpdatedAt = tx.now
		tx.emit(domain.Event{Type: domain.EventTraderVerified, Trader: domain.AddrPtr(trader)})
		return nil
	})
}

func (l *Ledger) Trader(addr domain.Address) (*domain.Trader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.traders[addr]
	if !ok {
		return nil, domain.ErrTraderNotFound.With("trader", addr.Hex())
	}
	return t.Clone(), nil
}

// Traders lists traders ordered by registration time. Inactive traders are
// included only when activeOnly is false.
func (l *Ledger) Traders(activeOnly bool) []*domain.Trader {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*domain.Trader, 0, len(l.traders))
	for _, t := range l.traders {
		if activeOnly && !t.IsActive {
			continue
		}
		out = append(out, t.Clone())
	}
	sortTraders(out)
	return out
}

func (l *Ledger) TraderStats(addr domain.Address) (domain.TraderSummary, error) {
	t, err := l.Trader(addr)
	if err != nil {
		return domain.TraderSummary{}, err
	}
	return domain.SummarizeTrader(t), nil
}

// Copiers returns the active relationships pointing at trader.
func (l *Ledger) Copiers(trader domain.Address) []*domain.CopyRelationship {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.CopyRelationship
	for _, r := range l.relationships {
		if r.Trader == trader && r.IsActive {
			out = append(out, r.Clone())
		}
	}
	sortRelationships(out)
	return out
}
