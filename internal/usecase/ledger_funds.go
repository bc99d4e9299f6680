package usecase

import (
	"bytes"
	"context"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

// Deposit credits amount to the caller's available balance.
func (l *Ledger) Deposit(ctx context.Context, caller domain.Address, amount domain.Amount) error {
	err := l.execute(ctx, "deposit", func(tx *txn) error {
		if err := tx.requireNotPaused(); err != nil {
			return err
		}
		if err := requireAddress("caller", caller); err != nil {
			return err
		}
		if !amount.IsPositive() {
			return domain.ErrInvalidAmount.With("amount", amount.String())
		}
		tx.credit(caller, amount)
		tx.emit(domain.Event{Type: domain.EventFundsDeposited, Copier: domain.AddrPtr(caller), Amount: domain.AmountPtr(amount)})
		return nil
	})
	if err == nil {
		l.logger.Info("Funds deposited", zap.String("address", caller.Hex()), zap.String("amount", amount.String()))
	}
	return err
}

// Withdraw debits amount from the caller's available balance. Escrow held by
// copy relationships is never withdrawable.
func (l *Ledger) Withdraw(ctx context.Context, caller domain.Address, amount domain.Amount) error {
	err := l.execute(ctx, "withdraw", func(tx *txn) error {
		if !amount.IsPositive() {
			return domain.ErrInvalidAmount.With("amount", amount.String())
		}
		if available := tx.balance(caller); available.LessThan(amount) {
			return domain.ErrInsufficientBalance.With("available", available.String(), "requested", amount.String())
		}
		acc := tx.editAccount(caller)
		acc.Balance = acc.Balance.Sub(amount)
		tx.emit(domain.Event{Type: domain.EventFundsWithdrawn, Copier: domain.AddrPtr(caller), Amount: domain.AmountPtr(amount)})
		return nil
	})
	if err == nil {
		l.logger.Info("Funds withdrawn", zap.String("address", caller.Hex()), zap.String("amount", amount.String()))
	}
	return err
}

func (l *Ledger) requireOwner(caller domain.Address) error {
	if l.cfg.Owner == (domain.Address{}) || caller != l.cfg.Owner {
		return domain.ErrNotOwner.With("caller", caller.Hex())
	}
	return nil
}

// Pause rejects every operation except StopCopying, ClosePosition, Withdraw
// and mark price exits until Unpause.
func (l *Ledger) Pause(ctx context.Context, caller domain.Address) error {
	return l.execute(ctx, "pause", func(tx *txn) error {
		if err := l.requireOwner(caller); err != nil {
			return err
		}
		if tx.meta.Paused {
			return domain.ErrPaused
		}
		tx.meta.Paused = true
		tx.emit(domain.Event{Type: domain.EventPaused})
		return nil
	})
}

func (l *Ledger) Unpause(ctx context.Context, caller domain.Address) error {
	return l.execute(ctx, "unpause", func(tx *txn) error {
		if err := l.requireOwner(caller); err != nil {
			return err
		}
		if !tx.meta.Paused {
			return domain.ErrNotPaused
		}
		tx.meta.Paused = false
		tx.emit(domain.Event{Type: domain.EventUnpaused})
		return nil
	})
}

// SetPlatformFee sets the share of every performance fee that goes to the
// fee recipient.
func (l *Ledger) SetPlatformFee(ctx context.Context, caller domain.Address, bps domain.Bps) error {
	return l.execute(ctx, "set_platform_fee", func(tx *txn) error {
		if err := l.requireOwner(caller); err != nil {
			return err
		}
		if bps < 0 || bps > domain.BpsDenominator {
			return domain.ErrInvalidFee.With("platform_fee_bps", strconv.FormatInt(int64(bps), 10))
		}
		tx.meta.PlatformFeeBps = bps
		tx.emit(domain.Event{Type: domain.EventPlatformFeeUpdated, FeeBps: domain.BpsPtr(bps)})
		return nil
	})
}

func (l *Ledger) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta.Paused
}

// Balance is the available, non-escrowed balance of addr.
func (l *Ledger) Balance(addr domain.Address) domain.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok := l.accounts[addr]; ok {
		return acc.Balance
	}
	return domain.Amount{}
}

// Portfolio summarizes everything addr holds in the ledger.
func (l *Ledger) Portfolio(addr domain.Address) *domain.Portfolio {
	l.mu.Lock()
	defer l.mu.Unlock()
	pf := &domain.Portfolio{Address: addr}
	if acc, ok := l.accounts[addr]; ok {
		pf.Balance = acc.Balance
	}
	for _, r := range l.relationships {
		if r.Copier != addr {
			continue
		}
		pf.Escrowed = pf.Escrowed.Add(r.AllocatedAmount)
		pf.AtRisk = pf.AtRisk.Add(r.ReservedMargin)
		pf.Relationships = append(pf.Relationships, r.Clone())
	}
	for _, p := range l.positions {
		if p.Owner != addr {
			continue
		}
		if !p.IsOpen() {
			pf.RealizedPnL = pf.RealizedPnL.Add(p.RealizedPnL.Sub(p.Fee))
		}
		pf.Positions = append(pf.Positions, p.Clone())
	}
	sortRelationships(pf.Relationships)
	sort.Slice(pf.Positions, func(i, j int) bool { return pf.Positions[i].ID < pf.Positions[j].ID })
	return pf
}

// Events returns committed events with Seq > after, oldest first.
func (l *Ledger) Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	if l.repo != nil {
		return l.repo.ListEvents(ctx, after, limit)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := sort.Search(len(l.log), func(i int) bool { return l.log[i].Seq > after })
	end := idx + limit
	if end > len(l.log) {
		end = len(l.log)
	}
	return append([]domain.Event(nil), l.log[idx:end]...), nil
}

func sortTraders(ts []*domain.Trader) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].RegisteredAt.Equal(ts[j].RegisteredAt) {
			return ts[i].RegisteredAt.Before(ts[j].RegisteredAt)
		}
		return bytes.Compare(ts[i].Address.Bytes(), ts[j].Address.Bytes()) < 0
	})
}

func sortRelationships(rs []*domain.CopyRelationship) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Trader != rs[j].Trader {
			return bytes.Compare(rs[i].Trader.Bytes(), rs[j].Trader.Bytes()) < 0
		}
		return bytes.Compare(rs[i].Copier.Bytes(), rs[j].Copier.Bytes()) < 0
	})
}
