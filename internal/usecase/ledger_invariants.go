package usecase

import (
	"fmt"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

// CheckInvariants verifies the structural invariants of the committed state.
// It is used by tests and by the inspect command after loading a database.
func (l *Ledger) CheckInvariants() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	copiers := make(map[domain.Address]int64)
	reserved := make(map[domain.RelationshipKey]domain.Amount)

	for k, r := range l.relationships {
		if r.IsActive {
			copiers[r.Trader]++
		}
		if r.ReservedMargin.IsNegative() || r.ReservedMargin.GreaterThan(r.AllocatedAmount) {
			return fmt.Errorf("relationship %s: reserved %s outside [0, %s]", k, r.ReservedMargin, r.AllocatedAmount)
		}
	}
	for addr, t := range l.traders {
		if t.PerformanceFeeBps < 0 || t.PerformanceFeeBps > l.cfg.MaxFeeBps {
			return fmt.Errorf("trader %s: fee %d bps out of range", addr.Hex(), t.PerformanceFeeBps)
		}
		if t.TotalCopiers != copiers[addr] {
			return fmt.Errorf("trader %s: total copiers %d, active relationships %d", addr.Hex(), t.TotalCopiers, copiers[addr])
		}
		if t.TotalProfit.IsNegative() || t.TotalLoss.IsNegative() || t.FeesEarned.IsNegative() {
			return fmt.Errorf("trader %s: negative accumulator", addr.Hex())
		}
	}
	for addr, a := range l.accounts {
		if a.Balance.IsNegative() {
			return fmt.Errorf("account %s: negative balance %s", addr.Hex(), a.Balance)
		}
	}
	for id, p := range l.positions {
		if p.Kind != domain.KindMirror || !p.IsOpen() {
			continue
		}
		k := domain.RelationshipKey{Copier: p.Owner, Trader: p.Trader}
		if _, ok := l.relationships[k]; !ok {
			return fmt.Errorf("mirror %d: no relationship %s", id, k)
		}
		reserved[k] = reserved[k].Add(p.Margin)
	}
	for k, r := range l.relationships {
		if !r.ReservedMargin.Equal(reserved[k]) {
			return fmt.Errorf("relationship %s: reserved %s, open mirror margin %s", k, r.ReservedMargin, reserved[k])
		}
	}
	return nil
}
