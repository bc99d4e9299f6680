package usecase

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

type OpenPositionRequest struct {
	Symbol     string            `json:"symbol"`
	IsLong     bool              `json:"is_long"`
	Size       domain.Amount     `json:"size"`
	EntryPrice domain.Amount     `json:"entry_price"`
	Leverage   int64             `json:"leverage"`
	Market     domain.MarketType `json:"market"`
}

// OpenResult is the trader's position plus the mirrors derived from it.
type OpenResult struct {
	Position *domain.Position   `json:"position"`
	Mirrors  []*domain.Position `json:"mirrors"`
}

// CloseResult is the closed position plus any mirrors closed with it.
type CloseResult struct {
	Position *domain.Position   `json:"position"`
	Mirrors  []*domain.Position `json:"mirrors,omitempty"`
}

func (r OpenPositionRequest) validate() (OpenPositionRequest, error) {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.Symbol == "" {
		return r, domain.ErrInvalidPosition.With("field", "symbol")
	}
	if !r.Size.IsPositive() {
		return r, domain.ErrInvalidPosition.With("field", "size", "value", r.Size.String())
	}
	if !r.EntryPrice.IsPositive() {
		return r, domain.ErrInvalidPosition.With("field", "entry_price", "value", r.EntryPrice.String())
	}
	if r.Leverage < 1 || r.Leverage > domain.MaxLeverage {
		return r, domain.ErrInvalidLeverage.With("leverage", strconv.FormatInt(r.Leverage, 10))
	}
	switch r.Market {
	case "":
		r.Market = domain.MarketPerp
	case domain.MarketPerp, domain.MarketSpot:
	default:
		return r, domain.ErrInvalidPosition.With("field", "market", "value", string(r.Market))
	}
	return r, nil
}

// OpenPosition records a trader's position and mirrors it for every active
// relationship whose settings accept the market and symbol.
func (l *Ledger) OpenPosition(ctx context.Context, trader domain.Address, req OpenPositionRequest) (*OpenResult, error) {
	var res *OpenResult
	err := l.execute(ctx, "open_position", func(tx *txn) error {
		if err := tx.requireNotPaused(); err != nil {
			return err
		}
		t := tx.trader(trader)
		if t == nil || !t.IsActive || (l.cfg.RequireVerification && !t.Verified) {
			return domain.ErrNotVerifiedTrader.With("trader", trader.Hex())
		}
		var err error
		if req, err = req.validate(); err != nil {
			return err
		}

		own := tx.newPosition(&domain.Position{
			Kind:       domain.KindOwn,
			Owner:      trader,
			Trader:     trader,
			Market:     req.Market,
			Symbol:     req.Symbol,
			Side:       domain.SideOf(req.IsLong),
			Size:       req.Size,
			EntryPrice: req.EntryPrice,
			Leverage:   req.Leverage,
		})
		tx.emit(openedEvent(own))
		res = &OpenResult{Position: own}

		for _, r := range tx.activeRelationships(trader) {
			if !r.Accepts(req.Market, req.Symbol) {
				continue
			}
			size := MirrorSize(req.Size, r, t.MaxCopyAmount)
			free := r.FreeEscrow()
			if !size.IsPositive() || !free.IsPositive() {
				l.logger.Debug("Mirror skipped",
					zap.String("copier", r.Copier.Hex()),
					zap.Uint64("parent_id", own.ID),
					zap.String("size", size.String()),
					zap.String("free_escrow", free.String()),
				)
				continue
			}
			margin := MirrorMargin(size, req.EntryPrice, r.Settings.Leverage, free)

			rel := tx.editRelationship(r.Key())
			rel.ReservedMargin = rel.ReservedMargin.Add(margin)

			m := tx.newPosition(&domain.Position{
				ParentID:   own.ID,
				Kind:       domain.KindMirror,
				Owner:      r.Copier,
				Trader:     trader,
				Market:     req.Market,
				Symbol:     req.Symbol,
				Side:       own.Side,
				Size:       size,
				EntryPrice: req.EntryPrice,
				Leverage:   r.Settings.Leverage,
				Margin:     margin,
			})
			tx.emit(openedEvent(m))
			res.Mirrors = append(res.Mirrors, m)
		}

		res = res.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("Position opened",
		zap.String("trader", trader.Hex()),
		zap.Uint64("id", res.Position.ID),
		zap.String("symbol", res.Position.Symbol),
		zap.String("side", string(res.Position.Side)),
		zap.String("size", res.Position.Size.String()),
		zap.Int("mirrors", len(res.Mirrors)),
	)
	return res, nil
}

func openedEvent(p *domain.Position) domain.Event {
	e := domain.Event{
		Type:       domain.EventPositionOpened,
		Trader:     domain.AddrPtr(p.Trader),
		PositionID: p.ID,
		ParentID:   p.ParentID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Size:       domain.AmountPtr(p.Size),
		Price:      domain.AmountPtr(p.EntryPrice),
	}
	if p.Kind == domain.KindMirror {
		e.Copier = domain.AddrPtr(p.Owner)
		e.Amount = domain.AmountPtr(p.Margin)
	}
	return e
}

// ClosePosition closes a position at exitPrice. A trader closing their own
// position closes its open mirrors at the same price.
func (l *Ledger) ClosePosition(ctx context.Context, caller domain.Address, id uint64, exitPrice domain.Amount) (*CloseResult, error) {
	if !exitPrice.IsPositive() {
		return nil, domain.ErrInvalidPosition.With("field", "exit_price", "value", exitPrice.String())
	}
	return l.closePosition(ctx, "close_position", caller, id, func(p, _ *domain.Position) (domain.Amount, domain.Amount) {
		return exitPrice, p.PnLAt(exitPrice)
	})
}

// ClosePositionWithPnL closes a position with a signed PnL computed
// elsewhere. Mirrors closed by the cascade get the PnL scaled by their size.
func (l *Ledger) ClosePositionWithPnL(ctx context.Context, caller domain.Address, id uint64, pnl domain.Amount) (*CloseResult, error) {
	return l.closePosition(ctx, "close_position_pnl", caller, id, func(p, parent *domain.Position) (domain.Amount, domain.Amount) {
		if parent == nil {
			return impliedExit(p, pnl), pnl
		}
		scaled := pnl.MulDiv(p.Size, parent.Size)
		return impliedExit(p, scaled), scaled
	})
}

// impliedExit is the exit price at which p realizes pnl.
func impliedExit(p *domain.Position, pnl domain.Amount) domain.Amount {
	move := pnl.Div(p.Size)
	if !p.IsLong() {
		move = move.Neg()
	}
	return p.EntryPrice.Add(move)
}

type closeQuote func(p, parent *domain.Position) (exit, pnl domain.Amount)

func (l *Ledger) closePosition(ctx context.Context, op string, caller domain.Address, id uint64, quote closeQuote) (*CloseResult, error) {
	var res *CloseResult
	err := l.execute(ctx, op, func(tx *txn) error {
		p := tx.position(id)
		if p == nil {
			return domain.ErrPositionNotFound.With("id", strconv.FormatUint(id, 10))
		}
		if !p.IsOpen() {
			return domain.ErrPositionNotOpen.With("id", strconv.FormatUint(id, 10))
		}
		if p.Owner != caller {
			return domain.ErrNotPositionOwner.With("id", strconv.FormatUint(id, 10), "caller", caller.Hex())
		}

		exit, pnl := quote(p, nil)
		res = &CloseResult{Position: l.settle(tx, id, exit, pnl)}
		if p.Kind == domain.KindOwn {
			for _, mid := range tx.openMirrors(id) {
				m := tx.position(mid)
				mExit, mPnL := quote(m, p)
				res.Mirrors = append(res.Mirrors, l.settle(tx, mid, mExit, mPnL))
			}
		}
		res = res.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("Position closed",
		zap.String("caller", caller.Hex()),
		zap.Uint64("id", id),
		zap.String("pnl", res.Position.RealizedPnL.String()),
		zap.Int("mirrors", len(res.Mirrors)),
	)
	return res, nil
}

// settle closes position id and books its PnL. For mirrors, profits pay the
// trader's performance fee and losses are taken from the copier's balance and
// then from the relationship's free escrow.
func (l *Ledger) settle(tx *txn, id uint64, exit, pnl domain.Amount) *domain.Position {
	p := tx.editPosition(id)
	p.Status = domain.StatusClosed
	p.ExitPrice = exit
	p.RealizedPnL = pnl
	p.ClosedAt = tx.now

	t := tx.editTrader(p.Trader)
	var uncollected domain.Amount

	switch p.Kind {
	case domain.KindOwn:
		if t != nil {
			t.Stats.TotalTrades++
			t.Stats.LastTradeAt = tx.now
			if pnl.IsPositive() {
				t.Stats.WinningTrades++
				t.Stats.WinSum = t.Stats.WinSum.Add(pnl)
			} else {
				t.Stats.LossSum = t.Stats.LossSum.Add(pnl.Abs())
			}
		}

	case domain.KindMirror:
		r := tx.editRelationship(domain.RelationshipKey{Copier: p.Owner, Trader: p.Trader})
		if r != nil {
			r.ReservedMargin = domain.MaxAmount(r.ReservedMargin.Sub(p.Margin), domain.Amount{})
		}

		switch {
		case pnl.IsPositive():
			var feeBps domain.Bps
			if t != nil {
				feeBps = t.PerformanceFeeBps
			}
			fee := PerformanceFee(pnl, feeBps)
			p.Fee = fee
			tx.credit(p.Owner, pnl.Sub(fee))

			var platform domain.Amount
			if l.cfg.FeeRecipient != (domain.Address{}) {
				platform = fee.MulBps(tx.meta.PlatformFeeBps)
			}
			tx.credit(p.Trader, fee.Sub(platform))
			tx.credit(l.cfg.FeeRecipient, platform)
			if t != nil {
				t.FeesEarned = t.FeesEarned.Add(fee)
				t.TotalProfit = t.TotalProfit.Add(pnl)
			}

		case pnl.IsNegative():
			loss := pnl.Abs()
			acc := tx.editAccount(p.Owner)
			fromBalance := domain.MinAmount(acc.Balance, loss)
			acc.Balance = acc.Balance.Sub(fromBalance)
			rest := loss.Sub(fromBalance)
			if r != nil && rest.IsPositive() {
				fromEscrow := domain.MinAmount(r.FreeEscrow(), rest)
				r.AllocatedAmount = r.AllocatedAmount.Sub(fromEscrow)
				rest = rest.Sub(fromEscrow)
			}
			uncollected = rest
			if t != nil {
				t.TotalLoss = t.TotalLoss.Add(loss)
			}
			if uncollected.IsPositive() {
				l.logger.Warn("Mirror loss exceeds copier funds",
					zap.Uint64("id", p.ID),
					zap.String("copier", p.Owner.Hex()),
					zap.String("uncollected", uncollected.String()),
				)
			}
		}

		// Escrow freed by a stopped relationship goes straight back.
		if r != nil && !r.IsActive {
			released := r.FreeEscrow()
			r.AllocatedAmount = r.ReservedMargin
			tx.credit(p.Owner, released)
		}
	}

	e := domain.Event{
		Type:       domain.EventPositionClosed,
		Trader:     domain.AddrPtr(p.Trader),
		PositionID: p.ID,
		ParentID:   p.ParentID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Size:       domain.AmountPtr(p.Size),
		Price:      domain.AmountPtr(exit),
		PnL:        domain.AmountPtr(pnl),
	}
	if p.Kind == domain.KindMirror {
		e.Copier = domain.AddrPtr(p.Owner)
		e.Fee = domain.AmountPtr(p.Fee)
	}
	tx.emit(e)
	tx.settled = append(tx.settled, settlement{position: p, uncollected: uncollected})
	return p
}

// ApplyMarkPrice closes the open mirrors on symbol whose relationship
// stop-loss or take-profit threshold is crossed at price.
func (l *Ledger) ApplyMarkPrice(ctx context.Context, symbol string, price domain.Amount) ([]*domain.Position, error) {
	if !price.IsPositive() {
		return nil, domain.ErrInvalidPosition.With("field", "price", "value", price.String())
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var closed []*domain.Position
	err := l.execute(ctx, "apply_mark_price", func(tx *txn) error {
		ids := make([]uint64, 0)
		for id, p := range tx.l.positions {
			if p.IsOpen() && p.Kind == domain.KindMirror && p.Symbol == symbol {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			p := tx.position(id)
			r := tx.relationship(domain.RelationshipKey{Copier: p.Owner, Trader: p.Trader})
			if r == nil || !thresholdCrossed(p, r.Settings, price) {
				continue
			}
			closed = append(closed, l.settle(tx, id, price, p.PnLAt(price)).Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(closed) > 0 {
		l.logger.Info("Mark price triggered mirror exits",
			zap.String("symbol", symbol),
			zap.String("price", price.String()),
			zap.Int("closed", len(closed)),
		)
	}
	return closed, nil
}

func thresholdCrossed(p *domain.Position, s domain.CopySettings, price domain.Amount) bool {
	move := p.MoveBps(price)
	if s.StopLossBps > 0 && move <= -s.StopLossBps {
		return true
	}
	return s.TakeProfitBps > 0 && move >= s.TakeProfitBps
}

func (l *Ledger) Position(id uint64) (*domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	if !ok {
		return nil, domain.ErrPositionNotFound.With("id", strconv.FormatUint(id, 10))
	}
	return p.Clone(), nil
}

// Positions returns the positions matching f ordered by id.
func (l *Ledger) Positions(f domain.PositionFilter) []*domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.Position
	for _, p := range l.positions {
		if f.Match(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenSymbols lists the symbols that have open mirrors.
func (l *Ledger) OpenSymbols() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := make(map[string]struct{})
	for _, p := range l.positions {
		if p.IsOpen() && p.Kind == domain.KindMirror {
			set[p.Symbol] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (r *OpenResult) clone() *OpenResult {
	out := &OpenResult{Position: r.Position.Clone()}
	for _, m := range r.Mirrors {
		out.Mirrors = append(out.Mirrors, m.Clone())
	}
	return out
}

func (r *CloseResult) clone() *CloseResult {
	out := &CloseResult{Position: r.Position.Clone()}
	for _, m := range r.Mirrors {
		out.Mirrors = append(out.Mirrors, m.Clone())
	}
	return out
}
