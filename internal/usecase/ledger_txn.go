package usecase

import (
	"bytes"
	"sort"
	"time"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

type settlement struct {
	position    *domain.Position
	uncollected domain.Amount
}

// txn stages the writes of one ledger operation. Reads fall through to the
// committed maps; writes go to clones that are merged on commit.
type txn struct {
	l   *Ledger
	now time.Time

	meta          domain.LedgerMeta
	traders       map[domain.Address]*domain.Trader
	accounts      map[domain.Address]*domain.Account
	relationships map[domain.RelationshipKey]*domain.CopyRelationship
	positions     map[uint64]*domain.Position
	events        []domain.Event
	settled       []settlement
}

func (l *Ledger) begin() *txn {
	return &txn{
		l:             l,
		now:           l.now().UTC(),
		meta:          l.meta,
		traders:       make(map[domain.Address]*domain.Trader),
		accounts:      make(map[domain.Address]*domain.Account),
		relationships: make(map[domain.RelationshipKey]*domain.CopyRelationship),
		positions:     make(map[uint64]*domain.Position),
	}
}

func (tx *txn) requireNotPaused() error {
	if tx.meta.Paused {
		return domain.ErrPaused
	}
	return nil
}

func (tx *txn) trader(a domain.Address) *domain.Trader {
	if t, ok := tx.traders[a]; ok {
		return t
	}
	return tx.l.traders[a]
}

func (tx *txn) editTrader(a domain.Address) *domain.Trader {
	if t, ok := tx.traders[a]; ok {
		return t
	}
	t, ok := tx.l.traders[a]
	if !ok {
		return nil
	}
	c := t.Clone()
	tx.traders[a] = c
	return c
}

func (tx *txn) putTrader(t *domain.Trader) {
	tx.traders[t.Address] = t
}

func (tx *txn) balance(a domain.Address) domain.Amount {
	if acc, ok := tx.accounts[a]; ok {
		return acc.Balance
	}
	if acc, ok := tx.l.accounts[a]; ok {
		return acc.Balance
	}
	return domain.Amount{}
}

// editAccount returns a staged account, creating an empty one on first use.
func (tx *txn) editAccount(a domain.Address) *domain.Account {
	if acc, ok := tx.accounts[a]; ok {
		return acc
	}
	var c *domain.Account
	if acc, ok := tx.l.accounts[a]; ok {
		c = acc.Clone()
	} else {
		c = &domain.Account{Address: a}
	}
	tx.accounts[a] = c
	return c
}

func (tx *txn) credit(a domain.Address, amount domain.Amount) {
	if amount.IsZero() {
		return
	}
	acc := tx.editAccount(a)
	acc.Balance = acc.Balance.Add(amount)
}

func (tx *txn) relationship(k domain.RelationshipKey) *domain.CopyRelationship {
	if r, ok := tx.relationships[k]; ok {
		return r
	}
	return tx.l.relationships[k]
}

func (tx *txn) editRelationship(k domain.RelationshipKey) *domain.CopyRelationship {
	if r, ok := tx.relationships[k]; ok {
		return r
	}
	r, ok := tx.l.relationships[k]
	if !ok {
		return nil
	}
	c := r.Clone()
	tx.relationships[k] = c
	return c
}

func (tx *txn) putRelationship(r *domain.CopyRelationship) {
	tx.relationships[r.Key()] = r
}

// activeRelationships returns the active relationships on trader ordered by
// copier address.
func (tx *txn) activeRelationships(trader domain.Address) []*domain.CopyRelationship {
	seen := make(map[domain.RelationshipKey]bool)
	var out []*domain.CopyRelationship
	add := func(r *domain.CopyRelationship) {
		k := r.Key()
		if seen[k] || r.Trader != trader {
			return
		}
		seen[k] = true
		if r = tx.relationship(k); r.IsActive {
			out = append(out, r)
		}
	}
	for _, r := range tx.relationships {
		add(r)
	}
	for _, r := range tx.l.relationships {
		add(r)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Copier.Bytes(), out[j].Copier.Bytes()) < 0
	})
	return out
}

func (tx *txn) position(id uint64) *domain.Position {
	if p, ok := tx.positions[id]; ok {
		return p
	}
	return tx.l.positions[id]
}

func (tx *txn) editPosition(id uint64) *domain.Position {
	if p, ok := tx.positions[id]; ok {
		return p
	}
	p, ok := tx.l.positions[id]
	if !ok {
		return nil
	}
	c := p.Clone()
	tx.positions[id] = c
	return c
}

// newPosition assigns the next id and stages p.
func (tx *txn) newPosition(p *domain.Position) *domain.Position {
	p.ID = tx.meta.NextPositionID
	tx.meta.NextPositionID++
	p.Status = domain.StatusOpen
	p.OpenedAt = tx.now
	tx.positions[p.ID] = p
	return p
}

// openMirrors returns the open mirrors of parent, ordered by id.
func (tx *txn) openMirrors(parent uint64) []uint64 {
	var ids []uint64
	for _, id := range tx.l.mirrors[parent] {
		if p := tx.position(id); p != nil && p.IsOpen() {
			ids = append(ids, id)
		}
	}
	// Mirrors staged in this same transaction are not indexed yet.
	for id, p := range tx.positions {
		if p.ParentID == parent && p.IsOpen() {
			if _, committed := tx.l.positions[id]; !committed {
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (tx *txn) emit(e domain.Event) {
	e.Seq = tx.meta.NextEventSeq
	tx.meta.NextEventSeq++
	e.At = tx.now
	tx.events = append(tx.events, e)
}

func (tx *txn) changeSet() *domain.ChangeSet {
	cs := &domain.ChangeSet{Meta: tx.meta, Events: tx.events}
	for _, t := range tx.traders {
		cs.Traders = append(cs.Traders, t)
	}
	for _, a := range tx.accounts {
		cs.Accounts = append(cs.Accounts, a)
	}
	for _, r := range tx.relationships {
		cs.Relationships = append(cs.Relationships, r)
	}
	for _, p := range tx.positions {
		cs.Positions = append(cs.Positions, p)
	}
	sort.Slice(cs.Positions, func(i, j int) bool { return cs.Positions[i].ID < cs.Positions[j].ID })
	return cs
}
