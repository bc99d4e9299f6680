package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

// LedgerConfig holds the policy knobs of a ledger instance.
type LedgerConfig struct {
	Owner               domain.Address
	FeeRecipient        domain.Address
	MaxFeeBps           domain.Bps
	PlatformFeeBps      domain.Bps
	RequireVerification bool
}

// DefaultMaxFeeBps caps performance fees at 50%.
const DefaultMaxFeeBps domain.Bps = 5000

// EventPublisher receives events after they are durably committed.
type EventPublisher interface {
	Enqueue(events []domain.Event)
}

// LedgerMetrics observes ledger activity. Implementations must not block.
type LedgerMetrics interface {
	OperationDone(op string, err error, elapsed time.Duration)
	PositionSettled(pos *domain.Position, uncollected domain.Amount)
	StateChanged(stats LedgerStats)
}

// LedgerStats is a point-in-time size of the ledger.
type LedgerStats struct {
	Traders             int
	ActiveTraders       int
	ActiveRelationships int
	OpenPositions       int
	EscrowTotal         domain.Amount
	BalanceTotal        domain.Amount
	Paused              bool
}

type noopMetrics struct{}

func (noopMetrics) OperationDone(string, error, time.Duration) {}
func (noopMetrics) PositionSettled(*domain.Position, domain.Amount) {}
func (noopMetrics) StateChanged(LedgerStats) {}

type LedgerOption func(*Ledger)

func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

func WithMetrics(m LedgerMetrics) LedgerOption {
	return func(l *Ledger) {
		if m != nil {
			l.metrics = m
		}
	}
}

func WithPublisher(p EventPublisher) LedgerOption {
	return func(l *Ledger) { l.publisher = p }
}

// Ledger is the copy-trading state machine. All mutations are serialized by
// one mutex; each runs against a staged transaction that is persisted and then
// merged only when every precondition held.
type Ledger struct {
	cfg       LedgerConfig
	repo      domain.LedgerRepository
	logger    *zap.Logger
	metrics   LedgerMetrics
	publisher EventPublisher
	now       func() time.Time

	mu            sync.Mutex
	meta          domain.LedgerMeta
	traders       map[domain.Address]*domain.Trader
	accounts      map[domain.Address]*domain.Account
	relationships map[domain.RelationshipKey]*domain.CopyRelationship
	positions     map[uint64]*domain.Position
	mirrors       map[uint64][]uint64 // parent id -> mirror ids

	// Event log used when no repository is configured.
	log []domain.Event
}

// NewLedger loads the persisted state from repo. repo may be nil for a purely
// in-memory ledger.
func NewLedger(ctx context.Context, cfg LedgerConfig, repo domain.LedgerRepository, logger *zap.Logger, opts ...LedgerOption) (*Ledger, error) {
	if cfg.MaxFeeBps <= 0 {
		cfg.MaxFeeBps = DefaultMaxFeeBps
	}
	if cfg.MaxFeeBps > domain.BpsDenominator {
		return nil, fmt.Errorf("max fee %d bps exceeds %d", cfg.MaxFeeBps, domain.BpsDenominator)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		cfg:           cfg,
		repo:          repo,
		logger:        logger,
		metrics:       noopMetrics{},
		now:           time.Now,
		traders:       make(map[domain.Address]*domain.Trader),
		accounts:      make(map[domain.Address]*domain.Account),
		relationships: make(map[domain.RelationshipKey]*domain.CopyRelationship),
		positions:     make(map[uint64]*domain.Position),
		mirrors:       make(map[uint64][]uint64),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.meta = domain.LedgerMeta{NextPositionID: 1, NextEventSeq: 1, PlatformFeeBps: cfg.PlatformFeeBps}
	if repo != nil {
		snap, err := repo.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load ledger state: %w", err)
		}
		l.restore(snap)
	}

	l.logger.Info("Ledger ready",
		zap.Int("traders", len(l.traders)),
		zap.Int("relationships", len(l.relationships)),
		zap.Int("positions", len(l.positions)),
		zap.Uint64("next_event_seq", l.meta.NextEventSeq),
		zap.Bool("paused", l.meta.Paused),
	)
	l.metrics.StateChanged(l.statsLocked())
	return l, nil
}

func (l *Ledger) restore(snap *domain.Snapshot) {
	if snap == nil {
		return
	}
	if snap.Meta.NextPositionID > 0 {
		l.meta = snap.Meta
		if l.meta.NextEventSeq == 0 {
			l.meta.NextEventSeq = 1
		}
	}
	for _, t := range snap.Traders {
		l.traders[t.Address] = t
	}
	for _, a := range snap.Accounts {
		l.accounts[a.Address] = a
	}
	for _, r := range snap.Relationships {
		l.relationships[r.Key()] = r
	}
	for _, p := range snap.Positions {
		l.positions[p.ID] = p
		if p.ParentID != 0 {
			l.mirrors[p.ParentID] = append(l.mirrors[p.ParentID], p.ID)
		}
	}
	for parent := range l.mirrors {
		ids := l.mirrors[parent]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
}

// execute runs fn inside the ledger's critical section and commits what it
// staged. Nothing is applied when fn or the commit fails.
func (l *Ledger) execute(ctx context.Context, op string, fn func(tx *txn) error) error {
	start := time.Now()

	l.mu.Lock()
	tx := l.begin()
	err := fn(tx)
	if err == nil {
		err = l.commit(ctx, tx)
	}
	var stats LedgerStats
	if err == nil {
		stats = l.statsLocked()
	}
	l.mu.Unlock()

	l.metrics.OperationDone(op, err, time.Since(start))
	if err != nil {
		var le *domain.Error
		if errors.As(err, &le) {
			l.logger.Debug("Ledger operation rejected", zap.String("op", op), zap.Error(err))
		} else {
			l.logger.Error("Ledger operation failed", zap.String("op", op), zap.Error(err))
		}
		return err
	}

	l.metrics.StateChanged(stats)
	for _, s := range tx.settled {
		l.metrics.PositionSettled(s.position, s.uncollected)
	}
	if l.publisher != nil && len(tx.events) > 0 {
		l.publisher.Enqueue(tx.events)
	}
	return nil
}

func (l *Ledger) commit(ctx context.Context, tx *txn) error {
	changes := tx.changeSet()
	if changes.Empty() && changes.Meta == l.meta {
		return nil
	}
	if l.repo != nil {
		if err := l.repo.Commit(ctx, changes); err != nil {
			return fmt.Errorf("commit ledger changes: %w", err)
		}
	} else {
		l.log = append(l.log, changes.Events...)
	}

	l.meta = changes.Meta
	for _, t := range changes.Traders {
		l.traders[t.Address] = t
	}
	for _, a := range changes.Accounts {
		l.accounts[a.Address] = a
	}
	for _, r := range changes.Relationships {
		l.relationships[r.Key()] = r
	}
	for _, p := range changes.Positions {
		if _, exists := l.positions[p.ID]; !exists && p.ParentID != 0 {
			l.mirrors[p.ParentID] = append(l.mirrors[p.ParentID], p.ID)
		}
		l.positions[p.ID] = p
	}
	return nil
}

func (l *Ledger) statsLocked() LedgerStats {
	s := LedgerStats{Traders: len(l.traders), Paused: l.meta.Paused}
	for _, t := range l.traders {
		if t.IsActive {
			s.ActiveTraders++
		}
	}
	for _, r := range l.relationships {
		if r.IsActive {
			s.ActiveRelationships++
		}
		s.EscrowTotal = s.EscrowTotal.Add(r.AllocatedAmount)
	}
	for _, p := range l.positions {
		if p.IsOpen() {
			s.OpenPositions++
		}
	}
	for _, a := range l.accounts {
		s.BalanceTotal = s.BalanceTotal.Add(a.Balance)
	}
	return s
}

// Stats returns the current ledger size.
func (l *Ledger) Stats() LedgerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statsLocked()
}

func (l *Ledger) Config() LedgerConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	cfg := l.cfg
	cfg.PlatformFeeBps = l.meta.PlatformFeeBps
	return cfg
}

func requireAddress(name string, a domain.Address) error {
	if a == (domain.Address{}) {
		return domain.ErrInvalidAddress.With("field", name)
	}
	return nil
}
