package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// One writer; the ledger serializes commits anyway.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS traders (
			address TEXT PRIMARY KEY,
			is_active BOOLEAN NOT NULL,
			verified BOOLEAN NOT NULL DEFAULT 0,
			name TEXT NOT NULL,
			bio TEXT NOT NULL,
			performance_fee_bps INTEGER NOT NULL,
			min_copy_amount TEXT NOT NULL,
			max_copy_amount TEXT NOT NULL,
			twitter TEXT NOT NULL DEFAULT '',
			telegram TEXT NOT NULL DEFAULT '',
			discord TEXT NOT NULL DEFAULT '',
			total_copiers INTEGER NOT NULL DEFAULT 0,
			total_profit TEXT NOT NULL DEFAULT '0',
			total_loss TEXT NOT NULL DEFAULT '0',
			fees_earned TEXT NOT NULL DEFAULT '0',
			total_trades INTEGER NOT NULL DEFAULT 0,
			winning_trades INTEGER NOT NULL DEFAULT 0,
			win_sum TEXT NOT NULL DEFAULT '0',
			loss_sum TEXT NOT NULL DEFAULT '0',
			last_trade_at DATETIME NOT NULL,
			registered_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS accounts (
			address TEXT PRIMARY KEY,
			balance TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS copy_relationships (
			copier TEXT NOT NULL,
			trader TEXT NOT NULL,
			allocated_amount TEXT NOT NULL,
			reserved_margin TEXT NOT NULL,
			leverage INTEGER NOT NULL,
			copy_perps BOOLEAN NOT NULL,
			copy_spot BOOLEAN NOT NULL,
			risk_multiplier_bps INTEGER NOT NULL,
			max_position_size TEXT NOT NULL,
			stop_loss_bps INTEGER NOT NULL,
			take_profit_bps INTEGER NOT NULL,
			enabled_symbols TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL,
			started_at DATETIME NOT NULL,
			stopped_at DATETIME NOT NULL,
			PRIMARY KEY (copier, trader)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_copy_relationships_trader ON copy_relationships(trader);`,
		`CREATE TABLE IF NOT EXISTS positions (
			id INTEGER PRIMARY KEY,
			parent_id INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL,
			owner TEXT NOT NULL,
			trader TEXT NOT NULL,
			market TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			size TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			leverage INTEGER NOT NULL,
			margin TEXT NOT NULL,
			status TEXT NOT NULL,
			exit_price TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			fee TEXT NOT NULL,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_owner_status ON positions(owner, status);`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY,
			type TEXT NOT NULL,
			at DATETIME NOT NULL,
			payload TEXT NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

const (
	metaNextPositionID = "next_position_id"
	metaNextEventSeq   = "next_event_seq"
	metaPaused         = "paused"
	metaPlatformFeeBps = "platform_fee_bps"
)

// LedgerRepository Implementation

func (s *SQLiteStore) Load(ctx context.Context) (*domain.Snapshot, error) {
	snap := &domain.Snapshot{}
	var err error
	if snap.Meta, err = s.loadMeta(ctx); err != nil {
		return nil, fmt.Errorf("load meta: %w", err)
	}
	if snap.Traders, err = s.ListTraders(ctx); err != nil {
		return nil, fmt.Errorf("load traders: %w", err)
	}
	if snap.Accounts, err = s.listAccounts(ctx); err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if snap.Relationships, err = s.listRelationships(ctx); err != nil {
		return nil, fmt.Errorf("load relationships: %w", err)
	}
	if snap.Positions, err = s.ListPositions(ctx); err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	return snap, nil
}

// Commit writes a change set in a single transaction.
func (s *SQLiteStore) Commit(ctx context.Context, cs *domain.ChangeSet) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, t := range cs.Traders {
		if err = saveTrader(ctx, tx, t); err != nil {
			return fmt.Errorf("save trader %s: %w", t.Address.Hex(), err)
		}
	}
	for _, a := range cs.Accounts {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO accounts (address, balance) VALUES (?, ?)
			 ON CONFLICT(address) DO UPDATE SET balance=excluded.balance`,
			a.Address.Hex(), a.Balance); err != nil {
			return fmt.Errorf("save account %s: %w", a.Address.Hex(), err)
		}
	}
	for _, r := range cs.Relationships {
		if err = saveRelationship(ctx, tx, r); err != nil {
			return fmt.Errorf("save relationship %s: %w", r.Key(), err)
		}
	}
	for _, p := range cs.Positions {
		if err = savePosition(ctx, tx, p); err != nil {
			return fmt.Errorf("save position %d: %w", p.ID, err)
		}
	}
	for _, e := range cs.Events {
		payload, mErr := json.Marshal(e)
		if mErr != nil {
			err = mErr
			return fmt.Errorf("encode event %d: %w", e.Seq, err)
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO events (seq, type, at, payload) VALUES (?, ?, ?, ?)`,
			e.Seq, string(e.Type), e.At, string(payload)); err != nil {
			return fmt.Errorf("append event %d: %w", e.Seq, err)
		}
	}
	if err = saveMeta(ctx, tx, cs.Meta); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e domain.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountRows reports the row count of every ledger table.
func (s *SQLiteStore) CountRows(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, table := range []string{"traders", "accounts", "copy_relationships", "positions", "events"} {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

func saveMeta(ctx context.Context, tx *sql.Tx, m domain.LedgerMeta) error {
	values := map[string]string{
		metaNextPositionID: strconv.FormatUint(m.NextPositionID, 10),
		metaNextEventSeq:   strconv.FormatUint(m.NextEventSeq, 10),
		metaPaused:         strconv.FormatBool(m.Paused),
		metaPlatformFeeBps: strconv.FormatInt(int64(m.PlatformFeeBps), 10),
	}
	for k, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) loadMeta(ctx context.Context) (domain.LedgerMeta, error) {
	var m domain.LedgerMeta
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return m, err
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return m, err
		}
		switch k {
		case metaNextPositionID:
			m.NextPositionID, err = strconv.ParseUint(v, 10, 64)
		case metaNextEventSeq:
			m.NextEventSeq, err = strconv.ParseUint(v, 10, 64)
		case metaPaused:
			m.Paused, err = strconv.ParseBool(v)
		case metaPlatformFeeBps:
			var bps int64
			bps, err = strconv.ParseInt(v, 10, 64)
			m.PlatformFeeBps = domain.Bps(bps)
		}
		if err != nil {
			return m, fmt.Errorf("meta %s=%q: %w", k, v, err)
		}
	}
	return m, rows.Err()
}

const traderColumns = `address, is_active, verified, name, bio, performance_fee_bps, min_copy_amount, max_copy_amount,
	twitter, telegram, discord, total_copiers, total_profit, total_loss, fees_earned,
	total_trades, winning_trades, win_sum, loss_sum, last_trade_at, registered_at, updated_at`

func saveTrader(ctx context.Context, tx *sql.Tx, t *domain.Trader) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO traders (`+traderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Address.Hex(), t.IsActive, t.Verified, t.Name, t.Bio, int64(t.PerformanceFeeBps), t.MinCopyAmount, t.MaxCopyAmount,
		t.Socials.Twitter, t.Socials.Telegram, t.Socials.Discord, t.TotalCopiers, t.TotalProfit, t.TotalLoss, t.FeesEarned,
		t.Stats.TotalTrades, t.Stats.WinningTrades, t.Stats.WinSum, t.Stats.LossSum, t.Stats.LastTradeAt.UTC(), t.RegisteredAt.UTC(), t.UpdatedAt.UTC())
	return err
}

func (s *SQLiteStore) ListTraders(ctx context.Context) ([]*domain.Trader, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+traderColumns+` FROM traders ORDER BY registered_at, address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traders []*domain.Trader
	for rows.Next() {
		var t domain.Trader
		var addr string
		var fee int64
		if err := rows.Scan(&addr, &t.IsActive, &t.Verified, &t.Name, &t.Bio, &fee, &t.MinCopyAmount, &t.MaxCopyAmount,
			&t.Socials.Twitter, &t.Socials.Telegram, &t.Socials.Discord, &t.TotalCopiers, &t.TotalProfit, &t.TotalLoss, &t.FeesEarned,
			&t.Stats.TotalTrades, &t.Stats.WinningTrades, &t.Stats.WinSum, &t.Stats.LossSum, &t.Stats.LastTradeAt, &t.RegisteredAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Address = common.HexToAddress(addr)
		t.PerformanceFeeBps = domain.Bps(fee)
		t.Stats.LastTradeAt = normalizeTime(t.Stats.LastTradeAt)
		t.RegisteredAt = normalizeTime(t.RegisteredAt)
		t.UpdatedAt = normalizeTime(t.UpdatedAt)
		traders = append(traders, &t)
	}
	return traders, rows.Err()
}

func (s *SQLiteStore) listAccounts(ctx context.Context) ([]*domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, balance FROM accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		var a domain.Account
		var addr string
		if err := rows.Scan(&addr, &a.Balance); err != nil {
			return nil, err
		}
		a.Address = common.HexToAddress(addr)
		accounts = append(accounts, &a)
	}
	return accounts, rows.Err()
}

const relationshipColumns = `copier, trader, allocated_amount, reserved_margin, leverage, copy_perps, copy_spot,
	risk_multiplier_bps, max_position_size, stop_loss_bps, take_profit_bps, enabled_symbols, is_active, started_at, stopped_at`

func saveRelationship(ctx context.Context, tx *sql.Tx, r *domain.CopyRelationship) error {
	st := r.Settings
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO copy_relationships (`+relationshipColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Copier.Hex(), r.Trader.Hex(), r.AllocatedAmount, r.ReservedMargin, st.Leverage, st.CopyPerps, st.CopySpot,
		int64(st.RiskMultiplierBps), st.MaxPositionSize, int64(st.StopLossBps), int64(st.TakeProfitBps),
		strings.Join(st.EnabledSymbols, ","), r.IsActive, r.StartedAt.UTC(), r.StoppedAt.UTC())
	return err
}

func (s *SQLiteStore) listRelationships(ctx context.Context) ([]*domain.CopyRelationship, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+relationshipColumns+` FROM copy_relationships`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.CopyRelationship
	for rows.Next() {
		var r domain.CopyRelationship
		var copier, trader, symbols string
		var risk, sl, tp int64
		if err := rows.Scan(&copier, &trader, &r.AllocatedAmount, &r.ReservedMargin, &r.Settings.Leverage,
			&r.Settings.CopyPerps, &r.Settings.CopySpot, &risk, &r.Settings.MaxPositionSize, &sl, &tp,
			&symbols, &r.IsActive, &r.StartedAt, &r.StoppedAt); err != nil {
			return nil, err
		}
		r.Copier = common.HexToAddress(copier)
		r.Trader = common.HexToAddress(trader)
		r.Settings.RiskMultiplierBps = domain.Bps(risk)
		r.Settings.StopLossBps = domain.Bps(sl)
		r.Settings.TakeProfitBps = domain.Bps(tp)
		r.StartedAt = normalizeTime(r.StartedAt)
		r.StoppedAt = normalizeTime(r.StoppedAt)
		if symbols != "" {
			r.Settings.EnabledSymbols = strings.Split(symbols, ",")
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

const positionColumns = `id, parent_id, kind, owner, trader, market, symbol, side, size, entry_price, leverage, margin,
	status, exit_price, realized_pnl, fee, opened_at, closed_at`

func savePosition(ctx context.Context, tx *sql.Tx, p *domain.Position) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO positions (`+positionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(p.ID), int64(p.ParentID), string(p.Kind), p.Owner.Hex(), p.Trader.Hex(), string(p.Market), p.Symbol, string(p.Side),
		p.Size, p.EntryPrice, p.Leverage, p.Margin, string(p.Status), p.ExitPrice, p.RealizedPnL, p.Fee,
		p.OpenedAt.UTC(), p.ClosedAt.UTC())
	return err
}

func (s *SQLiteStore) ListPositions(ctx context.Context) ([]*domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		var p domain.Position
		var id, parent int64
		var kind, owner, trader, market, side, status string
		if err := rows.Scan(&id, &parent, &kind, &owner, &trader, &market, &p.Symbol, &side,
			&p.Size, &p.EntryPrice, &p.Leverage, &p.Margin, &status, &p.ExitPrice, &p.RealizedPnL, &p.Fee,
			&p.OpenedAt, &p.ClosedAt); err != nil {
			return nil, err
		}
		p.ID = uint64(id)
		p.ParentID = uint64(parent)
		p.Kind = domain.PositionKind(kind)
		p.Owner = common.HexToAddress(owner)
		p.Trader = common.HexToAddress(trader)
		p.Market = domain.MarketType(market)
		p.Side = domain.Side(side)
		p.Status = domain.PositionStatus(status)
		p.OpenedAt = normalizeTime(p.OpenedAt)
		p.ClosedAt = normalizeTime(p.ClosedAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// normalizeTime strips the monotonic clock and location so loaded values
// compare equal to what was stored.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
