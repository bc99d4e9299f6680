package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
	"github.com/vitos/copy_trade_ledger/internal/infrastructure/storage"
	"github.com/vitos/copy_trade_ledger/internal/usecase"
)

var (
	owner  = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	trader = common.HexToAddress("0x0000000000000000000000000000000000000001")
	copier = common.HexToAddress("0x0000000000000000000000000000000000000010")
	amt    = domain.MustAmount
)

func openStore(t *testing.T, path string) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func openLedger(t *testing.T, store *storage.SQLiteStore) *usecase.Ledger {
	t.Helper()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l, err := usecase.NewLedger(context.Background(), usecase.LedgerConfig{Owner: owner}, store, zap.NewNop(),
		usecase.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return l
}

func TestSQLiteStore_EmptyLoad(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Traders)
	assert.Equal(t, uint64(0), snap.Meta.NextPositionID)
}

func TestSQLiteStore_LedgerSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	store := openStore(t, path)
	l := openLedger(t, store)

	params := domain.TraderParams{
		Name:              "alpha",
		PerformanceFeeBps: 2000,
		MinCopyAmount:     amt("0.1"),
		MaxCopyAmount:     amt("10"),
		Socials:           domain.Socials{Telegram: "@alpha"},
	}
	_, err := l.RegisterTrader(ctx, trader, params)
	require.NoError(t, err)
	require.NoError(t, l.Deposit(ctx, copier, amt("5")))
	s := domain.DefaultCopySettings()
	s.EnabledSymbols = []string{"BTC-USD", "ETH-USD"}
	s.TakeProfitBps = 300
	_, err = l.StartCopying(ctx, copier, trader, amt("1"), s)
	require.NoError(t, err)

	first, err := l.OpenPosition(ctx, trader, usecase.OpenPositionRequest{Symbol: "BTC-USD", IsLong: true, Size: amt("1"), EntryPrice: amt("40000"), Leverage: 1})
	require.NoError(t, err)
	_, err = l.ClosePosition(ctx, trader, first.Position.ID, amt("41000"))
	require.NoError(t, err)
	second, err := l.OpenPosition(ctx, trader, usecase.OpenPositionRequest{Symbol: "ETH-USD", IsLong: false, Size: amt("2"), EntryPrice: amt("2000"), Leverage: 3})
	require.NoError(t, err)
	require.NoError(t, l.Pause(ctx, owner))

	before := l.Portfolio(copier)
	require.NoError(t, store.Close())

	store2 := openStore(t, path)
	l2 := openLedger(t, store2)
	require.NoError(t, l2.CheckInvariants())

	after := l2.Portfolio(copier)
	assert.True(t, before.Balance.Equal(after.Balance))
	assert.True(t, before.Escrowed.Equal(after.Escrowed))
	assert.True(t, before.AtRisk.Equal(after.AtRisk))
	require.Len(t, after.Relationships, 1)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, after.Relationships[0].Settings.EnabledSymbols)
	assert.Equal(t, domain.Bps(300), after.Relationships[0].Settings.TakeProfitBps)
	assert.True(t, l2.Paused())

	tr, err := l2.Trader(trader)
	require.NoError(t, err)
	assert.Equal(t, "@alpha", tr.Socials.Telegram)
	assert.True(t, amt("20").Equal(tr.FeesEarned))
	assert.Equal(t, int64(1), tr.TotalCopiers)
	assert.Equal(t, int64(1), tr.Stats.TotalTrades)

	pos, err := l2.Position(second.Position.ID)
	require.NoError(t, err)
	assert.True(t, pos.IsOpen())
	assert.Equal(t, domain.SideShort, pos.Side)
	assert.Equal(t, int64(3), pos.Leverage)

	events, err := l2.Events(ctx, 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
	assert.Equal(t, domain.EventPaused, events[len(events)-1].Type)

	// Counters continue where they stopped.
	require.NoError(t, l2.Unpause(ctx, owner))
	third, err := l2.OpenPosition(ctx, trader, usecase.OpenPositionRequest{Symbol: "SOL-USD", IsLong: true, Size: amt("1"), EntryPrice: amt("100"), Leverage: 1})
	require.NoError(t, err)
	assert.Greater(t, third.Position.ID, second.Position.ID)

	next, err := l2.Events(ctx, events[len(events)-1].Seq, 10)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, domain.EventUnpaused, next[0].Type)

	counts, err := store2.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["traders"])
	assert.Equal(t, int64(1), counts["copy_relationships"])
}

func TestSQLiteStore_CommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "ledger.db"))

	e := domain.Event{Seq: 1, Type: domain.EventFundsDeposited, At: time.Now().UTC()}
	require.NoError(t, store.Commit(ctx, &domain.ChangeSet{
		Meta:     domain.LedgerMeta{NextPositionID: 1, NextEventSeq: 2},
		Accounts: []*domain.Account{{Address: copier, Balance: amt("1")}},
		Events:   []domain.Event{e},
	}))

	// Reusing seq 1 violates the primary key, so the balance write must not stick.
	err := store.Commit(ctx, &domain.ChangeSet{
		Meta:     domain.LedgerMeta{NextPositionID: 1, NextEventSeq: 2},
		Accounts: []*domain.Account{{Address: copier, Balance: amt("99")}},
		Events:   []domain.Event{e},
	})
	require.Error(t, err)

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Accounts, 1)
	assert.True(t, amt("1").Equal(snap.Accounts[0].Balance))
}
