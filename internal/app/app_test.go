package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/config"
	"github.com/vitos/copy_trade_ledger/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Web.Host = "127.0.0.1"
	cfg.Web.Port = 0
	cfg.Ledger.Owner = "0x00000000000000000000000000000000000000a0"
	cfg.Ledger.PlatformFeeBps = 1000
	return cfg
}

func TestApp_RunAndRestore(t *testing.T) {
	cfg := testConfig(t)
	copier := common.HexToAddress("0x0000000000000000000000000000000000000010")

	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, domain.Bps(1000), a.Ledger().Config().PlatformFeeBps)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.NoError(t, a.Ledger().Deposit(ctx, copier, domain.MustAmount("3.5")))
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}

	b, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer b.cleanup(nil)
	assert.True(t, domain.MustAmount("3.5").Equal(b.Ledger().Balance(copier)))
	require.NoError(t, b.Ledger().CheckInvariants())
}

func TestApp_OptionalComponents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Oracle.PriceIDs = map[string]string{"BTC-USD": "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"}
	cfg.Follower.Enabled = true
	cfg.Follower.Traders = []string{"0x0000000000000000000000000000000000000001"}
	cfg.Events.Kafka.Enabled = true
	cfg.Events.Kafka.Brokers = []string{"127.0.0.1:9092"}
	cfg.Events.Redis.Enabled = true

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, a.executor)
	assert.NotNil(t, a.monitor)
	assert.NotNil(t, a.follower)

	sinks, err := a.buildSinks()
	require.NoError(t, err)
	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"websocket", "kafka", "redis"}, names)
	a.cleanup(sinks)
}

func TestApp_BybitOracleSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Oracle.Source = "bybit"
	cfg.Oracle.PriceIDs = nil

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, a.bybit)
	assert.NotNil(t, a.executor)
	a.cleanup(nil)
}

func TestApp_BadCodec(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.Codec = "xml"
	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unknown event codec")
}
