package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/config"
	"github.com/vitos/copy_trade_ledger/internal/domain"
	"github.com/vitos/copy_trade_ledger/internal/infrastructure/storage"
	"github.com/vitos/copy_trade_ledger/internal/usecase"
)

func newInspectCmd() *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print table sizes, ledger totals and invariant status of the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := storage.NewSQLiteStore(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", cfg.Database.Path, err)
			}
			defer store.Close()

			ctx := context.Background()
			counts, err := store.CountRows(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Database %s\n", cfg.Database.Path)
			for _, table := range []string{"traders", "accounts", "copy_relationships", "positions", "events"} {
				fmt.Printf("  %-20s %d rows\n", table, counts[table])
			}

			ledger, err := usecase.NewLedger(ctx, usecase.LedgerConfig{MaxFeeBps: domain.Bps(cfg.Ledger.MaxFeeBps)}, store, zap.NewNop())
			if err != nil {
				return fmt.Errorf("failed to restore ledger: %w", err)
			}
			stats := ledger.Stats()
			fmt.Printf("Traders: %d (%d active)\n", stats.Traders, stats.ActiveTraders)
			fmt.Printf("Active relationships: %d, open positions: %d\n", stats.ActiveRelationships, stats.OpenPositions)
			fmt.Printf("Escrow: %s, balances: %s, paused: %t\n", stats.EscrowTotal, stats.BalanceTotal, stats.Paused)

			if err := ledger.CheckInvariants(); err != nil {
				fmt.Printf("❌ Invariant violated: %v\n", err)
			} else {
				fmt.Printf("✅ Invariants hold\n")
			}

			if tail > 0 {
				return printTail(ctx, ledger, counts["events"], tail)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&tail, "events", 0, "also print the last N events")
	return cmd
}

func printTail(ctx context.Context, ledger *usecase.Ledger, total int64, n int) error {
	after := uint64(0)
	if total > int64(n) {
		after = uint64(total - int64(n))
	}
	evs, err := ledger.Events(ctx, after, n)
	if err != nil {
		return err
	}
	for _, e := range evs {
		line := fmt.Sprintf("#%d %s %s", e.Seq, e.At.Format("2006-01-02 15:04:05"), e.Type)
		if e.Trader != nil {
			line += " trader=" + e.Trader.Hex()
		}
		if e.Copier != nil {
			line += " copier=" + e.Copier.Hex()
		}
		if e.PositionID != 0 {
			line += fmt.Sprintf(" position=%d", e.PositionID)
		}
		if e.PnL != nil {
			line += " pnl=" + e.PnL.String()
		}
		fmt.Println(line)
	}
	return nil
}
