package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	hl "github.com/sonirico/go-hyperliquid"
	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

// MainnetWSURL is the public Hyperliquid websocket endpoint.
const MainnetWSURL = "wss://api.hyperliquid.xyz/ws"

// FillFeed streams a trader's Hyperliquid order fills. Dropped connections
// are re-established with exponential backoff until ctx is cancelled.
type FillFeed struct {
	wsURL      string
	logger     *zap.Logger
	maxBackoff time.Duration
}

func NewFillFeed(wsURL string, logger *zap.Logger) *FillFeed {
	if wsURL == "" {
		wsURL = MainnetWSURL
	}
	return &FillFeed{wsURL: wsURL, logger: logger, maxBackoff: time.Minute}
}

func (f *FillFeed) Subscribe(ctx context.Context, trader domain.Address, handle func(domain.Fill)) error {
	backoff := time.Second
	for {
		err := f.stream(ctx, trader, handle)
		if ctx.Err() != nil {
			return nil
		}
		f.logger.Warn("Hyperliquid fill stream ended, reconnecting",
			zap.String("trader", trader.Hex()),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > f.maxBackoff {
			backoff = f.maxBackoff
		}
	}
}

func (f *FillFeed) stream(ctx context.Context, trader domain.Address, handle func(domain.Fill)) error {
	ws := hl.NewWebsocketClient(f.wsURL)
	if err := ws.Connect(ctx); err != nil {
		return fmt.Errorf("connect websocket: %w", err)
	}
	defer func() {
		if err := ws.Close(); err != nil {
			f.logger.Warn("Failed to close websocket", zap.String("trader", trader.Hex()), zap.Error(err))
		}
	}()

	// The callback reports transport errors; the first one ends this stream.
	failed := make(chan error, 1)
	user := strings.ToLower(trader.Hex())
	f.logger.Info("Subscribing to Hyperliquid user fills", zap.String("trader", trader.Hex()))
	sub, err := ws.OrderFills(
		hl.OrderFillsSubscriptionParams{User: user},
		func(fills hl.WsOrderFills, err error) {
			if err != nil {
				select {
				case failed <- err:
				default:
				}
				return
			}
			for _, raw := range fills.Fills {
				fill, err := NormalizeFill(trader, raw)
				if err != nil {
					f.logger.Warn("Skipping malformed fill", zap.String("trader", trader.Hex()), zap.Error(err))
					continue
				}
				handle(fill)
			}
		},
	)
	if err != nil {
		return fmt.Errorf("subscribe to order fills: %w", err)
	}
	defer sub.Close()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-failed:
		return err
	}
}

// NormalizeFill converts a Hyperliquid fill into a ledger fill.
func NormalizeFill(trader domain.Address, fill hl.WsOrderFill) (domain.Fill, error) {
	if fill.Coin == "" {
		return domain.Fill{}, fmt.Errorf("missing coin in fill for %s", trader.Hex())
	}
	price, err := toAmount(fill.Px)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("price: %w", err)
	}
	size, err := toAmount(fill.Sz)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("size: %w", err)
	}
	start, err := toAmount(fill.StartPosition)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("start position: %w", err)
	}
	ms, _ := toInt(fill.Time)
	tid, _ := toInt(fill.Tid)

	side := strings.ToUpper(strings.TrimSpace(fill.Side))
	return domain.Fill{
		Trader:        trader,
		Coin:          strings.ToUpper(fill.Coin),
		Buy:           side == "B" || side == "BUY",
		Price:         price,
		Size:          size,
		StartPosition: start,
		Time:          time.UnixMilli(ms).UTC(),
		TradeID:       tid,
		Hash:          fill.Hash,
	}, nil
}

// Hyperliquid sends decimals as strings; older payloads used numbers.
func toAmount(val any) (domain.Amount, error) {
	switch v := val.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return domain.Amount{}, err
		}
		return domain.AmountFromDecimal(d), nil
	case float64:
		return domain.AmountFromDecimal(decimal.NewFromFloat(v)), nil
	case json.Number:
		return toAmount(v.String())
	case int64:
		return domain.AmountFromInt(v), nil
	case int:
		return domain.AmountFromInt(int64(v)), nil
	default:
		return domain.Amount{}, fmt.Errorf("unsupported decimal type %T", val)
	}
}

func toInt(val any) (int64, error) {
	switch v := val.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported integer type %T", val)
	}
}
