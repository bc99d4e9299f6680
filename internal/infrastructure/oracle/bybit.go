package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"
)

// BybitOracle quotes linear perpetual prices from Bybit. Stream keeps a cache
// of top-of-book mid prices fresh; GetPrice falls back to the REST ticker when
// the cache is cold or older than maxAge.
type BybitOracle struct {
	baseURL string
	wsURL   string
	client  *http.Client
	maxAge  time.Duration
	logger  *zap.Logger

	mu    sync.RWMutex
	cache map[string]*domain.PriceQuote
	now   func() time.Time
}

func NewBybitOracle(baseURL, wsURL string, timeout, maxAge time.Duration, logger *zap.Logger) *BybitOracle {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BybitOracle{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		wsURL:   wsURL,
		client:  &http.Client{Timeout: timeout},
		maxAge:  maxAge,
		logger:  logger,
		cache:   make(map[string]*domain.PriceQuote),
		now:     time.Now,
	}
}

// BybitSymbol maps a ledger symbol such as "BTC-USD" to Bybit's "BTCUSDT".
func BybitSymbol(symbol string) string {
	s := strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
	if strings.HasSuffix(s, "USDT") || strings.HasSuffix(s, "USDC") {
		return s
	}
	return strings.TrimSuffix(s, "USD") + "USDT"
}

func (b *BybitOracle) GetPrice(ctx context.Context, symbol string) (*domain.PriceQuote, error) {
	symbol = strings.ToUpper(symbol)
	b.mu.RLock()
	q, ok := b.cache[symbol]
	b.mu.RUnlock()
	if ok && (b.maxAge <= 0 || b.now().Sub(q.Timestamp) <= b.maxAge) {
		c := *q
		return &c, nil
	}
	return b.fetchTicker(ctx, symbol)
}

type bybitTicker struct {
	LastPrice string `json:"lastPrice"`
	MarkPrice string `json:"markPrice"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
}

type bybitTickerList struct {
	List []bybitTicker `json:"list"`
}

type bybitTickers struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  bybitTickerList `json:"result"`
	Time    int64           `json:"time"`
}

func (b *BybitOracle) fetchTicker(ctx context.Context, symbol string) (*domain.PriceQuote, error) {
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", BybitSymbol(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v5/market/tickers?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bybit ticker: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("bybit ticker %s: %s", symbol, resp.Status)
	}

	var result bybitTickers
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode bybit ticker: %w", err)
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit ticker %s: %d %s", symbol, result.RetCode, result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return nil, fmt.Errorf("symbol %s not found", symbol)
	}

	t := result.Result.List[0]
	priceStr := t.MarkPrice
	if priceStr == "" {
		priceStr = t.LastPrice
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil || !price.IsPositive() {
		return nil, fmt.Errorf("bad bybit price %q for %s", priceStr, symbol)
	}
	quote := &domain.PriceQuote{
		Symbol:    symbol,
		Price:     domain.AmountFromDecimal(price),
		Timestamp: time.UnixMilli(result.Time).UTC(),
	}
	if spread, ok := halfSpread(t.Bid1Price, t.Ask1Price); ok {
		quote.Confidence = domain.AmountFromDecimal(spread)
	}
	return quote, nil
}

func halfSpread(bidStr, askStr string) (decimal.Decimal, bool) {
	bid, err := decimal.NewFromString(bidStr)
	if err != nil {
		return decimal.Zero, false
	}
	ask, err := decimal.NewFromString(askStr)
	if err != nil || ask.LessThan(bid) {
		return decimal.Zero, false
	}
	return ask.Sub(bid).Div(decimal.NewFromInt(2)), true
}

// Stream subscribes to the top-of-book of symbols and keeps the cache warm
// until ctx is cancelled, reconnecting after read errors.
func (b *BybitOracle) Stream(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		<-ctx.Done()
		return nil
	}
	backoff := time.Second
	for {
		err := b.streamOnce(ctx, symbols)
		if ctx.Err() != nil {
			return nil
		}
		b.logger.Warn("Bybit stream dropped, reconnecting", zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// Bids and asks are [price, size] pairs.
type bybitBookLevels struct {
	Bids [][]string `json:"b"`
	Asks [][]string `json:"a"`
}

type bybitBook struct {
	Topic string          `json:"topic"`
	Ts    int64           `json:"ts"`
	Data  bybitBookLevels `json:"data"`
}

func (b *BybitOracle) streamOnce(ctx context.Context, symbols []string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// ledger symbol by Bybit symbol
	bySymbol := make(map[string]string, len(symbols))
	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		bs := BybitSymbol(s)
		bySymbol[bs] = strings.ToUpper(s)
		args = append(args, "orderbook.1."+bs)
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var book bybitBook
		if err := json.Unmarshal(message, &book); err != nil || !strings.HasPrefix(book.Topic, "orderbook.1.") {
			continue
		}
		symbol, ok := bySymbol[strings.TrimPrefix(book.Topic, "orderbook.1.")]
		if !ok || len(book.Data.Bids) == 0 || len(book.Data.Asks) == 0 ||
			len(book.Data.Bids[0]) == 0 || len(book.Data.Asks[0]) == 0 {
			continue
		}
		bid, err1 := decimal.NewFromString(book.Data.Bids[0][0])
		ask, err2 := decimal.NewFromString(book.Data.Asks[0][0])
		if err1 != nil || err2 != nil || !bid.IsPositive() || ask.LessThan(bid) {
			continue
		}
		ts := time.UnixMilli(book.Ts).UTC()
		if book.Ts == 0 {
			ts = b.now().UTC()
		}
		b.mu.Lock()
		b.cache[symbol] = &domain.PriceQuote{
			Symbol:     symbol,
			Price:      domain.AmountFromDecimal(bid.Add(ask).Div(decimal.NewFromInt(2))),
			Confidence: domain.AmountFromDecimal(ask.Sub(bid).Div(decimal.NewFromInt(2))),
			Timestamp:  ts,
		}
		b.mu.Unlock()
	}
}
