package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

// DefaultHermesURL is the public Pyth Hermes endpoint.
const DefaultHermesURL = "https://hermes.pyth.network"

// PythOracle quotes prices from the Pyth Hermes REST API.
type PythOracle struct {
	baseURL    string
	httpClient *http.Client
	priceIDs   map[string]string
	logger     *zap.Logger
}

type hermesPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type hermesResponse struct {
	Parsed []struct {
		ID    string      `json:"id"`
		Price hermesPrice `json:"price"`
	} `json:"parsed"`
}

// NewPythOracle maps ledger symbols (upper case) to Pyth feed ids.
func NewPythOracle(baseURL string, priceIDs map[string]string, timeout time.Duration, logger *zap.Logger) *PythOracle {
	if baseURL == "" {
		baseURL = DefaultHermesURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ids := make(map[string]string, len(priceIDs))
	for sym, id := range priceIDs {
		ids[strings.ToUpper(sym)] = strings.TrimPrefix(strings.ToLower(id), "0x")
	}
	return &PythOracle{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		priceIDs:   ids,
		logger:     logger,
	}
}

func (o *PythOracle) GetPrice(ctx context.Context, symbol string) (*domain.PriceQuote, error) {
	symbol = strings.ToUpper(symbol)
	id, ok := o.priceIDs[symbol]
	if !ok {
		return nil, fmt.Errorf("no pyth price id for %s", symbol)
	}

	q := url.Values{}
	q.Set("ids[]", id)
	q.Set("parsed", "true")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/v2/updates/price/latest?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hermes request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hermes returned %s for %s", resp.Status, symbol)
	}

	var result hermesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode hermes response: %w", err)
	}
	for _, feed := range result.Parsed {
		if strings.TrimPrefix(strings.ToLower(feed.ID), "0x") != id {
			continue
		}
		quote, err := toQuote(symbol, feed.Price)
		if err != nil {
			return nil, err
		}
		o.logger.Debug("Pyth price",
			zap.String("symbol", symbol),
			zap.String("price", quote.Price.String()),
			zap.Time("published", quote.Timestamp),
		)
		return quote, nil
	}
	return nil, fmt.Errorf("no price data returned for %s", symbol)
}

// Pyth publishes integer mantissas with a base-10 exponent.
func toQuote(symbol string, p hermesPrice) (*domain.PriceQuote, error) {
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return nil, fmt.Errorf("parse pyth price %q: %w", p.Price, err)
	}
	conf, err := decimal.NewFromString(p.Conf)
	if err != nil {
		return nil, fmt.Errorf("parse pyth conf %q: %w", p.Conf, err)
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("non-positive pyth price for %s", symbol)
	}
	return &domain.PriceQuote{
		Symbol:     symbol,
		Price:      domain.AmountFromDecimal(price.Shift(p.Expo)),
		Confidence: domain.AmountFromDecimal(conf.Shift(p.Expo)),
		Timestamp:  time.Unix(p.PublishTime, 0).UTC(),
	}, nil
}
