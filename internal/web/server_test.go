package web

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
	"github.com/vitos/copy_trade_ledger/internal/usecase"
)

var (
	owner   = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	traderA = common.HexToAddress("0x0000000000000000000000000000000000000001")
	copierX = common.HexToAddress("0x0000000000000000000000000000000000000010")
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, opts Options) (*Server, *usecase.Ledger) {
	t.Helper()
	l, err := usecase.NewLedger(context.Background(), usecase.LedgerConfig{Owner: owner}, nil, zap.NewNop())
	require.NoError(t, err)
	return NewServer(opts, l, nil, nil, nil, zap.NewNop()), l
}

func do(t *testing.T, s *Server, method, path string, caller *common.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set(HeaderCaller, caller.Hex())
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode[struct {
		Error errorBody `json:"error"`
	}](t, rec)
	return body.Error.Code
}

func TestServer_CopyTradingFlow(t *testing.T) {
	s, l := newTestServer(t, Options{})

	rec := do(t, s, http.MethodPost, "/api/v1/traders", &traderA, map[string]any{
		"name":                "alpha",
		"performance_fee_bps": 2000,
		"min_copy_amount":     "0.1",
		"max_copy_amount":     "10",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "alpha", decode[domain.Trader](t, rec).Name)

	rec = do(t, s, http.MethodPost, "/api/v1/funds/deposit", &copierX, map[string]string{"amount": "5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/v1/copy", &copierX, map[string]any{
		"trader": traderA.Hex(),
		"amount": "1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rel := decode[domain.CopyRelationship](t, rec)
	assert.Equal(t, int64(1), rel.Settings.Leverage)
	assert.True(t, rel.Settings.CopyPerps)

	rec = do(t, s, http.MethodPost, "/api/v1/positions", &traderA, map[string]any{
		"symbol":      "btc-usd",
		"is_long":     true,
		"size":        "1",
		"entry_price": "40000",
		"leverage":    1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	opened := decode[usecase.OpenResult](t, rec)
	require.Len(t, opened.Mirrors, 1)
	assert.Equal(t, "BTC-USD", opened.Position.Symbol)

	path := "/api/v1/positions/" + strconv.FormatUint(opened.Position.ID, 10) + "/close"
	rec = do(t, s, http.MethodPost, path, &traderA, map[string]string{"exit_price": "41000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/v1/accounts/"+copierX.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pf := decode[domain.Portfolio](t, rec)
	assert.True(t, domain.MustAmount("84").Equal(pf.Balance), "balance %s", pf.Balance)

	rec = do(t, s, http.MethodGet, "/api/v1/traders/"+traderA.Hex()+"/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/positions?owner="+copierX.Hex()+"&status=closed", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Position](t, rec), 1)

	rec = do(t, s, http.MethodGet, "/api/v1/events?after=2&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	evs := decode[[]domain.Event](t, rec)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)

	rec = do(t, s, http.MethodDelete, "/api/v1/copy/"+traderA.Hex(), &copierX, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	require.NoError(t, l.CheckInvariants())
}

func TestServer_ErrorMapping(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	other := common.HexToAddress("0x0000000000000000000000000000000000000099")

	rec := do(t, s, http.MethodPost, "/api/v1/funds/deposit", &copierX, map[string]string{"amount": "0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidAmount", errorCode(t, rec))

	rec = do(t, s, http.MethodPost, "/api/v1/funds/withdraw", &copierX, map[string]string{"amount": "1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "InsufficientBalance", errorCode(t, rec))

	rec = do(t, s, http.MethodGet, "/api/v1/traders/"+traderA.Hex(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/admin/pause", &other, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NotOwner", errorCode(t, rec))

	rec = do(t, s, http.MethodPost, "/api/v1/admin/pause", &owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodPost, "/api/v1/admin/pause", &owner, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/funds/deposit", nil, map[string]string{"amount": "1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/traders/not-an-address", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/positions/1/close", &traderA, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_MarkPriceIsOwnerOnly(t *testing.T) {
	s, l := newTestServer(t, Options{})
	ctx := context.Background()
	_, err := l.RegisterTrader(ctx, traderA, domain.TraderParams{
		PerformanceFeeBps: 1000,
		MinCopyAmount:     domain.MustAmount("1"),
		MaxCopyAmount:     domain.MustAmount("10"),
	})
	require.NoError(t, err)
	require.NoError(t, l.Deposit(ctx, copierX, domain.MustAmount("10")))
	settings := domain.DefaultCopySettings()
	settings.StopLossBps = 500
	_, err = l.StartCopying(ctx, copierX, traderA, domain.MustAmount("10"), settings)
	require.NoError(t, err)
	_, err = l.OpenPosition(ctx, traderA, usecase.OpenPositionRequest{Symbol: "ETH-USD", IsLong: true, Size: domain.MustAmount("1"), EntryPrice: domain.MustAmount("100"), Leverage: 1})
	require.NoError(t, err)

	body := map[string]string{"symbol": "eth-usd", "price": "90"}
	rec := do(t, s, http.MethodPost, "/api/v1/admin/mark-price", &traderA, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/admin/mark-price", &owner, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[struct {
		Closed []domain.Position `json:"closed"`
	}](t, rec)
	require.Len(t, res.Closed, 1)
	assert.Equal(t, copierX, res.Closed[0].Owner)
}

type fixedOracle struct {
	price domain.Amount
}

func (o fixedOracle) GetPrice(ctx context.Context, symbol string) (*domain.PriceQuote, error) {
	return &domain.PriceQuote{Symbol: symbol, Price: o.price, Timestamp: time.Now()}, nil
}

// openMirror has copierX copy traderA with its whole deposit of 10 and
// returns the ids of traderA's BTC position and copierX's mirror of it.
func openMirror(t *testing.T, l *usecase.Ledger) (uint64, uint64) {
	t.Helper()
	ctx := context.Background()
	_, err := l.RegisterTrader(ctx, traderA, domain.TraderParams{
		PerformanceFeeBps: 1000,
		MinCopyAmount:     domain.MustAmount("1"),
		MaxCopyAmount:     domain.MustAmount("10"),
	})
	require.NoError(t, err)
	require.NoError(t, l.Deposit(ctx, copierX, domain.MustAmount("10")))
	_, err = l.StartCopying(ctx, copierX, traderA, domain.MustAmount("10"), domain.DefaultCopySettings())
	require.NoError(t, err)
	res, err := l.OpenPosition(ctx, traderA, usecase.OpenPositionRequest{Symbol: "BTC-USD", IsLong: true, Size: domain.MustAmount("1"), EntryPrice: domain.MustAmount("100"), Leverage: 1})
	require.NoError(t, err)
	require.Len(t, res.Mirrors, 1)
	return res.Position.ID, res.Mirrors[0].ID
}

func closePath(id uint64) string {
	return "/api/v1/positions/" + strconv.FormatUint(id, 10) + "/close"
}

func TestServer_CloseRejectsCallerPrices(t *testing.T) {
	s, l := newTestServer(t, Options{})
	parentID, mirrorID := openMirror(t, l)

	rec := do(t, s, http.MethodPost, closePath(mirrorID), &copierX, map[string]string{"pnl": "1000000"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UntrustedPrice", errorCode(t, rec))

	rec = do(t, s, http.MethodPost, closePath(mirrorID), &copierX, map[string]string{"exit_price": "1000000"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodPost, closePath(parentID), &traderA, map[string]string{"pnl": "5"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.True(t, l.Balance(copierX).IsZero())

	mirror, err := l.Position(mirrorID)
	require.NoError(t, err)
	assert.True(t, mirror.IsOpen())

	// The ledger owner may settle with a precomputed pnl.
	rec = do(t, s, http.MethodPost, closePath(mirrorID), &owner, map[string]string{"pnl": "2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, domain.MustAmount("1.8").Equal(l.Balance(copierX)), "balance %s", l.Balance(copierX))
	require.NoError(t, l.CheckInvariants())
}

func TestServer_CloseUsesOracleWhenConfigured(t *testing.T) {
	l, err := usecase.NewLedger(context.Background(), usecase.LedgerConfig{Owner: owner}, nil, zap.NewNop())
	require.NoError(t, err)
	executor := usecase.NewTradeExecutor(l, fixedOracle{price: domain.MustAmount("110")}, time.Minute, 100, zap.NewNop())
	s := NewServer(Options{}, l, executor, nil, nil, zap.NewNop())
	parentID, mirrorID := openMirror(t, l)

	rec := do(t, s, http.MethodPost, closePath(mirrorID), &copierX, map[string]string{"exit_price": "1000"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, s, http.MethodPost, closePath(parentID), &traderA, map[string]string{"exit_price": "1000"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodPost, closePath(mirrorID), &copierX, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decode[usecase.CloseResult](t, rec)
	assert.True(t, domain.MustAmount("110").Equal(closed.Position.ExitPrice))
	// pnl 10, fee 1
	assert.True(t, domain.MustAmount("9").Equal(l.Balance(copierX)), "balance %s", l.Balance(copierX))
	require.NoError(t, l.CheckInvariants())
}

type signedCall struct {
	caller common.Address
	sig    string
	ts     int64
	nonce  string
	body   string
}

func sign(t *testing.T, key *ecdsa.PrivateKey, ts int64, nonce, body string) signedCall {
	t.Helper()
	sig, err := SignMessage(key, SigningMessage(http.MethodPost, "/api/v1/funds/deposit", ts, nonce, []byte(body)))
	require.NoError(t, err)
	return signedCall{caller: crypto.PubkeyToAddress(key.PublicKey), sig: sig, ts: ts, nonce: nonce, body: body}
}

func signedRequest(t *testing.T, s *Server, call signedCall) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/funds/deposit", bytes.NewBufferString(call.body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderCaller, call.caller.Hex())
	req.Header.Set(HeaderSignature, call.sig)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(call.ts, 10))
	req.Header.Set(HeaderNonce, call.nonce)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_RequireSignature(t *testing.T) {
	s, l := newTestServer(t, Options{RequireSignature: true, SignatureMaxAge: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ts := now.Unix()

	call := sign(t, key, ts, "n-1", `{"amount":"1"}`)
	rec := signedRequest(t, s, call)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, domain.MustAmount("1").Equal(l.Balance(call.caller)))

	// Same signature, another caller.
	other := call
	other.caller = copierX
	rec = signedRequest(t, s, other)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "BadSignature", errorCode(t, rec))

	old := sign(t, key, ts-120, "n-2", `{"amount":"1"}`)
	rec = signedRequest(t, s, old)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	bad := call
	bad.nonce = "n-3"
	bad.sig = "0xdead"
	rec = signedRequest(t, s, bad)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	noNonce := sign(t, key, ts, "", `{"amount":"1"}`)
	rec = signedRequest(t, s, noNonce)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.True(t, domain.MustAmount("1").Equal(l.Balance(call.caller)))
}

func TestServer_SignatureBindsBodyAndNonce(t *testing.T) {
	s, l := newTestServer(t, Options{RequireSignature: true, SignatureMaxAge: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	call := sign(t, key, now.Unix(), "a", `{"amount":"1"}`)
	tampered := call
	tampered.body = `{"amount":"1000"}`
	rec := signedRequest(t, s, tampered)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.True(t, l.Balance(call.caller).IsZero())

	rec = signedRequest(t, s, call)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Replaying the exact request inside the window is refused.
	now = now.Add(10 * time.Second)
	rec = signedRequest(t, s, call)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "nonce already used")

	// A fresh nonce for the same body goes through.
	rec = signedRequest(t, s, sign(t, key, now.Unix(), "b", `{"amount":"1"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, domain.MustAmount("2").Equal(l.Balance(call.caller)))
}

func TestNonceCache_Expires(t *testing.T) {
	n := newNonceCache(time.Minute)
	t0 := time.Unix(1_700_000_000, 0)
	assert.True(t, n.use("k", t0, t0.Add(time.Minute)))
	assert.False(t, n.use("k", t0.Add(30*time.Second), t0.Add(90*time.Second)))
	assert.True(t, n.use("other", t0.Add(2*time.Minute), t0.Add(3*time.Minute)))
	assert.Equal(t, 1, n.size())
}

func doFrom(t *testing.T, s *Server, remote, method, path string, caller *common.Address, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.RemoteAddr = remote
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set(HeaderCaller, caller.Hex())
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_RateLimit(t *testing.T) {
	s, _ := newTestServer(t, Options{RateLimit: 0.001, RateBurst: 2})

	for i := 0; i < 2; i++ {
		rec := do(t, s, http.MethodGet, "/api/v1/traders", &copierX, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/api/v1/traders", &copierX, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Rotating the caller header does not reset the client's bucket.
	rec = do(t, s, http.MethodGet, "/api/v1/traders", &traderA, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Neither does a forwarding header.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/traders", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = doFrom(t, s, "198.51.100.7:4000", http.MethodGet, "/api/v1/traders", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health is outside the API group.
	rec = do(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RateLimitPerCaller(t *testing.T) {
	s, _ := newTestServer(t, Options{RateLimit: 0.001, RateBurst: 2})
	deposit := `{"amount":"1"}`

	rec := doFrom(t, s, "198.51.100.1:1", http.MethodPost, "/api/v1/funds/deposit", &copierX, deposit)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = doFrom(t, s, "198.51.100.2:1", http.MethodPost, "/api/v1/funds/deposit", &copierX, deposit)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A third address does not help the same caller.
	rec = doFrom(t, s, "198.51.100.3:1", http.MethodPost, "/api/v1/funds/deposit", &copierX, deposit)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = doFrom(t, s, "198.51.100.3:1", http.MethodPost, "/api/v1/funds/deposit", &traderA, deposit)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCallerLimiter_EvictsIdleBuckets(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newCallerLimiter(1, 1, func() time.Time { return now })

	for i := 0; i < 100; i++ {
		l.allow("caller " + strconv.Itoa(i))
	}
	assert.Equal(t, 100, l.size())

	now = now.Add(limiterIdle)
	assert.True(t, l.allow("fresh"))
	assert.Equal(t, 1, l.size())
}

func TestVerifySignature_RoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	msg := SigningMessage("get", "/x", 1, "n", nil)
	assert.Equal(t, "GET /x 1 n "+crypto.Keccak256Hash(nil).Hex(), msg)

	sig, err := SignMessage(key, msg)
	require.NoError(t, err)
	require.NoError(t, VerifySignature(crypto.PubkeyToAddress(key.PublicKey), msg, sig))
}
