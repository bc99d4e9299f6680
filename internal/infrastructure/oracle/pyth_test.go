package oracle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

const btcFeed = "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"

func hermesServer(t *testing.T, status int, body string) (*httptest.Server, *string) {
	t.Helper()
	var gotIDs string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/updates/price/latest", r.URL.Path)
		gotIDs = r.URL.Query().Get("ids[]")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &gotIDs
}

func TestPythOracle_GetPrice(t *testing.T) {
	body := `{"parsed":[{"id":"` + btcFeed + `","price":{"price":"6140993501000","conf":"3300000000","expo":-8,"publish_time":1717632000}}]}`
	srv, gotIDs := hermesServer(t, http.StatusOK, body)

	o := NewPythOracle(srv.URL, map[string]string{"btc-usd": "0x" + btcFeed}, time.Second, zap.NewNop())
	q, err := o.GetPrice(context.Background(), "BTC-USD")
	require.NoError(t, err)

	assert.Equal(t, btcFeed, *gotIDs)
	assert.Equal(t, "BTC-USD", q.Symbol)
	assert.True(t, domain.MustAmount("61409.93501").Equal(q.Price), "price %s", q.Price)
	assert.True(t, domain.MustAmount("33").Equal(q.Confidence), "conf %s", q.Confidence)
	assert.Equal(t, time.Unix(1717632000, 0).UTC(), q.Timestamp)
}

func TestPythOracle_UnknownSymbol(t *testing.T) {
	o := NewPythOracle("http://127.0.0.1:1", nil, time.Second, zap.NewNop())
	_, err := o.GetPrice(context.Background(), "DOGE-USD")
	assert.ErrorContains(t, err, "no pyth price id")
}

func TestPythOracle_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"http error", http.StatusServiceUnavailable, `oops`, "503"},
		{"empty", http.StatusOK, `{"parsed":[]}`, "no price data"},
		{"negative", http.StatusOK, `{"parsed":[{"id":"` + btcFeed + `","price":{"price":"-1","conf":"0","expo":0,"publish_time":1}}]}`, "non-positive"},
		{"garbage", http.StatusOK, `{"parsed":`, "decode hermes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := hermesServer(t, tt.status, tt.body)
			o := NewPythOracle(srv.URL, map[string]string{"BTC-USD": btcFeed}, time.Second, zap.NewNop())
			_, err := o.GetPrice(context.Background(), "BTC-USD")
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
