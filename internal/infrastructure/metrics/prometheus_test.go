package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/copy_trade_ledger/internal/domain"
	"github.com/vitos/copy_trade_ledger/internal/usecase"
)

func TestMetrics_OperationResults(t *testing.T) {
	m := New("ledger")
	m.OperationDone("deposit", nil, time.Millisecond)
	m.OperationDone("deposit", domain.ErrInvalidAmount, time.Millisecond)
	m.OperationDone("deposit", errors.New("disk full"), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("deposit", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("deposit", "validation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("deposit", "internal")))
}

func TestMetrics_PositionSettled(t *testing.T) {
	m := New("ledger")
	m.PositionSettled(&domain.Position{
		Kind:        domain.KindMirror,
		RealizedPnL: domain.MustAmount("-12.5"),
	}, domain.MustAmount("2.5"))
	m.PositionSettled(&domain.Position{
		Kind:        domain.KindMirror,
		RealizedPnL: domain.MustAmount("100"),
		Fee:         domain.MustAmount("20"),
	}, domain.Amount{})
	m.PositionSettled(&domain.Position{Kind: domain.KindOwn, RealizedPnL: domain.MustAmount("1000")}, domain.Amount{})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.settled.WithLabelValues("mirror", "loss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settled.WithLabelValues("own", "profit")))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.realizedPnL.WithLabelValues("loss")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.realizedPnL.WithLabelValues("profit")))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.fees))
	assert.Equal(t, 2.5, testutil.ToFloat64(m.uncollected))
}

func TestMetrics_StateAndHandler(t *testing.T) {
	m := New("ledger")
	m.StateChanged(usecase.LedgerStats{
		Traders:             3,
		ActiveTraders:       2,
		ActiveRelationships: 4,
		OpenPositions:       5,
		EscrowTotal:         domain.MustAmount("10.5"),
		Paused:              true,
	})
	m.EventsPublished("kafka", 3, nil)
	m.EventsPublished("kafka", 2, errors.New("down"))
	m.EventsDropped(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.traders.WithLabelValues("inactive")))
	assert.Equal(t, 10.5, testutil.ToFloat64(m.escrow))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.paused))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.eventsPublished.WithLabelValues("kafka", "ok")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.eventsDropped))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger_active_relationships 4")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
