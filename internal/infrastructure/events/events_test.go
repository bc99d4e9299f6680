package events

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

var (
	traderA = common.HexToAddress("0x0000000000000000000000000000000000000001")
	copierX = common.HexToAddress("0x0000000000000000000000000000000000000010")
)

func closedEvent(seq uint64) domain.Event {
	return domain.Event{
		Seq:        seq,
		Type:       domain.EventPositionClosed,
		At:         time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Trader:     domain.AddrPtr(traderA),
		Copier:     domain.AddrPtr(copierX),
		PositionID: 7,
		ParentID:   3,
		Symbol:     "BTC-USD",
		PnL:        domain.AmountPtr(domain.MustAmount("100.000000000000000001")),
		Fee:        domain.AmountPtr(domain.MustAmount("20")),
	}
}

func TestProtoCodec_KeepsFullPrecision(t *testing.T) {
	e := closedEvent(42)
	b, err := ProtoCodec{}.Encode(e)
	require.NoError(t, err)

	got, err := DecodeProto(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.Seq)
	assert.Equal(t, domain.EventPositionClosed, got.Type)
	assert.Equal(t, traderA, *got.Trader)
	assert.True(t, e.PnL.Equal(*got.PnL), "pnl %s", got.PnL)
	assert.True(t, e.At.Equal(got.At))
}

func TestNewCodec(t *testing.T) {
	c, err := NewCodec("")
	require.NoError(t, err)
	assert.Equal(t, "application/json", c.ContentType())

	c, err = NewCodec("proto")
	require.NoError(t, err)
	assert.Equal(t, "application/x-protobuf", c.ContentType())

	_, err = NewCodec("xml")
	assert.Error(t, err)
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { w.closed = true; return nil }

func TestKafkaSink_Publish(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, codec: JSONCodec{}, Topic: "ledger.events"}

	deposit := domain.Event{Seq: 1, Type: domain.EventFundsDeposited, Copier: domain.AddrPtr(copierX)}
	paused := domain.Event{Seq: 2, Type: domain.EventPaused}
	require.NoError(t, sink.Publish(context.Background(), []domain.Event{deposit, paused, closedEvent(3)}))

	require.Len(t, w.msgs, 3)
	assert.Equal(t, copierX.Hex(), string(w.msgs[0].Key))
	assert.Equal(t, "ledger", string(w.msgs[1].Key))
	assert.Equal(t, traderA.Hex(), string(w.msgs[2].Key))
	assert.Equal(t, "PositionClosed", string(w.msgs[2].Headers[0].Value))
	assert.Equal(t, "3", string(w.msgs[2].Headers[1].Value))
	assert.Contains(t, string(w.msgs[2].Value), `"pnl":"100.000000000000000001"`)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_WrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	sink := &KafkaSink{writer: &fakeWriter{err: boom}, codec: JSONCodec{}}
	err := sink.Publish(context.Background(), []domain.Event{closedEvent(1)})
	assert.ErrorIs(t, err, boom)
}

type fakeNATS struct {
	subjects []string
	flushed  int
	drained  bool
}

func (n *fakeNATS) Publish(subj string, _ []byte) error {
	n.subjects = append(n.subjects, subj)
	return nil
}

func (n *fakeNATS) FlushWithContext(context.Context) error { n.flushed++; return nil }
func (n *fakeNATS) Drain() error { n.drained = true; return nil }

func TestNATSSink_PublishesPerEventType(t *testing.T) {
	conn := &fakeNATS{}
	sink := &NATSSink{conn: conn, codec: ProtoCodec{}, prefix: "ledger.events"}

	deposit := domain.Event{Seq: 1, Type: domain.EventFundsDeposited, Copier: domain.AddrPtr(copierX)}
	require.NoError(t, sink.Publish(context.Background(), []domain.Event{deposit, closedEvent(2)}))

	assert.Equal(t, []string{"ledger.events.FundsDeposited", "ledger.events.PositionClosed"}, conn.subjects)
	assert.Equal(t, 1, conn.flushed)
	require.NoError(t, sink.Close())
	assert.True(t, conn.drained)
}

func TestRedisStreamSink_XAddArgs(t *testing.T) {
	sink := NewRedisStreamSink("127.0.0.1:1", "", 0, "ledger:events", 10000, JSONCodec{})
	defer sink.Close()

	a, err := sink.xaddArgs(closedEvent(9))
	require.NoError(t, err)
	assert.Equal(t, "ledger:events", a.Stream)
	assert.Equal(t, int64(10000), a.MaxLen)
	assert.True(t, a.Approx)
	values := a.Values.(map[string]any)
	assert.Equal(t, "9", values["seq"])
	assert.Equal(t, "PositionClosed", values["type"])
}

func TestRedisStreamSink_UnreachableServer(t *testing.T) {
	sink := NewRedisStreamSink("127.0.0.1:1", "", 0, "ledger:events", 0, JSONCodec{})
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sink.Publish(ctx, []domain.Event{closedEvent(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis XADD ledger:events")
}

func dialHub(t *testing.T, hub *Hub, filter *domain.Address) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, filter)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_StreamsFilteredEvents(t *testing.T) {
	hub := NewHub(zap.NewNop())
	all := dialHub(t, hub, nil)
	mine := dialHub(t, hub, domain.AddrPtr(copierX))
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 10*time.Millisecond)

	other := domain.Event{Seq: 1, Type: domain.EventTraderRegistered, Trader: domain.AddrPtr(traderA)}
	require.NoError(t, hub.Publish(context.Background(), []domain.Event{other, closedEvent(2)}))

	read := func(conn *websocket.Conn) uint64 {
		var e domain.Event
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&e))
		return e.Seq
	}
	assert.Equal(t, uint64(1), read(all))
	assert.Equal(t, uint64(2), read(all))
	assert.Equal(t, uint64(2), read(mine))

	require.NoError(t, hub.Close())
	assert.Equal(t, 0, hub.Clients())
}

func TestHub_ClientDisconnectIsRemoved(t *testing.T) {
	hub := NewHub(zap.NewNop())
	conn := dialHub(t, hub, nil)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
