package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

type natsConn interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSSink publishes every event on <prefix>.<EventType>.
type NATSSink struct {
	conn   natsConn
	codec  Codec
	prefix string
}

func NewNATSSink(url, prefix string, codec Codec) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("copy-trade-ledger"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATSSink{conn: nc, codec: codec, prefix: strings.TrimSuffix(prefix, ".")}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Subject(t domain.EventType) string {
	return s.prefix + "." + string(t)
}

func (s *NATSSink) Publish(ctx context.Context, events []domain.Event) error {
	for _, e := range events {
		data, err := s.codec.Encode(e)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", e.Seq, err)
		}
		if err := s.conn.Publish(s.Subject(e.Type), data); err != nil {
			return fmt.Errorf("nats publish %s: %w", s.Subject(e.Type), err)
		}
	}
	return s.conn.FlushWithContext(ctx)
}

func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
