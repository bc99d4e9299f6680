package events

import (
	"context"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

// RedisStreamSink appends events to a capped Redis stream.
type RedisStreamSink struct {
	client *redis.Client
	codec  Codec
	stream string
	maxLen int64
}

func NewRedisStreamSink(addr, password string, db int, stream string, maxLen int64, codec Codec) *RedisStreamSink {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStreamSink{client: client, codec: codec, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Name() string { return "redis" }

func (s *RedisStreamSink) Publish(ctx context.Context, events []domain.Event) error {
	args := make([]*redis.XAddArgs, 0, len(events))
	for _, e := range events {
		a, err := s.xaddArgs(e)
		if err != nil {
			return err
		}
		args = append(args, a)
	}
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, a := range args {
			p.XAdd(ctx, a)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis XADD %s: %w", s.stream, err)
	}
	return nil
}

func (s *RedisStreamSink) xaddArgs(e domain.Event) (*redis.XAddArgs, error) {
	payload, err := s.codec.Encode(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %d: %w", e.Seq, err)
	}
	a := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"seq":     strconv.FormatUint(e.Seq, 10),
			"type":    string(e.Type),
			"payload": payload,
		},
	}
	if s.maxLen > 0 {
		a.MaxLen = s.maxLen
		a.Approx = true
	}
	return a, nil
}

func (s *RedisStreamSink) Close() error {
	return s.client.Close()
}
