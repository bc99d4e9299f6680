package events

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

// Codec turns a ledger event into a message payload.
type Codec interface {
	Encode(e domain.Event) ([]byte, error)
	ContentType() string
}

// NewCodec returns the codec registered under name ("json" or "proto").
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "proto", "protobuf":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown event codec %q", name)
	}
}

type JSONCodec struct{}

func (JSONCodec) Encode(e domain.Event) ([]byte, error) { return json.Marshal(e) }
func (JSONCodec) ContentType() string { return "application/json" }

// ProtoCodec encodes events as google.protobuf.Struct so consumers can decode
// them without generated code. Amounts stay decimal strings.
type ProtoCodec struct{}

func (ProtoCodec) ContentType() string { return "application/x-protobuf" }

func (ProtoCodec) Encode(e domain.Event) ([]byte, error) {
	fields, err := eventFields(e)
	if err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build struct for event %d: %w", e.Seq, err)
	}
	return proto.Marshal(st)
}

// DecodeProto reverses ProtoCodec.Encode.
func DecodeProto(b []byte) (domain.Event, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return domain.Event{}, fmt.Errorf("unmarshal event proto: %w", err)
	}
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return domain.Event{}, err
	}
	var e domain.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return domain.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

func eventFields(e domain.Event) (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %d: %w", e.Seq, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// partitionKey groups an event stream per trader, falling back to the copier.
func partitionKey(e domain.Event) []byte {
	switch {
	case e.Trader != nil:
		return []byte(e.Trader.Hex())
	case e.Copier != nil:
		return []byte(e.Copier.Hex())
	default:
		return []byte("ledger")
	}
}
