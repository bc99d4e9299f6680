package domain

import (
	"context"
	"time"
)

// LedgerMeta holds the scalar ledger state persisted next to the entities.
type LedgerMeta struct {
	NextPositionID uint64
	NextEventSeq   uint64
	Paused         bool
	PlatformFeeBps Bps
}

// Snapshot is the full persisted ledger state.
type Snapshot struct {
	Meta          LedgerMeta
	Traders       []*Trader
	Accounts      []*Account
	Relationships []*CopyRelationship
	Positions     []*Position
}

// ChangeSet is everything one ledger operation wrote. A repository must apply
// it atomically.
type ChangeSet struct {
	Meta          LedgerMeta
	Traders       []*Trader
	Accounts      []*Account
	Relationships []*CopyRelationship
	Positions     []*Position
	Events        []Event
}

func (c *ChangeSet) Empty() bool {
	return len(c.Traders) == 0 && len(c.Accounts) == 0 && len(c.Relationships) == 0 &&
		len(c.Positions) == 0 && len(c.Events) == 0
}

// LedgerRepository is the durable store behind the ledger.
type LedgerRepository interface {
	Load(ctx context.Context) (*Snapshot, error)
	Commit(ctx context.Context, changes *ChangeSet) error
	ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]Event, error)
}

// EventSink receives committed events for external consumption. Sinks never
// feed back into ledger state.
type EventSink interface {
	Name() string
	Publish(ctx context.Context, events []Event) error
	Close() error
}

// PriceQuote is an oracle reading.
type PriceQuote struct {
	Symbol     string    `json:"symbol"`
	Price      Amount    `json:"price"`
	Confidence Amount    `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// PriceOracle resolves prices before a ledger operation is invoked.
type PriceOracle interface {
	GetPrice(ctx context.Context, symbol string) (*PriceQuote, error)
}
