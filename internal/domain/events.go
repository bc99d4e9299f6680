package domain

import "time"

type EventType string

const (
	EventTraderRegistered    EventType = "TraderRegistered"
	EventTraderUpdated       EventType = "TraderUpdated"
	EventTraderDeregistered  EventType = "TraderDeregistered"
	EventTraderVerified      EventType = "TraderVerified"
	EventCopyingStarted      EventType = "CopyingStarted"
	EventCopyingStopped      EventType = "CopyingStopped"
	EventCopySettingsUpdated EventType = "CopySettingsUpdated"
	EventPositionOpened      EventType = "PositionOpened"
	EventPositionClosed      EventType = "PositionClosed"
	EventFundsDeposited      EventType = "FundsDeposited"
	EventFundsWithdrawn      EventType = "FundsWithdrawn"
	EventPaused              EventType = "Paused"
	EventUnpaused            EventType = "Unpaused"
	EventPlatformFeeUpdated  EventType = "PlatformFeeUpdated"
)

// Event is one entry of the append-only audit log. Only the fields relevant
// to the event type are set.
type Event struct {
	Seq        uint64    `json:"seq"`
	Type       EventType `json:"type"`
	At         time.Time `json:"at"`
	Trader     *Address  `json:"trader,omitempty"`
	Copier     *Address  `json:"copier,omitempty"`
	PositionID uint64    `json:"position_id,omitempty"`
	ParentID   uint64    `json:"parent_id,omitempty"`
	Symbol     string    `json:"symbol,omitempty"`
	Side       Side      `json:"side,omitempty"`
	Size       *Amount   `json:"size,omitempty"`
	Price      *Amount   `json:"price,omitempty"`
	Amount     *Amount   `json:"amount,omitempty"`
	PnL        *Amount   `json:"pnl,omitempty"`
	Fee        *Amount   `json:"fee,omitempty"`
	FeeBps     *Bps      `json:"fee_bps,omitempty"`
	Name       string    `json:"name,omitempty"`
}

func AddrPtr(a Address) *Address { return &a }
func AmountPtr(a Amount) *Amount { return &a }
func BpsPtr(b Bps) *Bps { return &b }
