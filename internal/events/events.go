// Package events carries notifications about committed engine operations to
// downstream consumers. Delivery is best-effort: a sink never fails an
// operation that has already committed.
package events

import (
	"context"
	"strconv"
)

// Type names what happened.
type Type string

const (
	Initialized        Type = "initialized"
	UserInitialized    Type = "user_initialized"
	Deposited          Type = "deposited"
	Withdrew           Type = "withdrew"
	OrderPlaced        Type = "order_placed"
	OrderFilled        Type = "order_filled"
	OrderCancelled     Type = "order_cancelled"
	PositionClosed     Type = "position_closed"
	FundingSettled     Type = "funding_settled"
	PositionSettled    Type = "position_settled"
	MarketAdded        Type = "market_added"
	OracleUpdated      Type = "oracle_updated"
	ExchangePaused     Type = "exchange_paused"
	MarketStatusSet    Type = "market_status_set"
	MarketSettled      Type = "market_settled"
	PositionLiquidated Type = "position_liquidated"
)

// Event is one committed operation. Market is nil for exchange-wide events.
type Event struct {
	Sequence uint64  `json:"sequence"`
	Type     Type    `json:"type"`
	Market   *uint16 `json:"market_index,omitempty"`
	User     string  `json:"user,omitempty"`
	Payload  any     `json:"payload,omitempty"`
	Ts       int64   `json:"ts"`
}

// Subject is the routing subject under prefix: type, then market index.
func (e Event) Subject(prefix string) string {
	s := prefix + "." + string(e.Type)
	if e.Market != nil {
		s += "." + strconv.FormatUint(uint64(*e.Market), 10)
	}
	return s
}

// Sink receives committed events. Implementations must not block the caller
// for long.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, s := range m {
		s.Publish(ctx, e)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// MarketRef is a helper for building events.
func MarketRef(index uint16) *uint16 { return &index }
