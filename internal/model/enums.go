package model

import "fmt"

// The status and type fields below are closed enums. Each one marshals to
// its lower-case name and rejects unknown names on decode.

type MarketStatus uint8

const (
	MarketUninitialized MarketStatus = iota
	MarketActive
	MarketPaused
	MarketSettled
)

var marketStatusNames = []string{"uninitialized", "active", "paused", "settled"}

func (s MarketStatus) String() string { return enumName(marketStatusNames, int(s)) }

func (s MarketStatus) MarshalText() ([]byte, error) { return enumText(marketStatusNames, int(s)) }

func (s *MarketStatus) UnmarshalText(b []byte) error {
	return parseEnum(marketStatusNames, "market status", b, func(i int) { *s = MarketStatus(i) })
}

type UserStatus uint8

const (
	UserActive UserStatus = iota
	UserBeingLiquidated
	UserBankrupt
)

var userStatusNames = []string{"active", "being_liquidated", "bankrupt"}

func (s UserStatus) String() string { return enumName(userStatusNames, int(s)) }

func (s UserStatus) MarshalText() ([]byte, error) { return enumText(userStatusNames, int(s)) }

func (s *UserStatus) UnmarshalText(b []byte) error {
	return parseEnum(userStatusNames, "user status", b, func(i int) { *s = UserStatus(i) })
}

// OrderStatus zero value is Init, which also marks an empty order slot.
type OrderStatus uint8

const (
	OrderInit OrderStatus = iota
	OrderOpen
	OrderFilled
	OrderCancelled
)

var orderStatusNames = []string{"init", "open", "filled", "cancelled"}

func (s OrderStatus) String() string { return enumName(orderStatusNames, int(s)) }

func (s OrderStatus) MarshalText() ([]byte, error) { return enumText(orderStatusNames, int(s)) }

func (s *OrderStatus) UnmarshalText(b []byte) error {
	return parseEnum(orderStatusNames, "order status", b, func(i int) { *s = OrderStatus(i) })
}

type OrderType uint8

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
	OrderTypeStopLoss
	OrderTypeTakeProfit
)

var orderTypeNames = []string{"market", "limit", "stop_loss", "take_profit"}

func (t OrderType) String() string { return enumName(orderTypeNames, int(t)) }

func (t OrderType) MarshalText() ([]byte, error) { return enumText(orderTypeNames, int(t)) }

func (t *OrderType) UnmarshalText(b []byte) error {
	return parseEnum(orderTypeNames, "order type", b, func(i int) { *t = OrderType(i) })
}

// IsTrigger reports whether the order waits on an oracle condition.
func (t OrderType) IsTrigger() bool {
	return t == OrderTypeStopLoss || t == OrderTypeTakeProfit
}

type Direction uint8

const (
	Long Direction = iota
	Short
)

var directionNames = []string{"long", "short"}

func (d Direction) String() string { return enumName(directionNames, int(d)) }

func (d Direction) MarshalText() ([]byte, error) { return enumText(directionNames, int(d)) }

func (d *Direction) UnmarshalText(b []byte) error {
	return parseEnum(directionNames, "direction", b, func(i int) { *d = Direction(i) })
}

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Sign is +1 for Long and -1 for Short.
func (d Direction) Sign() int64 {
	if d == Long {
		return 1
	}
	return -1
}

// DirectionOf returns the direction of a signed base amount. Zero is Long.
func DirectionOf(base int64) Direction {
	if base < 0 {
		return Short
	}
	return Long
}

type TriggerCondition uint8

const (
	TriggerAbove TriggerCondition = iota
	TriggerBelow
)

var triggerConditionNames = []string{"above", "below"}

func (c TriggerCondition) String() string { return enumName(triggerConditionNames, int(c)) }

func (c TriggerCondition) MarshalText() ([]byte, error) {
	return enumText(triggerConditionNames, int(c))
}

func (c *TriggerCondition) UnmarshalText(b []byte) error {
	return parseEnum(triggerConditionNames, "trigger condition", b, func(i int) { *c = TriggerCondition(i) })
}

// FillKind says what produced a fill record.
type FillKind uint8

const (
	FillOrder FillKind = iota
	FillClose
	FillLiquidation
	FillSettlement
)

var fillKindNames = []string{"order", "close", "liquidation", "settlement"}

func (k FillKind) String() string { return enumName(fillKindNames, int(k)) }

func (k FillKind) MarshalText() ([]byte, error) { return enumText(fillKindNames, int(k)) }

func (k *FillKind) UnmarshalText(b []byte) error {
	return parseEnum(fillKindNames, "fill kind", b, func(i int) { *k = FillKind(i) })
}

func enumName(names []string, i int) string {
	if i < 0 || i >= len(names) {
		return fmt.Sprintf("unknown(%d)", i)
	}
	return names[i]
}

func enumText(names []string, i int) ([]byte, error) {
	if i < 0 || i >= len(names) {
		return nil, fmt.Errorf("model: enum value %d out of range", i)
	}
	return []byte(names[i]), nil
}

func parseEnum(names []string, what string, b []byte, set func(int)) error {
	s := string(b)
	for i, n := range names {
		if n == s {
			set(i)
			return nil
		}
	}
	return fmt.Errorf("model: unknown %s %q", what, s)
}
